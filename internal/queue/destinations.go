package queue

// Destinations are plain strings: an agent role name for task delivery, or a
// run-scoped control destination for completions. Isolation between runs
// comes from the run ID in the destination, never from separate queues.

// CompletionDestination names the control destination where a run's
// scheduler collects completion messages.
func CompletionDestination(runID string) string {
	return "scheduler/" + runID
}
