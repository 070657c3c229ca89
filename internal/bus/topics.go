package bus

// Conflict resolution topics.
const (
	TopicConflictDetected = "conflict.detected"
	TopicConflictResolved = "conflict.resolved"
	TopicConflictStuck    = "conflict.unresolvable"
)

// Schedule topics.
const (
	TopicScheduleFired = "schedule.fired"
)

// ConflictEvent is published when competing candidates are detected or resolved.
type ConflictEvent struct {
	RunID      string // Run ID
	Stage      string // Stage the conflict belongs to
	Subject    string // Subject key under contention
	Candidates int    // Number of candidates considered
	WinnerRole string // Role whose candidate won (resolved only)
	Merged     bool   // True when a merge strategy produced the outcome
}

// ScheduleEvent is published when a recurring schedule fires a new run.
type ScheduleEvent struct {
	ScheduleID string // Schedule ID from config
	RunID      string // Run created by the firing
	Topic      string // Input topic of the new run
}
