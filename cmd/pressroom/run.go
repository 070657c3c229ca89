package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/inkworks/pressroom/internal/bus"
	"github.com/inkworks/pressroom/internal/scheduler"
)

// runRunCommand executes the pipeline once for a topic and streams lifecycle
// events to stdout until the run reaches a terminal state.
func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	style := fs.String("style", "", "style guide passed to every agent")
	length := fs.Int("length", 0, "target article length in words")
	quiet := fs.Bool("quiet", false, "suppress per-stage progress output")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	topic := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if topic == "" {
		fmt.Fprintln(os.Stderr, "usage: pressroom run <topic> [--style <guide>] [--length <words>]")
		return 2
	}

	cfg, err := loadConfig(nil)
	if err != nil {
		return fatalStartup(nil, "config load", err)
	}
	logger, closeLogs, err := newLogger(cfg, true)
	if err != nil {
		return fatalStartup(nil, "logger init", err)
	}
	defer closeLogs()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return fatalStartup(logger, "runtime init", err)
	}
	defer rt.close(context.WithoutCancel(ctx))
	rt.start(ctx)

	var runOpts []scheduler.RunOption
	if *style != "" {
		runOpts = append(runOpts, scheduler.WithStyleGuide(*style))
	} else if cfg.Pipeline.StyleGuide != "" {
		runOpts = append(runOpts, scheduler.WithStyleGuide(cfg.Pipeline.StyleGuide))
	}
	if *length > 0 {
		runOpts = append(runOpts, scheduler.WithTargetLength(*length))
	} else if cfg.Pipeline.TargetLength > 0 {
		runOpts = append(runOpts, scheduler.WithTargetLength(cfg.Pipeline.TargetLength))
	}

	sub := rt.events.Subscribe("stage.")
	defer rt.events.Unsubscribe(sub)

	run, err := rt.sched.StartRun(ctx, topic, runOpts...)
	if err != nil {
		return fatalStartup(logger, "start run", err)
	}
	fmt.Printf("run %s started: %s\n", run.ID, topic)

	// Abort on interrupt rather than tearing the runtime down mid-stage.
	go func() {
		<-ctx.Done()
		run.Abort()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Ch() {
			se, ok := ev.Payload.(bus.StageEvent)
			if !ok || se.RunID != run.ID || *quiet {
				continue
			}
			switch ev.Topic {
			case bus.TopicStageStarted:
				fmt.Printf("  %s...\n", se.Stage)
			case bus.TopicStageDegraded:
				fmt.Printf("  %s done (degraded)\n", se.Stage)
			case bus.TopicStageCompleted:
				fmt.Printf("  %s done\n", se.Stage)
			}
		}
	}()

	status, err := run.Wait(context.WithoutCancel(ctx))
	rt.events.Unsubscribe(sub)
	<-done
	if err != nil {
		return fatalStartup(logger, "wait", err)
	}

	snap := run.Snapshot()
	switch status {
	case scheduler.StatusCompleted:
		if snap.Degraded {
			fmt.Printf("run %s completed (degraded)\n", run.ID)
		} else {
			fmt.Printf("run %s completed\n", run.ID)
		}
		printArtifacts(ctx, rt, run.ID)
		rt.sched.Release(run.ID)
		return 0
	case scheduler.StatusAborted:
		fmt.Printf("run %s aborted\n", run.ID)
		rt.sched.Release(run.ID)
		return 1
	default:
		fmt.Printf("run %s failed\n", run.ID)
		rt.sched.Release(run.ID)
		return 1
	}
}

// printArtifacts prints the authoritative value for each subject the final
// plan stage produced, following the subject key's indirection.
func printArtifacts(ctx context.Context, rt *runtime, runID string) {
	stages := rt.cfg.Pipeline.Stages
	if len(stages) == 0 {
		return
	}
	for _, subject := range stages[len(stages)-1].Subjects {
		ref, err := rt.mem.Get(ctx, runID, subject)
		if err != nil {
			continue
		}
		entry, err := rt.mem.Get(ctx, runID, ref.Value)
		if err != nil {
			continue
		}
		fmt.Printf("%s: %s\n", subject, entry.Value)
	}
}
