package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// RunWorker hosts the launch workflow and activities on the task queue
// until ctx is cancelled.
func RunWorker(ctx context.Context, c client.Client, taskQueue string, a *Activities, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(LaunchWorkflow)
	w.RegisterActivity(a)

	if err := w.Start(); err != nil {
		return fmt.Errorf("start worker on %q: %w", taskQueue, err)
	}
	log.Info("launch worker running", "task_queue", taskQueue)
	<-ctx.Done()
	w.Stop()
	log.Info("launch worker stopped", "task_queue", taskQueue)
	return nil
}
