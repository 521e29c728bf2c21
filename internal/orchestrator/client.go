package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"

	"github.com/helmd/helmd/internal/config"
	"github.com/helmd/helmd/internal/metrics"
	"github.com/helmd/helmd/internal/registry"
)

// Client wraps the workflow-engine SDK client for launch operations.
type Client struct {
	c   client.Client
	cfg config.LaunchConfig
	log *slog.Logger
}

// Dial connects to the engine's gRPC endpoint.
func Dial(hostPort string, cfg config.LaunchConfig, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: "default",
		Logger:    slogAdapter{log.With("component", "engine-sdk")},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to workflow engine at %s: %w", hostPort, err)
	}
	log.Info("connected to workflow engine", "host_port", hostPort)
	return &Client{c: c, cfg: cfg, log: log}, nil
}

// Launch starts the launch workflow and blocks until it finishes. The
// configured timeout scales are stamped onto the input so the workflow
// picks them up without reading process config.
func (c *Client) Launch(ctx context.Context, cfg *LaunchConfig) (*LaunchResult, error) {
	if cfg.ActivityTimeout == 0 {
		cfg.ActivityTimeout = c.cfg.ActivityTimeout
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = c.cfg.HeartbeatTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = int32(c.cfg.MaxAttempts)
	}
	runTimeout := c.cfg.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 30 * time.Minute
	}
	opts := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("launch-%s-%d", cfg.ProfileID, time.Now().Unix()),
		TaskQueue:                c.cfg.TaskQueue,
		WorkflowExecutionTimeout: runTimeout,
		WorkflowTaskTimeout:      10 * time.Second,
	}
	c.log.Info("starting launch workflow", "workflow_id", opts.ID, "profile_id", cfg.ProfileID)
	metrics.LaunchStarted(cfg.Mode)

	we, err := c.c.ExecuteWorkflow(ctx, opts, LaunchWorkflow, cfg)
	if err != nil {
		return nil, fmt.Errorf("start launch workflow: %w", err)
	}

	var result LaunchResult
	if err := we.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("launch workflow %s: %w", we.GetID(), err)
	}
	result.WorkflowID = we.GetID()
	result.RunID = we.GetRunID()
	return &result, nil
}

// Describe reports the current state of a workflow execution.
func (c *Client) Describe(ctx context.Context, workflowID string) (string, error) {
	desc, err := c.c.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return "", fmt.Errorf("describe workflow %s: %w", workflowID, err)
	}
	return desc.GetWorkflowExecutionInfo().GetStatus().String(), nil
}

// LatestLaunch finds the newest launch workflow id for a profile in the
// local registry.
func (c *Client) LatestLaunch(reg *registry.Registry, profileID string) (string, bool, error) {
	if reg == nil {
		return "", false, nil
	}
	e, ok, err := reg.Get(profileID)
	if err != nil || !ok || e.WorkflowID == "" {
		return "", false, err
	}
	return e.WorkflowID, true, nil
}

// Raw exposes the SDK client for worker construction.
func (c *Client) Raw() client.Client { return c.c }

func (c *Client) Close() {
	if c.c != nil {
		c.c.Close()
	}
}

// slogAdapter bridges the SDK's logging interface onto slog.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Debug(msg string, keyvals ...interface{}) { a.l.Debug(msg, keyvals...) }
func (a slogAdapter) Info(msg string, keyvals ...interface{})  { a.l.Info(msg, keyvals...) }
func (a slogAdapter) Warn(msg string, keyvals ...interface{})  { a.l.Warn(msg, keyvals...) }
func (a slogAdapter) Error(msg string, keyvals ...interface{}) { a.l.Error(msg, keyvals...) }
