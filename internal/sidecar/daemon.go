package sidecar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/helmd/helmd/internal/config"
	"github.com/helmd/helmd/internal/logger"
	"github.com/helmd/helmd/internal/protocol"
)

// Daemon owns one sidecar child process and the Channel speaking to it.
// Stdout carries the protocol; stderr is diagnostic output and is drained
// to the log so the child never blocks on a full pipe.
type Daemon struct {
	cfg    config.SidecarConfig
	logCfg logger.Config
	log    *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	channel *Channel
	stdin   io.WriteCloser
	exited  chan struct{}
	exitErr error
}

func NewDaemon(cfg config.SidecarConfig, logCfg logger.Config, log *slog.Logger) *Daemon {
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{cfg: cfg, logCfg: logCfg, log: log}
}

// Start spawns the sidecar in its own process group and begins the
// channel read loop. The call returns once the pipes are connected; it
// does not wait for the child's DAEMON_READY event.
func (d *Daemon) Start(ctx context.Context) (*Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return nil, errors.New("sidecar already running")
	}

	cmd := exec.Command(d.cfg.Binary, d.cfg.Args...)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sidecar stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sidecar %s: %w", d.cfg.Binary, err)
	}
	d.log.Info("sidecar started", "binary", d.cfg.Binary, "pid", cmd.Process.Pid)

	ch := NewChannel(stdin, d.cfg.AckTimeout, d.log)
	d.cmd = cmd
	d.channel = ch
	d.stdin = stdin
	d.exited = make(chan struct{})

	_, errSink, werr := d.logCfg.Writers("sidecar")
	if werr != nil {
		d.log.Warn("sidecar stderr capture unavailable", "error", werr)
	}
	go d.drainStderr(stderr, errSink)

	go func() {
		if err := ch.Run(ctx, stdout); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("channel read loop ended", "error", err)
		}
	}()

	go func() {
		err := cmd.Wait()
		d.mu.Lock()
		d.exitErr = err
		d.mu.Unlock()
		close(d.exited)
		if err != nil {
			d.log.Warn("sidecar exited", "pid", cmd.Process.Pid, "error", err)
		} else {
			d.log.Info("sidecar exited", "pid", cmd.Process.Pid)
		}
	}()

	return ch, nil
}

func (d *Daemon) drainStderr(r io.Reader, sink io.WriteCloser) {
	if sink != nil {
		defer sink.Close()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := sc.Text()
		d.log.Debug("sidecar stderr", "line", line)
		if sink != nil {
			fmt.Fprintln(sink, line)
		}
	}
	// An oversized line stops the scanner. Keep draining raw so the
	// child never blocks on a full stderr pipe.
	if err := sc.Err(); err != nil {
		d.log.Warn("sidecar stderr scan", "error", err)
		if sink != nil {
			_, _ = io.Copy(sink, r)
		} else {
			_, _ = io.Copy(io.Discard, r)
		}
	}
}

// Channel returns the live channel, or nil before Start.
func (d *Daemon) Channel() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channel
}

// PID returns the child pid, or 0 if not running.
func (d *Daemon) PID() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}

// WaitReady blocks until the sidecar announces DAEMON_READY, forwarding
// any earlier events to handle if non-nil. It fails when the stream ends
// or ctx expires first.
func (d *Daemon) WaitReady(ctx context.Context, ch *Channel, handle func(protocol.Event)) error {
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return ErrChannelClosed
			}
			if ev.Type == protocol.EventTypeDaemonReady {
				d.log.Info("sidecar ready", "pid", d.PID())
				return nil
			}
			if handle != nil {
				handle(ev)
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for sidecar ready: %w", ctx.Err())
		}
	}
}

// Shutdown asks the sidecar to exit and escalates to a process-group kill
// when the grace window elapses. Closing stdin after the exit command
// gives line-oriented children a second EOF-based stop signal.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	cmd := d.cmd
	ch := d.channel
	stdin := d.stdin
	exited := d.exited
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if ch != nil {
		if _, err := ch.SendShutdown(ctx); err != nil && !errors.Is(err, ErrChannelClosed) {
			d.log.Warn("shutdown command not sent", "error", err)
		}
	}
	if stdin != nil {
		_ = stdin.Close()
	}

	grace := d.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	d.log.Warn("sidecar did not exit in grace window, killing", "pid", cmd.Process.Pid)
	killGroup(cmd)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("sidecar pid %d survived kill", cmd.Process.Pid)
	}
	return nil
}
