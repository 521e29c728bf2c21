package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/helmd/helmd/internal/logger"
	"github.com/helmd/helmd/internal/metrics"
)

var (
	// ErrValidationRefused means a candidate process failed identity
	// validation and was left alone. Refusal never escalates on its own.
	ErrValidationRefused = errors.New("process identity validation refused")
	// ErrPortStillOccupied means the port did not free up after a kill.
	ErrPortStillOccupied = errors.New("port still occupied after kill")
)

// Spec identifies one supervised process and the evidence required before
// helmd may terminate anything claiming to be it.
type Spec struct {
	Name         string
	Binary       string
	Args         []string
	Port         int
	PIDFile      string
	AllowedDirs  []string
	AllowedNames []string
	StopGrace    time.Duration
	Log          logger.Config
}

// stopGrace is the window to wait for a killed process to release its
// port.
func (s Spec) stopGrace() time.Duration {
	if s.StopGrace > 0 {
		return s.StopGrace
	}
	return 3 * time.Second
}

// allowedNames falls back to the binary's base name.
func (s Spec) allowedNames() []string {
	if len(s.AllowedNames) > 0 {
		return s.AllowedNames
	}
	return []string{filepath.Base(s.Binary)}
}

// StartResult reports how StartOrAttach satisfied the request.
type StartResult struct {
	PID      int    `json:"pid"`
	Started  bool   `json:"started"`
	Attached string `json:"attached,omitempty"` // "port" | "pidfile"
}

// CleanupResult is the full audit record of one cleanup pass.
type CleanupResult struct {
	Command       string   `json:"command"`
	Port          int      `json:"port"`
	FoundProcess  bool     `json:"found_process"`
	PID           int32    `json:"pid,omitempty"`
	Executable    string   `json:"executable,omitempty"`
	ActionTaken   string   `json:"action_taken"`
	PortFreeAfter bool     `json:"port_free_after"`
	Reason        string   `json:"reason,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// ForceStopResult is the audit record of an aggressive stop.
type ForceStopResult struct {
	Command         string   `json:"command"`
	ProcessesFound  int      `json:"processes_found"`
	ProcessesKilled int      `json:"processes_killed"`
	PortFree        bool     `json:"port_free"`
	StateCleaned    bool     `json:"state_cleaned"`
	Details         []string `json:"details"`
	Errors          []string `json:"errors"`
}

// Supervisor starts, attaches to, probes and terminates managed
// processes. Every termination path validates process identity first:
// an unrelated process squatting on the expected port is reported, not
// killed.
type Supervisor struct {
	insp Inspector
	log  *slog.Logger
}

func New(insp Inspector, log *slog.Logger) *Supervisor {
	if insp == nil {
		insp = HostInspector{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{insp: insp, log: log}
}

// validate checks a process against the spec's identity allow-list. The
// executable path must sit under an allowed directory and its base name
// must be an allowed name. An unresolvable path fails closed.
func (s *Supervisor) validate(info ProcInfo, spec Spec) (bool, string) {
	if info.Exe == "" {
		return false, fmt.Sprintf("pid %d: executable path unresolvable", info.PID)
	}
	base := filepath.Base(info.Exe)
	nameOK := false
	for _, n := range spec.allowedNames() {
		if base == n || info.Name == n {
			nameOK = true
			break
		}
	}
	if !nameOK {
		return false, fmt.Sprintf("pid %d: name %q not in allow-list", info.PID, base)
	}
	if len(spec.AllowedDirs) == 0 {
		return true, ""
	}
	for _, dir := range spec.AllowedDirs {
		if dir != "" && strings.Contains(info.Exe, dir) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("pid %d: executable %q outside allowed directories", info.PID, info.Exe)
}

// StartOrAttach returns the existing process when a validated instance
// already serves the port or the pidfile, and spawns a fresh detached
// instance otherwise. A stale or hijacked pidfile entry is ignored and
// overwritten on spawn.
func (s *Supervisor) StartOrAttach(ctx context.Context, spec Spec) (StartResult, error) {
	if spec.Port > 0 {
		pid, found, err := s.insp.PIDOnPort(ctx, spec.Port)
		if err != nil {
			return StartResult{}, err
		}
		if found {
			info, ierr := s.insp.Info(ctx, pid)
			if ierr == nil {
				if ok, _ := s.validate(info, spec); ok {
					s.log.Info("attached to running process", "name", spec.Name, "pid", pid, "via", "port")
					return StartResult{PID: int(pid), Attached: "port"}, nil
				}
			}
			return StartResult{}, fmt.Errorf("%w: port %d held by unvalidated pid %d", ErrValidationRefused, spec.Port, pid)
		}
	}

	if pid, ok, err := ReadPIDFile(spec.PIDFile); err == nil && ok {
		running, rerr := s.insp.Running(ctx, int32(pid))
		if rerr == nil && running {
			info, ierr := s.insp.Info(ctx, int32(pid))
			if ierr == nil {
				if ok, _ := s.validate(info, spec); ok {
					s.log.Info("attached to running process", "name", spec.Name, "pid", pid, "via", "pidfile")
					return StartResult{PID: pid, Attached: "pidfile"}, nil
				}
			}
		}
	}

	pid, err := s.spawn(spec)
	if err != nil {
		return StartResult{}, err
	}
	if err := WritePIDFile(spec.PIDFile, pid); err != nil {
		s.log.Warn("pidfile not written", "name", spec.Name, "error", err)
	}
	s.log.Info("process started", "name", spec.Name, "binary", spec.Binary, "pid", pid)
	return StartResult{PID: pid, Started: true}, nil
}

// spawn launches the binary detached in its own process group with
// rotating output capture.
func (s *Supervisor) spawn(spec Spec) (int, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	detachProc(cmd)
	stdout, stderr, err := spec.Log.Writers(spec.Name)
	if err != nil {
		s.log.Warn("output capture unavailable", "name", spec.Name, "error", err)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s (%s): %w", spec.Name, spec.Binary, err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()
	return pid, nil
}

// Health probes the port two ways and treats either success as alive: a
// raw TCP dial for the socket, then an HTTP request for servers that
// speak it. Any HTTP status counts; the probe checks liveness, not
// correctness.
func (s *Supervisor) Health(ctx context.Context, port int) bool {
	return s.Probe(ctx, port).Connected
}

// HealthStatus is the result of probing a supervised port. Each probe
// runs independently; either succeeding counts as operational.
type HealthStatus struct {
	Connected     bool            `json:"connected"`
	Port          int             `json:"port"`
	Services      map[string]bool `json:"services"`
	LastCheckedAt time.Time       `json:"last_checked_at"`
}

// Probe runs a TCP dial and an HTTP GET against the port.
func (s *Supervisor) Probe(ctx context.Context, port int) HealthStatus {
	st := HealthStatus{
		Port:          port,
		Services:      map[string]bool{"tcp": false, "http": false},
		LastCheckedAt: time.Now(),
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	d := net.Dialer{Timeout: 2 * time.Second}
	if conn, err := d.DialContext(ctx, "tcp", addr); err == nil {
		conn.Close()
		st.Services["tcp"] = true
	}

	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/", nil); err == nil {
		client := &http.Client{Timeout: 2 * time.Second}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			st.Services["http"] = true
		}
	}

	st.Connected = st.Services["tcp"] || st.Services["http"]
	return st
}

// Cleanup frees the spec's port by killing the validated occupant. It
// never kills what it cannot validate and reports everything it saw.
func (s *Supervisor) Cleanup(ctx context.Context, spec Spec) (CleanupResult, error) {
	res := CleanupResult{Command: "cleanup", Port: spec.Port, ActionTaken: "none"}

	pid, found, err := s.insp.PIDOnPort(ctx, spec.Port)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	if !found {
		res.Reason = "port already free"
		res.PortFreeAfter = true
		return res, nil
	}
	res.FoundProcess = true
	res.PID = pid

	info, err := s.insp.Info(ctx, pid)
	if err != nil {
		res.Reason = "validation failed"
		res.Errors = append(res.Errors, err.Error())
		metrics.ValidationRefused()
		return res, fmt.Errorf("%w: %v", ErrValidationRefused, err)
	}
	res.Executable = info.Exe
	if ok, why := s.validate(info, spec); !ok {
		res.Reason = "validation failed"
		res.Errors = append(res.Errors, why)
		metrics.ValidationRefused()
		s.log.Warn("refusing to kill unvalidated process", "name", spec.Name, "pid", pid, "why", why)
		return res, fmt.Errorf("%w: %s", ErrValidationRefused, why)
	}

	if err := s.insp.Kill(ctx, pid); err != nil {
		res.ActionTaken = "kill_failed"
		res.Errors = append(res.Errors, err.Error())
		return res, err
	}
	res.ActionTaken = "killed"
	metrics.ProcessKilled(spec.Name)
	s.log.Info("killed process", "name", spec.Name, "pid", pid, "executable", info.Exe)

	res.PortFreeAfter = s.waitPortFree(ctx, spec.Port, spec.stopGrace())
	if !res.PortFreeAfter {
		res.Errors = append(res.Errors, ErrPortStillOccupied.Error())
		return res, fmt.Errorf("%w: port %d", ErrPortStillOccupied, spec.Port)
	}
	return res, nil
}

func (s *Supervisor) waitPortFree(ctx context.Context, port int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		_, found, err := s.insp.PIDOnPort(ctx, port)
		if err == nil && !found {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// ForceStop is the aggressive path: a port cleanup first, then a sweep of
// every process matching the allowed names and directories, then state
// file removal. Unvalidated matches are reported and skipped, same as
// Cleanup.
func (s *Supervisor) ForceStop(ctx context.Context, spec Spec) (ForceStopResult, error) {
	res := ForceStopResult{Command: "force_stop", Details: []string{}, Errors: []string{}}

	cleanup, cerr := s.Cleanup(ctx, spec)
	if cleanup.ActionTaken == "killed" {
		res.ProcessesFound++
		res.ProcessesKilled++
		res.Details = append(res.Details, fmt.Sprintf("killed pid %d on port %d", cleanup.PID, spec.Port))
	} else if cerr != nil && !errors.Is(cerr, ErrPortStillOccupied) {
		res.Errors = append(res.Errors, cerr.Error())
	}

	for _, name := range spec.allowedNames() {
		procs, err := s.insp.FindByName(ctx, name)
		if err != nil {
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		for _, info := range procs {
			if cleanup.ActionTaken == "killed" && info.PID == cleanup.PID {
				continue
			}
			res.ProcessesFound++
			if ok, why := s.validate(info, spec); !ok {
				metrics.ValidationRefused()
				res.Details = append(res.Details, "skipped: "+why)
				continue
			}
			if err := s.insp.Kill(ctx, info.PID); err != nil {
				res.Errors = append(res.Errors, err.Error())
				continue
			}
			res.ProcessesKilled++
			metrics.ProcessKilled(spec.Name)
			res.Details = append(res.Details, fmt.Sprintf("killed pid %d (%s)", info.PID, info.Exe))
		}
	}

	res.PortFree = s.waitPortFree(ctx, spec.Port, spec.stopGrace())
	if err := RemovePIDFile(spec.PIDFile); err != nil {
		res.Errors = append(res.Errors, err.Error())
	} else {
		res.StateCleaned = true
	}

	if len(res.Errors) > 0 {
		return res, fmt.Errorf("force stop %s finished with %d errors", spec.Name, len(res.Errors))
	}
	return res, nil
}
