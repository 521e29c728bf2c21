package supervisor

import (
	"context"
	"fmt"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcInfo is the identity of one running process, as far as the host OS
// will tell us. Exe may be empty when the kernel denies the lookup.
type ProcInfo struct {
	PID  int32
	Name string
	Exe  string
}

// Inspector abstracts host process and socket enumeration so termination
// decisions can be exercised against fabricated process tables.
type Inspector interface {
	// PIDOnPort reports the process listening on a local TCP port.
	PIDOnPort(ctx context.Context, port int) (int32, bool, error)
	// Info resolves a pid to its identity.
	Info(ctx context.Context, pid int32) (ProcInfo, error)
	// Running reports whether the pid still exists.
	Running(ctx context.Context, pid int32) (bool, error)
	// Kill terminates the pid.
	Kill(ctx context.Context, pid int32) error
	// FindByName lists processes whose name matches exactly.
	FindByName(ctx context.Context, name string) ([]ProcInfo, error)
}

// HostInspector is the real Inspector backed by the host process table.
type HostInspector struct{}

var _ Inspector = HostInspector{}

func (HostInspector) PIDOnPort(ctx context.Context, port int) (int32, bool, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, false, fmt.Errorf("enumerate tcp sockets: %w", err)
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port && c.Pid > 0 {
			return c.Pid, true, nil
		}
	}
	return 0, false, nil
}

func (HostInspector) Info(ctx context.Context, pid int32) (ProcInfo, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ProcInfo{}, fmt.Errorf("pid %d: %w", pid, err)
	}
	info := ProcInfo{PID: pid}
	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		info.Exe = exe
	}
	return info, nil
}

func (HostInspector) Running(ctx context.Context, pid int32) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := process.PidExistsWithContext(ctx, pid)
	if err != nil {
		return false, fmt.Errorf("pid %d: %w", pid, err)
	}
	return ok, nil
}

func (HostInspector) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	return nil
}

func (HostInspector) FindByName(ctx context.Context, name string) ([]ProcInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate processes: %w", err)
	}
	var out []ProcInfo
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil || n != name {
			continue
		}
		info := ProcInfo{PID: p.Pid, Name: n}
		if exe, err := p.ExeWithContext(ctx); err == nil {
			info.Exe = exe
		}
		out = append(out, info)
	}
	return out, nil
}
