package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// fakeInspector is a fabricated process table.
type fakeInspector struct {
	byPort map[int]int32
	procs  map[int32]ProcInfo
	killed []int32
}

func (f *fakeInspector) PIDOnPort(_ context.Context, port int) (int32, bool, error) {
	pid, ok := f.byPort[port]
	return pid, ok, nil
}

func (f *fakeInspector) Info(_ context.Context, pid int32) (ProcInfo, error) {
	info, ok := f.procs[pid]
	if !ok {
		return ProcInfo{}, fmt.Errorf("pid %d: not found", pid)
	}
	return info, nil
}

func (f *fakeInspector) Running(_ context.Context, pid int32) (bool, error) {
	_, ok := f.procs[pid]
	return ok, nil
}

func (f *fakeInspector) Kill(_ context.Context, pid int32) error {
	if _, ok := f.procs[pid]; !ok {
		return fmt.Errorf("pid %d: not found", pid)
	}
	f.killed = append(f.killed, pid)
	delete(f.procs, pid)
	for port, p := range f.byPort {
		if p == pid {
			delete(f.byPort, port)
		}
	}
	return nil
}

func (f *fakeInspector) FindByName(_ context.Context, name string) ([]ProcInfo, error) {
	var out []ProcInfo
	for _, info := range f.procs {
		if info.Name == name {
			out = append(out, info)
		}
	}
	return out, nil
}

func engineSpec(pidFile string) Spec {
	return Spec{
		Name:        "engine",
		Binary:      "/opt/helmd/bin/temporal/temporal",
		Port:        7233,
		PIDFile:     pidFile,
		AllowedDirs: []string{"/opt/helmd"},
	}
}

func TestCleanupRefusesDecoy(t *testing.T) {
	// An unrelated process listens on the engine port. It must survive.
	insp := &fakeInspector{
		byPort: map[int]int32{7233: 4242},
		procs: map[int32]ProcInfo{
			4242: {PID: 4242, Name: "postgres", Exe: "/usr/lib/postgresql/bin/postgres"},
		},
	}
	s := New(insp, nil)

	res, err := s.Cleanup(context.Background(), engineSpec(""))
	if !errors.Is(err, ErrValidationRefused) {
		t.Fatalf("err = %v, want ErrValidationRefused", err)
	}
	if len(insp.killed) != 0 {
		t.Fatalf("decoy was killed: %v", insp.killed)
	}
	if res.ActionTaken != "none" || res.Reason != "validation failed" {
		t.Fatalf("result = %+v", res)
	}
	if !res.FoundProcess || res.PID != 4242 {
		t.Fatalf("occupant not reported: %+v", res)
	}
}

func TestCleanupKillsValidatedOccupant(t *testing.T) {
	insp := &fakeInspector{
		byPort: map[int]int32{7233: 900},
		procs: map[int32]ProcInfo{
			900: {PID: 900, Name: "temporal", Exe: "/opt/helmd/bin/temporal/temporal"},
		},
	}
	s := New(insp, nil)

	res, err := s.Cleanup(context.Background(), engineSpec(""))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.ActionTaken != "killed" || !res.PortFreeAfter {
		t.Fatalf("result = %+v", res)
	}
	if len(insp.killed) != 1 || insp.killed[0] != 900 {
		t.Fatalf("killed = %v", insp.killed)
	}
}

func TestCleanupPortAlreadyFree(t *testing.T) {
	s := New(&fakeInspector{byPort: map[int]int32{}, procs: map[int32]ProcInfo{}}, nil)
	res, err := s.Cleanup(context.Background(), engineSpec(""))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.FoundProcess || res.ActionTaken != "none" || res.Reason != "port already free" || !res.PortFreeAfter {
		t.Fatalf("result = %+v", res)
	}
}

func TestForceStopSweepsOnlyValidated(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "engine.pid")
	if err := WritePIDFile(pidFile, 901); err != nil {
		t.Fatal(err)
	}
	insp := &fakeInspector{
		byPort: map[int]int32{7233: 901},
		procs: map[int32]ProcInfo{
			// Listener plus a stray worker, both legitimate.
			901: {PID: 901, Name: "temporal", Exe: "/opt/helmd/bin/temporal/temporal"},
			902: {PID: 902, Name: "temporal", Exe: "/opt/helmd/bin/temporal/temporal"},
			// Same name, wrong location. Must not be touched.
			903: {PID: 903, Name: "temporal", Exe: "/home/eve/temporal"},
		},
	}
	s := New(insp, nil)

	res, err := s.ForceStop(context.Background(), engineSpec(pidFile))
	if err != nil {
		t.Fatalf("ForceStop: %v", err)
	}
	if res.ProcessesFound != 3 || res.ProcessesKilled != 2 {
		t.Fatalf("found/killed = %d/%d, want 3/2", res.ProcessesFound, res.ProcessesKilled)
	}
	for _, pid := range insp.killed {
		if pid == 903 {
			t.Fatal("impostor at foreign path was killed")
		}
	}
	if !res.PortFree || !res.StateCleaned {
		t.Fatalf("result = %+v", res)
	}
	if _, ok, _ := ReadPIDFile(pidFile); ok {
		t.Fatal("pidfile survived force stop")
	}
}

func TestStartOrAttachViaPort(t *testing.T) {
	insp := &fakeInspector{
		byPort: map[int]int32{7233: 900},
		procs: map[int32]ProcInfo{
			900: {PID: 900, Name: "temporal", Exe: "/opt/helmd/bin/temporal/temporal"},
		},
	}
	s := New(insp, nil)
	res, err := s.StartOrAttach(context.Background(), engineSpec(""))
	if err != nil {
		t.Fatalf("StartOrAttach: %v", err)
	}
	if res.Started || res.PID != 900 || res.Attached != "port" {
		t.Fatalf("result = %+v", res)
	}
}

func TestStartOrAttachRefusesHijackedPort(t *testing.T) {
	insp := &fakeInspector{
		byPort: map[int]int32{7233: 4242},
		procs: map[int32]ProcInfo{
			4242: {PID: 4242, Name: "nc", Exe: "/usr/bin/nc"},
		},
	}
	s := New(insp, nil)
	if _, err := s.StartOrAttach(context.Background(), engineSpec("")); !errors.Is(err, ErrValidationRefused) {
		t.Fatalf("err = %v, want ErrValidationRefused", err)
	}
}

func TestValidateTable(t *testing.T) {
	s := New(&fakeInspector{}, nil)
	spec := engineSpec("")
	cases := []struct {
		name string
		info ProcInfo
		want bool
	}{
		{"valid", ProcInfo{PID: 1, Name: "temporal", Exe: "/opt/helmd/bin/temporal/temporal"}, true},
		{"wrong name", ProcInfo{PID: 2, Name: "postgres", Exe: "/opt/helmd/bin/postgres"}, false},
		{"wrong dir", ProcInfo{PID: 3, Name: "temporal", Exe: "/tmp/temporal"}, false},
		{"no exe", ProcInfo{PID: 4, Name: "temporal"}, false},
	}
	for _, tc := range cases {
		got, why := s.validate(tc.info, spec)
		if got != tc.want {
			t.Errorf("%s: validate = %v (%s), want %v", tc.name, got, why, tc.want)
		}
	}
}

func TestStopGraceWindow(t *testing.T) {
	if g := (Spec{}).stopGrace(); g != 3*time.Second {
		t.Fatalf("default grace = %v", g)
	}
	if g := (Spec{StopGrace: time.Second}).stopGrace(); g != time.Second {
		t.Fatalf("configured grace = %v", g)
	}
}

func TestProbe(t *testing.T) {
	s := New(&fakeInspector{}, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	st := s.Probe(context.Background(), port)
	if !st.Connected || !st.Services["tcp"] {
		t.Fatalf("expected tcp probe to pass: %+v", st)
	}
	if st.Port != port || st.LastCheckedAt.IsZero() {
		t.Fatalf("probe metadata wrong: %+v", st)
	}

	ln.Close()
	st = s.Probe(context.Background(), port)
	if st.Connected {
		t.Fatalf("expected closed port to fail both probes: %+v", st)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.pid")
	if err := WritePIDFile(path, 12345); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	pid, ok, err := ReadPIDFile(path)
	if err != nil || !ok || pid != 12345 {
		t.Fatalf("ReadPIDFile = %d %v %v", pid, ok, err)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("RemovePIDFile: %v", err)
	}
	if _, ok, _ := ReadPIDFile(path); ok {
		t.Fatal("pidfile still readable after removal")
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatalf("second removal: %v", err)
	}
}
