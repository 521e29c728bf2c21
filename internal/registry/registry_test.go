package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/helmd/helmd/internal/supervisor"
)

type aliveSet map[int32]bool

func (a aliveSet) PIDOnPort(context.Context, int) (int32, bool, error) { return 0, false, nil }
func (a aliveSet) Info(context.Context, int32) (supervisor.ProcInfo, error) {
	return supervisor.ProcInfo{}, fmt.Errorf("not implemented")
}
func (a aliveSet) Running(_ context.Context, pid int32) (bool, error) { return a[pid], nil }
func (a aliveSet) Kill(context.Context, int32) error                  { return nil }
func (a aliveSet) FindByName(context.Context, string) ([]supervisor.ProcInfo, error) {
	return nil, nil
}

func TestPutGetRemove(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "config", "profiles.json"), nil)

	if err := r.Put(Entry{ProfileID: "alpha", PID: 100, Mode: "audit"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	e, ok, err := r.Get("alpha")
	if err != nil || !ok {
		t.Fatalf("Get = %v %v", ok, err)
	}
	if e.PID != 100 || e.Mode != "audit" || e.StartedAt.IsZero() {
		t.Fatalf("entry = %+v", e)
	}

	started := e.StartedAt
	time.Sleep(10 * time.Millisecond)
	if err := r.Put(Entry{ProfileID: "alpha", PID: 101}); err != nil {
		t.Fatalf("Put update: %v", err)
	}
	e2, _, _ := r.Get("alpha")
	if !e2.StartedAt.Equal(started) {
		t.Fatalf("StartedAt changed on update: %v vs %v", e2.StartedAt, started)
	}
	if !e2.UpdatedAt.After(e2.StartedAt) {
		t.Fatalf("UpdatedAt not advanced: %+v", e2)
	}

	if err := r.Remove("alpha"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, _ := r.Get("alpha"); ok {
		t.Fatal("entry survived removal")
	}
	if err := r.Remove("alpha"); err != nil {
		t.Fatalf("second removal: %v", err)
	}
}

func TestListSorted(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "profiles.json"), nil)
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := r.Put(Entry{ProfileID: id}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].ProfileID != "alpha" || list[2].ProfileID != "charlie" {
		t.Fatalf("list = %+v", list)
	}
}

func TestActiveAndPrune(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "profiles.json"), nil)
	for id, pid := range map[string]int{"live": 10, "dead": 20, "unlaunched": 0} {
		if err := r.Put(Entry{ProfileID: id, PID: pid}); err != nil {
			t.Fatal(err)
		}
	}
	insp := aliveSet{10: true}

	active, err := r.Active(context.Background(), insp)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(active) != 1 || active[0].ProfileID != "live" {
		t.Fatalf("active = %+v", active)
	}

	removed, err := r.Prune(context.Background(), insp)
	if err != nil || removed != 1 {
		t.Fatalf("Prune = %d, %v", removed, err)
	}
	list, _ := r.List()
	// The entry with no pid is left alone.
	if len(list) != 2 {
		t.Fatalf("after prune: %+v", list)
	}
}

func TestCorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := Open(path, nil)
	if _, err := r.List(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMissingFileIsEmpty(t *testing.T) {
	r := Open(filepath.Join(t.TempDir(), "profiles.json"), nil)
	list, err := r.List()
	if err != nil || len(list) != 0 {
		t.Fatalf("List = %+v, %v", list, err)
	}
}
