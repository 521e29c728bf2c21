package sidecar

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/helmd/helmd/internal/protocol"
)

// Dispatcher fans the sidecar's event stream out to interested parties:
// per-profile subscribers, firehose subscribers, and hooks (history
// recording, websocket broadcast). Delivery to a slow subscriber drops
// rather than stalling the stream.
type Dispatcher struct {
	log           *slog.Logger
	lastEventPath string

	mu        sync.Mutex
	nextID    int
	byProfile map[string]map[int]chan protocol.Event
	all       map[int]chan protocol.Event
	hooks     []func(protocol.Event)
}

func NewDispatcher(lastEventPath string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:           log,
		lastEventPath: lastEventPath,
		byProfile:     make(map[string]map[int]chan protocol.Event),
		all:           make(map[int]chan protocol.Event),
	}
}

// Hook registers a synchronous callback invoked for every event. Hooks
// run on the dispatch goroutine and must not block.
func (d *Dispatcher) Hook(fn func(protocol.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, fn)
}

// Subscribe delivers events whose profile id matches. The returned cancel
// func is idempotent and closes the channel.
func (d *Dispatcher) Subscribe(profileID string, buf int) (<-chan protocol.Event, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan protocol.Event, buf)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	subs := d.byProfile[profileID]
	if subs == nil {
		subs = make(map[int]chan protocol.Event)
		d.byProfile[profileID] = subs
	}
	subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			if subs := d.byProfile[profileID]; subs != nil {
				delete(subs, id)
				if len(subs) == 0 {
					delete(d.byProfile, profileID)
				}
			}
			d.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscribeAll delivers every event regardless of profile.
func (d *Dispatcher) SubscribeAll(buf int) (<-chan protocol.Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan protocol.Event, buf)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.all[id] = ch
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.all, id)
			d.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Run consumes events until the stream closes or ctx expires. The most
// recent event timestamp is persisted so a restarted daemon knows its
// rehydration point.
func (d *Dispatcher) Run(ctx context.Context, events <-chan protocol.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.dispatch(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) dispatch(ev protocol.Event) {
	d.mu.Lock()
	hooks := make([]func(protocol.Event), len(d.hooks))
	copy(hooks, d.hooks)
	// Sends stay under the lock: cancel deletes the map entry under the
	// same lock before closing, so no send can hit a closed channel.
	for _, ch := range d.all {
		d.deliver(ch, ev)
	}
	if ev.ProfileID != "" {
		for _, ch := range d.byProfile[ev.ProfileID] {
			d.deliver(ch, ev)
		}
	}
	d.mu.Unlock()

	for _, fn := range hooks {
		fn(ev)
	}
	if ev.Timestamp > 0 {
		d.persistLastEvent(ev.Timestamp)
	}
}

func (d *Dispatcher) deliver(ch chan protocol.Event, ev protocol.Event) {
	select {
	case ch <- ev:
	default:
		d.log.Warn("dropping event for slow subscriber", "type", ev.Type, "profile", ev.ProfileID)
	}
}

// persistLastEvent writes the timestamp via temp file and rename so a
// crash never leaves a torn value.
func (d *Dispatcher) persistLastEvent(ts int64) {
	if d.lastEventPath == "" {
		return
	}
	dir := filepath.Dir(d.lastEventPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Warn("last-event dir", "error", err)
		return
	}
	tmp, err := os.CreateTemp(dir, ".last_event-*")
	if err != nil {
		d.log.Warn("last-event temp", "error", err)
		return
	}
	name := tmp.Name()
	_, werr := tmp.WriteString(strconv.FormatInt(ts, 10) + "\n")
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(name)
		return
	}
	if err := os.Rename(name, d.lastEventPath); err != nil {
		_ = os.Remove(name)
		d.log.Warn("last-event rename", "error", err)
	}
}

// LastEventTime reads the persisted rehydration point.
func (d *Dispatcher) LastEventTime() (time.Time, bool) {
	if d.lastEventPath == "" {
		return time.Time{}, false
	}
	b, err := os.ReadFile(d.lastEventPath)
	if err != nil {
		return time.Time{}, false
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ts), true
}
