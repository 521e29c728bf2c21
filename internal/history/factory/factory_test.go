package factory

import (
	"context"
	"testing"
	"time"

	"github.com/helmd/helmd/internal/config"
	"github.com/helmd/helmd/internal/history"
)

func TestDisabledReturnsNop(t *testing.T) {
	sink, err := Open(config.HistoryConfig{Enabled: false, Type: "sqlite"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := sink.(history.Nop); !ok {
		t.Fatalf("sink = %T, want history.Nop", sink)
	}
}

func TestSQLiteSink(t *testing.T) {
	sink, err := Open(config.HistoryConfig{Enabled: true, Type: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sink.Close()
	err = sink.Send(context.Background(), history.Event{
		Kind: history.KindEngine, EventType: "ensure", OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestUnknownType(t *testing.T) {
	if _, err := Open(config.HistoryConfig{Enabled: true, Type: "mongodb"}); err == nil {
		t.Fatal("expected error for unknown sink type")
	}
}
