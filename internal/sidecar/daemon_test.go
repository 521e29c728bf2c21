package sidecar

import (
	"bytes"
	"strings"
	"testing"

	"github.com/helmd/helmd/internal/config"
	"github.com/helmd/helmd/internal/logger"
)

type closableBuffer struct{ bytes.Buffer }

func (c *closableBuffer) Close() error { return nil }

func TestDrainStderrSurvivesOversizedLine(t *testing.T) {
	d := NewDaemon(config.SidecarConfig{}, logger.Config{}, nil)

	huge := strings.Repeat("x", maxLineSize+1024)
	input := "before\n" + huge + "\nafter\n"

	sink := &closableBuffer{}
	d.drainStderr(strings.NewReader(input), sink)

	out := sink.String()
	if !strings.Contains(out, "before") {
		t.Fatalf("line before the oversized one missing: %.80s", out)
	}
	if !strings.Contains(out, "after") {
		t.Fatal("output after the oversized line was dropped")
	}
}

func TestDrainStderrNilSink(t *testing.T) {
	d := NewDaemon(config.SidecarConfig{}, logger.Config{}, nil)
	d.drainStderr(strings.NewReader("a line\n"), nil)
}
