package power

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ankouros/dutconsole/internal/model"
)

func TestCommandsRun(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state")

	dev := model.Device{
		Name: "orin",
		Power: &model.PowerConfig{
			On:  "echo on > " + state,
			Off: "echo off > " + state,
		},
	}
	c := FromConfig(dev, nil)

	if err := c.On(context.Background()); err != nil {
		t.Fatalf("On: %v", err)
	}
	if b, _ := os.ReadFile(state); strings.TrimSpace(string(b)) != "on" {
		t.Fatalf("state after On = %q", b)
	}
	if err := c.Off(context.Background()); err != nil {
		t.Fatalf("Off: %v", err)
	}
	if b, _ := os.ReadFile(state); strings.TrimSpace(string(b)) != "off" {
		t.Fatalf("state after Off = %q", b)
	}
}

func TestCommandsFailureIncludesOutput(t *testing.T) {
	c := &Commands{OffCommand: "echo relay busy >&2; exit 3"}
	err := c.Off(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "relay busy") {
		t.Fatalf("error %q does not carry command output", err)
	}
}

func TestCommandsNotConfigured(t *testing.T) {
	c := FromConfig(model.Device{Name: "bare"}, nil)
	if err := c.On(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCommandsHonourContext(t *testing.T) {
	c := &Commands{OnCommand: "sleep 5"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.On(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
