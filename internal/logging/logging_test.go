package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

type fakeSyslog struct {
	lines []string
}

func (f *fakeSyslog) record(prio, m string) error {
	f.lines = append(f.lines, prio+": "+m)
	return nil
}

func (f *fakeSyslog) Debug(m string) error   { return f.record("debug", m) }
func (f *fakeSyslog) Info(m string) error    { return f.record("info", m) }
func (f *fakeSyslog) Warning(m string) error { return f.record("warning", m) }
func (f *fakeSyslog) Err(m string) error     { return f.record("err", m) }
func (f *fakeSyslog) Crit(m string) error    { return f.record("crit", m) }
func (f *fakeSyslog) Close() error           { return nil }

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"crit", LevelCritical, false},
		{"critical", LevelCritical, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseLevel(%q) = %v, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLevel(%q) failed: %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStreamHandlerCritical(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewStreamHandler(&buf, slog.LevelInfo))

	logger.Log(context.Background(), LevelCritical, "database locked", "watch", 3)
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "level=CRIT") {
		t.Errorf("expected level=CRIT in %q", out)
	}
	if !strings.Contains(out, "watch=3") {
		t.Errorf("expected watch=3 in %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered: %q", out)
	}
}

func TestSyslogHandlerPriorities(t *testing.T) {
	fake := &fakeSyslog{}
	logger := slog.New(newSyslogHandler(fake, slog.LevelDebug)).With("component", "reaper")

	logger.Debug("d")
	logger.Info("i", "pid", 42)
	logger.Warn("w")
	logger.Error("e", "error", "boom now")
	logger.Log(context.Background(), LevelCritical, "c")
	logger.WithGroup("proc").Info("g", "pid", 7)

	want := []string{
		"debug: d component=reaper",
		"info: i component=reaper pid=42",
		"warning: w component=reaper",
		`err: e component=reaper error="boom now"`,
		"crit: c component=reaper",
		"info: g component=reaper proc.pid=7",
	}
	if len(fake.lines) != len(want) {
		t.Fatalf("got %d lines, want %d: %q", len(fake.lines), len(want), fake.lines)
	}
	for i := range want {
		if fake.lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, fake.lines[i], want[i])
		}
	}
}

func TestSyslogHandlerLevel(t *testing.T) {
	fake := &fakeSyslog{}
	logger := slog.New(newSyslogHandler(fake, slog.LevelWarn))

	logger.Info("skipped")
	logger.Warn("kept")

	if len(fake.lines) != 1 || fake.lines[0] != "warning: kept" {
		t.Errorf("unexpected lines: %q", fake.lines)
	}
}
