package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConsultHomeOverride(t *testing.T) {
	viper.Set("home", "/tmp/consult-test-home")
	t.Cleanup(func() { viper.Set("home", "") })

	dir, err := consultHome()
	if err != nil {
		t.Fatalf("consultHome failed: %v", err)
	}
	if dir != "/tmp/consult-test-home" {
		t.Errorf("consultHome = %q", dir)
	}
}

func TestConsultHomeDefault(t *testing.T) {
	viper.Set("home", "")
	t.Setenv("HOME", "/home/probe")

	dir, err := consultHome()
	if err != nil {
		t.Fatalf("consultHome failed: %v", err)
	}
	if dir != filepath.Join("/home/probe", HomeDirName) {
		t.Errorf("consultHome = %q", dir)
	}
}

func TestDaemonLogger(t *testing.T) {
	dir := t.TempDir()
	logger, closeLog, err := newDaemonLogger(dir)
	if err != nil {
		t.Fatalf("newDaemonLogger failed: %v", err)
	}

	logger.Info("probe line", "key", "value")
	closeLog()

	data, err := os.ReadFile(filepath.Join(dir, "daemon.log"))
	if err != nil {
		t.Fatalf("daemon.log missing: %v", err)
	}
	if !strings.Contains(string(data), "probe line") {
		t.Error("log line not written to daemon.log")
	}
}
