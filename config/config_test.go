package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func newCommand(t *testing.T, name string, register func(*cobra.Command), args ...string) *cobra.Command {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	root := &cobra.Command{Use: "mbox-drill"}
	RegisterPersistentFlags(root)
	cmd := &cobra.Command{Use: name, RunE: func(*cobra.Command, []string) error { return nil }}
	if register != nil {
		register(cmd)
	}
	root.AddCommand(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error: %v", err)
	}
	return cmd
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(newCommand(t, "index", RegisterIndexFlags))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.LogLevel != "info" || cfg.Index.BatchSize != 500 || cfg.ConfigFile != "" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_FileThenFlags(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[index]
batch_size = 50
skip_labels = ["Spam", "Trash"]

[report]
addr = "127.0.0.1:9000"
top = 5
request_timeout = "3s"
`)

	cfg, err := LoadConfig(newCommand(t, "index", RegisterIndexFlags, "--config", path, "--batch-size", "20"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug from file", cfg.LogLevel)
	}
	if cfg.Index.BatchSize != 20 {
		t.Errorf("BatchSize = %d, want flag value 20", cfg.Index.BatchSize)
	}
	if len(cfg.Index.SkipLabels) != 2 {
		t.Errorf("SkipLabels = %v", cfg.Index.SkipLabels)
	}
	if cfg.ConfigFile != path {
		t.Errorf("ConfigFile = %q", cfg.ConfigFile)
	}

	cfg, err = LoadConfig(newCommand(t, "report", RegisterReportFlags, "--config", path, "--top", "7"))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Report.Addr != "127.0.0.1:9000" || cfg.Report.Top != 7 || cfg.Report.RequestTimeout != 3*time.Second {
		t.Errorf("report config = %+v", cfg.Report)
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	cmd := newCommand(t, "summary", RegisterSummaryFlags)
	path := DefaultPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("[summary]\ntop = 3\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(cmd)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Summary.Top != 3 {
		t.Errorf("Top = %d, want 3", cfg.Summary.Top)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		register func(*cobra.Command)
		args     []string
	}{
		{"missing explicit file", "index", RegisterIndexFlags, []string{"--config", "/nonexistent/config.toml"}},
		{"bad log level", "index", RegisterIndexFlags, []string{"--log-level", "loud"}},
		{"zero batch size", "index", RegisterIndexFlags, []string{"--batch-size", "0"}},
		{"filter conflict", "index", RegisterIndexFlags, []string{"--include-header", "a", "--exclude-body", "b"}},
		{"empty addr", "report", RegisterReportFlags, []string{"--addr", " "}},
		{"zero top", "summary", RegisterSummaryFlags, []string{"--top", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(newCommand(t, tt.command, tt.register, tt.args...)); err == nil {
				t.Error("expected error")
			}
		})
	}

	t.Run("invalid toml", func(t *testing.T) {
		path := writeConfig(t, "log_level = ")
		if _, err := LoadConfig(newCommand(t, "index", RegisterIndexFlags, "--config", path)); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestLoadConfig_WarningAlias(t *testing.T) {
	cfg, err := LoadConfig(newCommand(t, "report", RegisterReportFlags, "--log-level", "WARNING"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}
