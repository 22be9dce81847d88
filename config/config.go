package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const appName = "mbox-drill"

// Config captures every option of every command. Values come from the
// defaults, then the TOML file, then flags set on the command line.
type Config struct {
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`

	Index   IndexConfig   `toml:"index"`
	Report  ReportConfig  `toml:"report"`
	Summary SummaryConfig `toml:"summary"`

	// ConfigFile is the file the values were read from, if any.
	ConfigFile string `toml:"-"`
}

// IndexConfig holds the ingestion options.
type IndexConfig struct {
	MboxPath        string   `toml:"-"`
	IndexPath       string   `toml:"-"`
	Force           bool     `toml:"force"`
	BatchSize       int      `toml:"batch_size"`
	MaxMessageBytes int64    `toml:"max_message_bytes"`
	KeepFromQuoting bool     `toml:"keep_from_quoting"`
	NoProgress      bool     `toml:"no_progress"`
	IncludeHeader   []string `toml:"include_header"`
	IncludeBody     []string `toml:"include_body"`
	ExcludeHeader   []string `toml:"exclude_header"`
	ExcludeBody     []string `toml:"exclude_body"`
	SkipLabels      []string `toml:"skip_labels"`
}

// ReportConfig holds the HTTP report options.
type ReportConfig struct {
	IndexPath      string        `toml:"-"`
	Addr           string        `toml:"addr"`
	Top            int           `toml:"top"`
	RequestTimeout time.Duration `toml:"-"`
	// Timeout is RequestTimeout as written in the file, e.g. "15s".
	Timeout string `toml:"request_timeout"`
}

// SummaryConfig holds the terminal summary options.
type SummaryConfig struct {
	IndexPath string `toml:"-"`
	Top       int    `toml:"top"`
	Output    string `toml:"output"`
	CSVLimit  int    `toml:"csv_limit"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		Index: IndexConfig{
			BatchSize: 500,
		},
		Report: ReportConfig{
			Addr:           "127.0.0.1:31200",
			Top:            30,
			RequestTimeout: 15 * time.Second,
			Timeout:        "15s",
		},
		Summary: SummaryConfig{
			Top:      10,
			CSVLimit: 1000,
		},
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/mbox-drill/config.toml, falling back
// to ~/.config.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName, "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName, "config.toml")
}

// RegisterPersistentFlags attaches the flags shared by every command.
func RegisterPersistentFlags(cmd *cobra.Command) {
	def := Default()
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to a TOML config file (default "+DefaultPath()+")")
	flags.String("log-level", def.LogLevel, "Logging level: debug, info, warn, error")
	flags.String("log-file", "", "Also write logs to this file, rotated")
}

// RegisterIndexFlags attaches the flags of the index command.
func RegisterIndexFlags(cmd *cobra.Command) {
	def := Default().Index
	flags := cmd.Flags()
	flags.BoolP("force", "f", false, "Overwrite an existing index file")
	flags.Int("batch-size", def.BatchSize, "Messages per database transaction")
	flags.Int64("max-message-bytes", 0, "Skip messages larger than this many bytes (0 disables the limit)")
	flags.Bool("keep-from-quoting", false, "Do not strip one '>' from quoted \">From \" lines")
	flags.Bool("no-progress", false, "Disable the progress bar")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	flags.StringArray("skip-label", nil, "Do not index messages carrying this label (repeatable, case-insensitive)")
}

// RegisterReportFlags attaches the flags of the report command.
func RegisterReportFlags(cmd *cobra.Command) {
	def := Default().Report
	flags := cmd.Flags()
	flags.String("addr", def.Addr, "Listen address of the report server")
	flags.Int("top", def.Top, "Rows shown per breakout")
	flags.Duration("request-timeout", def.RequestTimeout, "Time limit for a single report request")
}

// RegisterSummaryFlags attaches the flags of the summary command.
func RegisterSummaryFlags(cmd *cobra.Command) {
	def := Default().Summary
	flags := cmd.Flags()
	flags.IntP("top", "t", def.Top, "Number of top items to display per dimension")
	flags.StringP("output", "o", "", "Directory for CSV reports (none when empty)")
	flags.Int("csv-limit", def.CSVLimit, "Rows per CSV report")
}

// LoadConfig merges defaults, the config file and the flags of cmd, then
// validates the result for the command being run.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	cfg := Default()
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if err := loadFile(&cfg, path); err != nil {
		return Config{}, err
	}
	if err := applyFlags(&cfg, cmd.Name(), flags); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg, cmd.Name()); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile reads path, or the default path when empty. Only an explicitly
// named file has to exist.
func loadFile(cfg *Config, path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		if path == "" {
			return nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.Report.Timeout != "" {
		d, err := time.ParseDuration(cfg.Report.Timeout)
		if err != nil {
			return fmt.Errorf("config %s: invalid report.request_timeout: %w", path, err)
		}
		cfg.Report.RequestTimeout = d
	}
	cfg.ConfigFile = path
	return nil
}

func applyFlags(cfg *Config, command string, flags *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	array := func(name string, dst *[]string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			v, err := flags.GetStringArray(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	str("log-level", &cfg.LogLevel)
	str("log-file", &cfg.LogFile)

	switch command {
	case "index":
		boolean("force", &cfg.Index.Force)
		integer("batch-size", &cfg.Index.BatchSize)
		if f := flags.Lookup("max-message-bytes"); f != nil && f.Changed {
			v, err := flags.GetInt64("max-message-bytes")
			errs = append(errs, err)
			cfg.Index.MaxMessageBytes = v
		}
		boolean("keep-from-quoting", &cfg.Index.KeepFromQuoting)
		boolean("no-progress", &cfg.Index.NoProgress)
		array("include-header", &cfg.Index.IncludeHeader)
		array("include-body", &cfg.Index.IncludeBody)
		array("exclude-header", &cfg.Index.ExcludeHeader)
		array("exclude-body", &cfg.Index.ExcludeBody)
		array("skip-label", &cfg.Index.SkipLabels)
	case "report":
		str("addr", &cfg.Report.Addr)
		integer("top", &cfg.Report.Top)
		if f := flags.Lookup("request-timeout"); f != nil && f.Changed {
			v, err := flags.GetDuration("request-timeout")
			errs = append(errs, err)
			cfg.Report.RequestTimeout = v
		}
	case "summary":
		integer("top", &cfg.Summary.Top)
		str("output", &cfg.Summary.Output)
		integer("csv-limit", &cfg.Summary.CSVLimit)
	}
	return errors.Join(errs...)
}

func validateConfig(cfg Config, command string) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	switch command {
	case "index":
		if cfg.Index.BatchSize <= 0 {
			return fmt.Errorf("--batch-size must be positive")
		}
		if cfg.Index.MaxMessageBytes < 0 {
			return fmt.Errorf("--max-message-bytes must not be negative")
		}
		includeActive := len(cfg.Index.IncludeHeader) > 0 || len(cfg.Index.IncludeBody) > 0
		excludeActive := len(cfg.Index.ExcludeHeader) > 0 || len(cfg.Index.ExcludeBody) > 0
		if includeActive && excludeActive {
			return fmt.Errorf("include and exclude flags are mutually exclusive")
		}
	case "report":
		if strings.TrimSpace(cfg.Report.Addr) == "" {
			return fmt.Errorf("--addr is required")
		}
		if cfg.Report.Top <= 0 {
			return fmt.Errorf("--top must be positive")
		}
		if cfg.Report.RequestTimeout <= 0 {
			return fmt.Errorf("--request-timeout must be positive")
		}
	case "summary":
		if cfg.Summary.Top <= 0 {
			return fmt.Errorf("--top must be positive")
		}
		if cfg.Summary.CSVLimit <= 0 {
			return fmt.Errorf("--csv-limit must be positive")
		}
	}
	return nil
}
