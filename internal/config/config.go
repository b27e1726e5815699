// Package config loads the server configuration.
//
// The file is JSON with comments and trailing commas allowed. Missing keys
// keep their defaults, and a handful of environment variables override the
// file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// DefaultFile is the config file looked up in the config directory.
const DefaultFile = "web-ui-config.json"

// Defaults.
const (
	DefaultHost         = "localhost"
	DefaultPort         = 3847
	DefaultCommand      = "claude"
	DefaultCols         = 120
	DefaultRows         = 30
	DefaultHistoryBytes = 64 * 1024
	DefaultKillGrace    = 5 * time.Second
	DefaultHeartbeat    = 30 * time.Second
	DefaultPlansDir     = "plans"
	DefaultArchiveDir   = "plans/archive"
	DefaultLogLevel     = "info"
	DefaultDBPath       = "data/sessions.db"
	DefaultRecordDir    = "data/recordings"
)

// Duration is a time.Duration that unmarshals from "30s" style strings or
// from a number of milliseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(time.Duration(x) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Server struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type Claude struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	ForcePipe bool     `json:"forcePipe"`
	Cols      uint16   `json:"cols"`
	Rows      uint16   `json:"rows"`
}

type Plans struct {
	Directory        string `json:"directory"`
	ArchiveDirectory string `json:"archiveDirectory"`
}

type Sessions struct {
	HistoryBytes int      `json:"historyBytes"`
	RecordDir    string   `json:"recordDir"`
	DBPath       string   `json:"dbPath"`
	KillGrace    Duration `json:"killGrace"`
}

type Heartbeat struct {
	Interval  Duration `json:"interval"`
	MaxMissed int      `json:"maxMissed"`
}

type Log struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Config is the whole server configuration.
type Config struct {
	Server    Server    `json:"server"`
	Claude    Claude    `json:"claude"`
	Plans     Plans     `json:"plans"`
	Sessions  Sessions  `json:"sessions"`
	Heartbeat Heartbeat `json:"heartbeat"`
	Log       Log       `json:"log"`

	// ProjectDir is where relative paths resolve and the agent runs.
	ProjectDir string `json:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{Host: DefaultHost, Port: DefaultPort},
		Claude: Claude{Command: DefaultCommand, Cols: DefaultCols, Rows: DefaultRows},
		Plans:  Plans{Directory: DefaultPlansDir, ArchiveDirectory: DefaultArchiveDir},
		Sessions: Sessions{
			HistoryBytes: DefaultHistoryBytes,
			RecordDir:    DefaultRecordDir,
			DBPath:       DefaultDBPath,
			KillGrace:    Duration(DefaultKillGrace),
		},
		Heartbeat: Heartbeat{Interval: Duration(DefaultHeartbeat)},
		Log:       Log{Level: DefaultLogLevel},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes JSONC data into cfg, leaving absent keys untouched.
func Parse(data []byte, cfg *Config) error {
	if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("HOST"); ok && v != "" {
		c.Server.Host = v
	}
	if v, ok := lookup("PROJECT_DIR"); ok && v != "" {
		c.ProjectDir = v
	}
	if v, ok := lookup("CLAUDE_COMMAND"); ok && v != "" {
		c.Claude.Command = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	case strings.TrimSpace(c.Claude.Command) == "":
		return errors.New("claude.command is empty")
	case c.Sessions.HistoryBytes <= 0:
		return fmt.Errorf("sessions.historyBytes must be positive, got %d", c.Sessions.HistoryBytes)
	case c.Heartbeat.Interval <= 0:
		return errors.New("heartbeat.interval must be positive")
	case c.Heartbeat.MaxMissed < 0:
		return errors.New("heartbeat.maxMissed must not be negative")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Resolve returns p relative to the project directory. Empty stays empty.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectDir, p)
}

// PlansDir returns the absolute plans directory.
func (c *Config) PlansDir() string { return c.Resolve(c.Plans.Directory) }

// ArchiveDir returns the absolute archive directory.
func (c *Config) ArchiveDir() string { return c.Resolve(c.Plans.ArchiveDirectory) }
