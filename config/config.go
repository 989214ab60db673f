// Package config loads the server configuration from a YAML file and watches it for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/liverun/internal/files"
	"gopkg.in/yaml.v3"
)

// FileName is the file Discover looks for.
const FileName = "liverun.yaml"

const (
	RunnerLocal  = "local"
	RunnerLua    = "lua"
	RunnerDocker = "docker"
)

// Duration is a time.Duration written as a string such as "90s" or "2m".
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	// Runner is one of local, lua or docker.
	Runner      string   `yaml:"runner"`
	Interpreter []string `yaml:"interpreter"`
	DockerImage string   `yaml:"docker_image"`

	MaxSessions    int      `yaml:"max_sessions"`
	SessionTimeout Duration `yaml:"session_timeout"`
	MaxOutputBytes int64    `yaml:"max_output_bytes"`
	// DrainTimeout is how long the output of an exited program may stay idle. Zero means no bound.
	DrainTimeout   Duration `yaml:"drain_timeout"`

	ReadLimit   int64    `yaml:"read_limit"`
	InputRate   float64  `yaml:"input_rate"`
	InputBurst  int      `yaml:"input_burst"`
	CloseGrace  Duration `yaml:"close_grace"`
	// IdleTimeout closes connections that have not started a program by then. Zero means no bound.
	IdleTimeout Duration `yaml:"idle_timeout"`

	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// HistoryDB is the SQLite database finished sessions are recorded in. Empty disables history.
	HistoryDB string  `yaml:"history_db"`
	Archive   Archive `yaml:"archive"`
}

// Archive configures uploading session records to S3. An empty bucket disables it.
type Archive struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

func Default() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8080",
		LogLevel:       "info",
		Runner:         RunnerLocal,
		MaxSessions:    10,
		SessionTimeout: Duration(2 * time.Minute),
		MaxOutputBytes: 1 << 20,
		DrainTimeout:   Duration(2 * time.Second),
		ReadLimit:      1 << 20,
		InputRate:      20,
		InputBurst:     40,
		CloseGrace:     Duration(5 * time.Second),
		IdleTimeout:    Duration(time.Minute),
		Archive:        Archive{Prefix: "sessions/"},
	}
}

// Load reads the file at path over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Discover finds the config file for dir: path if it is set, otherwise the nearest liverun.yaml in dir or its parents.
// It returns "" if there is none.
func Discover(path, dir string) (string, error) {
	if path != "" {
		return path, nil
	}
	return files.FindUp(FileName, dir)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Runner {
	case RunnerLocal, RunnerLua, RunnerDocker:
	default:
		errs = append(errs, fmt.Errorf("unknown runner %q, must be one of [%s,%s,%s]", c.Runner, RunnerLocal, RunnerLua, RunnerDocker))
	}
	if c.MaxSessions < 0 {
		errs = append(errs, errors.New("max_sessions must not be negative"))
	}
	if c.SessionTimeout < 0 || c.DrainTimeout < 0 || c.CloseGrace < 0 || c.IdleTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.MaxOutputBytes < 0 || c.ReadLimit < 0 {
		errs = append(errs, errors.New("byte limits must not be negative"))
	}
	if c.InputRate <= 0 || c.InputBurst <= 0 {
		errs = append(errs, errors.New("input_rate and input_burst must be positive"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls_cert and tls_key must be set together"))
	}
	return errors.Join(errs...)
}
