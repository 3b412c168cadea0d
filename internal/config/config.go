package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ravel-hq/stackd/internal/history"
	"github.com/ravel-hq/stackd/internal/logger"
	"github.com/ravel-hq/stackd/internal/orchestrator"
	"github.com/ravel-hq/stackd/internal/registry"
	"github.com/ravel-hq/stackd/internal/store"
	"github.com/ravel-hq/stackd/internal/supervisor"
)

// FileConfig is the top-level TOML structure.
//
//	listen = ":8420"
//	base_path = "/api"
//
//	[log]
//	level = "info"
//
//	[service_logs]
//	dir = "/var/log/stackd"
//
//	[store]
//	type = "file"
//	path = "/var/lib/stackd/state.json"
//
//	[supervision]
//	health_interval = "2s"
//	failure_threshold = 3
//
//	[[services]]
//	id = "billing-api"
//	command = "./billing-api"
//	port = 9102
//	depends_on = ["postgres"]
//	critical = true
type FileConfig struct {
	Listen      string            `toml:"listen" mapstructure:"listen"`
	BasePath    string            `toml:"base_path" mapstructure:"base_path"`
	GlobalEnv   []string          `toml:"global_env" mapstructure:"global_env"`
	Log         logger.Config     `toml:"log" mapstructure:"log"`
	ServiceLogs logger.FileConfig `toml:"service_logs" mapstructure:"service_logs"`
	Store       store.Config      `toml:"store" mapstructure:"store"`
	History     history.Config    `toml:"history" mapstructure:"history"`
	Supervision SupervisionConfig `toml:"supervision" mapstructure:"supervision"`
	Restart     RestartConfig     `toml:"restart" mapstructure:"restart"`
	Services    []ServiceEntry    `toml:"services" mapstructure:"services"`
}

// SupervisionConfig mirrors supervisor.Config in file form.
type SupervisionConfig struct {
	HealthInterval    time.Duration `toml:"health_interval" mapstructure:"health_interval"`
	HealthTimeout     time.Duration `toml:"health_timeout" mapstructure:"health_timeout"`
	FailureThreshold  int           `toml:"failure_threshold" mapstructure:"failure_threshold"`
	RequiredChecks    int           `toml:"required_checks" mapstructure:"required_checks"`
	BreakerMultiplier float64       `toml:"breaker_multiplier" mapstructure:"breaker_multiplier"`
	BreakerMaxBackoff time.Duration `toml:"breaker_max_backoff" mapstructure:"breaker_max_backoff"`
	KillTimeout       time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	LogLines          int           `toml:"log_lines" mapstructure:"log_lines"`
}

// RestartConfig tunes exit-driven auto-restart backoff.
type RestartConfig struct {
	BaseDelay   time.Duration `toml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay" mapstructure:"max_delay"`
	MaxAttempts int           `toml:"max_attempts" mapstructure:"max_attempts"`
}

// ServiceEntry is one [[services]] table.
type ServiceEntry struct {
	ID             string        `toml:"id" mapstructure:"id"`
	Command        string        `toml:"command" mapstructure:"command"`
	Args           []string      `toml:"args" mapstructure:"args"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir"`
	Env            []string      `toml:"env" mapstructure:"env"`
	Port           int           `toml:"port" mapstructure:"port"`
	HealthEndpoint string        `toml:"health_endpoint" mapstructure:"health_endpoint"`
	DependsOn      []string      `toml:"depends_on" mapstructure:"depends_on"`
	Critical       bool          `toml:"critical" mapstructure:"critical"`
	WarmupTime     time.Duration `toml:"warmup_time" mapstructure:"warmup_time"`
	RequiredChecks int           `toml:"required_checks" mapstructure:"required_checks"`
	AutoStart      bool          `toml:"auto_start" mapstructure:"auto_start"`
	StartDelay     time.Duration `toml:"start_delay" mapstructure:"start_delay"`
	External       bool          `toml:"external" mapstructure:"external"`
	KillTimeout    time.Duration `toml:"kill_timeout" mapstructure:"kill_timeout"`
	NamePattern    string        `toml:"name_pattern" mapstructure:"name_pattern"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Listen       string
	BasePath     string
	Log          logger.Config
	Store        store.Config
	History      history.Config
	Orchestrator orchestrator.Config
	Registry     *registry.Registry
}

// Load parses a TOML file and resolves it into runtime configuration,
// including a validated registry.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc.Resolve()
}

// Resolve validates the file shape and builds the runtime config.
func (fc FileConfig) Resolve() (*Config, error) {
	descriptors := make([]registry.Descriptor, 0, len(fc.Services))
	for _, s := range fc.Services {
		descriptors = append(descriptors, registry.Descriptor{
			ID:             s.ID,
			Command:        s.Command,
			Args:           s.Args,
			WorkDir:        s.WorkDir,
			Env:            s.Env,
			Port:           s.Port,
			HealthEndpoint: s.HealthEndpoint,
			DependsOn:      s.DependsOn,
			Critical:       s.Critical,
			WarmupTime:     s.WarmupTime,
			RequiredChecks: s.RequiredChecks,
			AutoStart:      s.AutoStart,
			StartDelay:     s.StartDelay,
			External:       s.External,
			KillTimeout:    s.KillTimeout,
			NamePattern:    s.NamePattern,
		})
	}
	reg, err := registry.New(descriptors)
	if err != nil {
		return nil, err
	}
	listen := fc.Listen
	if listen == "" {
		listen = ":8420"
	}
	ocfg := orchestrator.Config{
		Supervisor: supervisor.Config{
			HealthInterval:    fc.Supervision.HealthInterval,
			HealthTimeout:     fc.Supervision.HealthTimeout,
			FailureThreshold:  fc.Supervision.FailureThreshold,
			RequiredChecks:    fc.Supervision.RequiredChecks,
			BreakerMultiplier: fc.Supervision.BreakerMultiplier,
			BreakerMaxBackoff: fc.Supervision.BreakerMaxBackoff,
			KillTimeout:       fc.Supervision.KillTimeout,
			LogLines:          fc.Supervision.LogLines,
			GlobalEnv:         fc.GlobalEnv,
			FileLog:           fc.ServiceLogs,
		},
		RestartBaseDelay:   fc.Restart.BaseDelay,
		RestartMaxDelay:    fc.Restart.MaxDelay,
		RestartMaxAttempts: fc.Restart.MaxAttempts,
	}.Defaults()
	return &Config{
		Listen:       listen,
		BasePath:     fc.BasePath,
		Log:          fc.Log,
		Store:        fc.Store,
		History:      fc.History,
		Orchestrator: ocfg,
		Registry:     reg,
	}, nil
}
