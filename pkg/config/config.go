package config

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kubescape/endpoint-agent/pkg/alertthrottle"
	"github.com/kubescape/endpoint-agent/pkg/events"
	"github.com/kubescape/endpoint-agent/pkg/exporters"
	"github.com/kubescape/endpoint-agent/pkg/pipeline"
	"github.com/kubescape/endpoint-agent/pkg/pipeline/types"
	"github.com/kubescape/endpoint-agent/pkg/processtable"
	"github.com/kubescape/endpoint-agent/pkg/scanner"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	ConfigDirEnvVar  = "CONFIG_DIR"
	DefaultConfigDir = "/etc/endpoint-agent"
)

type RulesConfig struct {
	Paths          []string      `mapstructure:"paths"`
	Watch          bool          `mapstructure:"watch"`
	ReloadInterval time.Duration `mapstructure:"reloadInterval"`
}

// ScanConfig sizes are humanized strings such as "50MiB".
type ScanConfig struct {
	MaxFileSize       string        `mapstructure:"maxFileSize"`
	ChunkSize         string        `mapstructure:"chunkSize"`
	Workers           int           `mapstructure:"workers"`
	CacheSize         int           `mapstructure:"cacheSize"`
	CacheTTL          time.Duration `mapstructure:"cacheTTL"`
	RegexMatchTimeout time.Duration `mapstructure:"regexMatchTimeout"`
	HostRoot          string        `mapstructure:"hostRoot"`
	ExcludePaths      []string      `mapstructure:"excludePaths"`
}

// ClamAVConfig enables the clamd backend when Address is set.
type ClamAVConfig struct {
	Address string `mapstructure:"address"`
	Action  string `mapstructure:"action"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type Config struct {
	Rules                 RulesConfig               `mapstructure:"rules"`
	FallbackPolicy        map[string]string         `mapstructure:"fallbackPolicy"`
	AuthorizingEventTypes []string                  `mapstructure:"authorizingEventTypes"`
	MaxScanLatency        time.Duration             `mapstructure:"maxScanLatency"`
	DeadlineMargin        time.Duration             `mapstructure:"deadlineMargin"`
	IdleEvictionTimeout   time.Duration             `mapstructure:"idleEvictionTimeout"`
	EvictionInterval      time.Duration             `mapstructure:"evictionInterval"`
	TableCapacity         int                       `mapstructure:"tableCapacity"`
	Scan                  ScanConfig                `mapstructure:"scan"`
	ClamAV                ClamAVConfig              `mapstructure:"clamav"`
	Exporters             exporters.ExportersConfig `mapstructure:"exporters"`
	AlertThrottle         alertthrottle.Config      `mapstructure:"alertThrottle"`
	ESClients             []string                  `mapstructure:"esClients"`
	Metrics               MetricsConfig             `mapstructure:"metrics"`
	ProcfsPath            string                    `mapstructure:"procfsPath"`
	ReplayPath            string                    `mapstructure:"replayPath"`
	OSVersion             string                    `mapstructure:"osVersion"`
	AgentVersion          string                    `mapstructure:"agentVersion"`
	LogLevel              string                    `mapstructure:"logLevel"`
}

// LoadConfig reads the config.json file in path, overlaid by environment
// variables. The result is validated.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("authorizingEventTypes", []string{string(events.ExecEventType)})
	v.SetDefault("deadlineMargin", pipeline.DefaultDeadlineMargin)
	v.SetDefault("evictionInterval", processtable.DefaultEvictionInterval)
	v.SetDefault("tableCapacity", processtable.DefaultCapacity)
	v.SetDefault("scan.maxFileSize", "50MiB")
	v.SetDefault("scan.chunkSize", "64KiB")
	v.SetDefault("scan.workers", pipeline.DefaultWorkers)
	v.SetDefault("clamav.action", string(scanner.ActionBlock))
	v.SetDefault("metrics.address", ":8080")
	v.SetDefault("procfsPath", "/proc")
	v.SetDefault("logLevel", "info")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate reports every invalid option. The fallback policy, the maximum
// scan latency and the idle eviction timeout have no defaults.
func (c *Config) Validate() error {
	var err error
	if len(c.Rules.Paths) == 0 {
		err = multierr.Append(err, fmt.Errorf("rules.paths is required"))
	}
	if c.IdleEvictionTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("idleEvictionTimeout is required"))
	}
	if _, e := c.Scan.maxFileSize(); e != nil {
		err = multierr.Append(err, e)
	}
	if _, e := c.Scan.chunkSize(); e != nil {
		err = multierr.Append(err, e)
	}
	if c.ClamAV.Address != "" && !validAction(c.ClamAV.Action) {
		err = multierr.Append(err, fmt.Errorf("clamav.action: unknown action %q", c.ClamAV.Action))
	}
	pc, e := c.pipelineConfig()
	if e != nil {
		err = multierr.Append(err, e)
	} else {
		err = multierr.Append(err, pc.Validate())
	}
	return err
}

func validAction(a string) bool {
	return a == string(scanner.ActionBlock) || a == string(scanner.ActionLog)
}

// PipelineConfig converts the decision policy options.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	pc, err := c.pipelineConfig()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pc, pc.Validate()
}

func (c *Config) pipelineConfig() (pipeline.Config, error) {
	var err error
	pc := pipeline.Config{
		FallbackPolicy: make(map[events.EventType]types.FallbackPolicy, len(c.FallbackPolicy)),
		MaxScanLatency: c.MaxScanLatency,
		DeadlineMargin: c.DeadlineMargin,
		Workers:        c.Scan.Workers,
	}
	for name, policy := range c.FallbackPolicy {
		t, ok := events.ParseEventType(name)
		if !ok {
			err = multierr.Append(err, fmt.Errorf("fallbackPolicy: unknown event type %q", name))
			continue
		}
		pc.FallbackPolicy[t] = types.FallbackPolicy(policy)
	}
	for _, name := range c.AuthorizingEventTypes {
		t, ok := events.ParseEventType(name)
		if !ok {
			err = multierr.Append(err, fmt.Errorf("authorizingEventTypes: unknown event type %q", name))
			continue
		}
		pc.AuthorizingEventTypes = append(pc.AuthorizingEventTypes, t)
	}
	return pc, err
}

// ScannerOptions converts the scan options. fs and backends are supplied by
// the caller.
func (c *Config) ScannerOptions() (scanner.Options, error) {
	maxFileSize, err := c.Scan.maxFileSize()
	if err != nil {
		return scanner.Options{}, err
	}
	chunkSize, err := c.Scan.chunkSize()
	if err != nil {
		return scanner.Options{}, err
	}
	return scanner.Options{
		HostRoot:          c.Scan.HostRoot,
		MaxFileSize:       maxFileSize,
		ChunkSize:         int(chunkSize),
		CacheSize:         c.Scan.CacheSize,
		CacheTTL:          c.Scan.CacheTTL,
		RegexMatchTimeout: c.Scan.RegexMatchTimeout,
		AgentVersion:      c.AgentVersion,
		ExcludePaths:      c.Scan.ExcludePaths,
	}, nil
}

func (c *Config) TableConfig() processtable.Config {
	return processtable.Config{
		Capacity:         c.TableCapacity,
		IdleTimeout:      c.IdleEvictionTimeout,
		EvictionInterval: c.EvictionInterval,
		Clients:          c.ESClients,
	}
}

func (s ScanConfig) maxFileSize() (int64, error) {
	return parseSize("scan.maxFileSize", s.MaxFileSize)
}

func (s ScanConfig) chunkSize() (int64, error) {
	return parseSize("scan.chunkSize", s.ChunkSize)
}

// parseSize accepts humanized sizes; empty means the built-in default.
func parseSize(name, value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n == 0 || n > 1<<40 {
		return 0, fmt.Errorf("%s: size %s out of range", name, value)
	}
	return int64(n), nil
}
