// Package config loads the engine's tunables via spf13/viper: a
// fresh viper instance per Load call, optional SetConfigFile (viper
// infers the format from its extension), SetDefault for every stock value, then env-var
// overrides via AutomaticEnv/SetEnvPrefix so a deployment can tune the
// engine without touching a file on disk.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/localfirst/syncengine/internal/background"
	"github.com/localfirst/syncengine/internal/requestqueue"
	"github.com/localfirst/syncengine/internal/retry"
	"github.com/localfirst/syncengine/internal/types"
)

// EngineConfig collects every engine tunable, grouped by the component
// that consumes it.
type EngineConfig struct {
	Queues     map[requestqueue.Name]requestqueue.Config
	Backoff    retry.BackoffConfig
	Background background.Config

	QueueCapacityCheckInterval time.Duration
	MaxQueueCapacity           map[requestqueue.Name]int64

	MaximumNetworkTimeout time.Duration

	DefaultSavePolicy types.SavePolicy
	DefaultLoadPolicy types.LoadPolicy

	// DeadlockPendingThreshold is the deadlock-potential cutoff for id
	// negotiation: when more than this many non-dead queue rows exist
	// across the negotiating model's type and its cascade-related types,
	// conflict resolution is deferred.
	DeadlockPendingThreshold int
}

// Default returns the stock configuration, used when no file or env
// override is present.
func Default() EngineConfig {
	return EngineConfig{
		Queues:     requestqueue.DefaultConfigs(),
		Backoff:    retry.DefaultBackoffConfig(),
		Background: background.DefaultConfig(),

		QueueCapacityCheckInterval: 100 * time.Millisecond,
		MaxQueueCapacity: map[requestqueue.Name]int64{
			requestqueue.Foreground: 50,
			requestqueue.Load:       50,
			requestqueue.Background: 50,
		},

		MaximumNetworkTimeout: 20 * time.Second,

		DefaultSavePolicy: types.SaveLocalFirst,
		DefaultLoadPolicy: types.LoadLocalThenRemote,

		DeadlockPendingThreshold: 5,
	}
}

// EnvPrefix namespaces every environment-variable override, e.g.
// SYNCENGINE_MAXIMUMNETWORKTIMEOUT=30s.
const EnvPrefix = "SYNCENGINE"

// Load reads EngineConfig from the stock defaults, optionally
// overridden by a config file at path (".yaml"/".yml"/".toml"; viper's
// SetConfigFile picks the format from the extension, no SetConfigType
// call is made), then by SYNCENGINE_* environment variables. An
// empty path skips the file layer; env vars still apply.
func Load(path string) (EngineConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return EngineConfig{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	return decode(v, cfg)
}

// tomlDump mirrors EngineConfig with every duration rendered as its
// parseable string form, the shape toml.NewEncoder needs since
// time.Duration has no native TOML representation.
type tomlDump struct {
	Queues     map[string]queueDump `toml:"queues"`
	Retry      retryDump            `toml:"retry"`
	Background backgroundDump       `toml:"background"`

	MaxQueueCapacity map[string]int64 `toml:"maxQueueCapacity"`

	QueueCapacityCheckInterval string `toml:"queueCapacityCheckInterval"`
	MaximumNetworkTimeout      string `toml:"maximumNetworkTimeout"`

	DefaultSavePolicy        string `toml:"defaultSavePolicy"`
	DefaultLoadPolicy        string `toml:"defaultLoadPolicy"`
	DeadlockPendingThreshold int    `toml:"deadlockPendingThreshold"`
}

type queueDump struct {
	Concurrency     int64  `toml:"concurrency"`
	TaskDelay       string `toml:"taskDelay"`
	CapacityTimeout string `toml:"capacityTimeout"`
}

type retryDump struct {
	InitialRetryDelay string  `toml:"initialRetryDelay"`
	MaxRetryDelay     string  `toml:"maxRetryDelay"`
	BackoffMultiplier float64 `toml:"backoffMultiplier"`
	JitterPercent     float64 `toml:"jitterPercent"`
	MinRetryDelay     string  `toml:"minRetryDelay"`
	MaxRetryAttempts  int     `toml:"maxRetryAttempts"`
}

type backgroundDump struct {
	ForegroundPollInterval string `toml:"foregroundPollInterval"`
	BackgroundPollInterval string `toml:"backgroundPollInterval"`
	IdleThreshold          string `toml:"idleThreshold"`
	RunWindow              string `toml:"runWindow"`
}

// DumpTOML renders cfg the way cmd/bd's recipes.toml writer does: a
// toml.Encoder over an in-memory buffer, every key matching bindDefaults's
// viper paths so the output round-trips through Load.
func DumpTOML(cfg EngineConfig) (string, error) {
	dump := tomlDump{
		Queues:           make(map[string]queueDump, len(cfg.Queues)),
		MaxQueueCapacity: make(map[string]int64, len(cfg.MaxQueueCapacity)),
		Retry: retryDump{
			InitialRetryDelay: cfg.Backoff.InitialDelay.String(),
			MaxRetryDelay:     cfg.Backoff.MaxDelay.String(),
			BackoffMultiplier: cfg.Backoff.Multiplier,
			JitterPercent:     cfg.Backoff.JitterPercent,
			MinRetryDelay:     cfg.Backoff.MinDelay.String(),
			MaxRetryAttempts:  cfg.Backoff.MaxRetryAttempts,
		},
		Background: backgroundDump{
			ForegroundPollInterval: cfg.Background.ForegroundInterval.String(),
			BackgroundPollInterval: cfg.Background.BackgroundInterval.String(),
			IdleThreshold:          cfg.Background.IdleThreshold.String(),
			RunWindow:              cfg.Background.RunWindow.String(),
		},
		QueueCapacityCheckInterval: cfg.QueueCapacityCheckInterval.String(),
		MaximumNetworkTimeout:      cfg.MaximumNetworkTimeout.String(),
		DefaultSavePolicy:          string(cfg.DefaultSavePolicy),
		DefaultLoadPolicy:          string(cfg.DefaultLoadPolicy),
		DeadlockPendingThreshold:   cfg.DeadlockPendingThreshold,
	}
	for name, qcfg := range cfg.Queues {
		dump.Queues[string(name)] = queueDump{
			Concurrency:     qcfg.Concurrency,
			TaskDelay:       qcfg.TaskDelay.String(),
			CapacityTimeout: qcfg.CapacityTimeout.String(),
		}
	}
	for name, limit := range cfg.MaxQueueCapacity {
		dump.MaxQueueCapacity[string(name)] = limit
	}

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(dump); err != nil {
		return "", fmt.Errorf("config: encode toml: %w", err)
	}
	return sb.String(), nil
}

func bindDefaults(v *viper.Viper, cfg EngineConfig) {
	for name, qcfg := range cfg.Queues {
		prefix := "queues." + string(name) + "."
		v.SetDefault(prefix+"concurrency", qcfg.Concurrency)
		v.SetDefault(prefix+"taskDelay", qcfg.TaskDelay.String())
		v.SetDefault(prefix+"capacityTimeout", qcfg.CapacityTimeout.String())
		v.SetDefault("maxQueueCapacity."+string(name), cfg.MaxQueueCapacity[name])
	}

	v.SetDefault("retry.initialRetryDelay", cfg.Backoff.InitialDelay.String())
	v.SetDefault("retry.maxRetryDelay", cfg.Backoff.MaxDelay.String())
	v.SetDefault("retry.backoffMultiplier", cfg.Backoff.Multiplier)
	v.SetDefault("retry.jitterPercent", cfg.Backoff.JitterPercent)
	v.SetDefault("retry.minRetryDelay", cfg.Backoff.MinDelay.String())
	v.SetDefault("retry.maxRetryAttempts", cfg.Backoff.MaxRetryAttempts)

	v.SetDefault("background.foregroundPollInterval", cfg.Background.ForegroundInterval.String())
	v.SetDefault("background.backgroundPollInterval", cfg.Background.BackgroundInterval.String())
	v.SetDefault("background.idleThreshold", cfg.Background.IdleThreshold.String())
	v.SetDefault("background.runWindow", cfg.Background.RunWindow.String())

	v.SetDefault("queueCapacityCheckInterval", cfg.QueueCapacityCheckInterval.String())
	v.SetDefault("maximumNetworkTimeout", cfg.MaximumNetworkTimeout.String())
	v.SetDefault("defaultSavePolicy", string(cfg.DefaultSavePolicy))
	v.SetDefault("defaultLoadPolicy", string(cfg.DefaultLoadPolicy))
	v.SetDefault("deadlockPendingThreshold", cfg.DeadlockPendingThreshold)
}

func decode(v *viper.Viper, cfg EngineConfig) (EngineConfig, error) {
	out := cfg
	out.Queues = make(map[requestqueue.Name]requestqueue.Config, len(cfg.Queues))
	out.MaxQueueCapacity = make(map[requestqueue.Name]int64, len(cfg.MaxQueueCapacity))

	checkInterval, err := time.ParseDuration(v.GetString("queueCapacityCheckInterval"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: queueCapacityCheckInterval: %w", err)
	}
	out.QueueCapacityCheckInterval = checkInterval

	for name := range cfg.Queues {
		prefix := "queues." + string(name) + "."
		taskDelay, err := time.ParseDuration(v.GetString(prefix + "taskDelay"))
		if err != nil {
			return EngineConfig{}, fmt.Errorf("config: %s: %w", prefix+"taskDelay", err)
		}
		capTimeout, err := time.ParseDuration(v.GetString(prefix + "capacityTimeout"))
		if err != nil {
			return EngineConfig{}, fmt.Errorf("config: %s: %w", prefix+"capacityTimeout", err)
		}
		maxCapacity := v.GetInt64("maxQueueCapacity." + string(name))
		out.Queues[name] = requestqueue.Config{
			Concurrency:     v.GetInt64(prefix + "concurrency"),
			TaskDelay:       taskDelay,
			CapacityTimeout: capTimeout,
			MaxCapacity:     int(maxCapacity),
			CheckInterval:   checkInterval,
		}
		out.MaxQueueCapacity[name] = maxCapacity
	}

	initialDelay, err := time.ParseDuration(v.GetString("retry.initialRetryDelay"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: retry.initialRetryDelay: %w", err)
	}
	maxDelay, err := time.ParseDuration(v.GetString("retry.maxRetryDelay"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: retry.maxRetryDelay: %w", err)
	}
	minDelay, err := time.ParseDuration(v.GetString("retry.minRetryDelay"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: retry.minRetryDelay: %w", err)
	}
	out.Backoff = retry.BackoffConfig{
		InitialDelay:     initialDelay,
		MaxDelay:         maxDelay,
		Multiplier:       v.GetFloat64("retry.backoffMultiplier"),
		JitterPercent:    v.GetFloat64("retry.jitterPercent"),
		MinDelay:         minDelay,
		MaxRetryAttempts: v.GetInt("retry.maxRetryAttempts"),
	}

	fgInterval, err := time.ParseDuration(v.GetString("background.foregroundPollInterval"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: background.foregroundPollInterval: %w", err)
	}
	bgInterval, err := time.ParseDuration(v.GetString("background.backgroundPollInterval"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: background.backgroundPollInterval: %w", err)
	}
	idleThreshold, err := time.ParseDuration(v.GetString("background.idleThreshold"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: background.idleThreshold: %w", err)
	}
	runWindow, err := time.ParseDuration(v.GetString("background.runWindow"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: background.runWindow: %w", err)
	}
	out.Background = background.Config{
		ForegroundInterval: fgInterval,
		BackgroundInterval: bgInterval,
		IdleThreshold:      idleThreshold,
		RunWindow:          runWindow,
	}

	netTimeout, err := time.ParseDuration(v.GetString("maximumNetworkTimeout"))
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: maximumNetworkTimeout: %w", err)
	}
	out.MaximumNetworkTimeout = netTimeout

	out.DefaultSavePolicy = types.SavePolicy(v.GetString("defaultSavePolicy"))
	out.DefaultLoadPolicy = types.LoadPolicy(v.GetString("defaultLoadPolicy"))
	out.DeadlockPendingThreshold = v.GetInt("deadlockPendingThreshold")

	return out, nil
}
