package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/llxisdsh/qsync"
	"github.com/llxisdsh/qsync/internal/stress"
)

var ErrConfigInvalid = errors.New("invalid config")

// Config is the layout of the --config file. Every key is optional.
//
//	stress:
//	  goroutines: 16
//	  iterations: 100000
//	  fair: true
//	executor:
//	  core: 4
//	  max: 8
//	  keep_alive: 50ms
//	  allow_core_timeout: false
//	  queue_capacity: 64
//	  fair: false
//	  policy: caller-runs
type Config struct {
	Stress   StressConfig   `yaml:"stress"`
	Executor ExecutorConfig `yaml:"executor"`
}

type StressConfig struct {
	Goroutines int  `yaml:"goroutines"`
	Iterations int  `yaml:"iterations"`
	Fair       bool `yaml:"fair"`
}

// ExecutorConfig overrides the executor scenario's pool settings. Unset
// keys keep the scenario defaults.
type ExecutorConfig struct {
	Core             *int           `yaml:"core"`
	Max              *int           `yaml:"max"`
	KeepAlive        *time.Duration `yaml:"keep_alive"`
	AllowCoreTimeout *bool          `yaml:"allow_core_timeout"`
	QueueCapacity    *int           `yaml:"queue_capacity"`
	Fair             *bool          `yaml:"fair"`
	Policy           string         `yaml:"policy"`
}

func DefaultConfig() *Config {
	o := stress.DefaultOptions()
	return &Config{
		Stress: StressConfig{
			Goroutines: o.Goroutines,
			Iterations: o.Iterations * 10,
			Fair:       o.Fair,
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
	}

	return c, nil
}

func (c *Config) Options() stress.Options {
	return stress.Options{
		Goroutines: c.Stress.Goroutines,
		Iterations: c.Stress.Iterations,
		Fair:       c.Stress.Fair,
	}
}

// ExecutorOptions converts the executor block into NewExecutor options.
func (c *Config) ExecutorOptions() ([]func(*qsync.ExecutorConfig), error) {
	var opts []func(*qsync.ExecutorConfig)

	x := c.Executor
	if x.Core != nil {
		opts = append(opts, qsync.WithCorePoolSize(*x.Core))
	}
	if x.Max != nil {
		opts = append(opts, qsync.WithMaxPoolSize(*x.Max))
	}
	if x.KeepAlive != nil {
		opts = append(opts, qsync.WithKeepAlive(*x.KeepAlive))
	}
	if x.AllowCoreTimeout != nil {
		opts = append(opts, qsync.WithAllowCoreTimeout(*x.AllowCoreTimeout))
	}
	if x.QueueCapacity != nil {
		opts = append(opts, qsync.WithQueueCapacity(*x.QueueCapacity))
	}
	if x.Fair != nil {
		opts = append(opts, qsync.WithFairQueue(*x.Fair))
	}
	if x.Policy != "" {
		p, err := qsync.ParseSaturationPolicy(x.Policy)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
		opts = append(opts, qsync.WithSaturationPolicy(p))
	}

	return opts, nil
}
