package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klwxsrx/go-stream-binder/pkg/env"
	"github.com/klwxsrx/go-stream-binder/pkg/message"
)

const (
	defaultConcurrency  = 1
	defaultBatchMaxSize = 10
	defaultBatchMaxWait = time.Second
	defaultDrainTimeout = 30 * time.Second

	PolicyLogAndDrop = "log-and-drop"
	PolicyStop       = "stop"
)

var (
	ErrInvalidConfig        = errors.New("invalid bindings config")
	ErrBindingNotConfigured = errors.New("binding not configured")
)

type (
	Config struct {
		QueuePrefix         string                   `yaml:"queue_prefix"`
		DrainTimeout        time.Duration            `yaml:"drain_timeout"`
		UnroutedFaultPolicy string                   `yaml:"unrouted_fault_policy"`
		DefaultErrorSink    string                   `yaml:"default_error_sink"`
		Bindings            map[string]BindingConfig `yaml:"bindings"`
	}

	BindingConfig struct {
		Destination   string       `yaml:"destination"`
		Group         string       `yaml:"group"`
		Output        string       `yaml:"output"`
		Concurrency   int          `yaml:"concurrency"`
		Transactional bool         `yaml:"transactional"`
		Batch         *BatchConfig `yaml:"batch"`
		QueuePrefix   *string      `yaml:"queue_prefix"`
		ErrorSink     string       `yaml:"error_sink"`
	}

	BatchConfig struct {
		MaxSize int           `yaml:"max_size"`
		MaxWait time.Duration `yaml:"max_wait"`
	}
)

// Load reads the bindings file, expanding ${VAR} references from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Binding returns the message binding configured under name.
func (c *Config) Binding(name string) (message.Binding, error) {
	bc, ok := c.Bindings[name]
	if !ok {
		return message.Binding{}, fmt.Errorf("%w: %s", ErrBindingNotConfigured, name)
	}

	prefix := c.QueuePrefix
	if bc.QueuePrefix != nil {
		prefix = *bc.QueuePrefix
	}

	b := message.Binding{
		Name:          name,
		Destination:   message.Topic(bc.Destination),
		Group:         message.SubscriberName(bc.Group),
		Output:        message.Topic(bc.Output),
		Concurrency:   bc.Concurrency,
		Transactional: bc.Transactional,
		QueuePrefix:   prefix,
	}
	if bc.Batch != nil {
		b.Batch = &message.BatchOptions{
			MaxSize: bc.Batch.MaxSize,
			MaxWait: bc.Batch.MaxWait,
		}
	}

	return b, nil
}

func (c *Config) Has(name string) bool {
	_, ok := c.Bindings[name]
	return ok
}

// Names returns configured binding names in a stable order.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Bindings))
	for name := range c.Bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// ErrorSinks maps binding names to the error sink name configured for them.
func (c *Config) ErrorSinks() map[string]string {
	result := make(map[string]string)
	for name, bc := range c.Bindings {
		if bc.ErrorSink != "" {
			result[name] = bc.ErrorSink
		}
	}

	return result
}

func (c *Config) FaultPolicy() message.UnroutedFaultPolicy {
	if c.UnroutedFaultPolicy == PolicyStop {
		return message.UnroutedFaultStop
	}

	return message.UnroutedFaultLogAndDrop
}

func (c *Config) applyDefaults() {
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.UnroutedFaultPolicy == "" {
		c.UnroutedFaultPolicy = PolicyLogAndDrop
	}
	for name, bc := range c.Bindings {
		if bc.Concurrency == 0 {
			bc.Concurrency = defaultConcurrency
		}
		if bc.Batch != nil {
			if bc.Batch.MaxSize == 0 {
				bc.Batch.MaxSize = defaultBatchMaxSize
			}
			if bc.Batch.MaxWait == 0 {
				bc.Batch.MaxWait = defaultBatchMaxWait
			}
		}
		c.Bindings[name] = bc
	}
}

func (c *Config) applyEnvOverrides() error {
	prefix, err := env.ParseOptional[string]("QUEUE_PREFIX")
	if err != nil {
		return err
	}
	if prefix != nil {
		c.QueuePrefix = *prefix
	}

	drain, err := env.ParseOptional[time.Duration]("DRAIN_TIMEOUT")
	if err != nil {
		return err
	}
	if drain != nil {
		c.DrainTimeout = *drain
	}

	return nil
}

func (c *Config) validate() error {
	switch c.UnroutedFaultPolicy {
	case PolicyLogAndDrop, PolicyStop:
	default:
		return fmt.Errorf("%w: unknown unrouted_fault_policy %q", ErrInvalidConfig, c.UnroutedFaultPolicy)
	}
	if c.DrainTimeout < 0 {
		return fmt.Errorf("%w: negative drain_timeout", ErrInvalidConfig)
	}

	for _, name := range c.Names() {
		bc := c.Bindings[name]
		if bc.Destination == "" {
			return fmt.Errorf("%w: binding %s: destination is required", ErrInvalidConfig, name)
		}
		if bc.Concurrency < 0 {
			return fmt.Errorf("%w: binding %s: concurrency must be positive", ErrInvalidConfig, name)
		}
		if bc.Batch != nil && (bc.Batch.MaxSize < 0 || bc.Batch.MaxWait < 0) {
			return fmt.Errorf("%w: binding %s: batch options must be positive", ErrInvalidConfig, name)
		}
	}

	return nil
}
