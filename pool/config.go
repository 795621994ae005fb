package pool

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/procmesh/logging"
	"github.com/GriffinCanCode/procmesh/metrics"
	"github.com/GriffinCanCode/procmesh/queue"
	"github.com/GriffinCanCode/procmesh/worker"
)

var (
	ErrNilHandler       = errors.New("worker handler is required")
	ErrInvalidBounds    = errors.New("min workers cannot exceed max workers")
	ErrNegativeQueues   = errors.New("output queue count cannot be negative")
	ErrCyclicDependency = errors.New("dependency edge would create a cycle")
	ErrNotStarted       = errors.New("pool manager has not been started")
	ErrNoOutputQueues   = errors.New("pool manager has no output queues")
)

// AutoscaleConfig holds the control loop tunables. The thresholds are
// deliberately tunable parameters, not exact requirements: the loop is a
// P-controller adjusting by one worker per tick.
type AutoscaleConfig struct {
	Enabled bool
	// Interval between control loop samples.
	Interval time.Duration
	// HighWater is the input queue occupancy per live worker above
	// which the pool is considered under load.
	HighWater float64
	// SustainTicks is how many consecutive growth samples are required
	// before scaling up, to avoid thrashing on transient bursts.
	SustainTicks int
	// IdleAfter is how long a worker must be idle before it becomes a
	// scale-down candidate.
	IdleAfter time.Duration
}

// Config holds pool manager construction parameters. The zero value of
// every field has a sensible default except Handler, which is required.
type Config struct {
	// Name prefixes worker names and log entries.
	Name string

	// Handler is the worker implementation run by every worker in the
	// pool.
	Handler worker.Handler

	// MinWorkers and MaxWorkers bound the pool size. MinWorkers
	// defaults to 1; MaxWorkers defaults to NumCPU-2 (floor 1).
	MinWorkers int
	MaxWorkers int

	// InputQueue adopts an existing queue instead of creating one.
	// When it belongs to another manager, set Upstream so the
	// dependency edge is recorded.
	InputQueue *queue.Queue

	// Upstream is the manager whose output queue InputQueue is.
	Upstream *Manager

	// DiscardOutputs disables output queue creation for workers whose
	// only purpose is a side effect; results are discarded.
	DiscardOutputs bool

	// OutputQueueCount is the number of output queues to create; zero
	// still creates one unless DiscardOutputs is set.
	OutputQueueCount int

	// QueueCapacity sizes created queues; non-positive selects
	// queue.DefaultCapacity.
	QueueCapacity int

	// PollTimeout bounds each worker dequeue.
	PollTimeout time.Duration

	// Throttle paces item processing across the whole pool when
	// non-nil. Workers share the limiter.
	Throttle *rate.Limiter

	Autoscale AutoscaleConfig

	// Logger is the injected logging collaborator; nil disables
	// logging.
	Logger *logging.Logger

	// Metrics is the optional instrumentation sink; nil disables it.
	Metrics *metrics.Metrics
}

// DefaultConfig returns the defaults applied by New for unset fields.
func DefaultConfig() Config {
	return Config{
		Name:             "procmesh",
		MinWorkers:       1,
		MaxWorkers:       defaultMaxWorkers(),
		OutputQueueCount: 1,
		PollTimeout:      worker.DefaultPollTimeout,
		Autoscale: AutoscaleConfig{
			Enabled:      false,
			Interval:     time.Second,
			HighWater:    2,
			SustainTicks: 3,
			IdleAfter:    5 * time.Second,
		},
	}
}

// defaultMaxWorkers leaves two CPUs for the rest of the process.
func defaultMaxWorkers() int {
	if n := runtime.NumCPU(); n > 2 {
		return n - 2
	}
	return 1
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = "procmesh"
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers()
	}
	if c.MaxWorkers < c.MinWorkers && c.MaxWorkers == defaultMaxWorkers() {
		c.MaxWorkers = c.MinWorkers
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = worker.DefaultPollTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	if c.Autoscale.Interval <= 0 {
		c.Autoscale.Interval = time.Second
	}
	if c.Autoscale.HighWater <= 0 {
		c.Autoscale.HighWater = 2
	}
	if c.Autoscale.SustainTicks <= 0 {
		c.Autoscale.SustainTicks = 3
	}
	if c.Autoscale.IdleAfter <= 0 {
		c.Autoscale.IdleAfter = 5 * time.Second
	}
}

// Validate reports configuration errors. They are fatal to the
// construction call, never deferred to runtime.
func (c *Config) Validate() error {
	if c.Handler == nil {
		return ErrNilHandler
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("%w: min=%d max=%d", ErrInvalidBounds, c.MinWorkers, c.MaxWorkers)
	}
	if c.OutputQueueCount < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeQueues, c.OutputQueueCount)
	}
	return nil
}

// fileConfig mirrors the tunable subset of Config for environment and
// YAML loading. Handler, queues, and collaborators are wired in code.
type fileConfig struct {
	Name             string          `yaml:"name" envconfig:"NAME" default:"procmesh"`
	MinWorkers       int             `yaml:"min_workers" envconfig:"MIN_WORKERS" default:"1"`
	MaxWorkers       int             `yaml:"max_workers" envconfig:"MAX_WORKERS" default:"0"`
	DiscardOutputs   bool            `yaml:"discard_outputs" envconfig:"DISCARD_OUTPUTS" default:"false"`
	OutputQueueCount int             `yaml:"output_queue_count" envconfig:"OUTPUT_QUEUE_COUNT" default:"1"`
	QueueCapacity    int             `yaml:"queue_capacity" envconfig:"QUEUE_CAPACITY" default:"0"`
	PollTimeout      time.Duration   `yaml:"poll_timeout" envconfig:"POLL_TIMEOUT" default:"1s"`
	Autoscale        autoscaleConfig `yaml:"autoscale"`
}

type autoscaleConfig struct {
	Enabled      bool          `yaml:"enabled" default:"false"`
	Interval     time.Duration `yaml:"interval" default:"1s"`
	HighWater    float64       `yaml:"high_water" split_words:"true" default:"2"`
	SustainTicks int           `yaml:"sustain_ticks" split_words:"true" default:"3"`
	IdleAfter    time.Duration `yaml:"idle_after" split_words:"true" default:"5s"`
}

func (f fileConfig) toConfig() Config {
	return Config{
		Name:             f.Name,
		MinWorkers:       f.MinWorkers,
		MaxWorkers:       f.MaxWorkers,
		DiscardOutputs:   f.DiscardOutputs,
		OutputQueueCount: f.OutputQueueCount,
		QueueCapacity:    f.QueueCapacity,
		PollTimeout:      f.PollTimeout,
		Autoscale: AutoscaleConfig{
			Enabled:      f.Autoscale.Enabled,
			Interval:     f.Autoscale.Interval,
			HighWater:    f.Autoscale.HighWater,
			SustainTicks: f.Autoscale.SustainTicks,
			IdleAfter:    f.Autoscale.IdleAfter,
		},
	}
}

func defaultFileConfig() fileConfig {
	d := DefaultConfig()
	return fileConfig{
		Name:             d.Name,
		MinWorkers:       d.MinWorkers,
		MaxWorkers:       d.MaxWorkers,
		DiscardOutputs:   d.DiscardOutputs,
		OutputQueueCount: d.OutputQueueCount,
		QueueCapacity:    d.QueueCapacity,
		PollTimeout:      d.PollTimeout,
		Autoscale: autoscaleConfig{
			Enabled:      d.Autoscale.Enabled,
			Interval:     d.Autoscale.Interval,
			HighWater:    d.Autoscale.HighWater,
			SustainTicks: d.Autoscale.SustainTicks,
			IdleAfter:    d.Autoscale.IdleAfter,
		},
	}
}

// FromEnv loads pool configuration from environment variables under the
// given prefix, e.g. prefix "POOL" reads POOL_MIN_WORKERS. Handler and
// collaborators still have to be set on the returned Config.
func FromEnv(prefix string) (Config, error) {
	var fc fileConfig
	if err := envconfig.Process(prefix, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to load pool config: %w", err)
	}
	return fc.toConfig(), nil
}

// LoadFile loads pool configuration from a YAML file. Fields absent from
// the file keep their defaults.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read pool config: %w", err)
	}

	fc := defaultFileConfig()
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse pool config: %w", err)
	}
	return fc.toConfig(), nil
}
