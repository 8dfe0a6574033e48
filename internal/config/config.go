package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Validate when a field is omitted.
const (
	DefaultParallelism         = 4
	DefaultLoadSize            = 100
	DefaultAcceptanceThreshold = 0.9
	DefaultMinimumScore        = 0.75
	DefaultBatchTimeout        = 120 * time.Second
	DefaultEnqueueInterval     = 300 * time.Second
	DefaultBlockSize           = 50

	DefaultClusterLockTTL = 60 * time.Second
	DefaultFenceTTL       = 5 * time.Second
	DefaultLockWait       = 30 * time.Second

	DefaultRangesPerRefill = 8
	DefaultIDBatchSize     = 64
	DefaultLowWaterMark    = 128
	DefaultRefillInterval  = 5 * time.Second

	DefaultHealthAddr = ":8080"
)

// DefaultBlockingAttributes are indexed for blocking when linking.blocking_attributes is omitted.
var DefaultBlockingAttributes = []string{"first_name", "last_name", "dob", "ssn"}

// LinkerConfig represents the top-level linker.yml configuration
type LinkerConfig struct {
	Version string         `yaml:"version"`
	Linking *LinkingConfig `yaml:"linking,omitempty"`
	Locks   *LocksConfig   `yaml:"locks,omitempty"`
	IDs     *IDsConfig     `yaml:"ids,omitempty"`
	Matcher *MatcherConfig `yaml:"matcher,omitempty"`
	Server  *ServerConfig  `yaml:"server,omitempty"`
}

// LinkingConfig controls the enqueuer and the linking orchestrator
type LinkingConfig struct {
	Parallelism              int           `yaml:"parallelism,omitempty"`                // Workers in flight = 2 × parallelism
	LoadSize                 int           `yaml:"load_size,omitempty"`                  // Each scan pulls up to 3 × load_size records per set
	Whitelist                []string      `yaml:"whitelist,omitempty"`                  // Record sets always scanned first
	BackgroundLinkingEnabled *bool         `yaml:"background_linking_enabled,omitempty"` // Default: true
	AcceptanceThreshold      *float64      `yaml:"acceptance_threshold,omitempty"`       // Initialize keeps center edges above this
	MinimumScore             *float64      `yaml:"minimum_score,omitempty"`              // A cluster must score above this to absorb a candidate
	BatchTimeout             time.Duration `yaml:"batch_timeout,omitempty"`              // Candidate lease TTL
	EnqueueInterval          time.Duration `yaml:"enqueue_interval,omitempty"`
	BlockSize                int           `yaml:"block_size,omitempty"` // Neighbors returned by blocking
	BlockingAttributes       []string      `yaml:"blocking_attributes,omitempty"`
}

// LocksConfig controls the cluster lock coordinator
type LocksConfig struct {
	ClusterLockTTL time.Duration `yaml:"cluster_lock_ttl,omitempty"`
	FenceTTL       time.Duration `yaml:"fence_ttl,omitempty"`
	LockWait       time.Duration `yaml:"lock_wait,omitempty"` // Give up acquiring after this long
}

// IDsConfig controls the linking id allocator
type IDsConfig struct {
	RangesPerRefill int           `yaml:"ranges_per_refill,omitempty"`
	BatchSize       int           `yaml:"batch_size,omitempty"` // Ids reserved per range per refill
	LowWaterMark    int           `yaml:"low_water_mark,omitempty"`
	RefillInterval  time.Duration `yaml:"refill_interval,omitempty"`
}

// MatcherConfig selects the scoring model and maps person fields onto record attributes
type MatcherConfig struct {
	ModelPath  string            `yaml:"model_path,omitempty"` // Empty: built-in default weights
	Attributes map[string]string `yaml:"attributes,omitempty"` // person field → attribute id
}

// ServerConfig controls the health and metrics endpoint
type ServerConfig struct {
	HealthAddr string `yaml:"health_addr,omitempty"`
}

// Default returns a configuration with every default applied.
func Default() *LinkerConfig {
	c := &LinkerConfig{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// Validate performs strict validation on the configuration and fills in defaults
func (c *LinkerConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Linking == nil {
		c.Linking = &LinkingConfig{}
	}
	if c.Locks == nil {
		c.Locks = &LocksConfig{}
	}
	if c.IDs == nil {
		c.IDs = &IDsConfig{}
	}
	if c.Matcher == nil {
		c.Matcher = &MatcherConfig{}
	}
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}

	if err := c.Linking.validate(); err != nil {
		return err
	}
	if err := c.Locks.validate(); err != nil {
		return err
	}
	if err := c.IDs.validate(); err != nil {
		return err
	}

	if c.Server.HealthAddr == "" {
		c.Server.HealthAddr = DefaultHealthAddr
	}
	return nil
}

func (l *LinkingConfig) validate() error {
	if l.Parallelism == 0 {
		l.Parallelism = DefaultParallelism
	}
	if l.Parallelism < 1 {
		return fmt.Errorf("linking.parallelism must be >= 1, got %d", l.Parallelism)
	}

	if l.LoadSize == 0 {
		l.LoadSize = DefaultLoadSize
	}
	if l.LoadSize < 1 {
		return fmt.Errorf("linking.load_size must be >= 1, got %d", l.LoadSize)
	}

	if l.BackgroundLinkingEnabled == nil {
		enabled := true
		l.BackgroundLinkingEnabled = &enabled
	}

	if l.AcceptanceThreshold == nil {
		threshold := DefaultAcceptanceThreshold
		l.AcceptanceThreshold = &threshold
	}
	if *l.AcceptanceThreshold < 0 || *l.AcceptanceThreshold > 1 {
		return fmt.Errorf("linking.acceptance_threshold must be in [0, 1], got %v", *l.AcceptanceThreshold)
	}

	if l.MinimumScore == nil {
		score := DefaultMinimumScore
		l.MinimumScore = &score
	}
	if *l.MinimumScore < 0 || *l.MinimumScore > 1 {
		return fmt.Errorf("linking.minimum_score must be in [0, 1], got %v", *l.MinimumScore)
	}

	if l.BatchTimeout == 0 {
		l.BatchTimeout = DefaultBatchTimeout
	}
	if l.BatchTimeout < time.Millisecond {
		return fmt.Errorf("linking.batch_timeout must be at least 1ms, got %s", l.BatchTimeout)
	}

	if l.EnqueueInterval == 0 {
		l.EnqueueInterval = DefaultEnqueueInterval
	}
	if l.EnqueueInterval < 0 {
		return fmt.Errorf("linking.enqueue_interval must be positive, got %s", l.EnqueueInterval)
	}

	if l.BlockSize == 0 {
		l.BlockSize = DefaultBlockSize
	}
	if l.BlockSize < 1 {
		return fmt.Errorf("linking.block_size must be >= 1, got %d", l.BlockSize)
	}

	if len(l.BlockingAttributes) == 0 {
		l.BlockingAttributes = append([]string(nil), DefaultBlockingAttributes...)
	}
	for _, attr := range l.BlockingAttributes {
		if attr == "" {
			return fmt.Errorf("linking.blocking_attributes must not contain empty names")
		}
	}
	return nil
}

func (l *LocksConfig) validate() error {
	if l.ClusterLockTTL == 0 {
		l.ClusterLockTTL = DefaultClusterLockTTL
	}
	if l.FenceTTL == 0 {
		l.FenceTTL = DefaultFenceTTL
	}
	if l.LockWait == 0 {
		l.LockWait = DefaultLockWait
	}
	if l.ClusterLockTTL < time.Millisecond || l.FenceTTL < time.Millisecond {
		return fmt.Errorf("locks.cluster_lock_ttl and locks.fence_ttl must be at least 1ms")
	}
	if l.LockWait < 0 {
		return fmt.Errorf("locks.lock_wait must be positive, got %s", l.LockWait)
	}
	if l.FenceTTL >= l.ClusterLockTTL {
		return fmt.Errorf("locks.fence_ttl (%s) must be shorter than locks.cluster_lock_ttl (%s)", l.FenceTTL, l.ClusterLockTTL)
	}
	return nil
}

func (i *IDsConfig) validate() error {
	if i.RangesPerRefill == 0 {
		i.RangesPerRefill = DefaultRangesPerRefill
	}
	if i.BatchSize == 0 {
		i.BatchSize = DefaultIDBatchSize
	}
	if i.LowWaterMark == 0 {
		i.LowWaterMark = DefaultLowWaterMark
	}
	if i.RefillInterval == 0 {
		i.RefillInterval = DefaultRefillInterval
	}
	if i.RangesPerRefill < 1 || i.RangesPerRefill > 1<<16 {
		return fmt.Errorf("ids.ranges_per_refill must be in [1, 65536], got %d", i.RangesPerRefill)
	}
	if i.BatchSize < 1 {
		return fmt.Errorf("ids.batch_size must be >= 1, got %d", i.BatchSize)
	}
	if i.LowWaterMark < 1 {
		return fmt.Errorf("ids.low_water_mark must be >= 1, got %d", i.LowWaterMark)
	}
	if i.RefillInterval < 0 {
		return fmt.Errorf("ids.refill_interval must be positive, got %s", i.RefillInterval)
	}
	return nil
}

// Load reads and validates linker.yml from the specified path
func Load(path string) (*LinkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config LinkerConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file does not exist.
func LoadOrDefault(path string) (*LinkerConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}
