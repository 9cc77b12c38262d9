package common

import (
	"os"

	"github.com/cyw0ng95/descent/pkg/jsonutil"
)

const (
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "config.json"
)

// Config represents the application configuration
type Config struct {
	// Descent configuration for the gradient descent driver
	Descent DescentConfig `json:"descent,omitempty"`
	// Broker configuration
	Broker BrokerConfig `json:"broker,omitempty"`
	// Connector configuration for the submission gateway
	Connector ConnectorConfig `json:"connector,omitempty"`
	// Storage configuration (checkpoints and run history)
	Storage StorageConfig `json:"storage,omitempty"`
	// Service configuration for the HTTP control surface
	Service ServiceConfig `json:"service,omitempty"`
	// Logging configuration
	Logging LoggingConfig `json:"logging,omitempty"`
}

// DescentConfig holds gradient descent driver settings
type DescentConfig struct {
	// Mode selects the evaluation variant ("serial", "threaded", "brokered")
	Mode string `json:"mode,omitempty"`
	// StartingPoints is the number of simultaneous descents in one population
	StartingPoints int `json:"starting_points,omitempty"`
	// StepSize is the multiplicative factor applied to the gradient, in
	// per mill of the parameter range
	StepSize float64 `json:"step_size,omitempty"`
	// FiniteStep is the offset of the difference quotient, in per mill of
	// the parameter range
	FiniteStep float64 `json:"finite_step,omitempty"`
	// MaxIterations caps the number of iterations (0 = DefaultMaxIterations)
	MaxIterations int `json:"max_iterations,omitempty"`
	// MaxDurationSeconds caps the wall-clock time of a run (0 = unlimited)
	MaxDurationSeconds int `json:"max_duration_seconds,omitempty"`
	// MaxStalls halts the run after this many iterations without
	// improvement (0 = DefaultMaxStalls)
	MaxStalls int `json:"max_stalls,omitempty"`
	// Threads is the worker count of the threaded variant (0 = NumCPU)
	Threads int `json:"threads,omitempty"`
}

// BrokerConfig holds broker-specific configuration
type BrokerConfig struct {
	// Consumers is the number of local evaluation goroutines
	Consumers int `json:"consumers,omitempty"`
	// PortCapacity is the queue capacity of each enrolled buffer port
	PortCapacity int `json:"port_capacity,omitempty"`
	// Remote configures the remote evaluator consumer; empty URL disables it
	Remote RemoteEvaluatorConfig `json:"remote,omitempty"`
}

// RemoteEvaluatorConfig holds settings for the HTTP evaluator consumer
type RemoteEvaluatorConfig struct {
	// URL is the evaluation endpoint of the external service
	URL string `json:"url,omitempty"`
	// RequestsPerSecond throttles submissions to the external service
	RequestsPerSecond int `json:"requests_per_second,omitempty"`
	// RetryCount is the per-request retry budget
	RetryCount int `json:"retry_count,omitempty"`
	// TimeoutSeconds bounds a single evaluation request
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ConnectorConfig holds settings for the broker connector
type ConnectorConfig struct {
	// FirstTimeoutMs is the first-item deadline in milliseconds (0 = wait forever)
	FirstTimeoutMs int `json:"first_timeout_ms,omitempty"`
	// MinWaitFactor and MaxWaitFactor bound the adaptive wait factor
	MinWaitFactor float64 `json:"min_wait_factor,omitempty"`
	MaxWaitFactor float64 `json:"max_wait_factor,omitempty"`
	// WaitFactorIncrement is the adaption step
	WaitFactorIncrement float64 `json:"wait_factor_increment,omitempty"`
	// BoundlessWait disables the per-item deadline and wait factor adaption
	BoundlessWait bool `json:"boundless_wait,omitempty"`
	// MaxResubmissions caps resubmission rounds in full-return mode
	MaxResubmissions int `json:"max_resubmissions,omitempty"`
	// LogArrivals enables arrival time logging
	LogArrivals bool `json:"log_arrivals,omitempty"`
}

// StorageConfig holds database paths for checkpoints and run history
type StorageConfig struct {
	// CheckpointPath is the bbolt database file for iteration checkpoints
	CheckpointPath string `json:"checkpoint_path,omitempty"`
	// HistoryPath is the sqlite database file for run history
	HistoryPath string `json:"history_path,omitempty"`
}

// ServiceConfig holds configuration for the HTTP control service
type ServiceConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string `json:"address,omitempty"`
	// ShutdownTimeoutSeconds for graceful shutdown (default: 10)
	ShutdownTimeoutSeconds int `json:"shutdown_timeout_seconds,omitempty"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `json:"level,omitempty"`
}

// LoadConfig reads a configuration file. A missing file yields the zero
// configuration so every field falls back to its default.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := jsonutil.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a file in indented JSON
func SaveConfig(config *Config, filename string) error {
	data, err := jsonutil.MarshalIndent(config, jsonutil.DefaultJSONPrefix, jsonutil.DefaultJSONIndent)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
