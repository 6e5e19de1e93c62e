// Package config loads the control plane's configuration from an
// optional YAML file plus environment-variable overrides, the same
// layering the teacher's pkg/config uses (godotenv for local .env
// files, envdecode for env-tagged struct fields, gopkg.in/yaml.v3 for
// the file).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the ops HTTP surface (A7).
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SchedulerConfig controls the partitioned scheduler (C8).
type SchedulerConfig struct {
	BucketCount int           `json:"bucket_count" yaml:"bucket_count" env:"SCHEDULER_BUCKET_COUNT"`
	Interval    time.Duration `json:"interval" yaml:"interval" env:"SCHEDULER_INTERVAL"`
	BatchSize   int           `json:"batch_size" yaml:"batch_size" env:"SCHEDULER_BATCH_SIZE"`
}

// CoordinationConfig controls the Redis-backed distributed lock and set
// partitioner (spec.md §4.5, §4.7).
type CoordinationConfig struct {
	RedisAddr        string        `json:"redis_addr" yaml:"redis_addr" env:"COORDINATION_REDIS_ADDR"`
	RedisPassword    string        `json:"redis_password" yaml:"redis_password" env:"COORDINATION_REDIS_PASSWORD"`
	RedisDB          int           `json:"redis_db" yaml:"redis_db" env:"COORDINATION_REDIS_DB"`
	LockTTL          time.Duration `json:"lock_ttl" yaml:"lock_ttl" env:"COORDINATION_LOCK_TTL"`
	Heartbeat        time.Duration `json:"heartbeat" yaml:"heartbeat" env:"COORDINATION_HEARTBEAT"`
	MemberStaleAfter time.Duration `json:"member_stale_after" yaml:"member_stale_after" env:"COORDINATION_MEMBER_STALE_AFTER"`
	// InstanceID identifies this process in the partitioner's member
	// set. Empty means the caller should derive one (hostname + pid).
	InstanceID string `json:"instance_id" yaml:"instance_id" env:"COORDINATION_INSTANCE_ID"`
}

// ExecutorConfig controls step retry/backoff and status-poll behavior (C5).
type ExecutorConfig struct {
	RetryMaxAttempts  int           `json:"retry_max_attempts" yaml:"retry_max_attempts" env:"EXECUTOR_RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" env:"EXECUTOR_RETRY_BASE_DELAY"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay" yaml:"retry_max_delay" env:"EXECUTOR_RETRY_MAX_DELAY"`
	StepDeadline      time.Duration `json:"step_deadline" yaml:"step_deadline" env:"EXECUTOR_STEP_DEADLINE"`
	WaitPollInterval  time.Duration `json:"wait_poll_interval" yaml:"wait_poll_interval" env:"EXECUTOR_WAIT_POLL_INTERVAL"`
	WaitTimeout       time.Duration `json:"wait_timeout" yaml:"wait_timeout" env:"EXECUTOR_WAIT_TIMEOUT"`
}

// ConvergenceConfig controls the group controller (C6).
type ConvergenceConfig struct {
	CycleDeadline time.Duration `json:"cycle_deadline" yaml:"cycle_deadline" env:"CONVERGENCE_CYCLE_DEADLINE"`
}

// CloudConfig points at the Nova/CLB/RCv3 endpoints the executor (C5) and
// observer (C6) call. When CatalogPath is set, endpoints are resolved out
// of that service-catalog document (internal/app/catalog) by service
// name/type/region; otherwise the *BaseURL fields are used directly,
// which is the simpler path for local runs against a mock backend.
type CloudConfig struct {
	CatalogPath string `json:"catalog_path" yaml:"catalog_path" env:"CLOUD_CATALOG_PATH"`
	Region      string `json:"region" yaml:"region" env:"CLOUD_REGION"`

	ComputeServiceName string `json:"compute_service_name" yaml:"compute_service_name" env:"CLOUD_COMPUTE_SERVICE_NAME"`
	CLBServiceName     string `json:"clb_service_name" yaml:"clb_service_name" env:"CLOUD_CLB_SERVICE_NAME"`
	RCv3ServiceName    string `json:"rcv3_service_name" yaml:"rcv3_service_name" env:"CLOUD_RCV3_SERVICE_NAME"`

	ComputeBaseURL string `json:"compute_base_url" yaml:"compute_base_url" env:"CLOUD_COMPUTE_BASE_URL"`
	CLBBaseURL     string `json:"clb_base_url" yaml:"clb_base_url" env:"CLOUD_CLB_BASE_URL"`
	RCv3BaseURL    string `json:"rcv3_base_url" yaml:"rcv3_base_url" env:"CLOUD_RCV3_BASE_URL"`

	RequestsPerSecond float64       `json:"requests_per_second" yaml:"requests_per_second" env:"CLOUD_REQUESTS_PER_SECOND"`
	RequestTimeout    time.Duration `json:"request_timeout" yaml:"request_timeout" env:"CLOUD_REQUEST_TIMEOUT"`
}

// AuthConfig controls the outbound identity token minted for cloud API
// calls (internal/coordination.TokenGenerator). PrivateKeyPath empty means
// an ephemeral key is generated at startup, which is fine for local runs
// against a mock backend that does not verify signatures.
type AuthConfig struct {
	PrivateKeyPath string        `json:"private_key_path" yaml:"private_key_path" env:"AUTH_PRIVATE_KEY_PATH"`
	ServiceID      string        `json:"service_id" yaml:"service_id" env:"AUTH_SERVICE_ID"`
	TokenExpiry    time.Duration `json:"token_expiry" yaml:"token_expiry" env:"AUTH_TOKEN_EXPIRY"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Scheduler    SchedulerConfig    `json:"scheduler" yaml:"scheduler"`
	Coordination CoordinationConfig `json:"coordination" yaml:"coordination"`
	Executor     ExecutorConfig     `json:"executor" yaml:"executor"`
	Convergence  ConvergenceConfig  `json:"convergence" yaml:"convergence"`
	Cloud        CloudConfig        `json:"cloud" yaml:"cloud"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
}

// New returns a configuration populated with defaults suitable for a
// single-instance local run (SinglePartitioner, in-memory store).
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "autoscale-controlplane",
		},
		Scheduler: SchedulerConfig{
			BucketCount: 64,
			Interval:    5 * time.Second,
			BatchSize:   50,
		},
		Coordination: CoordinationConfig{
			RedisAddr:        "127.0.0.1:6379",
			LockTTL:          time.Minute,
			Heartbeat:        2 * time.Second,
			MemberStaleAfter: 6 * time.Second,
		},
		Executor: ExecutorConfig{
			RetryMaxAttempts: 5,
			RetryBaseDelay:   200 * time.Millisecond,
			RetryMaxDelay:    10 * time.Second,
			StepDeadline:     30 * time.Second,
			WaitPollInterval: 2 * time.Second,
			WaitTimeout:      2 * time.Minute,
		},
		Convergence: ConvergenceConfig{
			CycleDeadline: 2 * time.Minute,
		},
		Cloud: CloudConfig{
			Region:             "DFW",
			ComputeServiceName: "cloudServersOpenStack",
			CLBServiceName:     "cloudLoadBalancers",
			RCv3ServiceName:    "rackConnect",
			ComputeBaseURL:     "http://127.0.0.1:8774/v2",
			CLBBaseURL:         "http://127.0.0.1:8080/v1.0",
			RCv3BaseURL:        "http://127.0.0.1:8081/v3",
			RequestsPerSecond:  10,
			RequestTimeout:     15 * time.Second,
		},
		Auth: AuthConfig{
			ServiceID:   "autoscale-controlplane",
			TokenExpiry: time.Hour,
		},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// file (CONFIG_FILE env var, or configs/config.yaml if unset), and
// environment-variable overrides, in that order of increasing priority.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field is present in the
		// environment at all; treat that as "no overrides" so local
		// runs work without exporting anything.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env: %w", err)
		}
	}

	return cfg, nil
}

// LoadFile reads configuration from a YAML file, starting from defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}
