// Package config loads service settings from defaults, an optional YAML file
// and AGENTRUN_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Job backends.
const (
	BackendNomad      = "nomad"
	BackendKubernetes = "kubernetes"
)

const (
	defaultListenAddr        = ":8080"
	defaultDBPath            = "agentrun.db"
	defaultLogLevel          = "info"
	defaultJobPrefix         = "agent"
	defaultNomadAddr         = "http://127.0.0.1:4646"
	defaultNomadRegion       = "global"
	defaultDatacenter        = "dc1"
	defaultK8sNamespace      = "default"
	defaultReconcileInterval = 15 * time.Second
	defaultReconcileBatch    = 500
	defaultLockKey           = "agentrun/reconciler/leader"
	defaultS3Region          = "us-east-1"
	defaultS3Bucket          = "agentrun-artifacts"
)

// Environment variables.
const (
	envConfigFile = "AGENTRUN_CONFIG_FILE"

	envListenAddr  = "AGENTRUN_LISTEN_ADDR"
	envLogLevel    = "AGENTRUN_LOG_LEVEL"
	envStoreDriver = "AGENTRUN_STORE_DRIVER"
	envDBPath      = "AGENTRUN_DB_PATH"
	envDatabaseURL = "AGENTRUN_DATABASE_URL"
	envJobPrefix   = "AGENTRUN_JOB_PREFIX"

	envDefaultModel   = "AGENTRUN_DEFAULT_MODEL"
	envDefaultTokens  = "AGENTRUN_DEFAULT_MAX_TOKENS"
	envMaxTokensCap   = "AGENTRUN_MAX_TOKENS_CAP"
	envDefaultTimeout = "AGENTRUN_DEFAULT_TIMEOUT_SECONDS"
	envMaxTimeout     = "AGENTRUN_MAX_TIMEOUT_SECONDS"

	envNomadAddr       = "AGENTRUN_NOMAD_ADDR"
	envNomadRegion     = "AGENTRUN_NOMAD_REGION"
	envNomadNamespace  = "AGENTRUN_NOMAD_NAMESPACE"
	envNomadDCs        = "AGENTRUN_NOMAD_DATACENTERS"
	envJobImage        = "AGENTRUN_JOB_IMAGE"
	envRunnerCommand   = "AGENTRUN_RUNNER_COMMAND"
	envJobCPU          = "AGENTRUN_JOB_CPU"
	envJobMemoryMB     = "AGENTRUN_JOB_MEMORY_MB"
	envRestartAttempts = "AGENTRUN_JOB_RESTART_ATTEMPTS"

	envBackend         = "AGENTRUN_BACKEND"
	envKubeconfig      = "AGENTRUN_K8S_KUBECONFIG"
	envK8sNamespace    = "AGENTRUN_K8S_NAMESPACE"
	envK8sBackoffLimit = "AGENTRUN_K8S_BACKOFF_LIMIT"

	envReconcileInterval = "AGENTRUN_RECONCILE_INTERVAL"
	envReconcileBatch    = "AGENTRUN_RECONCILE_BATCH_SIZE"
	envConsulAddr        = "AGENTRUN_CONSUL_ADDR"
	envConsulLockKey     = "AGENTRUN_CONSUL_LOCK_KEY"

	envS3Endpoint  = "AGENTRUN_S3_ENDPOINT"
	envS3AccessKey = "AGENTRUN_S3_ACCESS_KEY"
	envS3SecretKey = "AGENTRUN_S3_SECRET_KEY"
	envS3Region    = "AGENTRUN_S3_REGION"
	envS3Bucket    = "AGENTRUN_S3_BUCKET"
	envS3UseSSL    = "AGENTRUN_S3_USE_SSL"
)

// Config holds application configuration. Zero numeric limits and an empty
// model or image mean the built-in defaults of the consuming package.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	LogLevel   string `yaml:"logLevel"`

	// Backend selects the orchestrator that runs execution jobs.
	Backend string `yaml:"backend"`

	Store      StoreConfig      `yaml:"store"`
	Engine     EngineConfig     `yaml:"engine"`
	Nomad      NomadConfig      `yaml:"nomad"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	S3         S3Config         `yaml:"s3"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlitePath"`
	DatabaseURL string `yaml:"databaseUrl"`
	JobPrefix   string `yaml:"jobPrefix"`
}

type EngineConfig struct {
	DefaultModel          string `yaml:"defaultModel"`
	DefaultMaxTokens      int    `yaml:"defaultMaxTokens"`
	MaxTokensCap          int    `yaml:"maxTokensCap"`
	DefaultTimeoutSeconds int    `yaml:"defaultTimeoutSeconds"`
	MaxTimeoutSeconds     int    `yaml:"maxTimeoutSeconds"`
}

type NomadConfig struct {
	Address         string   `yaml:"address"`
	Region          string   `yaml:"region"`
	Namespace       string   `yaml:"namespace"`
	Datacenters     []string `yaml:"datacenters"`
	Image           string   `yaml:"image"`
	RunnerCommand   []string `yaml:"runnerCommand"`
	CPU             int      `yaml:"cpu"`      // MHz
	MemoryMB        int      `yaml:"memoryMb"` // MiB
	RestartAttempts int      `yaml:"restartAttempts"`
}

type KubernetesConfig struct {
	Kubeconfig    string   `yaml:"kubeconfig"`
	Namespace     string   `yaml:"namespace"`
	Image         string   `yaml:"image"`
	RunnerCommand []string `yaml:"runnerCommand"`
	CPUMillis     int      `yaml:"cpuMillis"`
	MemoryMB      int      `yaml:"memoryMb"` // MiB
	BackoffLimit  int      `yaml:"backoffLimit"`
}

type ReconcileConfig struct {
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batchSize"`
	ConsulAddr    string        `yaml:"consulAddr"`
	ConsulLockKey string        `yaml:"consulLockKey"`
}

// S3Config enables log archiving when Endpoint is set.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   defaultLogLevel,
		Backend:    BackendNomad,
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: defaultDBPath,
			JobPrefix:  defaultJobPrefix,
		},
		Nomad: NomadConfig{
			Address:     defaultNomadAddr,
			Region:      defaultNomadRegion,
			Datacenters: []string{defaultDatacenter},
		},
		Kubernetes: KubernetesConfig{
			Namespace: defaultK8sNamespace,
		},
		Reconcile: ReconcileConfig{
			Interval:      defaultReconcileInterval,
			BatchSize:     defaultReconcileBatch,
			ConsulLockKey: defaultLockKey,
		},
		S3: S3Config{
			Region: defaultS3Region,
			Bucket: defaultS3Bucket,
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// AGENTRUN_CONFIG_FILE (if any) and the environment.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.ListenAddr, envListenAddr)
	setString(&c.LogLevel, envLogLevel)

	setString(&c.Store.Driver, envStoreDriver)
	setString(&c.Store.SQLitePath, envDBPath)
	setString(&c.Store.DatabaseURL, envDatabaseURL)
	setString(&c.Store.JobPrefix, envJobPrefix)

	setString(&c.Engine.DefaultModel, envDefaultModel)

	setString(&c.Nomad.Address, envNomadAddr)
	setString(&c.Nomad.Region, envNomadRegion)
	setString(&c.Nomad.Namespace, envNomadNamespace)
	setString(&c.Nomad.Image, envJobImage)
	setString(&c.Kubernetes.Image, envJobImage)
	if v := os.Getenv(envNomadDCs); v != "" {
		c.Nomad.Datacenters = splitComma(v)
	}
	if v := os.Getenv(envRunnerCommand); v != "" {
		c.Nomad.RunnerCommand = strings.Fields(v)
		c.Kubernetes.RunnerCommand = strings.Fields(v)
	}

	setString(&c.Backend, envBackend)
	setString(&c.Kubernetes.Kubeconfig, envKubeconfig)
	setString(&c.Kubernetes.Namespace, envK8sNamespace)

	setString(&c.Reconcile.ConsulAddr, envConsulAddr)
	setString(&c.Reconcile.ConsulLockKey, envConsulLockKey)

	setString(&c.S3.Endpoint, envS3Endpoint)
	setString(&c.S3.AccessKey, envS3AccessKey)
	setString(&c.S3.SecretKey, envS3SecretKey)
	setString(&c.S3.Region, envS3Region)
	setString(&c.S3.Bucket, envS3Bucket)

	return errors.Join(
		setInt(&c.Engine.DefaultMaxTokens, envDefaultTokens),
		setInt(&c.Engine.MaxTokensCap, envMaxTokensCap),
		setInt(&c.Engine.DefaultTimeoutSeconds, envDefaultTimeout),
		setInt(&c.Engine.MaxTimeoutSeconds, envMaxTimeout),
		setInt(&c.Nomad.CPU, envJobCPU),
		setInt(&c.Nomad.MemoryMB, envJobMemoryMB),
		setInt(&c.Nomad.RestartAttempts, envRestartAttempts),
		setInt(&c.Kubernetes.BackoffLimit, envK8sBackoffLimit),
		setInt(&c.Reconcile.BatchSize, envReconcileBatch),
		setDuration(&c.Reconcile.Interval, envReconcileInterval),
		setBool(&c.S3.UseSSL, envS3UseSSL),
	)
}

// Validate checks settings that have no usable fallback.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store: sqlite path is required")
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store: %s is required for the postgres driver", envDatabaseURL)
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	switch c.Backend {
	case BackendNomad, BackendKubernetes:
	default:
		return fmt.Errorf("backend: unknown job backend %q", c.Backend)
	}
	if c.Reconcile.Interval <= 0 {
		return errors.New("reconcile: interval must be positive")
	}
	return nil
}

// Level returns the slog level named by LogLevel. Unknown names map to info.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func splitComma(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
