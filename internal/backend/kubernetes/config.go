package kubernetes

// Defaults applied when a Config field is zero.
const (
	DefaultNamespace      = "default"
	DefaultImage          = "ghcr.io/seantiz/agent-runner:latest"
	DefaultRunnerCommand  = "agent-runner"
	DefaultCPUMillis      = 500
	DefaultMemoryMB       = 512
	DefaultTimeoutSeconds = 600
	// DefaultTTLAfterFinished keeps finished jobs long enough for the
	// reconciler to read their logs before the cluster garbage-collects them.
	DefaultTTLAfterFinished = 3600
)

// Labels set on every job and pod created by this system.
const (
	LabelManagedBy   = "app.kubernetes.io/managed-by"
	LabelExecutionID = "agentrun.io/execution-id"
	ManagedBy        = "agentrun"
)

// containerName is the single container of an execution pod.
const containerName = "agent"

// Config holds the settings of the Kubernetes job backend.
type Config struct {
	// Kubeconfig is the path of a kubeconfig file. Empty means the
	// in-cluster service account, then ~/.kube/config.
	Kubeconfig string
	Namespace  string

	// JobPrefix is prepended to execution ids to form job names.
	JobPrefix string

	Image         string
	RunnerCommand []string

	DefaultCPUMillis      int
	DefaultMemoryMB       int
	DefaultTimeoutSeconds int
	// BackoffLimit is the number of pod retries before the job fails.
	BackoffLimit     int
	TTLAfterFinished int
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.JobPrefix == "" {
		c.JobPrefix = "agent"
	}
	if c.Image == "" {
		c.Image = DefaultImage
	}
	if len(c.RunnerCommand) == 0 {
		c.RunnerCommand = []string{DefaultRunnerCommand}
	}
	if c.DefaultCPUMillis <= 0 {
		c.DefaultCPUMillis = DefaultCPUMillis
	}
	if c.DefaultMemoryMB <= 0 {
		c.DefaultMemoryMB = DefaultMemoryMB
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.BackoffLimit < 0 {
		c.BackoffLimit = 0
	}
	if c.TTLAfterFinished <= 0 {
		c.TTLAfterFinished = DefaultTTLAfterFinished
	}
	return c
}
