package nomad

// Defaults applied when a Config field is zero.
const (
	DefaultRegion          = "global"
	DefaultDatacenter      = "dc1"
	DefaultImage           = "ghcr.io/seantiz/agent-runner:latest"
	DefaultRunnerCommand   = "agent-runner"
	DefaultCPU             = 500
	DefaultMemoryMB        = 512
	DefaultTimeoutSeconds  = 600
	DefaultPriority        = 50
	DefaultRestartAttempts = 0
)

// ManagedBy is the meta value tagging jobs created by this system.
const ManagedBy = "agentrun"

// Config holds the settings of the Nomad job backend.
type Config struct {
	// Address of the Nomad HTTP API, e.g. http://127.0.0.1:4646.
	Address   string
	Region    string
	Namespace string
	// Datacenters eligible to place execution jobs.
	Datacenters []string

	// JobPrefix is prepended to execution ids to form job ids.
	JobPrefix string

	// Image is the docker image that runs the agent.
	Image string
	// RunnerCommand is the command executed inside the image. It is wrapped
	// with timeout(1) so the deadline is enforced on the node.
	RunnerCommand []string

	DefaultCPU            int
	DefaultMemoryMB       int
	DefaultTimeoutSeconds int
	RestartAttempts       int
	Priority              int
}

func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	if len(c.Datacenters) == 0 {
		c.Datacenters = []string{DefaultDatacenter}
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
	if c.DefaultCPU <= 0 {
		c.DefaultCPU = DefaultCPU
	}
	if c.DefaultMemoryMB <= 0 {
		c.DefaultMemoryMB = DefaultMemoryMB
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.RestartAttempts < 0 {
		c.RestartAttempts = DefaultRestartAttempts
	}
	if c.Priority <= 0 {
		c.Priority = DefaultPriority
	}
	return c
}
