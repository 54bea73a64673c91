package nomad

import (
	"encoding/json"
	"strconv"

	nomadapi "github.com/hashicorp/nomad/api"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/model"
)

// Task group and task names inside every execution job.
const (
	taskGroupName = "execution"
	taskName      = "agent"
)

// Meta keys set on every execution job.
const (
	metaExecutionID = "execution_id"
	metaManagedBy   = "managed_by"
)

// Environment variables passed to the agent task.
const (
	envExecutionID = "EXECUTION_ID"
	envPrompt      = "EXECUTION_PROMPT"
	envModel       = "EXECUTION_MODEL"
	envMaxTokens   = "EXECUTION_MAX_TOKENS"
	envMetadata    = "EXECUTION_METADATA"
)

// translate builds the batch job for one execution. The job never restarts
// or reschedules by default: a retry would be a second run of the same
// prompt, and the reconciler owns that decision.
func translate(cfg Config, req backend.JobRequest) *nomadapi.Job {
	jobID := model.JobID(cfg.JobPrefix, req.ExecutionID)

	job := nomadapi.NewBatchJob(jobID, jobID, cfg.Region, cfg.Priority)
	job.Datacenters = cfg.Datacenters
	if cfg.Namespace != "" {
		ns := cfg.Namespace
		job.Namespace = &ns
	}
	job.Meta = map[string]string{
		metaExecutionID: req.ExecutionID,
		metaManagedBy:   ManagedBy,
	}

	tg := nomadapi.NewTaskGroup(taskGroupName, 1)

	attempts := cfg.RestartAttempts
	mode := "fail"
	tg.RestartPolicy = &nomadapi.RestartPolicy{
		Attempts: &attempts,
		Mode:     &mode,
	}
	rescheduleAttempts := 0
	unlimited := false
	tg.ReschedulePolicy = &nomadapi.ReschedulePolicy{
		Attempts:  &rescheduleAttempts,
		Unlimited: &unlimited,
	}

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = cfg.DefaultTimeoutSeconds
	}

	task := nomadapi.NewTask(taskName, "docker")
	task.Config = map[string]interface{}{
		"image":   cfg.Image,
		"command": "timeout",
		"args":    append([]string{strconv.Itoa(timeout)}, cfg.RunnerCommand...),
	}
	task.Env = taskEnv(req)

	cpu := cfg.DefaultCPU
	mem := cfg.DefaultMemoryMB
	if req.Resources != nil {
		if req.Resources.CPU > 0 {
			cpu = req.Resources.CPU
		}
		if req.Resources.MemoryMB > 0 {
			mem = req.Resources.MemoryMB
		}
	}
	task.Resources = &nomadapi.Resources{
		CPU:      &cpu,
		MemoryMB: &mem,
	}

	tg.Tasks = []*nomadapi.Task{task}
	job.TaskGroups = []*nomadapi.TaskGroup{tg}
	return job
}

func taskEnv(req backend.JobRequest) map[string]string {
	env := map[string]string{
		envExecutionID: req.ExecutionID,
		envPrompt:      req.Prompt,
		envModel:       req.Model,
		envMaxTokens:   strconv.Itoa(req.MaxTokens),
	}
	if len(req.Metadata) > 0 {
		// Marshalling a map[string]string cannot fail.
		b, _ := json.Marshal(req.Metadata)
		env[envMetadata] = string(b)
	}
	return env
}

// counters folds the per-task-group summary into backend counters.
func counters(s *nomadapi.JobSummary) *backend.Counters {
	if s == nil {
		return nil
	}
	c := &backend.Counters{}
	for _, tg := range s.Summary {
		c.Succeeded += tg.Complete
		c.Failed += tg.Failed + tg.Lost
		c.Active += tg.Running + tg.Starting
	}
	return c
}
