package kubernetes

import (
	"encoding/json"
	"strconv"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/model"
)

// Environment passed to the agent container.
const (
	envExecutionID = "EXECUTION_ID"
	envPrompt      = "EXECUTION_PROMPT"
	envModel       = "EXECUTION_MODEL"
	envMaxTokens   = "EXECUTION_MAX_TOKENS"
	envMetadata    = "EXECUTION_METADATA"
)

func ptr[T any](v T) *T { return &v }

// ownerLabels marks an object as created for one execution.
func ownerLabels(executionID string) map[string]string {
	return map[string]string{
		LabelManagedBy:   ManagedBy,
		LabelExecutionID: executionID,
	}
}

// translate builds the batch Job for one execution. The pod never restarts
// in place, and the deadline is enforced by the cluster through
// activeDeadlineSeconds.
func translate(cfg Config, req backend.JobRequest) *batchv1.Job {
	name := model.JobID(cfg.JobPrefix, req.ExecutionID)

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = cfg.DefaultTimeoutSeconds
	}

	cpu := cfg.DefaultCPUMillis
	mem := cfg.DefaultMemoryMB
	if req.Resources != nil {
		if req.Resources.CPU > 0 {
			cpu = req.Resources.CPU
		}
		if req.Resources.MemoryMB > 0 {
			mem = req.Resources.MemoryMB
		}
	}
	resources := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cpu), resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(int64(mem)*1024*1024, resource.BinarySI),
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: cfg.Namespace,
			Labels:    ownerLabels(req.ExecutionID),
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr(int32(cfg.BackoffLimit)),
			ActiveDeadlineSeconds:   ptr(int64(timeout)),
			TTLSecondsAfterFinished: ptr(int32(cfg.TTLAfterFinished)),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: ownerLabels(req.ExecutionID),
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    containerName,
						Image:   cfg.Image,
						Command: cfg.RunnerCommand,
						Env:     containerEnv(req),
						Resources: corev1.ResourceRequirements{
							Requests: resources,
							Limits:   resources,
						},
					}},
				},
			},
		},
	}
}

func containerEnv(req backend.JobRequest) []corev1.EnvVar {
	env := []corev1.EnvVar{
		{Name: envExecutionID, Value: req.ExecutionID},
		{Name: envPrompt, Value: req.Prompt},
		{Name: envModel, Value: req.Model},
		{Name: envMaxTokens, Value: strconv.Itoa(req.MaxTokens)},
	}
	if len(req.Metadata) > 0 {
		b, _ := json.Marshal(req.Metadata)
		env = append(env, corev1.EnvVar{Name: envMetadata, Value: string(b)})
	}
	return env
}

// counters reads the job status. A job the controller marked failed, for
// instance after its deadline, counts as failed even when no pod did.
func counters(job *batchv1.Job) backend.Counters {
	c := backend.Counters{
		Active:    int(job.Status.Active),
		Succeeded: int(job.Status.Succeeded),
		Failed:    int(job.Status.Failed),
	}
	for _, cond := range job.Status.Conditions {
		if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue && c.Failed == 0 && c.Succeeded == 0 {
			c.Failed = 1
		}
	}
	return c
}

// newestPod returns the most recently created pod, or nil.
func newestPod(pods []corev1.Pod) *corev1.Pod {
	var newest *corev1.Pod
	for i := range pods {
		p := &pods[i]
		if newest == nil || newest.CreationTimestamp.Before(&p.CreationTimestamp) {
			newest = p
		}
	}
	return newest
}

// ownedBy reports whether labels tag an object as this system's job for
// executionID.
func ownedBy(labels map[string]string, executionID string) bool {
	return labels[LabelManagedBy] == ManagedBy && labels[LabelExecutionID] == executionID
}
