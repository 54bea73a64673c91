// Package kubernetes runs execution jobs as Kubernetes batch Jobs.
package kubernetes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/seantiz/agentrun/internal/backend"
	"github.com/seantiz/agentrun/internal/model"
)

var _ backend.JobBackend = (*Adapter)(nil)

// maxLogBytes caps the job output read back into an execution.
const maxLogBytes = 4 << 20

// requestTimeout bounds every API server call, including the startup check.
const requestTimeout = 30 * time.Second

// Adapter implements backend.JobBackend on Kubernetes batch Jobs in one
// namespace. Without a reachable API server it is unconfigured and every
// call returns backend.ErrUnconfigured without network I/O.
type Adapter struct {
	cfg    Config
	cs     kubernetes.Interface
	logger *slog.Logger
}

// New builds a clientset from the kubeconfig or the in-cluster service
// account and checks the API server answers. On failure it logs a warning
// and returns an unconfigured adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	cfg = cfg.withDefaults()
	a := &Adapter{cfg: cfg, logger: logger}

	cs, err := newClientset(cfg.Kubeconfig)
	if err == nil {
		_, err = cs.Discovery().ServerVersion()
	}
	if err != nil {
		logger.Warn("kubernetes unreachable, job backend unconfigured",
			"namespace", cfg.Namespace,
			"error", err,
		)
		return a
	}

	a.cs = cs
	logger.Info("kubernetes job backend configured", "namespace", cfg.Namespace)
	return a
}

func newClientset(kubeconfig string) (*kubernetes.Clientset, error) {
	var config *rest.Config
	var err error
	if kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	} else {
		config, err = rest.InClusterConfig()
		if err != nil {
			config, err = clientcmd.BuildConfigFromFlags("", filepath.Join(os.Getenv("HOME"), ".kube", "config"))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}
	config.Timeout = requestTimeout
	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return cs, nil
}

// newWithClientset builds an adapter around cs. A nil cs yields an
// unconfigured adapter.
func newWithClientset(cfg Config, cs kubernetes.Interface, logger *slog.Logger) *Adapter {
	return &Adapter{cfg: cfg.withDefaults(), cs: cs, logger: logger}
}

// Configured reports whether the adapter has a live clientset.
func (a *Adapter) Configured() bool {
	return a.cs != nil
}

func (a *Adapter) jobName(executionID string) string {
	return model.JobID(a.cfg.JobPrefix, executionID)
}

func observe(op string, start time.Time, err error) {
	backend.Observe("kubernetes", op, start, err)
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", backend.ErrBackend, op, err)
}

// CreateJob creates the Job for an execution. A Job that already exists
// under the same name is returned as is.
func (a *Adapter) CreateJob(ctx context.Context, req backend.JobRequest) (h backend.JobHandle, err error) {
	defer func(start time.Time) { observe(backend.OpCreate, start, err) }(time.Now())
	if a.cs == nil {
		return backend.JobHandle{}, backend.ErrUnconfigured
	}

	job := translate(a.cfg, req)
	created, err := a.cs.BatchV1().Jobs(a.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if k8serrors.IsAlreadyExists(err) {
		created, err = a.cs.BatchV1().Jobs(a.cfg.Namespace).Get(ctx, job.Name, metav1.GetOptions{})
	}
	if err != nil {
		return backend.JobHandle{}, backendErr("create job", err)
	}

	a.logger.Info("job submitted",
		"execution_id", req.ExecutionID,
		"job_id", created.Name,
		"namespace", a.cfg.Namespace,
	)
	submitted := created.CreationTimestamp.UTC()
	if created.CreationTimestamp.IsZero() {
		submitted = time.Now().UTC()
	}
	c := counters(created)
	return backend.JobHandle{
		ExecutionID: req.ExecutionID,
		JobID:       created.Name,
		Phase:       backend.DerivePhase(&c),
		SubmittedAt: submitted,
	}, nil
}

// GetJobStatus reads the Job counters and names its newest pod.
func (a *Adapter) GetJobStatus(ctx context.Context, executionID string) (st backend.JobStatus, err error) {
	defer func(start time.Time) { observe(backend.OpStatus, start, err) }(time.Now())
	if a.cs == nil {
		return backend.JobStatus{}, backend.ErrUnconfigured
	}

	job, err := a.cs.BatchV1().Jobs(a.cfg.Namespace).Get(ctx, a.jobName(executionID), metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return backend.JobStatus{}, backend.ErrJobNotFound
	}
	if err != nil {
		return backend.JobStatus{}, backendErr("get job", err)
	}

	st.Counters = counters(job)
	st.Phase = backend.DerivePhase(&st.Counters)

	pod, err := a.newestPod(ctx, executionID)
	if err != nil {
		return backend.JobStatus{}, err
	}
	if pod != nil {
		st.PodName = pod.Name
	}
	return st, nil
}

func (a *Adapter) newestPod(ctx context.Context, executionID string) (*corev1.Pod, error) {
	pods, err := a.cs.CoreV1().Pods(a.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelExecutionID + "=" + executionID,
	})
	if err != nil {
		return nil, backendErr("list pods", err)
	}
	return newestPod(pods.Items), nil
}

// DeleteJob deletes the Job and, in the background, its pods. An absent Job
// is not an error.
func (a *Adapter) DeleteJob(ctx context.Context, executionID string) (deleted bool, err error) {
	defer func(start time.Time) { observe(backend.OpDelete, start, err) }(time.Now())
	if a.cs == nil {
		return false, backend.ErrUnconfigured
	}

	name := a.jobName(executionID)
	err = a.cs.BatchV1().Jobs(a.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr(metav1.DeletePropagationBackground),
	})
	if k8serrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, backendErr("delete job", err)
	}

	a.logger.Info("job deleted", "execution_id", executionID, "job_id", name)
	return true, nil
}

// GetJobLogs reads the agent container output of the newest pod. ok is false
// while no pod exists.
func (a *Adapter) GetJobLogs(ctx context.Context, executionID string) (logs string, ok bool, err error) {
	defer func(start time.Time) { observe(backend.OpLogs, start, err) }(time.Now())
	if a.cs == nil {
		return "", false, backend.ErrUnconfigured
	}

	pod, err := a.newestPod(ctx, executionID)
	if err != nil || pod == nil {
		return "", false, err
	}

	stream, err := a.cs.CoreV1().Pods(a.cfg.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{
		Container: containerName,
	}).Stream(ctx)
	if k8serrors.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, backendErr("read logs", err)
	}
	defer stream.Close()

	b, err := io.ReadAll(io.LimitReader(stream, maxLogBytes))
	if err != nil {
		return "", false, backendErr("read logs", err)
	}
	return string(b), true, nil
}

// ListJobs returns the Jobs labelled as managed by this system whose name
// and execution-id label agree.
func (a *Adapter) ListJobs(ctx context.Context) (handles []backend.JobHandle, err error) {
	defer func(start time.Time) { observe(backend.OpList, start, err) }(time.Now())
	if a.cs == nil {
		return nil, backend.ErrUnconfigured
	}

	jobs, err := a.cs.BatchV1().Jobs(a.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: LabelManagedBy + "=" + ManagedBy,
	})
	if err != nil {
		return nil, backendErr("list jobs", err)
	}

	for i := range jobs.Items {
		job := &jobs.Items[i]
		id, ok := model.ExecutionIDFromJobID(a.cfg.JobPrefix, job.Name)
		if !ok || !ownedBy(job.Labels, id) {
			continue
		}
		c := counters(job)
		handles = append(handles, backend.JobHandle{
			ExecutionID: id,
			JobID:       job.Name,
			Phase:       backend.DerivePhase(&c),
			SubmittedAt: job.CreationTimestamp.UTC(),
		})
	}
	return handles, nil
}
