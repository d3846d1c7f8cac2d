package backend

import (
	"context"
	"fmt"
	"time"

	aiplatform "google.golang.org/api/aiplatform/v1"
	"google.golang.org/api/option"

	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

// Custom job states
const (
	jobStateQueued     = "JOB_STATE_QUEUED"
	jobStatePending    = "JOB_STATE_PENDING"
	jobStateRunning    = "JOB_STATE_RUNNING"
	jobStateSucceeded  = "JOB_STATE_SUCCEEDED"
	jobStateFailed     = "JOB_STATE_FAILED"
	jobStateCancelling = "JOB_STATE_CANCELLING"
	jobStateCancelled  = "JOB_STATE_CANCELLED"
	jobStateExpired    = "JOB_STATE_EXPIRED"
)

// VertexJobsConfig configures the custom job client
type VertexJobsConfig struct {
	Project string
	Region  string
	// Image is the default worker container; tools may override it
	Image string
	// Endpoint overrides the regional API endpoint
	Endpoint string
}

// VertexJobs submits managed batch jobs that run one task each
type VertexJobs struct {
	cfg  VertexJobsConfig
	jobs *aiplatform.ProjectsLocationsCustomJobsService
}

// NewVertexJobs creates the client. Extra options (credentials, http client) are passed through.
func NewVertexJobs(ctx context.Context, cfg VertexJobsConfig, opts ...option.ClientOption) (*VertexJobs, error) {
	if cfg.Project == "" || cfg.Region == "" {
		return nil, fmt.Errorf("vertex project and region are required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s-aiplatform.googleapis.com/", cfg.Region)
	}
	opts = append([]option.ClientOption{option.WithEndpoint(endpoint)}, opts...)

	svc, err := aiplatform.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create aiplatform service: %w", err)
	}
	return &VertexJobs{cfg: cfg, jobs: aiplatform.NewProjectsLocationsCustomJobsService(svc)}, nil
}

func (v *VertexJobs) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", v.cfg.Project, v.cfg.Region)
}

// Submit creates a custom job for the task and returns its resource name
func (v *VertexJobs) Submit(ctx context.Context, def *tool.Definition, t *task.Task) (string, error) {
	cfg := def.Vertex
	image := cfg.Image
	if image == "" {
		image = v.cfg.Image
	}
	if image == "" {
		return "", &tool.ConfigError{Tool: def.Key, Msg: "no worker image configured"}
	}

	job := &aiplatform.GoogleCloudAiplatformV1CustomJob{
		DisplayName: fmt.Sprintf("%s-%s", def.Key, t.ID),
		Labels:      map[string]string{"tool": def.Key},
		JobSpec: &aiplatform.GoogleCloudAiplatformV1CustomJobSpec{
			WorkerPoolSpecs: []*aiplatform.GoogleCloudAiplatformV1WorkerPoolSpec{{
				ReplicaCount: 1,
				MachineSpec: &aiplatform.GoogleCloudAiplatformV1MachineSpec{
					MachineType:      cfg.MachineType,
					AcceleratorType:  cfg.AcceleratorType,
					AcceleratorCount: int64(cfg.AcceleratorCount),
				},
				ContainerSpec: &aiplatform.GoogleCloudAiplatformV1ContainerSpec{
					ImageUri: image,
					Args:     []string{"--task-id", t.ID, "--tool", def.Key},
				},
			}},
		},
	}

	created, err := v.jobs.Create(v.parent(), job).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to create custom job: %w", err)
	}
	return created.Name, nil
}

// State returns the job state and its error message, if any
func (v *VertexJobs) State(ctx context.Context, name string) (string, string, error) {
	job, err := v.jobs.Get(name).Context(ctx).Do()
	if err != nil {
		return "", "", fmt.Errorf("failed to get custom job %s: %w", name, err)
	}
	msg := ""
	if job.Error != nil {
		msg = job.Error.Message
	}
	return job.State, msg, nil
}

// Cancel requests cancellation of a job
func (v *VertexJobs) Cancel(ctx context.Context, name string) error {
	_, err := v.jobs.Cancel(name, &aiplatform.GoogleCloudAiplatformV1CancelCustomJobRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to cancel custom job %s: %w", name, err)
	}
	return nil
}

type vertex struct {
	def      *tool.Definition
	jobs     *VertexJobs
	interval time.Duration
}

func (a *vertex) Start(ctx context.Context, t *task.Task) (string, error) {
	return a.jobs.Submit(ctx, a.def, t)
}

func (a *vertex) Poll(ctx context.Context, t *task.Task, r Reporter) (task.Outcome, error) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	running := false
	for {
		var (
			state, msg string
		)
		err := withRetry(ctx, 3, a.interval, func() error {
			var err error
			state, msg, err = a.jobs.State(ctx, t.HandlerID)
			return err
		})
		if err != nil {
			return task.Outcome{}, err
		}

		switch state {
		case jobStateRunning:
			if !running {
				if err := r.Running(ctx); err != nil {
					return task.Outcome{}, err
				}
				running = true
			}

		case jobStateSucceeded:
			// the worker writes results onto the task
			stored, err := r.Reload(ctx)
			if err != nil {
				return task.Outcome{}, err
			}
			if out, ok := outcomeFromTask(stored); ok {
				return out, nil
			}
			if len(stored.Result) > 0 {
				return task.Completed(stored.Result), nil
			}
			return task.Failed("job succeeded without writing results"), nil

		case jobStateFailed, jobStateExpired:
			if msg == "" {
				msg = "custom job " + state
			}
			return task.Failed(msg), nil

		case jobStateCancelled:
			return task.Cancelled(), nil

		case jobStateQueued, jobStatePending, jobStateCancelling:
		}

		select {
		case <-ctx.Done():
			return task.Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *vertex) Cancel(ctx context.Context, t *task.Task) error {
	if t.HandlerID == "" {
		return nil
	}
	return a.jobs.Cancel(ctx, t.HandlerID)
}
