package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

// Prediction statuses of the polling REST API
const (
	predictionStarting   = "starting"
	predictionProcessing = "processing"
	predictionSucceeded  = "succeeded"
	predictionFailed     = "failed"
	predictionCanceled   = "canceled"
)

// ReplicateClient is a minimal predictions API client
type ReplicateClient struct {
	BaseURL string
	Token   string
	// WebhookURL, when set, is registered on versioned predictions
	WebhookURL string
	Client     *http.Client
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
}

func (c *ReplicateClient) base() string {
	if c.BaseURL == "" {
		return "https://api.replicate.com"
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *ReplicateClient) header(wait bool) http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	if wait {
		h.Set("Prefer", "wait")
	}
	return h
}

// Create starts a prediction. Without a version the model endpoint is used and
// the call blocks until the prediction finishes or the server gives up waiting.
func (c *ReplicateClient) Create(ctx context.Context, model, version string, input map[string]any) (*prediction, error) {
	var (
		p    prediction
		err  error
		body = map[string]any{"input": input}
	)
	if version != "" {
		body["version"] = version
		if c.WebhookURL != "" {
			body["webhook"] = c.WebhookURL
			body["webhook_events_filter"] = []string{"completed"}
		}
		err = doJSON(ctx, defaultHTTPClient(c.Client), http.MethodPost, c.base()+"/v1/predictions", c.header(false), body, &p)
	} else {
		err = doJSON(ctx, defaultHTTPClient(c.Client), http.MethodPost,
			c.base()+"/v1/models/"+model+"/predictions", c.header(true), body, &p)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create prediction for %s: %w", model, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("prediction for %s returned no id", model)
	}
	return &p, nil
}

// Get fetches a prediction, retrying transient failures
func (c *ReplicateClient) Get(ctx context.Context, id string) (*prediction, error) {
	var p prediction
	err := withRetry(ctx, 3, 500*time.Millisecond, func() error {
		return doJSON(ctx, defaultHTTPClient(c.Client), http.MethodGet,
			c.base()+"/v1/predictions/"+url.PathEscape(id), c.header(false), nil, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prediction %s: %w", id, err)
	}
	return &p, nil
}

// Cancel asks the API to stop a prediction
func (c *ReplicateClient) Cancel(ctx context.Context, id string) error {
	return doJSON(ctx, defaultHTTPClient(c.Client), http.MethodPost,
		c.base()+"/v1/predictions/"+url.PathEscape(id)+"/cancel", c.header(false), nil, nil)
}

type replicate struct {
	def      *tool.Definition
	client   *ReplicateClient
	tasks    task.Store
	mat      Materializer
	interval time.Duration
}

func (a *replicate) Start(ctx context.Context, t *task.Task) (string, error) {
	cfg := a.def.Replicate
	p, err := a.client.Create(ctx, cfg.Model, cfg.Version, t.Args)
	if err != nil {
		return "", err
	}
	if cfg.Version != "" {
		return p.ID, nil
	}

	// unversioned models run synchronously; finalize now if the result is in
	switch p.Status {
	case predictionSucceeded:
		outputs, err := a.materialize(ctx, p.Output)
		if err != nil {
			return "", err
		}
		if _, err := a.tasks.Finish(ctx, t.ID, task.Completed(outputs), time.Now()); err != nil {
			return "", err
		}
	case predictionFailed, predictionCanceled:
		return "", fmt.Errorf("prediction %s %s: %v", p.ID, p.Status, p.Error)
	}
	return p.ID, nil
}

func (a *replicate) Poll(ctx context.Context, t *task.Task, r Reporter) (task.Outcome, error) {
	stored, err := r.Reload(ctx)
	if err != nil {
		return task.Outcome{}, err
	}
	if out, ok := outcomeFromTask(stored); ok {
		return out, nil
	}

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	running := false
	for {
		p, err := a.client.Get(ctx, t.HandlerID)
		if err != nil {
			return task.Outcome{}, err
		}

		switch p.Status {
		case predictionProcessing:
			if !running {
				if err := r.Running(ctx); err != nil {
					return task.Outcome{}, err
				}
				running = true
			}
			if partial, err := a.materialize(ctx, p.Output); err == nil && len(partial) > 0 {
				if err := r.Progress(ctx, partial); err != nil {
					return task.Outcome{}, err
				}
			}

		case predictionSucceeded:
			outputs, err := a.materialize(ctx, p.Output)
			if err != nil {
				return task.Outcome{}, err
			}
			return task.Completed(outputs), nil

		case predictionFailed:
			return task.Failed(fmt.Sprint(p.Error)), nil

		case predictionCanceled:
			return task.Cancelled(), nil
		}

		select {
		case <-ctx.Done():
			return task.Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Notify decodes a prediction webhook body
func (a *replicate) Notify(ctx context.Context, t *task.Task, payload []byte) (task.Outcome, bool, error) {
	var p prediction
	if err := json.Unmarshal(payload, &p); err != nil {
		return task.Outcome{}, false, fmt.Errorf("invalid prediction payload: %w", err)
	}
	if p.ID != t.HandlerID {
		return task.Outcome{}, false, fmt.Errorf("prediction %s does not belong to task %s", p.ID, t.ID)
	}

	switch p.Status {
	case predictionSucceeded:
		outputs, err := a.materialize(ctx, p.Output)
		if err != nil {
			return task.Outcome{}, false, err
		}
		return task.Completed(outputs), true, nil
	case predictionFailed:
		return task.Failed(fmt.Sprint(p.Error)), true, nil
	case predictionCanceled:
		return task.Cancelled(), true, nil
	}
	return task.Outcome{Status: task.StatusRunning}, false, nil
}

func (a *replicate) Cancel(ctx context.Context, t *task.Task) error {
	if t.HandlerID == "" {
		return nil
	}
	return a.client.Cancel(ctx, t.HandlerID)
}

// materialize accepts the output shapes the API returns: a URL, a list of URLs, or null
func (a *replicate) materialize(ctx context.Context, raw json.RawMessage) ([]task.Output, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var refs []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		refs = []string{single}
	} else if err := json.Unmarshal(raw, &refs); err != nil {
		if a.def.OutputKind == tool.OutputText {
			return []task.Output{{Text: string(raw), MediaType: string(tool.OutputText)}}, nil
		}
		return nil, fmt.Errorf("unexpected prediction output: %s", string(raw))
	}

	if a.def.OutputKind == tool.OutputText {
		outputs := make([]task.Output, 0, len(refs))
		for _, s := range refs {
			outputs = append(outputs, task.Output{Text: s, MediaType: string(tool.OutputText)})
		}
		return outputs, nil
	}
	return a.mat.Materialize(ctx, a.def, refs)
}
