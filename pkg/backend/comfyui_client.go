package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// comfy websocket frame types
const (
	frameExecutionStart       = "execution_start"
	frameExecuting            = "executing"
	frameExecuted             = "executed"
	frameExecutionError       = "execution_error"
	frameExecutionInterrupted = "execution_interrupted"
)

var errSessionClosed = errors.New("comfyui session closed")

type comfyEvent struct {
	Type    string
	Node    string
	Output  json.RawMessage
	Message string
}

// jobWaiter buffers events for one job; the reader never blocks on a slow poller
type jobWaiter struct {
	mu     sync.Mutex
	events []comfyEvent
	notify chan struct{}
}

func newJobWaiter() *jobWaiter {
	return &jobWaiter{notify: make(chan struct{}, 1)}
}

func (w *jobWaiter) push(ev comfyEvent) {
	w.mu.Lock()
	w.events = append(w.events, ev)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *jobWaiter) drain() []comfyEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := w.events
	w.events = nil
	return events
}

type comfySession struct {
	conn *websocket.Conn
	done chan struct{}
	err  error
}

// ComfyUIClient is the connection to one job-queue workspace. All jobs of
// the workspace share a single websocket session keyed by the client id.
type ComfyUIClient struct {
	baseURL  string
	clientID string
	http     *http.Client
	dialer   *websocket.Dialer
	logger   zerolog.Logger

	mu      sync.Mutex
	session *comfySession
	waiters map[string]*jobWaiter
}

// ComfyUIConfig configures a workspace client
type ComfyUIConfig struct {
	BaseURL string
	Client  *http.Client
	Logger  zerolog.Logger
}

// NewComfyUIClient creates a client with a fresh client id
func NewComfyUIClient(cfg ComfyUIConfig) (*ComfyUIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("comfyui base url is required")
	}
	clientID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client id: %w", err)
	}
	return &ComfyUIClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		clientID: clientID,
		http:     defaultHTTPClient(cfg.Client),
		dialer:   websocket.DefaultDialer,
		logger:   cfg.Logger.With().Str("component", "comfyui").Str("client_id", clientID).Logger(),
		waiters:  make(map[string]*jobWaiter),
	}, nil
}

// Submit queues a graph and returns its job id
func (c *ComfyUIClient) Submit(ctx context.Context, graph map[string]any) (string, error) {
	var resp struct {
		JobID    string `json:"job_id"`
		PromptID string `json:"prompt_id"`
		Error    any    `json:"error,omitempty"`
	}
	body := map[string]any{"graph": graph, "prompt": graph, "client_id": c.clientID}
	if err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/submit", nil, body, &resp); err != nil {
		return "", fmt.Errorf("failed to submit job: %w", err)
	}

	id := resp.JobID
	if id == "" {
		id = resp.PromptID
	}
	if id == "" {
		return "", fmt.Errorf("submit returned no job id (error: %v)", resp.Error)
	}
	return id, nil
}

type historyFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
		Messages  []any  `json:"messages"`
	} `json:"status"`
}

// History returns the job's history entry, or nil if the job has not finished
func (c *ComfyUIClient) History(ctx context.Context, jobID string) (*historyEntry, error) {
	var resp map[string]historyEntry
	err := withRetry(ctx, 3, 500*time.Millisecond, func() error {
		return doJSON(ctx, c.http, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(jobID), nil, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	entry, ok := resp[jobID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// ViewURL is the download URL of an output file
func (c *ComfyUIClient) ViewURL(f historyFile) string {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", f.Type)
	return c.baseURL + "/view?" + q.Encode()
}

// subscribe registers a waiter before the session is (re)opened so no frame is missed
func (c *ComfyUIClient) subscribe(jobID string) *jobWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[jobID]
	if !ok {
		w = newJobWaiter()
		c.waiters[jobID] = w
	}
	return w
}

func (c *ComfyUIClient) unsubscribe(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, jobID)
}

// ensureSession returns the live session, dialing a new one if needed
func (c *ComfyUIClient) ensureSession(ctx context.Context) (*comfySession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		select {
		case <-c.session.done:
		default:
			return c.session, nil
		}
	}

	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws?clientId=" + url.QueryEscape(c.clientID)
	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}

	s := &comfySession{conn: conn, done: make(chan struct{})}
	c.session = s
	go c.read(s)

	c.logger.Debug().Str("url", wsURL).Msg("Websocket session opened")
	return s, nil
}

func (c *ComfyUIClient) read(s *comfySession) {
	defer close(s.done)
	defer s.conn.Close()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			c.logger.Debug().Err(err).Msg("Websocket session closed")
			return
		}
		// binary frames carry preview images
		if msgType != websocket.TextMessage {
			continue
		}

		var frame struct {
			Type string `json:"type"`
			Data struct {
				PromptID         string          `json:"prompt_id"`
				JobID            string          `json:"job_id"`
				Node             *string         `json:"node"`
				Output           json.RawMessage `json:"output"`
				ExceptionMessage string          `json:"exception_message"`
			} `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("Ignoring malformed frame")
			continue
		}

		jobID := frame.Data.PromptID
		if jobID == "" {
			jobID = frame.Data.JobID
		}
		if jobID == "" {
			continue
		}

		ev := comfyEvent{Type: frame.Type, Output: frame.Data.Output, Message: frame.Data.ExceptionMessage}
		if frame.Data.Node != nil {
			ev.Node = *frame.Data.Node
		}

		c.mu.Lock()
		w, ok := c.waiters[jobID]
		c.mu.Unlock()
		if ok {
			w.push(ev)
		}
	}
}

// Close drops the websocket session
func (c *ComfyUIClient) Close() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.conn.Close()
	<-s.done
	return err
}
