package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenartlab/eden2-sub000/internal/storage"
	"github.com/edenartlab/eden2-sub000/pkg/agent"
	"github.com/edenartlab/eden2-sub000/pkg/quota"
	"github.com/edenartlab/eden2-sub000/pkg/task"
)

const fluxTool = `name: Flux
description: Text to image
output_type: image
cost_estimate: "3"
handler: polling-rest
replicate:
  model: black-forest-labs/flux-schnell
parameters:
  - name: prompt
    type: string
    required: true
`

// resetCommand clears flag state left over from a previous Execute
func resetCommand(t *testing.T) {
	t.Helper()
	var reset func(*cobra.Command)
	reset = func(c *cobra.Command) {
		visit := func(f *pflag.Flag) {
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				_ = sv.Replace(nil)
			} else {
				_ = f.Value.Set(f.DefValue)
			}
			f.Changed = false
		}
		c.Flags().VisitAll(visit)
		c.PersistentFlags().VisitAll(visit)
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)
	rootCmd.SetIn(os.Stdin)
	providerFactory = nil
}

type cliEnv struct {
	configPath string
	dataDir    string
	replicate  *httptest.Server
	created    int
	mu         sync.Mutex
}

func setupCLI(t *testing.T, extra map[string]any) *cliEnv {
	t.Helper()
	resetCommand(t)
	for _, env := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(env, "")
	}

	env := &cliEnv{dataDir: t.TempDir()}
	env.replicate = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/models/black-forest-labs/flux-schnell/predictions" {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Input map[string]any `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		env.mu.Lock()
		env.created++
		env.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "p1",
			"status": "succeeded",
			"output": []string{"https://cdn.test/" + body.Input["prompt"].(string) + ".png"},
		})
	}))
	t.Cleanup(env.replicate.Close)

	toolsDir := filepath.Join(env.dataDir, "tools")
	require.NoError(t, os.MkdirAll(toolsDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(toolsDir, "flux.yaml"), []byte(fluxTool), 0644))

	cfg := map[string]any{
		"data_dir": env.dataDir,
		"logging":  map[string]any{"level": "error", "console": false},
		"backends": map[string]any{
			"replicate": map[string]any{"api_token": "r8_test", "base_url": env.replicate.URL},
		},
	}
	for k, v := range extra {
		cfg[k] = v
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	env.configPath = filepath.Join(env.dataDir, "eden.json")
	require.NoError(t, os.WriteFile(env.configPath, data, 0644))
	return env
}

func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetCommandKeepFactory(t)
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	if stdin != "" {
		rootCmd.SetIn(strings.NewReader(stdin))
	}
	rootCmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func resetCommandKeepFactory(t *testing.T) {
	f := providerFactory
	resetCommand(t)
	providerFactory = f
}

func TestToolsCommands(t *testing.T) {
	t.Run("should list tools", func(t *testing.T) {
		env := setupCLI(t, nil)
		out, err := env.run(t, "", "tools", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "KEY")
		assert.Contains(t, out, "flux")
		assert.Contains(t, out, "polling-rest")
	})

	t.Run("should run a tool and charge the user", func(t *testing.T) {
		env := setupCLI(t, nil)
		_, err := env.run(t, "", "grant", "user-1", "10")
		require.NoError(t, err)

		out, err := env.run(t, "", "tools", "run", "flux", "--user", "user-1", "--arg", "prompt=fox")
		require.NoError(t, err)
		assert.Contains(t, out, `"status": "completed"`)
		assert.Contains(t, out, "https://cdn.test/fox.png")

		out, err = env.run(t, "", "balance", "user-1")
		require.NoError(t, err)
		assert.Contains(t, out, "total: 7")
	})

	t.Run("should refuse a run the user cannot afford", func(t *testing.T) {
		env := setupCLI(t, nil)
		_, err := env.run(t, "", "tools", "run", "flux", "--user", "broke", "--arg", "prompt=fox")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient")
		assert.Equal(t, 0, env.created)
	})

	t.Run("should reject invalid arguments", func(t *testing.T) {
		env := setupCLI(t, nil)
		_, err := env.run(t, "", "tools", "run", "flux", "--user", "user-1", "--arg", "novalue")
		assert.Error(t, err)
	})
}

func TestToolsCancelCommand(t *testing.T) {
	t.Run("should cancel an in-flight task and refund it", func(t *testing.T) {
		env := setupCLI(t, nil)
		_, err := env.run(t, "", "grant", "user-1", "10")
		require.NoError(t, err)

		db, err := storage.Open(filepath.Join(env.dataDir, "eden.db"))
		require.NoError(t, err)
		tasks, err := task.NewSQLiteStore(db)
		require.NoError(t, err)
		ctx := context.Background()
		tk := &task.Task{
			User:      "user-1",
			Requester: "user-1",
			Tool:      "flux",
			Args:      map[string]any{"prompt": "fox"},
			Status:    task.StatusRunning,
			Cost:      3,
			CreatedAt: time.Now(),
		}
		require.NoError(t, tasks.Create(ctx, tk))
		ledger, err := quota.NewLedger(db)
		require.NoError(t, err)
		require.NoError(t, ledger.Spend(ctx, "user-1", 3))
		_, err = tasks.SetHandler(ctx, tk.ID, "p-running")
		require.NoError(t, err)
		require.NoError(t, db.Close())

		out, err := env.run(t, "", "tools", "cancel", tk.ID)
		require.NoError(t, err)
		assert.Contains(t, out, `"status": "cancelled"`)

		out, err = env.run(t, "", "balance", "user-1")
		require.NoError(t, err)
		assert.Contains(t, out, "total: 10")
	})

	t.Run("should leave a finished task alone", func(t *testing.T) {
		env := setupCLI(t, nil)
		_, err := env.run(t, "", "grant", "user-1", "10")
		require.NoError(t, err)

		out, err := env.run(t, "", "tools", "run", "flux", "--user", "user-1", "--arg", "prompt=fox")
		require.NoError(t, err)
		var done struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &done))

		out, err = env.run(t, "", "tools", "cancel", done.ID)
		require.NoError(t, err)
		assert.Contains(t, out, `"status": "completed"`)
	})

	t.Run("should report an unknown task", func(t *testing.T) {
		env := setupCLI(t, nil)
		_, err := env.run(t, "", "tools", "cancel", "missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, task.ErrNotFound)
	})
}

func TestParseToolArgs(t *testing.T) {
	args, err := parseToolArgs(`{"prompt":"a","n_samples":2}`, []string{"n_samples=3", "seed=42", "style=oil paint", "hd=true"})
	require.NoError(t, err)
	assert.Equal(t, "a", args["prompt"])
	assert.Equal(t, float64(3), args["n_samples"])
	assert.Equal(t, float64(42), args["seed"])
	assert.Equal(t, "oil paint", args["style"])
	assert.Equal(t, true, args["hd"])

	_, err = parseToolArgs("{", nil)
	assert.Error(t, err)
	_, err = parseToolArgs("", []string{"=x"})
	assert.Error(t, err)
}

func TestBalanceCommands(t *testing.T) {
	env := setupCLI(t, nil)

	out, err := env.run(t, "", "grant", "user-1", "5", "--subscription")
	require.NoError(t, err)
	assert.Contains(t, out, "granted 5 to user-1")

	out, err = env.run(t, "", "balance", "user-1")
	require.NoError(t, err)
	assert.Contains(t, out, "regular: 0")
	assert.Contains(t, out, "subscription: 5")

	_, err = env.run(t, "", "grant", "user-1", "-2")
	assert.Error(t, err)
}

func TestSweepCommand(t *testing.T) {
	env := setupCLI(t, nil)
	out, err := env.run(t, "", "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "settled 0 task(s)")
}

type toolThenReply struct {
	mu    sync.Mutex
	calls int
}

func (p *toolThenReply) Call(_ context.Context, _ agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls%2 == 1 {
		return &agent.LLMResponse{
			Content:   "Painting it now.",
			ToolCalls: []agent.ToolCall{{ID: "c1", Name: "flux", Parameters: map[string]any{"prompt": "owl"}}},
		}, nil
	}
	return &agent.LLMResponse{Content: "Here is your owl.", Stop: true}, nil
}

func (p *toolThenReply) Provider() string { return "fake" }

type fakeFactory struct{ p agent.LLMProvider }

func (f fakeFactory) NewProvider(context.Context, agent.AuthProfile) (agent.LLMProvider, error) {
	return f.p, nil
}

func TestChatCommand(t *testing.T) {
	t.Run("should run a turn with a tool call", func(t *testing.T) {
		env := setupCLI(t, map[string]any{
			"ai":     map[string]any{"profiles": []map[string]any{{"id": "main", "provider": "anthropic", "api_key": "sk-ant-x"}}},
			"agents": []map[string]any{{"name": "eve", "model": "test"}},
		})
		providerFactory = fakeFactory{p: &toolThenReply{}}

		_, err := env.run(t, "", "grant", "local", "10")
		require.NoError(t, err)

		out, err := env.run(t, "draw an owl\n/exit\n", "chat", "--agent", "eve")
		require.NoError(t, err)
		assert.Contains(t, out, "eve: Painting it now.")
		assert.Contains(t, out, "-> flux")
		assert.Contains(t, out, "<- flux: https://cdn.test/owl.png")
		assert.Contains(t, out, "eve: Here is your owl.")
	})

	t.Run("should require AI credentials", func(t *testing.T) {
		env := setupCLI(t, nil)
		_, err := env.run(t, "hi\n", "chat", "--agent", "eve")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI credentials")
	})

	t.Run("should reject an unknown agent", func(t *testing.T) {
		env := setupCLI(t, map[string]any{
			"ai":     map[string]any{"profiles": []map[string]any{{"id": "main", "provider": "anthropic", "api_key": "sk-ant-x"}}},
			"agents": []map[string]any{{"name": "eve"}},
		})
		providerFactory = fakeFactory{p: &toolThenReply{}}

		_, err := env.run(t, "hi\n", "chat", "--agent", "adam")
		require.Error(t, err)
		assert.ErrorIs(t, err, agent.ErrUnknownAgent)
	})
}
