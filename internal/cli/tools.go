package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edenartlab/eden2-sub000/internal/tracing"
	"github.com/edenartlab/eden2-sub000/pkg/toolexecutor"
)

var (
	runUser     string
	runArgs     []string
	runArgsJSON string
	runTimeout  time.Duration
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List and run tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tools",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

var toolsRunCmd = &cobra.Command{
	Use:   "run <tool>",
	Short: "Run a tool and wait for its result",
	Long: `Run a tool for a user. The cost is charged up front and prorated
refunds apply when samples fail. Arguments are given as --arg key=value (values
are parsed as JSON when possible) or as one JSON object with --args.`,
	Args: cobra.ExactArgs(1),
	RunE: runToolsRun,
}

var toolsCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task and refund what it did not produce",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsCancel,
}

func init() {
	toolsRunCmd.Flags().StringVar(&runUser, "user", "", "user charged for the task (required)")
	toolsRunCmd.Flags().StringArrayVar(&runArgs, "arg", nil, "tool argument as key=value (repeatable)")
	toolsRunCmd.Flags().StringVar(&runArgsJSON, "args", "", "tool arguments as a JSON object")
	toolsRunCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "give up waiting after this long and cancel the task")
	_ = toolsRunCmd.MarkFlagRequired("user")

	toolsCmd.AddCommand(toolsListCmd, toolsRunCmd, toolsCancelCmd)
	rootCmd.AddCommand(toolsCmd)
}

func runToolsList(cmd *cobra.Command, args []string) error {
	d, closeFn, err := openDaemon(false)
	if err != nil {
		return err
	}
	defer closeFn()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tBACKEND\tOUTPUT\tCOST\tDESCRIPTION")
	for _, def := range d.GetToolRegistry().List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", def.Key, def.Backend, def.OutputKind, def.CostFormula, firstLine(def.Description))
	}
	return w.Flush()
}

func runToolsRun(cmd *cobra.Command, args []string) error {
	toolArgs, err := parseToolArgs(runArgsJSON, runArgs)
	if err != nil {
		return err
	}

	d, closeFn, err := openDaemon(false)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := tracing.NewRequestContext(cmd.Context())
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	exec := d.GetToolExecutor()
	params := toolexecutor.SubmitParams{User: runUser, Args: toolArgs}

	// a task the backend refused comes back alongside its DispatchError
	t, err := exec.Submit(ctx, args[0], params)
	if err != nil && t == nil {
		return err
	}
	if err == nil {
		t, err = exec.Wait(ctx, t)
	}

	if t != nil {
		if encErr := printJSON(cmd, t); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return err
	}
	return toolexecutor.TaskError(t)
}

func runToolsCancel(cmd *cobra.Command, args []string) error {
	d, closeFn, err := openDaemon(false)
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := d.GetToolExecutor().Cancel(tracing.NewRequestContext(cmd.Context()), args[0])
	if err != nil {
		return fmt.Errorf("failed to cancel task %s: %w", args[0], err)
	}
	return printJSON(cmd, t)
}

// parseToolArgs merges a JSON object with key=value pairs; pairs win
func parseToolArgs(rawJSON string, pairs []string) (map[string]any, error) {
	out := map[string]any{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &out); err != nil {
			return nil, fmt.Errorf("invalid --args: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q: expected key=value", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			out[key] = decoded
		} else {
			out[key] = value
		}
	}
	return out, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(strings.TrimSpace(s), "\n")
	return s
}
