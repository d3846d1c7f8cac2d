package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edenartlab/eden2-sub000/pkg/agent"
)

var (
	chatAgent  string
	chatUser   string
	chatThread string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to an agent from the terminal",
	Long: `Start an interactive conversation with an agent. Each line is sent as a
user message; the agent always answers. Type /exit or send EOF to quit.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "agent name (required)")
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "user charged for tool calls")
	chatCmd.Flags().StringVar(&chatThread, "thread", "cli", "conversation key; reuse it to continue a thread")
	_ = chatCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	d, closeFn, err := openDaemon(false)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := d.GetConfig().RequireAI(); err != nil {
		return err
	}
	runner := d.GetAgentRunner()
	if _, ok := runner.Agent(chatAgent); !ok {
		return fmt.Errorf("%w: %s", agent.ErrUnknownAgent, chatAgent)
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" {
			return nil
		}

		updates, err := runner.Prompt(cmd.Context(), agent.TurnParams{
			ThreadKey:  chatThread,
			User:       chatUser,
			Agent:      chatAgent,
			Content:    line,
			ForceReply: true,
		})
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
			continue
		}
		for u := range updates {
			printUpdate(out, chatAgent, u)
		}
	}
}

func printUpdate(w io.Writer, name string, u agent.ThreadUpdate) {
	switch u.Type {
	case agent.UpdateAssistantMessage:
		if u.Message == nil {
			return
		}
		if u.Message.Content != "" {
			fmt.Fprintf(w, "%s: %s\n", name, u.Message.Content)
		}
		for _, call := range u.Message.ToolCalls {
			fmt.Fprintf(w, "  -> %s\n", call.Tool)
		}
	case agent.UpdateToolComplete:
		for _, r := range u.Result {
			ref := r.URL
			if ref == "" {
				ref = r.Text
			}
			fmt.Fprintf(w, "  <- %s: %s\n", u.ToolName, ref)
		}
	case agent.UpdateError:
		if u.ToolName != "" {
			fmt.Fprintf(w, "  ! %s: %s\n", u.ToolName, u.Error)
			return
		}
		fmt.Fprintf(w, "! %s\n", u.Error)
	}
}
