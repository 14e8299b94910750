package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/iambrandonn/autodev/internal/agent"
	"github.com/iambrandonn/autodev/internal/agent/script"
	"github.com/iambrandonn/autodev/internal/llm"
	"github.com/iambrandonn/autodev/internal/orchestrator"
	"github.com/iambrandonn/autodev/internal/protocol"
	"github.com/iambrandonn/autodev/internal/transcript"
)

var errInstructionRequired = errors.New("a prompt is required")

// errTaskFailed is returned when the task ends in the failed state
var errTaskFailed = errors.New("task failed")

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one task and stream its transcript",
	Long: `Run one task in-process and print its progress as it happens.
The prompt is taken from the arguments, or read from stdin when none are given.`,
	Args: cobra.ArbitraryArgs,
	RunE: runRun,
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.String("agent-script", "", "Replay agent responses from a JSON script instead of the language model")
	fs.Bool("no-color", false, "Disable colored transcript output")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	newAgent, err := scriptedAgentFactory(cmd)
	if err != nil {
		return err
	}

	a, err := loadApp(cmd, cmd.ErrOrStderr(), newAgent)
	if err != nil {
		return err
	}

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		in := cmd.InOrStdin()
		tty := false
		if f, ok := in.(*os.File); ok {
			tty = isTerminalFile(f)
		}
		prompt, err = promptForInstruction(in, out, tty)
		if err != nil {
			return err
		}
	}

	noColor, err := cmd.Flags().GetBool("no-color")
	if err != nil {
		return err
	}
	styled := !noColor
	if f, ok := out.(*os.File); !ok || !isTerminalFile(f) {
		styled = false
	}

	handle, sub, err := a.orchestrator.SubmitAndWatch(ctx, prompt)
	if err != nil {
		return err
	}
	defer sub.Close()

	a.logger.Info("task submitted", "task_id", handle.TaskID)

	formatter := transcript.NewFormatter(styled)
	if err := streamTranscript(ctx, out, formatter, sub.Events()); err != nil {
		return err
	}

	// the pipeline error is already recorded in the task status
	_ = handle.Wait(ctx)

	snap, ok := a.registry.Get(handle.TaskID)
	if !ok {
		return fmt.Errorf("task %s disappeared", handle.TaskID)
	}
	fmt.Fprintln(out, formatter.FormatSummary(snap))

	if snap.Status != "completed" {
		return fmt.Errorf("%w: %s", errTaskFailed, strings.TrimPrefix(snap.Status, "failed: "))
	}
	return nil
}

// streamTranscript prints events until the stream closes or ctx is done
func streamTranscript(ctx context.Context, w io.Writer, f *transcript.Formatter, events <-chan protocol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if line := f.FormatEvent(evt); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}
}

// scriptedAgentFactory returns an agent factory replaying --agent-script,
// or nil to use the language model agents
func scriptedAgentFactory(cmd *cobra.Command) (orchestrator.AgentFactory, error) {
	path, err := cmd.Flags().GetString("agent-script")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}

	s, err := script.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent script %s: %w", path, err)
	}
	return func(agent.Kind, llm.Client) agent.Agent {
		return script.NewAgent(s)
	}, nil
}

func promptForInstruction(r io.Reader, w io.Writer, tty bool) (string, error) {
	reader := bufio.NewReader(r)
	if tty {
		fmt.Fprint(w, "autodev> What should I build? ")
	}

	line, err := reader.ReadString('\n')
	if errors.Is(err, io.EOF) {
		line = strings.TrimSpace(line)
		if line == "" {
			return "", errInstructionRequired
		}
		if tty {
			fmt.Fprintln(w)
		}
		return line, nil
	}
	if err != nil {
		return "", err
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return "", errInstructionRequired
	}
	if tty {
		fmt.Fprintln(w)
	}
	return line, nil
}

func isTerminalFile(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
