package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/batch"
	"github.com/rickchristie/dext/denoiser"
	"github.com/rickchristie/dext/manager"
)

// errQuit ends the shell loop.
var errQuit = errors.New("quit")

const shellHelp = `commands:
  extensions        list registered extensions
  events            list events with callbacks
  plan [event]      show callback order (all events without argument)
  run [seed ...]    dry-run the pipeline (default: pipeline seed) on a null
                    model holding the weights given with --weight
  help              show this help
  quit              leave the shell
`

// NewShellCommand creates the interactive shell command.
func NewShellCommand(rootOpts *RootOptions) *cobra.Command {
	var weights []string

	cmd := &cobra.Command{
		Use:   "shell <pipeline.yaml>",
		Short: "Explore a pipeline interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSession(rootOpts, args[0], cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.close()

			sh, err := newShell(s, weights)
			if err != nil {
				return err
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt: "dext> ",
				Stdout: cmd.OutOrStdout(),
				Stderr: cmd.ErrOrStderr(),
				AutoComplete: readline.NewPrefixCompleter(
					readline.PcItem("extensions"),
					readline.PcItem("events"),
					readline.PcItem("plan", eventItems(sh.mgr)...),
					readline.PcItem("run"),
					readline.PcItem("help"),
					readline.PcItem("quit"),
				),
			})
			if err != nil {
				return fmt.Errorf("failed to create readline: %w", err)
			}
			defer rl.Close()

			return sh.loop(cmd.Context(), rl, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&weights, "weight", nil, "named model weight for run (repeatable)")

	return cmd
}

func eventItems(mgr *manager.Manager) []readline.PrefixCompleterInterface {
	var items []readline.PrefixCompleterInterface
	for _, ev := range mgr.Events() {
		items = append(items, readline.PcItem(string(ev)))
	}
	return items
}

// shell answers commands about one loaded pipeline.
type shell struct {
	s       *session
	mgr     *manager.Manager
	weights []string
}

func newShell(s *session, weights []string) (*shell, error) {
	mgr, err := s.manager()
	if err != nil {
		return nil, err
	}
	return &shell{s: s, mgr: mgr, weights: weights}, nil
}

// lineReader is the part of readline.Instance the loop uses.
type lineReader interface {
	Readline() (string, error)
}

func (sh *shell) loop(ctx context.Context, rl lineReader, w io.Writer) error {
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		err = sh.exec(ctx, line, w)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(w, "error: %v\n", err)
		}
	}
}

// exec runs one command line.
func (sh *shell) exec(ctx context.Context, line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch cmd, args := fields[0], fields[1:]; cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		_, err := io.WriteString(w, shellHelp)
		return err
	case "extensions":
		out := buildPlan(sh.mgr, "")
		for i, name := range out.Extensions {
			fmt.Fprintf(w, "[%d] %s\n", i, name)
		}
		return nil
	case "events":
		for _, ev := range sh.mgr.Events() {
			fmt.Fprintf(w, "%s (%d)\n", ev, len(sh.mgr.Plan(ev)))
		}
		return nil
	case "plan":
		var event dext.CallbackType
		if len(args) > 0 {
			event = dext.CallbackType(args[0])
		}
		return writePlanText(w, buildPlan(sh.mgr, event))
	case "run":
		return sh.run(ctx, args, w)
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
}

func (sh *shell) run(ctx context.Context, args []string, w io.Writer) error {
	seeds := []int64{sh.s.pipeline.Seed}
	if len(args) > 0 {
		seeds = seeds[:0]
		for _, a := range args {
			seed, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("seed %q: %w", a, err)
			}
			seeds = append(seeds, seed)
		}
	}

	runner, err := batch.New(nullModel(sh.weights, 4), sh.s.extensions, batch.Config{
		Workers:  1,
		Denoiser: denoiser.DefaultConfig(),
	})
	if err != nil {
		return err
	}
	defer runner.Close()

	latents := func() dext.Tensor { return make([]float32, 4) }
	results := runner.WithLogger(sh.s.logger).Run(ctx, batch.Seeds(sh.s.pipeline.Inputs(), latents, seeds...))
	for _, res := range results {
		status := "ok"
		if res.Err != nil {
			status = "FAILED: " + res.Err.Error()
		}
		fmt.Fprintf(w, "seed %d: %s (%d post_step callbacks)\n", res.Seed, status, res.Counts[dext.CallbackPostStep])
	}
	return nil
}
