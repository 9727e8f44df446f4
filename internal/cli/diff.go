package cli

import (
	"bytes"
	"io"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"
)

// DiffOutput is the JSON form of a plan comparison.
type DiffOutput struct {
	Equal bool   `json:"equal"`
	Diff  string `json:"diff,omitempty"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	var contextLines int

	cmd := &cobra.Command{
		Use:   "diff <a.yaml> <b.yaml>",
		Short: "Compare the callback order of two pipelines",
		Long: `Render the dispatch plan of both pipelines and print a unified diff.
Useful to check what reordering or adding an extension does to invocation order.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(rootOpts, args[0], args[1], contextLines, cmd)
		},
	}
	cmd.Flags().IntVarP(&contextLines, "context", "U", 3, "lines of context")

	return cmd
}

func runDiff(opts *RootOptions, pathA, pathB string, contextLines int, cmd *cobra.Command) error {
	a, err := renderPlan(opts, pathA, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	b, err := renderPlan(opts, pathB, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: pathA,
		ToFile:   pathB,
		Context:  contextLines,
	})
	if err != nil {
		return err
	}

	out := DiffOutput{Equal: diff == "", Diff: diff}
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return f.Emit(out, nil, func(w io.Writer) error {
		if out.Equal {
			_, err := io.WriteString(w, "plans are identical\n")
			return err
		}
		_, err := io.WriteString(w, diff)
		return err
	})
}

func renderPlan(opts *RootOptions, path string, errOut io.Writer) (string, error) {
	s, err := loadSession(opts, path, errOut)
	if err != nil {
		return "", err
	}
	defer s.close()

	mgr, err := s.manager()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := writePlanText(&buf, buildPlan(mgr, "")); err != nil {
		return "", err
	}
	return buf.String(), nil
}
