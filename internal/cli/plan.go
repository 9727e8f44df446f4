package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rickchristie/dext"
	"github.com/rickchristie/dext/manager"
)

// PlanOutput is the merged dispatch order of a pipeline.
type PlanOutput struct {
	Extensions []string    `json:"extensions"`
	Events     []EventPlan `json:"events"`
}

// EventPlan lists the callbacks of one event in invocation order.
type EventPlan struct {
	Event     dext.CallbackType `json:"event"`
	Callbacks []PlanCallback    `json:"callbacks"`
}

// PlanCallback is one entry of an EventPlan. Priority is nil for unordered callbacks.
type PlanCallback struct {
	Extension string `json:"extension"`
	Priority  *int   `json:"priority"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	var event string

	cmd := &cobra.Command{
		Use:   "plan <pipeline.yaml>",
		Short: "Show the merged callback order per event",
		Long: `Load a pipeline, build its extensions and print, for every event, the order in
which callbacks will be invoked. Lower priorities run first; ties keep
registration order, then declaration order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, args[0], dext.CallbackType(event), cmd)
		},
	}
	cmd.Flags().StringVarP(&event, "event", "e", "", "only show this event")

	return cmd
}

func runPlan(opts *RootOptions, path string, event dext.CallbackType, cmd *cobra.Command) error {
	s, err := loadSession(opts, path, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer s.close()

	mgr, err := s.manager()
	if err != nil {
		return err
	}

	out := buildPlan(mgr, event)
	f := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return f.Emit(out, nil, func(w io.Writer) error {
		return writePlanText(w, out)
	})
}

// buildPlan collects the plan of event, or of every event with callbacks when event is
// empty.
func buildPlan(mgr *manager.Manager, event dext.CallbackType) PlanOutput {
	out := PlanOutput{Extensions: []string{}, Events: []EventPlan{}}
	for _, ext := range mgr.Extensions() {
		out.Extensions = append(out.Extensions, fmt.Sprintf("%T", ext))
	}

	events := mgr.Events()
	if event != "" {
		events = []dext.CallbackType{event}
	}
	for _, ev := range events {
		ep := EventPlan{Event: ev, Callbacks: []PlanCallback{}}
		for _, e := range mgr.Plan(ev) {
			pc := PlanCallback{Extension: e.Extension}
			if e.Explicit {
				p := e.Priority
				pc.Priority = &p
			}
			ep.Callbacks = append(ep.Callbacks, pc)
		}
		out.Events = append(out.Events, ep)
	}
	return out
}

func writePlanText(w io.Writer, out PlanOutput) error {
	ew := &errWriter{w: w}
	ew.printf("extensions:\n")
	for i, name := range out.Extensions {
		ew.printf("  [%d] %s\n", i, name)
	}
	for _, ep := range out.Events {
		ew.printf("%s:\n", ep.Event)
		if len(ep.Callbacks) == 0 {
			ew.printf("  (no callbacks)\n")
		}
		for i, c := range ep.Callbacks {
			if c.Priority == nil {
				ew.printf("  %d. %s (unordered)\n", i+1, c.Extension)
			} else {
				ew.printf("  %d. %s (priority %d)\n", i+1, c.Extension, *c.Priority)
			}
		}
	}
	return ew.err
}

// errWriter remembers the first write error so text renderers can ignore it until the end.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}
