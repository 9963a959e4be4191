package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/draftgraph/graph"
	"github.com/dshills/draftgraph/graph/contract"
	"github.com/dshills/draftgraph/graph/emit"
	"github.com/dshills/draftgraph/graph/store"
)

func newReplayCmd(a *app) *cobra.Command {
	var (
		from         uint64
		showDocument bool
		exportSpans  bool
	)
	cmd := &cobra.Command{
		Use:   "replay RUN_ID",
		Short: "Rebuild a run's states from its event log without calling any model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if from == 0 {
				from = 1
			}
			events, err := store.NewEventLog(a.kv).Read(ctx, a.sessionID, args[0], from)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("run %s has no events from sequence %d", args[0], from)
			}

			w := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SEQ\tKIND\tNODE\tUNIT\tSTATUS\tDURATION")
			for _, ev := range events {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.Sequence, ev.Kind, ev.NodeID, ev.UnitKey, ev.Status, ev.Duration().Round(time.Millisecond))
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			states, err := graph.Replay(events, from)
			if err != nil {
				return err
			}
			last, ok := lastMainState(states)
			fmt.Fprintf(w, "\nreplayed %d events into %d states\n", len(events), len(states))
			if ok {
				digest, err := graph.Digest(last)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "final state: %s\n", digest)
				if showDocument && last.Payload.Document != "" {
					fmt.Fprintf(w, "\n%s", last.Payload.Document)
				}
			}

			if exportSpans {
				if !a.cfg.Tracing.Enabled {
					return fmt.Errorf("--export-spans needs tracing.enabled in the configuration")
				}
				tracer, err := a.tracer()
				if err != nil {
					return err
				}
				return emit.NewOTelEmitter(tracer).EmitBatch(ctx, events)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Uint64Var(&from, "from", 1, "first event sequence to replay")
	f.BoolVar(&showDocument, "document", false, "print the document of the final state")
	f.BoolVar(&exportSpans, "export-spans", false, "export the events as OpenTelemetry spans")
	return cmd
}

// lastMainState returns the latest replayed main-lineage state.
func lastMainState(states []graph.TypedState) (graph.TypedState, bool) {
	for i := len(states) - 1; i >= 0; i-- {
		if states[i].Cursor.Unit == "" {
			return states[i], true
		}
	}
	return graph.TypedState{}, false
}

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := store.NewRunStore(a.kv).ListRuns(cmd.Context(), a.sessionID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCONTRACT\tSTATUS\tPAUSED AT\tUPDATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s@%s\t%s\t%s\t%s\n", r.RunID, r.Contract, r.ContractVersion, r.Status, r.PausedAt, r.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	return cmd
}

func newCheckpointsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and prune a run's checkpoints",
	}

	list := &cobra.Command{
		Use:   "list RUN_ID",
		Short: "List checkpoints by unit and sequence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cps, err := store.NewCheckpointStore[graph.TypedState](a.kv).List(cmd.Context(), a.sessionID, args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "UNIT\tSEQ\tNODE\tSTATUS\tCREATED")
			for _, cp := range cps {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", cp.UnitKey, cp.Sequence, cp.NodeID, cp.Status, cp.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	var before uint64
	prune := &cobra.Command{
		Use:   "prune RUN_ID",
		Short: "Delete superseded checkpoints; the latest of every unit is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cut := before
			if cut == 0 {
				cut = ^uint64(0)
			}
			n, err := store.NewCheckpointStore[graph.TypedState](a.kv).Prune(cmd.Context(), a.sessionID, args[0], cut)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d checkpoints\n", n)
			return nil
		},
	}
	prune.Flags().Uint64Var(&before, "before", 0, "only prune sequences below this (default: every superseded checkpoint)")

	cmd.AddCommand(list, prune)
	return cmd
}

func newContractCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:         "contract",
		Short:       "Inspect contracts",
		Annotations: map[string]string{noStore: "true"},
	}

	list := &cobra.Command{
		Use:         "list",
		Short:       "List the built-in contracts",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noStore: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range contract.BuiltinNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:         "show REF",
		Short:       "Load, validate and print a contract",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{noStore: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := contract.Load(args[0], nil)
			if err != nil {
				return err
			}
			return describe(cmd.OutOrStdout(), c)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func describe(w io.Writer, c *graph.Contract) error {
	fmt.Fprintf(w, "contract %s@%s (entry %s)\n\nnodes:\n", c.Name, c.Version, c.Entry)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, n := range c.Nodes {
		var attrs []string
		if c.IsFanOut(n.ID) {
			attrs = append(attrs, "fan-out")
		}
		if n.Interruptible {
			attrs = append(attrs, "interruptible")
		}
		if n.Timeout > 0 {
			attrs = append(attrs, "timeout "+n.Timeout.String())
		}
		if n.Retry != nil {
			attrs = append(attrs, fmt.Sprintf("retry %d", n.Retry.MaxAttempts))
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", n.ID, n.Kind, strings.Join(attrs, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nflow:")
	for _, e := range c.Edges {
		fmt.Fprintf(w, "  %s -> %s\n", e.From, targetName(e.To))
	}
	for _, r := range c.Routes {
		fmt.Fprintf(w, "  %s (route %s)\n", r.From, r.Name)
		for _, b := range r.Branches {
			line := fmt.Sprintf("    %s -> %s", b.Name, targetName(b.To))
			if b.When != nil {
				line += " when"
			}
			if b.Units != nil {
				line += " per unit"
			}
			if b.Retry != nil {
				line += fmt.Sprintf(" (at most %d via %s)", b.Retry.MaxAttempts, b.Retry.Counter)
			}
			fmt.Fprintln(w, line)
		}
		if r.Default != "" {
			fmt.Fprintf(w, "    default -> %s\n", targetName(r.Default))
		}
	}
	return nil
}

func targetName(node string) string {
	if node == graph.End {
		return contract.EndName
	}
	return node
}
