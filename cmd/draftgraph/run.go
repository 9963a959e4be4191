package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/draftgraph/graph"
	"github.com/dshills/draftgraph/graph/contract"
	"github.com/dshills/draftgraph/graph/model"
	"github.com/dshills/draftgraph/graph/store"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		contractRef  string
		runID        string
		mode         string
		brief        string
		briefFile    string
		documentFile string
		outPath      string
		interrupts   []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a generation run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := contract.Load(contractRef, nil)
			if err != nil {
				return err
			}

			payload := graph.Payload{Mode: mode, Brief: brief}
			if briefFile != "" {
				data, err := os.ReadFile(briefFile)
				if err != nil {
					return fmt.Errorf("read brief: %w", err)
				}
				payload.Brief = string(data)
			}
			if documentFile != "" {
				data, err := os.ReadFile(documentFile)
				if err != nil {
					return fmt.Errorf("read document: %w", err)
				}
				payload.Document = string(data)
			}

			tracker := model.NewCostTracker()
			exec, err := a.executor(tracker, true)
			if err != nil {
				return err
			}
			final, err := exec.Run(cmd.Context(), c, graph.NewState(a.sessionID, runID, payload), graph.ModeStart,
				graph.WithInterrupt(interrupts...))
			return report(cmd.OutOrStdout(), final, err, tracker, outPath)
		},
	}
	f := cmd.Flags()
	f.StringVar(&contractRef, "contract", contract.Compose, "built-in contract name or .yaml/.hcl file")
	f.StringVar(&runID, "run", "", "run id (default: generated)")
	f.StringVar(&mode, "mode", "", "payload mode, matched by mode_is:<mode> predicates")
	f.StringVar(&brief, "brief", "", "document brief")
	f.StringVar(&briefFile, "brief-file", "", "read the brief from a file")
	f.StringVar(&documentFile, "document", "", "start from an existing document")
	f.StringVarP(&outPath, "out", "o", "", "write the document to a file instead of stdout")
	f.StringSliceVar(&interrupts, "interrupt", nil, "pause before these nodes until approved")
	cmd.MarkFlagsMutuallyExclusive("brief", "brief-file")
	return cmd
}

func newResumeCmd(a *app) *cobra.Command {
	var (
		contractRef string
		outPath     string
		override    bool
	)
	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a paused, failed or aborted run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rec, err := store.NewRunStore(a.kv).GetRun(ctx, a.sessionID, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			ref := contractRef
			if ref == "" {
				ref = rec.Contract
			}
			c, err := contract.Load(ref, nil)
			if err != nil {
				return err
			}

			var opts []graph.RunOption
			if override {
				opts = append(opts, graph.WithOverride())
			}
			tracker := model.NewCostTracker()
			exec, err := a.executor(tracker, true)
			if err != nil {
				return err
			}
			final, err := exec.Run(ctx, c, graph.NewState(a.sessionID, args[0], graph.Payload{}), graph.ModeResume, opts...)
			return report(cmd.OutOrStdout(), final, err, tracker, outPath)
		},
	}
	f := cmd.Flags()
	f.StringVar(&contractRef, "contract", "", "contract file the run was started with (default: the recorded built-in)")
	f.StringVarP(&outPath, "out", "o", "", "write the document to a file instead of stdout")
	f.BoolVar(&override, "override", false, "allow resuming an aborted run")
	return cmd
}

func newApproveCmd(a *app) *cobra.Command {
	var nodeID, note string
	cmd := &cobra.Command{
		Use:   "approve RUN_ID",
		Short: "Approve the interrupt gate a run is paused at",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec, err := a.executor(nil, false)
			if err != nil {
				return err
			}
			if err := exec.Approve(cmd.Context(), a.sessionID, args[0], nodeID, note); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "approved %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "gated node (default: the node the run is paused at)")
	cmd.Flags().StringVar(&note, "note", "", "note stored with the approval")
	return cmd
}

// report prints the run summary and the document. A paused run is not an
// error.
func report(w io.Writer, final graph.FinalState, runErr error, tracker *model.CostTracker, outPath string) error {
	fmt.Fprintf(w, "run:     %s\n", final.RunID)
	fmt.Fprintf(w, "session: %s\n", final.SessionID)
	fmt.Fprintf(w, "outcome: %s\n", final.Outcome)
	if final.PausedAt != "" {
		fmt.Fprintf(w, "paused:  %s (approve with: draftgraph approve %s)\n", final.PausedAt, final.RunID)
	}
	for _, u := range final.FailedUnits {
		fmt.Fprintf(w, "failed:  %s in %s: %v\n", u.UnitKey, u.NodeID, u.Error)
	}
	for _, f := range final.State.Payload.Findings {
		fmt.Fprintf(w, "finding: [%s] %s\n", f.Kind, f.Message)
	}
	if tracker != nil && len(tracker.Calls()) > 0 {
		in, out := tracker.TokenUsage()
		fmt.Fprintf(w, "cost:    $%.4f (%d input, %d output tokens)\n", tracker.TotalCost(), in, out)
	}
	if runErr != nil {
		return runErr
	}

	doc := final.State.Payload.Document
	switch {
	case final.Outcome == graph.OutcomePaused || doc == "":
	case outPath != "":
		if err := os.WriteFile(outPath, []byte(doc), 0o644); err != nil {
			return fmt.Errorf("write document: %w", err)
		}
		fmt.Fprintf(w, "wrote:   %s\n", outPath)
	default:
		fmt.Fprintf(w, "\n%s", doc)
	}
	return nil
}
