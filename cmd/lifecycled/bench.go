package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lifecycled/pkg/types"
)

func newBenchCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Record or inspect generation benchmarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("bench requires a subcommand: run|history")
		},
	}

	var (
		prompt    string
		runs      int
		maxTokens int
	)
	run := &cobra.Command{
		Use:     "run <model>",
		Short:   "Load a model, run timed generations and print the records",
		Example: "  lifecycled bench run tinyllama-q4.gguf --runs 5 --bench-db ~/.lifecycled/bench.db",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.benchRun(cmd.Context(), args[0], prompt, runs, maxTokens)
		},
	}
	run.Flags().StringVar(&prompt, "prompt", "Write one sentence about the sea.", "Prompt for every run")
	run.Flags().IntVar(&runs, "runs", 3, "Number of generations")
	run.Flags().IntVar(&maxTokens, "max-tokens", 64, "Tokens per generation")
	run.Flags().String("warmup", "", "Warmup mode before the first run: sync|async|off")

	var limit int
	history := &cobra.Command{
		Use:     "history <model>",
		Short:   "Print stored benchmark records, most recent first",
		Example: "  lifecycled bench history tinyllama-q4.gguf --limit 20 --bench-db ~/.lifecycled/bench.db",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.BenchDB == "" {
				return errors.New("history needs a persistent store: set bench_db or --bench-db")
			}
			store, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			recs, err := store.List(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return a.printRecords(recs)
		},
	}
	history.Flags().IntVar(&limit, "limit", 20, "Maximum records")

	cmd.AddCommand(run, history)
	return cmd
}

func (a *app) benchRun(ctx context.Context, model, prompt string, runs, maxTokens int) error {
	if runs <= 0 {
		return fmt.Errorf("runs must be positive")
	}
	st, err := buildStack(a.cfg, a.log, a.backends...)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeouts.Shutdown.Std())
		defer cancel()
		_ = st.close(cctx)
	}()

	status, err := st.mgr.LoadModel(ctx, model)
	if err != nil {
		return err
	}
	for i := 0; i < runs; i++ {
		if _, err := st.mgr.Complete(ctx, types.GenerateRequest{Model: status.ModelID, Prompt: prompt, MaxTokens: maxTokens}); err != nil {
			return fmt.Errorf("run %d: %w", i+1, err)
		}
	}
	fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.recorder.Flush(fctx); err != nil {
		return err
	}
	recs, err := st.mgr.ListBenchmarks(ctx, status.ModelID, runs)
	if err != nil {
		return err
	}
	return a.printRecords(recs)
}

func (a *app) printRecords(recs []types.BenchmarkRecord) error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTOKENS\tDURATION\tFIRST_TOKEN\tTOK/S")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.1f\n", r.Timestamp.Format(time.RFC3339), r.TokensGenerated,
			r.Duration.Round(time.Millisecond), r.FirstTokenLatency.Round(time.Millisecond), r.TokensPerSecond())
	}
	return tw.Flush()
}
