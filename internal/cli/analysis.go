// This file implements the mutations and stats commands.

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/allseq/internal/classify"
	"github.com/mesh-intelligence/allseq/internal/fdbfile"
	"github.com/mesh-intelligence/allseq/internal/scheduler"
	"github.com/mesh-intelligence/allseq/internal/sqlite"
	"github.com/mesh-intelligence/allseq/internal/updater"
)

func newMutationsCmd(e *env) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "mutations",
		Short: "List drivers that may break depending on their composite",
		Long: "Screen unreserved sequences with a single unfactored composite and\n" +
			"report the factorization shapes of that composite which would\n" +
			"change the driver. The snapshot is read without the lock.",
		Args: userArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				source = e.cfg.Updater.SourceFile
			}
			src, err := fdbfile.Open(source, fdbfile.WithLogger(e.logger))
			if err != nil {
				return err
			}
			st, err := e.openStore()
			if err != nil {
				return err
			}
			if err := st.ReadonlyInit(); err != nil {
				return err
			}
			sch := scheduler.New(st, e.calculator(), scheduler.WithLogger(e.logger))
			cands, err := sch.FindMutationCandidates(cmd.Context(), classify.Default, src)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if e.jsonMode {
				return writeJSON(w, cands)
			}
			for _, c := range cands {
				line := c.Line()
				if c.Driver {
					line = badColor.Sprint(line)
				}
				fmt.Fprintln(w, line)
			}
			fmt.Fprintf(w, "%d candidates\n", len(cands))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "factoring database results file (default: updater.source_file)")
	return cmd
}

func newStatsCmd(e *env) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Regenerate the statistics file",
		Long: "Aggregate the snapshot into the statistics tables and write them\n" +
			"atomically. Use --out - to print them instead.",
		Args: userArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = e.cfg.Updater.StatsFile
			}
			st, err := e.openStore()
			if err != nil {
				return err
			}
			if err := st.ReadonlyInit(); err != nil {
				return err
			}
			stats, err := updater.BuildStats(cmd.Context(), st, e.logger)
			if err != nil {
				return err
			}
			if out == "-" {
				b, err := stats.Encode()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			if err := sqlite.WriteStats(out, stats); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d sequences)\n", okColor.Sprint("wrote"), out, stats.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output path, - for stdout (default: updater.stats_file)")
	return cmd
}
