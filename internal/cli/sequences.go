// This file implements the commands that add, drop and inspect sequences.

package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/allseq/internal/scheduler"
	"github.com/mesh-intelligence/allseq/internal/store"
	"github.com/mesh-intelligence/allseq/pkg/types"
)

func newAddCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "add seq...",
		Short: "Start tracking new sequence leaders",
		Args:  userArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs, err := parseSeqs(args)
			if err != nil {
				return err
			}
			return e.withScheduler(cmd, func(_ *store.Store, sch *scheduler.Scheduler) error {
				added, err := sch.RegisterNew(seqs)
				if err != nil {
					return err
				}
				if e.jsonMode {
					return writeJSON(cmd.OutOrStdout(), map[string][]int{"added": added})
				}
				if len(added) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "all sequences already tracked")
					return nil
				}
				listLine(cmd.OutOrStdout(), okColor, "added", added)
				return nil
			})
		},
	}
}

func newDropCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "drop seq...",
		Short: "Stop tracking sequences",
		Args:  userArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs, err := parseSeqs(args)
			if err != nil {
				return err
			}
			return e.withScheduler(cmd, func(st *store.Store, _ *scheduler.Scheduler) error {
				unknown, err := st.Drop(seqs)
				if err != nil {
					return err
				}
				var dropped []int
				for _, seq := range seqs {
					if !slices.Contains(unknown, seq) && !slices.Contains(dropped, seq) {
						dropped = append(dropped, seq)
					}
				}
				if e.jsonMode {
					return writeJSON(cmd.OutOrStdout(), map[string][]int{"dropped": dropped, "unknown": unknown})
				}
				listLine(cmd.OutOrStdout(), okColor, "dropped", dropped)
				listLine(cmd.OutOrStdout(), warnColor, "unknown", unknown)
				return nil
			})
		},
	}
}

func newShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show [seq...]",
		Short: "Print summary lines without taking the lock",
		Long: "Print the summary line of each given sequence, or of every\n" +
			"sequence. The snapshot is read without the lock and may be stale.",
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs, err := parseSeqs(args)
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
			if len(seqs) == 0 {
				seqs = st.Seqs()
			}
			var recs []*types.Sequence
			var missing []int
			for _, seq := range seqs {
				if rec, ok := st.Get(seq); ok {
					recs = append(recs, rec)
				} else {
					missing = append(missing, seq)
				}
			}
			w := cmd.OutOrStdout()
			if e.jsonMode {
				return writeJSON(w, recs)
			}
			for _, rec := range recs {
				if !rec.IsMinimallyValid() {
					fmt.Fprintf(w, "%7d %s\n", rec.Seq, warnColor.Sprint("never queried"))
					continue
				}
				fmt.Fprintln(w, rec.SummaryLine())
			}
			listLine(w, warnColor, "not tracked", missing)
			return nil
		},
	}
}

func newMergesCmd(e *env) *cobra.Command {
	var drop bool
	cmd := &cobra.Command{
		Use:   "merges",
		Short: "List sequences that reached the same term",
		Args:  userArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withScheduler(cmd, func(_ *store.Store, sch *scheduler.Scheduler) error {
				var merges []scheduler.Merge
				if drop {
					var err error
					if merges, err = sch.FindAndDropMerges(); err != nil {
						return err
					}
				} else {
					merges = sch.FindMerges()
				}
				w := cmd.OutOrStdout()
				if e.jsonMode {
					return writeJSON(w, merges)
				}
				if len(merges) == 0 {
					fmt.Fprintln(w, "no merges")
				}
				verb := "would absorb"
				if drop {
					verb = "absorbed"
				}
				for _, m := range merges {
					fmt.Fprintf(w, "%d %s %s\n", m.Canonical, verb, warnColor.Sprint(joinInts(m.Duplicates)))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&drop, "drop", false, "drop the merged duplicates")
	return cmd
}

func newPrioritiesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "priorities",
		Short: "Recompute every priority as of now",
		Args:  userArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withScheduler(cmd, func(st *store.Store, sch *scheduler.Scheduler) error {
				changed, err := sch.RecalculatePriorities()
				if err != nil {
					return err
				}
				if e.jsonMode {
					return writeJSON(cmd.OutOrStdout(), map[string]int{"changed": changed, "sequences": st.Len()})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d of %d priorities\n", okColor.Sprint("updated"), changed, st.Len())
				return nil
			})
		},
	}
}
