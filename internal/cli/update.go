// This file implements the update command.

package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/allseq/internal/fdbfile"
	"github.com/mesh-intelligence/allseq/internal/store"
	"github.com/mesh-intelligence/allseq/internal/updater"
)

type updateFlags struct {
	source string
	limit  int
	batch  int
	delay  time.Duration
}

func newUpdateCmd(e *env) *cobra.Command {
	var f updateFlags
	cmd := &cobra.Command{
		Use:   "update [seq...]",
		Short: "Query the next batch of sequences",
		Long: "Apply the drop file, then query either the given sequences or the\n" +
			"most urgent batch from the factoring database results, look for\n" +
			"merges and regenerate the statistics. SIGINT stops the batch after\n" +
			"the current sequence; completed work is always saved.",
		RunE: func(cmd *cobra.Command, args []string) error {
			special, err := parseSeqs(args)
			if err != nil {
				return err
			}
			return runUpdate(cmd, e, f, special)
		},
	}
	cmd.Flags().StringVar(&f.source, "source", "", "factoring database results file (default: updater.source_file)")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "stop the batch after this many queries (0: unlimited)")
	cmd.Flags().IntVar(&f.batch, "batch", 0, "batch size (default: updater.batch_size)")
	cmd.Flags().DurationVar(&f.delay, "delay", -1, "delay between sequences (default: updater.delay)")
	return cmd
}

func runUpdate(cmd *cobra.Command, e *env, f updateFlags, special []int) error {
	cfg := e.cfg.Updater
	if f.source != "" {
		cfg.SourceFile = f.source
	}
	if f.batch > 0 {
		cfg.BatchSize = f.batch
	}
	if f.delay >= 0 {
		cfg.Delay = f.delay
	}

	src, err := fdbfile.Open(cfg.SourceFile, fdbfile.WithLogger(e.logger), fdbfile.WithQueryLimit(f.limit))
	if err != nil {
		return err
	}
	st, err := e.openStore()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var res *updater.Result
	err = st.Acquire(ctx, func() error {
		r, err := updater.New(cfg, st, src, e.calculator(), updater.WithLogger(e.logger))
		if err != nil {
			return userError{err}
		}
		go func() {
			<-ctx.Done()
			r.Quit()
		}()
		res, err = r.Run(ctx, special)
		return err
	})
	if res != nil {
		if perr := printUpdate(cmd.OutOrStdout(), e.jsonMode, st, res); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

type updateSummary struct {
	Run        string  `json:"run"`
	Todo       int     `json:"todo"`
	Updated    int     `json:"updated"`
	Aborted    bool    `json:"aborted"`
	Dropped    []int   `json:"dropped"`
	Terminated []int   `json:"terminated"`
	Merged     [][]int `json:"merged"`
	Sequences  int     `json:"sequences"`
}

func printUpdate(w io.Writer, jsonMode bool, st *store.Store, res *updater.Result) error {
	sum := updateSummary{
		Run:        res.RunID,
		Todo:       len(res.Todo),
		Updated:    res.Updated,
		Aborted:    res.Aborted,
		Dropped:    res.Dropped,
		Terminated: res.Terminated,
		Sequences:  st.Len(),
	}
	for _, m := range res.Merges {
		sum.Merged = append(sum.Merged, append([]int{m.Canonical}, m.Duplicates...))
	}
	if jsonMode {
		return writeJSON(w, sum)
	}

	status := okColor.Sprint("complete")
	if res.Aborted {
		status = warnColor.Sprint("aborted")
	}
	fmt.Fprintf(w, "run %s %s: updated %d of %d\n", sum.Run, status, sum.Updated, sum.Todo)
	listLine(w, warnColor, "dropped", sum.Dropped)
	listLine(w, okColor, "terminated", sum.Terminated)
	for _, m := range res.Merges {
		fmt.Fprintf(w, "%s %d absorbs %s\n", warnColor.Sprint("merge:"), m.Canonical, joinInts(m.Duplicates))
	}
	return nil
}
