// This file implements the reservation commands.

package cli

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/allseq/internal/scheduler"
	"github.com/mesh-intelligence/allseq/internal/store"
)

func newReserveCmd(e *env) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "reserve name [seq...]",
		Short: "Reserve sequences for a reservee",
		Long: "Reserve the given sequences for name. With --file the file is the\n" +
			"complete list of name's reservations, one seq per line: listed seqs\n" +
			"are reserved and every other reservation of name is released.",
		Args: userArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			seqs, err := parseSeqs(args[1:])
			if err != nil {
				return err
			}
			if file == "" && len(seqs) == 0 {
				return usageErrorf("no sequences given")
			}
			if file != "" && len(seqs) > 0 {
				return usageErrorf("--file and sequence arguments are exclusive")
			}
			var mr scheduler.MassReservation
			if file != "" {
				if mr, err = readMassFile(file); err != nil {
					return err
				}
			}
			return e.withScheduler(cmd, func(_ *store.Store, sch *scheduler.Scheduler) error {
				w := cmd.OutOrStdout()
				if file == "" {
					res, err := sch.ReserveSeqs(name, seqs)
					if err != nil {
						return err
					}
					if e.jsonMode {
						return writeJSON(w, res)
					}
					printReserve(w, res)
					return nil
				}
				res, err := sch.ApplyMassReservation(name, mr.Seqs)
				if err != nil {
					return err
				}
				if e.jsonMode {
					return writeJSON(w, struct {
						scheduler.MassResult
						Duplicates []int
						Unknown    []string
					}{res, mr.Duplicates, mr.Unknown})
				}
				printReserve(w, res.Reserve)
				printUnreserve(w, res.Unreserve)
				listLine(w, warnColor, "duplicate lines", mr.Duplicates)
				for _, u := range mr.Unknown {
					fmt.Fprintf(w, "%s %q\n", warnColor.Sprint("unparsable line:"), u)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "mass reservation file")
	return cmd
}

func readMassFile(path string) (scheduler.MassReservation, error) {
	f, err := os.Open(path)
	if err != nil {
		return scheduler.MassReservation{}, userError{err}
	}
	defer f.Close()
	return scheduler.ReadMassReservation(f)
}

func newUnreserveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "unreserve name seq...",
		Short: "Release reservations",
		Args:  userArgs(cobra.MinimumNArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			seqs, err := parseSeqs(args[1:])
			if err != nil {
				return err
			}
			return e.withScheduler(cmd, func(_ *store.Store, sch *scheduler.Scheduler) error {
				res, err := sch.UnreserveSeqs(args[0], seqs)
				if err != nil {
					return err
				}
				if e.jsonMode {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				printUnreserve(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}

func printReserve(w io.Writer, res scheduler.ReserveResult) {
	listLine(w, okColor, "reserved", res.Reserved)
	listLine(w, okColor, "already yours", res.AlreadyOwned)
	printClaims(w, res.OtherOwned)
	listLine(w, badColor, "not tracked", res.Missing)
}

func printUnreserve(w io.Writer, res scheduler.UnreserveResult) {
	listLine(w, okColor, "unreserved", res.Unreserved)
	listLine(w, warnColor, "not reserved", res.NotReserved)
	printClaims(w, res.OtherOwned)
	listLine(w, badColor, "not tracked", res.Missing)
}

func printClaims(w io.Writer, claims []scheduler.Claim) {
	for _, c := range claims {
		fmt.Fprintf(w, "%s %d is reserved by %s\n", badColor.Sprint("refused:"), c.Seq, c.Owner)
	}
}

func newOwnersCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "owners",
		Short: "List reservations by reservee",
		Args:  userArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := e.openStore()
			if err != nil {
				return err
			}
			if err := st.ReadonlyInit(); err != nil {
				return err
			}
			owners := scheduler.New(st, e.calculator()).Owners()
			w := cmd.OutOrStdout()
			if e.jsonMode {
				return writeJSON(w, owners)
			}
			for _, name := range slices.Sorted(maps.Keys(owners)) {
				listLine(w, okColor, name, owners[name])
			}
			return nil
		},
	}
}

func newReservationsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reservations",
		Short: "Work with posted reservation files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply file",
		Short: "Make the stored reservations match a reservation file",
		Args:  userArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := readReservationFile(args[0])
			if err != nil {
				return err
			}
			return e.withScheduler(cmd, func(_ *store.Store, sch *scheduler.Scheduler) error {
				rc, err := sch.ApplyReservationFile(rf)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if e.jsonMode {
					return writeJSON(w, rc)
				}
				listLine(w, okColor, "reassigned", rc.Added)
				listLine(w, warnColor, "released", rc.Dropped)
				listLine(w, badColor, "not tracked", rc.Missing)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "format file",
		Short: "Rewrite a reservation file with current sequence details",
		Args:  userArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, err := readReservationFile(args[0])
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
			return rf.Format(cmd.OutOrStdout(), st.Get)
		},
	})
	return cmd
}

func readReservationFile(path string) (*scheduler.ReservationFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, userError{err}
	}
	defer f.Close()
	return scheduler.ParseReservationFile(f)
}
