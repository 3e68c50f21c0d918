// This file provides argument parsing and output helpers shared by the
// commands.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	badColor  = color.New(color.FgRed)
)

// parseSeqs converts positional arguments to sequence leaders.
func parseSeqs(args []string) ([]int, error) {
	seqs := make([]int, 0, len(args))
	for _, a := range args {
		seq, err := strconv.Atoi(a)
		if err != nil {
			return nil, usageErrorf("not a sequence: %q", a)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinInts(seqs []int) string {
	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = strconv.Itoa(s)
	}
	return strings.Join(parts, " ")
}

// listLine prints "label (n): seqs" unless seqs is empty.
func listLine(w io.Writer, c *color.Color, label string, seqs []int) {
	if len(seqs) == 0 {
		return
	}
	fmt.Fprintf(w, "%s %s\n", c.Sprintf("%s (%d):", label, len(seqs)), joinInts(seqs))
}

// userArgs marks argument validation failures as user errors.
func userArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return userError{err}
		}
		return nil
	}
}
