package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/winwatch/winwatch/internal/audit"
)

var verifyDump bool

var verifyCmd = &cobra.Command{
	Use:   "verify TRAIL",
	Short: "check the hash chain of an audit trail",
	Long: `Check the hash chain of an audit trail written by "winwatch run".

The command fails at the first record that was edited, reordered or removed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return verifyTrail(cmd.OutOrStdout(), args[0], verifyDump)
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyDump, "dump", false, "print every verified event as a JSON line")
}

func verifyTrail(w io.Writer, path string, dump bool) error {
	recs, err := audit.Verify(path)
	if err != nil {
		return err
	}
	if dump {
		enc := json.NewEncoder(w)
		for _, r := range recs {
			if err := enc.Encode(r.Event); err != nil {
				return err
			}
		}
	}
	head := audit.GenesisHash
	if len(recs) > 0 {
		head = recs[len(recs)-1].Hash
	}
	_, err = fmt.Fprintf(w, "%s: %d records, chain intact, head %s\n", path, len(recs), head)
	return err
}
