// Command idxdb inspects and maintains idxdb database directories.
//
// It works from the catalog alone, so it needs no index definitions. Do not
// run it against a database that is open in another process.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andreyvit/idxdb"
)

var (
	verbose    bool
	dumpValues bool
)

var rootCmd = &cobra.Command{
	Use:           "idxdb",
	Short:         "Inspect and maintain idxdb databases",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <dir>",
	Short: "Print index sizes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tKIND\tRECORDS\tDEPTH\tINDEX BYTES\tSTORAGE BYTES\tSTATE")
		err := eachIndex(args[0], nil, func(spec idxdb.IndexSpec, idx idxdb.Index) error {
			s, err := idx.Stats()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", spec.Name, spec.Kind, s.Records, s.Depth, s.IndexSize, s.StorageSize, state(spec, idx))
			return nil
		})
		w.Flush()
		return err
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump <dir> [index...]",
	Short: "List index records",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := idxdb.DumpIndexHeaders | idxdb.DumpStats | idxdb.DumpRecords
		if dumpValues {
			flags |= idxdb.DumpValues
		}
		return eachIndex(args[0], args[1:], func(spec idxdb.IndexSpec, idx idxdb.Index) error {
			return idxdb.DumpIndex(cmd.OutOrStdout(), flags, idx)
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <dir> [index...]",
	Short: "Check index files for corruption",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed int
		err := eachIndex(args[0], args[1:], func(spec idxdb.IndexSpec, idx idxdb.Index) error {
			if err := idx.Verify(); err != nil {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s: FAILED: %v\n", spec.Name, err)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s)\n", spec.Name, state(spec, idx))
			return nil
		})
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d index(es) failed verification", failed)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact <dir> [index...]",
	Short: "Rewrite indexes without dead space",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return idxdb.CompactOffline(args[0], args[1:]...)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	dumpCmd.Flags().BoolVar(&dumpValues, "values", false, "decode stored values")
	rootCmd.AddCommand(statsCmd, dumpCmd, verifyCmd, compactCmd)
}

// eachIndex opens the named indexes (all if names is empty) read-only, one
// at a time.
func eachIndex(dir string, names []string, fn func(spec idxdb.IndexSpec, idx idxdb.Index) error) error {
	specs, err := idxdb.ReadCatalog(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if !slices.ContainsFunc(specs, func(s idxdb.IndexSpec) bool { return s.Name == name }) {
			return fmt.Errorf("%s: %w", name, idxdb.ErrIndexNotFound)
		}
	}
	for _, spec := range specs {
		if len(names) > 0 && !slices.Contains(names, spec.Name) {
			continue
		}
		idx, err := idxdb.OpenRawIndex(dir, spec, true)
		if err != nil {
			return err
		}
		err = fn(spec, idx)
		if cerr := idx.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func state(spec idxdb.IndexSpec, idx idxdb.Index) string {
	switch {
	case idx.WasDirty():
		return "dirty"
	case !spec.Built:
		return "pending"
	default:
		return "clean"
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "idxdb: %v\n", err)
		var ce *idxdb.CorruptionError
		if errors.As(err, &ce) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
