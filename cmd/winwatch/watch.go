package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/winwatch/winwatch/internal/monitor"
)

var (
	watchFilter   string
	watchBatch    bool
	watchInterval time.Duration
)

var fileCmd = &cobra.Command{
	Use:   "file PATH",
	Short: "print changes under a directory tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := monitor.ParseFileFilter(watchFilter)
		if err != nil {
			return err
		}
		opts := []monitor.Option{monitor.WithLogger(cliLogger())}
		if watchBatch {
			opts = append(opts, monitor.WithBatchDecoding())
		}
		m, err := monitor.NewFileMonitor(monitor.FileTarget{Path: args[0]}, filter, opts...)
		if err != nil {
			return err
		}
		return watchCommand(cmd, m)
	},
}

var registryCmd = &cobra.Command{
	Use:   "registry HIVE KEYPATH",
	Short: "print changes to a registry key and its subkeys",
	Long: `Print changes to a registry key and its subkeys.

HIVE is a full root name such as HKEY_CURRENT_USER or one of the short forms
HKCR, HKCU, HKLM, HKU and HKCC.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := monitor.ParseRegistryFilter(watchFilter)
		if err != nil {
			return err
		}
		target := monitor.RegistryTarget{Hive: parseHive(args[0]), KeyPath: args[1]}
		m, err := monitor.NewRegistryMonitor(target, filter, monitor.WithLogger(cliLogger()))
		if err != nil {
			return err
		}
		return watchCommand(cmd, m)
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "print process creation, deletion and modification",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter, err := monitor.ParseProcessFilter(watchFilter)
		if err != nil {
			return err
		}
		ctx, stop := watchContext(cmd)
		defer stop()
		m, err := monitor.NewProcessMonitor(ctx, filter,
			monitor.WithLogger(cliLogger()),
			monitor.WithPollInterval(watchInterval),
		)
		if err != nil {
			return err
		}
		return watchLoop(ctx, cmd.OutOrStdout(), m)
	},
}

func init() {
	for _, c := range []*cobra.Command{fileCmd, registryCmd, processCmd} {
		c.Flags().StringVar(&watchFilter, "filter", "", "notify filter (default: every change of the category)")
	}
	fileCmd.Flags().BoolVar(&watchBatch, "batch", false, "decode every record of a directory read, not only the first")
	processCmd.Flags().DurationVar(&watchInterval, "interval", monitor.DefaultProcessPollInterval, "process table rescan interval")
}

var hiveAliases = map[string]monitor.Hive{
	"HKCR": monitor.HiveClassesRoot,
	"HKCU": monitor.HiveCurrentUser,
	"HKLM": monitor.HiveLocalMachine,
	"HKU":  monitor.HiveUsers,
	"HKCC": monitor.HiveCurrentConfig,
}

// parseHive expands the short hive forms. Anything else is passed through
// unchanged and left for target validation to judge.
func parseHive(s string) monitor.Hive {
	if h, ok := hiveAliases[strings.ToUpper(s)]; ok {
		return h
	}
	return monitor.Hive(strings.ToUpper(s))
}

func cliLogger() *slog.Logger {
	return newLogger(os.Stderr, logLevel, logFormat)
}

func watchCommand(cmd *cobra.Command, m monitor.Monitor) error {
	ctx, stop := watchContext(cmd)
	defer stop()
	return watchLoop(ctx, cmd.OutOrStdout(), m)
}

// watchLoop prints one JSON line per event until ctx ends or the monitor
// fails. The monitor is closed on return.
func watchLoop(ctx context.Context, w io.Writer, m monitor.Monitor) error {
	defer m.Close()

	enc := json.NewEncoder(w)
	for {
		if err := m.Update(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := enc.Encode(m.Snapshot()); err != nil {
			return err
		}
	}
}
