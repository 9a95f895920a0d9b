package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/winwatch/winwatch/internal/config"
	"github.com/winwatch/winwatch/internal/monitor"
)

// NewMonitor is the default Factory. It converts a validated MonitorConfig
// into a native or process monitor.
func NewMonitor(ctx context.Context, mc config.MonitorConfig, logger *slog.Logger) (monitor.Monitor, error) {
	opts := []monitor.Option{
		monitor.WithLogger(logger.With(slog.String("monitor_name", mc.Name))),
	}

	switch monitor.Kind(mc.Kind) {
	case monitor.KindFile:
		filter, err := monitor.ParseFileFilter(mc.Filter)
		if err != nil {
			return nil, err
		}
		target, err := monitor.ParseFileTarget(mc.Target)
		if err != nil {
			return nil, err
		}
		if mc.BatchRecords {
			opts = append(opts, monitor.WithBatchDecoding())
		}
		if mc.BufferSize > 0 {
			opts = append(opts, monitor.WithBufferSize(mc.BufferSize))
		}
		return monitor.NewFileMonitor(target, filter, opts...)

	case monitor.KindRegistry:
		filter, err := monitor.ParseRegistryFilter(mc.Filter)
		if err != nil {
			return nil, err
		}
		target, err := monitor.ParseRegistryTarget(mc.Target)
		if err != nil {
			return nil, err
		}
		return monitor.NewRegistryMonitor(target, filter, opts...)

	case monitor.KindProcess:
		filter, err := monitor.ParseProcessFilter(mc.Filter)
		if err != nil {
			return nil, err
		}
		if mc.PollInterval > 0 {
			opts = append(opts, monitor.WithPollInterval(mc.PollInterval))
		}
		return monitor.NewProcessMonitor(ctx, filter, opts...)
	}

	return nil, fmt.Errorf("agent: unknown monitor kind %q", mc.Kind)
}
