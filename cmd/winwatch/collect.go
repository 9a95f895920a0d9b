package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/winwatch/winwatch/internal/journal"
	"github.com/winwatch/winwatch/internal/relay"
)

// recentEvents is how many event IDs the collector remembers to suppress
// redelivered events.
const recentEvents = 4096

var collectAddr, collectCert, collectKey string

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "receive events relayed by winwatch agents and print them as JSON lines",
	Long: `Receive events relayed by "winwatch run" agents configured with a relay
address, and print each one as a JSON line on standard output.

Without --cert and --key the listener accepts plaintext connections.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := newLogger(os.Stderr, logLevel, logFormat)

		var opts []grpc.ServerOption
		switch {
		case collectCert != "" && collectKey != "":
			creds, err := credentials.NewServerTLSFromFile(collectCert, collectKey)
			if err != nil {
				return fmt.Errorf("load collector TLS key pair: %w", err)
			}
			opts = append(opts, grpc.Creds(creds))
		case collectCert != "" || collectKey != "":
			return errors.New("--cert and --key must be given together")
		default:
			logger.Warn("collector accepting plaintext connections")
		}

		lis, err := net.Listen("tcp", collectAddr)
		if err != nil {
			return err
		}
		ctx, stop := watchContext(cmd)
		defer stop()
		return serveCollector(ctx, lis, cmd.OutOrStdout(), logger, opts...)
	},
}

func init() {
	collectCmd.Flags().StringVar(&collectAddr, "listen", ":7443", "address to accept relay connections on")
	collectCmd.Flags().StringVar(&collectCert, "cert", "", "PEM server certificate")
	collectCmd.Flags().StringVar(&collectKey, "key", "", "PEM server private key")
}

type collectedEvent struct {
	EventID string `json:"event_id"`
	journal.Entry
}

// printOnce returns a relay handler writing each event to w as a JSON line.
// An event redelivered after a lost acknowledgement is printed only once.
func printOnce(w io.Writer) (relay.Handler, error) {
	seen, err := lru.New[string, struct{}](recentEvents)
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(_ context.Context, id string, e journal.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		if seen.Contains(id) {
			return nil
		}
		if err := enc.Encode(collectedEvent{EventID: id, Entry: e}); err != nil {
			return err
		}
		seen.Add(id, struct{}{})
		return nil
	}, nil
}

// serveCollector prints every relayed event once to w until ctx is cancelled.
func serveCollector(ctx context.Context, lis net.Listener, w io.Writer, logger *slog.Logger, opts ...grpc.ServerOption) error {
	handle, err := printOnce(w)
	if err != nil {
		return err
	}
	srv := grpc.NewServer(opts...)
	relay.RegisterReceiver(srv, handle, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	logger.Info("collector listening", slog.String("addr", lis.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		srv.Stop()
	}
	logger.Info("collector stopped")
	return nil
}
