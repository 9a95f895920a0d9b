package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/winwatch/winwatch/internal/journal"
)

const (
	// DefaultBuffer is the number of events Publish can queue ahead of the
	// stream.
	DefaultBuffer = 256

	defaultMinBackoff = time.Second
	defaultMaxBackoff = 60 * time.Second
)

// ErrBufferFull is returned by Publish when the stream has fallen behind.
var ErrBufferFull = errors.New("relay: buffer full")

var (
	metricSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "winwatch",
		Subsystem: "relay",
		Name:      "events_sent_total",
		Help:      "Events acknowledged by the collector",
	})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "winwatch",
		Subsystem: "relay",
		Name:      "reconnects_total",
		Help:      "Times the relay stream was lost and reopened",
	})
)

// Config holds the collector connection parameters.
type Config struct {
	// Addr is the collector gRPC address, e.g. "collector.corp:7443".
	Addr string

	// CAPath is a PEM CA bundle used to verify the collector. When empty
	// the system roots are used.
	CAPath string

	// ServerName overrides the TLS server name. Optional.
	ServerName string

	// Insecure disables TLS. Use only on loopback or in tests.
	Insecure bool

	// Buffer bounds the events queued ahead of the stream. Defaults to
	// DefaultBuffer.
	Buffer int

	// MinBackoff and MaxBackoff bound the reconnect delay. Default to 1s
	// and 60s.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// DialOptions are appended to the options New dials with.
	DialOptions []grpc.DialOption
}

type outbound struct {
	id  string
	msg *structpb.Struct
}

// Relay is an agent sink that streams events to a collector, one
// acknowledgement per event. A lost stream is reopened with exponential
// back-off and the unacknowledged event is sent again under the same ID.
type Relay struct {
	cfg    Config
	logger *slog.Logger
	host   string
	conn   *grpc.ClientConn

	liveCh chan outbound
	// pending is the event being delivered; only the run loop touches it.
	pending *outbound

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	sent       atomic.Int64
	reconnects atomic.Int64
}

// New creates the client connection and starts the delivery loop. Dialing is
// lazy, so an unreachable collector is not an error here.
func New(cfg Config, logger *slog.Logger) (*Relay, error) {
	if cfg.Addr == "" {
		return nil, errors.New("relay: collector address is required")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}

	creds, err := buildCredentials(cfg)
	if err != nil {
		return nil, err
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, cfg.DialOptions...)
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", cfg.Addr, err)
	}

	host, _ := os.Hostname()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:    cfg,
		logger: logger.With(slog.String("collector", cfg.Addr)),
		host:   host,
		conn:   conn,
		liveCh: make(chan outbound, cfg.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(ctx)
	return r, nil
}

func (r *Relay) Name() string { return "relay" }

// Sent returns the number of acknowledged events.
func (r *Relay) Sent() int64 { return r.sent.Load() }

// Reconnects returns the number of times the stream was lost.
func (r *Relay) Reconnects() int64 { return r.reconnects.Load() }

// Publish queues e for delivery. It never blocks on the network.
func (r *Relay) Publish(ctx context.Context, e journal.Entry) error {
	e.Host = r.host
	id := uuid.NewString()
	msg, err := encode(envelope{EventID: id, Entry: e})
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return errors.New("relay: closed")
	default:
	}
	select {
	case r.liveCh <- outbound{id: id, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBufferFull
	}
}

// Close stops the delivery loop and closes the connection. Events still
// queued are dropped and counted in the log; they remain in the journal.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		if undelivered := len(r.liveCh); undelivered > 0 || r.pending != nil {
			if r.pending != nil {
				undelivered++
			}
			r.logger.Warn("relay: closing with undelivered events", slog.Int("events", undelivered))
		}
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)

	backoff := r.cfg.MinBackoff
	for {
		delivered, err := r.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if delivered {
			backoff = r.cfg.MinBackoff
		}

		r.reconnects.Add(1)
		metricReconnects.Inc()
		r.logger.Warn("relay: stream lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, r.cfg.MinBackoff, r.cfg.MaxBackoff)
	}
}

// runOnce opens one stream and delivers events until it fails. It returns nil
// only when ctx is cancelled. delivered reports whether any event was
// acknowledged on this stream.
func (r *Relay) runOnce(ctx context.Context) (delivered bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := r.conn.NewStream(sctx, &streamDesc, streamMethod)
	if err != nil {
		return false, fmt.Errorf("open stream: %w", err)
	}

	for {
		if r.pending == nil {
			select {
			case <-ctx.Done():
				_ = stream.CloseSend()
				return delivered, nil
			case out := <-r.liveCh:
				r.pending = &out
			}
		}
		if err := deliver(stream, *r.pending); err != nil {
			if ctx.Err() != nil {
				return delivered, nil
			}
			return delivered, err
		}
		r.logger.Debug("relay: event acknowledged", slog.String("event_id", r.pending.id))
		r.pending = nil
		delivered = true
		r.sent.Add(1)
		metricSent.Inc()
	}
}

func deliver(stream grpc.ClientStream, out outbound) error {
	if err := stream.SendMsg(out.msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	ack := new(structpb.Struct)
	if err := stream.RecvMsg(ack); err != nil {
		return fmt.Errorf("recv ack: %w", err)
	}
	if got := ack.GetFields()["event_id"].GetStringValue(); got != out.id {
		return fmt.Errorf("ack for %q, want %q", got, out.id)
	}
	return nil
}

func buildCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if cfg.Insecure {
		return insecure.NewCredentials(), nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.ServerName}
	if cfg.CAPath != "" {
		caPEM, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("relay: read CA %s: %w", cfg.CAPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("relay: no certificates in %s", cfg.CAPath)
		}
		tlsCfg.RootCAs = pool
	}
	return credentials.NewTLS(tlsCfg), nil
}

// nextBackoff doubles current with ±25% jitter, kept within [lo, hi].
func nextBackoff(current, lo, hi time.Duration) time.Duration {
	next := time.Duration(float64(current*2) * (0.75 + rand.Float64()*0.5))
	if next < lo {
		next = lo
	}
	if next > hi {
		next = hi
	}
	return next
}
