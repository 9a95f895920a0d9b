// Package relay streams journalled events to a remote collector over gRPC.
//
// The EventRelay service has a single bidirectional method:
//
//	service EventRelay {
//	  rpc Stream(stream google.protobuf.Struct) returns (stream google.protobuf.Struct);
//	}
//
// Each request is an event envelope (the journal entry fields plus a unique
// event_id); each response acknowledges one envelope by echoing its event_id.
// Both directions use the well-known Struct type, so the service descriptor
// below is all either side needs; there is no .proto to compile.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/winwatch/winwatch/internal/journal"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "winwatch.relay.v1.EventRelay"

const streamMethod = "/" + ServiceName + "/Stream"

var streamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

// envelope is the JSON shape carried inside each Struct message.
type envelope struct {
	EventID string `json:"event_id"`
	journal.Entry
}

func encode(env envelope) (*structpb.Struct, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("relay: encode event: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("relay: encode event: %w", err)
	}
	return structpb.NewStruct(m)
}

func decode(msg *structpb.Struct) (envelope, error) {
	var env envelope
	raw, err := json.Marshal(msg.AsMap())
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, err
	}
	if env.EventID == "" {
		return env, errors.New("missing event_id")
	}
	return env, nil
}

func ackFor(eventID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"event_id": structpb.NewStringValue(eventID),
	}}
}

// Handler consumes one relayed event. Returning an error ends the stream
// without acknowledging the event, so the sender delivers it again after
// reconnecting; handlers should therefore be idempotent on eventID.
type Handler func(ctx context.Context, eventID string, e journal.Entry) error

// receiver is the handler type checked by grpc.Server.RegisterService.
type receiver interface {
	serve(grpc.ServerStream) error
}

type handlerReceiver struct {
	handle Handler
	logger *slog.Logger
}

// RegisterReceiver registers h as the EventRelay implementation on s.
func RegisterReceiver(s *grpc.Server, h Handler, logger *slog.Logger) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*receiver)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    streamDesc.StreamName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(receiver).serve(stream)
			},
		}},
		Metadata: "winwatch/relay/v1/relay.proto",
	}, &handlerReceiver{handle: h, logger: logger})
}

func (r *handlerReceiver) serve(stream grpc.ServerStream) error {
	ctx := stream.Context()
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		env, err := decode(msg)
		if err != nil {
			r.logger.Warn("relay: rejected malformed event", slog.Any("error", err))
			return status.Errorf(codes.InvalidArgument, "decode event: %v", err)
		}
		if err := r.handle(ctx, env.EventID, env.Entry); err != nil {
			r.logger.Warn("relay: handler failed",
				slog.String("event_id", env.EventID),
				slog.Any("error", err),
			)
			return status.Errorf(codes.Unavailable, "handle event %s: %v", env.EventID, err)
		}
		if err := stream.SendMsg(ackFor(env.EventID)); err != nil {
			return err
		}
	}
}
