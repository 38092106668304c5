package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

// Translator implements Server: it holds no session or presence state of
// its own, only a routing cache mapping each session id to the topic
// pair SessionService handed back at StartSession time, so a later
// Stream call doesn't need to ask again.
type Translator struct {
	bus       bus.Client
	telemetry telemetry.Handle

	mu     sync.Mutex
	topics map[string]schema.TopicSet
}

// NewTranslator builds a Translator bound to the bus.
func NewTranslator(b bus.Client, handle telemetry.Handle) *Translator {
	return &Translator{bus: b, telemetry: handle, topics: make(map[string]schema.TopicSet)}
}

func (t *Translator) logger() *slog.Logger {
	if t.telemetry.Logger != nil {
		return t.telemetry.Logger
	}
	return slog.Default()
}

// StartSession resolves a username to a session via REQ.SESSION.START and
// caches the returned topic pair for the subsequent Stream call.
func (t *Translator) StartSession(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var in schema.SessionStartRequest
	if err := schema.Unmarshal(req.GetValue(), &in); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	payload, err := schema.Marshal(in)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	reply, err := t.bus.Publish(ctx, "REQ.SESSION.START", payload, true, nil, 0)
	if err != nil {
		return nil, busError(err)
	}

	var out schema.SessionStartResponse
	if err := schema.Unmarshal(reply, &out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if out.OK {
		t.mu.Lock()
		t.topics[out.SessionID] = out.TopicSet
		t.mu.Unlock()
	}

	return wrapperspb.Bytes(reply), nil
}

// GetUniverse relays REQ.UNIVERSE.STATIC verbatim.
func (t *Translator) GetUniverse(ctx context.Context, _ *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	payload, err := schema.Marshal(schema.UniverseRequest{})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	reply, err := t.bus.Publish(ctx, "REQ.UNIVERSE.STATIC", payload, true, nil, 0)
	if err != nil {
		return nil, busError(err)
	}
	return wrapperspb.Bytes(reply), nil
}

// Stream pumps a client's bidirectional gRPC stream against a session's
// PUB.SESSION.{IN,OUT}.{sid} topic pair: frames from the bus fan out to
// the client, frames from the client publish onto the session's intake
// topic. The first frame a client sends must carry the session id
// obtained from StartSession.
func (t *Translator) Stream(stream StreamServer) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	var startFrame schema.SessionMessageRequest
	if err := schema.Unmarshal(first.GetValue(), &startFrame); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if startFrame.SessionID == "" {
		return status.Error(codes.InvalidArgument, "first stream frame must carry session_id")
	}

	connID := uuid.NewString()
	t.logger().Info("stream opened", "connection_id", connID, "session_id", startFrame.SessionID)
	defer t.logger().Info("stream closed", "connection_id", connID, "session_id", startFrame.SessionID)

	t.mu.Lock()
	topics, ok := t.topics[startFrame.SessionID]
	t.mu.Unlock()
	if !ok {
		return status.Error(codes.NotFound, "unknown session")
	}

	toClient := make(chan []byte, 16)
	subscribed, err := t.bus.Subscribe(topics.PublishTopic, false, func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		select {
		case toClient <- payload:
		case <-ctx.Done():
		}
		return nil, nil
	})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if !subscribed {
		return status.Error(codes.AlreadyExists, "session stream already active")
	}
	defer func() { _, _ = t.bus.Unsubscribe(topics.PublishTopic) }()

	toServer := make(chan []byte, 16)
	recvErrs := make(chan error, 1)
	go func() {
		for {
			frame, err := stream.Recv()
			if err != nil {
				recvErrs <- err
				return
			}
			select {
			case toServer <- frame.GetValue():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			t.stopSession(startFrame.SessionID)
			return ctx.Err()
		case err := <-recvErrs:
			t.stopSession(startFrame.SessionID)
			return err
		case payload := <-toClient:
			if err := stream.Send(wrapperspb.Bytes(payload)); err != nil {
				t.stopSession(startFrame.SessionID)
				return err
			}
		case payload := <-toServer:
			if _, err := t.bus.Publish(ctx, topics.SubscribeTopic, payload, false, nil, 0); err != nil {
				t.logger().Warn("stream publish to session failed", "session_id", startFrame.SessionID, "error", err)
			}
		}
	}
}

func (t *Translator) stopSession(sessionID string) {
	t.mu.Lock()
	delete(t.topics, sessionID)
	t.mu.Unlock()

	payload, err := schema.Marshal(schema.SessionStopRequest{SessionID: sessionID})
	if err != nil {
		return
	}
	if _, err := t.bus.Publish(context.Background(), "REQ.SESSION.STOP", payload, true, nil, 0); err != nil {
		t.logger().Warn("session stop failed", "session_id", sessionID, "error", err)
	}
}

func busError(err error) error {
	switch err {
	case bus.ErrTimeout:
		return status.Error(codes.DeadlineExceeded, "bus request timed out")
	case bus.ErrNoResponders:
		return status.Error(codes.Unavailable, "no service responded")
	default:
		return status.Error(codes.Internal, fmt.Sprintf("bus: %v", err))
	}
}

var _ Server = (*Translator)(nil)
