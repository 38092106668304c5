// Package session implements SessionService (S): the per-login instance
// that bridges a gateway-facing client to CharacterService and
// SystemService, enforcing the one-session-per-character invariant.
package session

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

// newSessionID derives a session id as a hex-encoded SHA-1 digest over
// the username and a salt (Service.now, Unix nanoseconds by default). The
// character id and a formatted timestamp are not part of the digest. This
// is unique enough for a single-backplane deployment without pulling in a
// UUID purely for an opaque string.
func newSessionID(username string, salt int64) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%d", username, salt)))
	return hex.EncodeToString(sum[:])
}

// Instance is one logged-in session: it owns the client-facing frame
// topics and relays CHARACTER_LIVE_INFO / SYSTEM_LIVE_INFO / CHATTER
// traffic between its character and whoever is driving the gateway
// stream for it.
type Instance struct {
	bus       bus.Client
	telemetry telemetry.Handle

	sessionID   string
	characterID uint32
	topics      schema.TopicSet

	pingInterval time.Duration

	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	pingSeq uint64
}

func newInstance(b bus.Client, handle telemetry.Handle, sessionID string, characterID uint32, pingInterval time.Duration) *Instance {
	return &Instance{
		bus:          b,
		telemetry:    handle,
		sessionID:    sessionID,
		characterID:  characterID,
		pingInterval: pingInterval,
		topics: schema.TopicSet{
			PublishTopic:   fmt.Sprintf("PUB.SESSION.OUT.%s", sessionID),
			SubscribeTopic: fmt.Sprintf("PUB.SESSION.IN.%s", sessionID),
		},
	}
}

func (i *Instance) logger() *slog.Logger {
	if i.telemetry.Logger != nil {
		return i.telemetry.Logger
	}
	return slog.Default()
}

// Topics returns the session's publish/subscribe pair, handed back to the
// gateway as the stream's routing addresses.
func (i *Instance) Topics() schema.TopicSet {
	return i.topics
}

// Start subscribes the client-intake topic and, if configured, begins
// the PONG keepalive ticker.
func (i *Instance) Start(ctx context.Context) error {
	if _, err := i.bus.Subscribe(i.topics.SubscribeTopic, false, bus.Traced(i.telemetry, "session.in", i.sessionInCB)); err != nil {
		return err
	}

	if i.pingInterval > 0 {
		pingCtx, cancel := context.WithCancel(ctx)
		i.mu.Lock()
		i.cancel = cancel
		i.mu.Unlock()
		go i.pingLoop(pingCtx)
	}

	startPayload, err := schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageStart, OK: true})
	if err != nil {
		return err
	}
	if _, err := i.bus.Publish(ctx, i.topics.PublishTopic, startPayload, false, nil, 0); err != nil {
		return err
	}

	i.logger().Info("session started", "session_id", i.sessionID, "character_id", i.characterID)
	return nil
}

// Stop publishes a STOP frame, unsubscribes the intake topic, and halts
// the ping loop.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	cancel := i.cancel
	i.mu.Unlock()

	stopPayload, err := schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageStop, OK: true})
	if err != nil {
		return err
	}
	if _, err := i.bus.Publish(ctx, i.topics.PublishTopic, stopPayload, false, nil, 0); err != nil {
		i.logger().Warn("session stop publish failed", "session_id", i.sessionID, "error", err)
	}

	if cancel != nil {
		cancel()
	}
	_, _ = i.bus.Unsubscribe(i.topics.SubscribeTopic)
	i.logger().Info("session stopped", "session_id", i.sessionID)
	return nil
}

func (i *Instance) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(i.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.mu.Lock()
			i.pingSeq++
			seq := i.pingSeq
			i.mu.Unlock()

			payload, err := schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessagePong, OK: true, PingPong: seq})
			if err != nil {
				continue
			}
			if _, err := i.bus.Publish(ctx, i.topics.PublishTopic, payload, false, nil, 0); err != nil {
				i.logger().Warn("session ping publish failed", "session_id", i.sessionID, "error", err)
			}
		}
	}
}

// sessionInCB handles a frame a client (via the gateway) sent for this
// session: CHATTER frames are forwarded, through ChatterService's topic
// directory, to the chatter topic of the system id carried on the
// message; CHARACTER_LIVE_INFO and SYSTEM_LIVE_INFO queries are answered
// from CharacterService/SystemService and the answer is published on the
// session's outbound topic; any other frame type is logged and dropped.
func (i *Instance) sessionInCB(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.SessionMessageRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	var out []byte
	var err error
	switch req.Type {
	case schema.SessionMessageChatter:
		return nil, i.relayChatter(ctx, req.Chatter)
	case schema.SessionMessageCharacterLiveInfo:
		out, err = i.forwardCharacterLiveInfo(ctx)
	case schema.SessionMessageSystemLiveInfo:
		out, err = i.forwardSystemLiveInfo(ctx)
	default:
		i.logger().Warn("session received unhandled frame type", "session_id", i.sessionID, "type", req.Type)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, err = i.bus.Publish(ctx, i.topics.PublishTopic, out, false, nil, 0)
	return nil, err
}

func (i *Instance) forwardCharacterLiveInfo(ctx context.Context) ([]byte, error) {
	reqPayload, err := schema.Marshal(schema.CharacterLiveInfoRequest{CharacterID: i.characterID})
	if err != nil {
		return nil, err
	}
	replyPayload, err := i.bus.Publish(ctx, "REQ.CHARACTER.LIVE", reqPayload, true, nil, 0)
	if err != nil {
		return nil, err
	}
	var resp schema.CharacterLiveInfoResponse
	if err := schema.Unmarshal(replyPayload, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageCharacterLiveInfo, OK: false})
	}
	return schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageCharacterLiveInfo, OK: true, CharacterLiveInfo: resp.CharacterLiveInfo})
}

func (i *Instance) forwardSystemLiveInfo(ctx context.Context) ([]byte, error) {
	charReqPayload, err := schema.Marshal(schema.CharacterLiveInfoRequest{CharacterID: i.characterID})
	if err != nil {
		return nil, err
	}
	charReply, err := i.bus.Publish(ctx, "REQ.CHARACTER.LIVE", charReqPayload, true, nil, 0)
	if err != nil {
		return nil, err
	}
	var charResp schema.CharacterLiveInfoResponse
	if err := schema.Unmarshal(charReply, &charResp); err != nil {
		return nil, err
	}
	if !charResp.OK || charResp.CharacterLiveInfo == nil {
		return schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageSystemLiveInfo, OK: false})
	}

	sysReqPayload, err := schema.Marshal(schema.SystemLiveInfoRequest{SystemID: charResp.CharacterLiveInfo.SystemID})
	if err != nil {
		return nil, err
	}
	sysReply, err := i.bus.Publish(ctx, fmt.Sprintf("REQ.SYSTEM.LIVE.%d", charResp.CharacterLiveInfo.SystemID), sysReqPayload, true, nil, 0)
	if err != nil {
		return nil, err
	}
	var live schema.SystemLiveInfoMessage
	if err := schema.Unmarshal(sysReply, &live); err != nil {
		return nil, err
	}
	return schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageSystemLiveInfo, OK: true, SystemLiveInfo: &live})
}

func (i *Instance) relayChatter(ctx context.Context, msg *schema.ChatterMessage) error {
	if msg == nil {
		return nil
	}
	msg.CharacterID = i.characterID

	reqPayload, err := schema.Marshal(schema.SystemTopicRequest{SystemID: msg.SystemID})
	if err != nil {
		return err
	}
	reply, err := i.bus.Publish(ctx, "REQ.CHATTER.TOPIC", reqPayload, true, nil, 0)
	if err != nil {
		return err
	}
	var topicResp schema.SystemTopicResponse
	if err := schema.Unmarshal(reply, &topicResp); err != nil {
		return err
	}
	if !topicResp.OK {
		return fmt.Errorf("session: no chatter topic for system %d", msg.SystemID)
	}

	payload, err := schema.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = i.bus.Publish(ctx, topicResp.SubscribeTopic, payload, false, nil, 0)
	return err
}

// DeliverChatter publishes an inbound chatter line to this session's
// client-facing outbound topic, wrapped as a SessionMessageResponse.
func (i *Instance) DeliverChatter(ctx context.Context, msg schema.ChatterMessage) error {
	payload, err := schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageChatter, OK: true, Chatter: &msg})
	if err != nil {
		return err
	}
	_, err = i.bus.Publish(ctx, i.topics.PublishTopic, payload, false, nil, 0)
	return err
}

// deliverCharacterUpdate forwards a CharacterLiveInfoMessage observed on
// the character's PUB.CHARACTER.OUT.{cid} topic onto this session's
// client-facing outbound topic.
func (i *Instance) deliverCharacterUpdate(ctx context.Context, payload []byte) error {
	var msg schema.CharacterLiveInfoMessage
	if err := schema.Unmarshal(payload, &msg); err != nil {
		return err
	}
	out, err := schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageCharacterLiveInfo, OK: true, CharacterLiveInfo: &msg})
	if err != nil {
		return err
	}
	_, err = i.bus.Publish(ctx, i.topics.PublishTopic, out, false, nil, 0)
	return err
}

// deliverSystemUpdate forwards a SystemLiveInfoMessage observed on the
// character's system's PUB.SYSTEM.OUT.{sid} topic onto this session's
// client-facing outbound topic.
func (i *Instance) deliverSystemUpdate(ctx context.Context, payload []byte) error {
	var msg schema.SystemLiveInfoMessage
	if err := schema.Unmarshal(payload, &msg); err != nil {
		return err
	}
	out, err := schema.Marshal(schema.SessionMessageResponse{Type: schema.SessionMessageSystemLiveInfo, OK: true, SystemLiveInfo: &msg})
	if err != nil {
		return err
	}
	_, err = i.bus.Publish(ctx, i.topics.PublishTopic, out, false, nil, 0)
	return err
}

// deliverChatterUpdate forwards a ChatterMessage observed on the
// character's system's PUB.CHATTER.OUT.{sid} topic onto this session's
// client-facing outbound topic.
func (i *Instance) deliverChatterUpdate(ctx context.Context, payload []byte) error {
	var msg schema.ChatterMessage
	if err := schema.Unmarshal(payload, &msg); err != nil {
		return err
	}
	return i.DeliverChatter(ctx, msg)
}
