package session

import (
	"context"
	"testing"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

func newTestService(t *testing.T) (*Service, *bus.FakeClient) {
	t.Helper()
	fc := bus.NewFakeClient()
	if err := fc.Start(context.Background()); err != nil {
		t.Fatalf("start fake client: %v", err)
	}
	accounts := catalog.Accounts{"alice": 1, "bob": 2}
	svc := New(fc, telemetry.Handle{}, accounts, 0)

	var salt int64
	svc.now = func() int64 {
		salt++
		return salt
	}

	// Stand in for CharacterService's login/logout endpoints and for
	// SystemService's/ChatterService's topic directories, so startCB's
	// relay-wiring request/reply chain has something to resolve against.
	if _, err := fc.Subscribe("REQ.CHARACTER.LOGIN", true, func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var req schema.CharacterLoginRequest
		_ = schema.Unmarshal(payload, &req)
		return schema.Marshal(schema.CharacterLoginResponse{
			OK:                req.CharacterID != 0 && req.CharacterID != 999,
			CharacterID:       req.CharacterID,
			CharacterLiveInfo: &schema.CharacterLiveInfoMessage{CharacterID: req.CharacterID, SystemID: 1, Active: true},
			TopicSet: schema.TopicSet{
				PublishTopic:   "PUB.CHARACTER.OUT.test",
				SubscribeTopic: "PUB.CHARACTER.IN.test",
			},
		})
	}); err != nil {
		t.Fatalf("stub login subscribe: %v", err)
	}
	if _, err := fc.Subscribe("REQ.CHARACTER.LOGOUT", true, func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		return schema.Marshal(schema.CharacterLogoutResponse{OK: true})
	}); err != nil {
		t.Fatalf("stub logout subscribe: %v", err)
	}
	if _, err := fc.Subscribe("REQ.SYSTEM.TOPIC", true, func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var req schema.SystemTopicRequest
		_ = schema.Unmarshal(payload, &req)
		return schema.Marshal(schema.SystemTopicResponse{
			OK:       true,
			SystemID: req.SystemID,
			TopicSet: schema.TopicSet{PublishTopic: "PUB.SYSTEM.OUT.test", SubscribeTopic: "PUB.SYSTEM.IN.test"},
		})
	}); err != nil {
		t.Fatalf("stub system topic subscribe: %v", err)
	}
	if _, err := fc.Subscribe("REQ.CHATTER.TOPIC", true, func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var req schema.SystemTopicRequest
		_ = schema.Unmarshal(payload, &req)
		return schema.Marshal(schema.SystemTopicResponse{
			OK:       true,
			SystemID: req.SystemID,
			TopicSet: schema.TopicSet{PublishTopic: "PUB.CHATTER.OUT.test", SubscribeTopic: "PUB.CHATTER.IN.test"},
		})
	}); err != nil {
		t.Fatalf("stub chatter topic subscribe: %v", err)
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start session service: %v", err)
	}
	return svc, fc
}

func startSession(t *testing.T, svc *Service, username string) schema.SessionStartResponse {
	t.Helper()
	payload, err := schema.Marshal(schema.SessionStartRequest{Username: username})
	if err != nil {
		t.Fatalf("marshal start request: %v", err)
	}
	reply, err := svc.startCB(context.Background(), "REQ.SESSION.START", payload)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	var resp schema.SessionStartResponse
	if err := schema.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal start response: %v", err)
	}
	return resp
}

func TestSessionStartAssignsUniqueTopics(t *testing.T) {
	svc, _ := newTestService(t)

	resp := startSession(t, svc, "alice")
	if !resp.OK || resp.SessionID == "" {
		t.Fatalf("expected ok response with a session id, got %+v", resp)
	}
	if resp.CharacterID != 1 {
		t.Fatalf("expected character 1, got %d", resp.CharacterID)
	}
	if resp.PublishTopic != "PUB.SESSION.OUT."+resp.SessionID || resp.SubscribeTopic != "PUB.SESSION.IN."+resp.SessionID {
		t.Fatalf("expected session topics keyed by session id %s, got %+v", resp.SessionID, resp.TopicSet)
	}
}

func TestSessionStartUnknownUsername(t *testing.T) {
	svc, _ := newTestService(t)

	resp := startSession(t, svc, "nobody")
	if resp.OK {
		t.Fatalf("expected failure for unknown username, got %+v", resp)
	}
}

// TestSessionDisplacesPriorSessionForSameCharacter is the displacement
// invariant: starting a second session for a character already logged in
// evicts the first session instead of running both concurrently.
func TestSessionDisplacesPriorSessionForSameCharacter(t *testing.T) {
	svc, _ := newTestService(t)

	first := startSession(t, svc, "alice")
	second := startSession(t, svc, "alice")

	if first.SessionID == second.SessionID {
		t.Fatalf("expected a distinct session id on displacement, got the same: %s", first.SessionID)
	}

	svc.mu.Lock()
	_, firstStillTracked := svc.bySession[first.SessionID]
	sessionForCharacter, stillMapped := svc.byCharacter[second.CharacterID]
	svc.mu.Unlock()

	if firstStillTracked {
		t.Fatalf("expected the displaced session to be forgotten")
	}
	if !stillMapped || sessionForCharacter != second.SessionID {
		t.Fatalf("expected character %d mapped to the newest session %s, got %s (mapped=%v)", second.CharacterID, second.SessionID, sessionForCharacter, stillMapped)
	}
}

func TestSessionStopForgetsSession(t *testing.T) {
	svc, _ := newTestService(t)

	resp := startSession(t, svc, "bob")

	stopPayload, err := schema.Marshal(schema.SessionStopRequest{SessionID: resp.SessionID})
	if err != nil {
		t.Fatalf("marshal stop request: %v", err)
	}
	reply, err := svc.stopCB(context.Background(), "REQ.SESSION.STOP", stopPayload)
	if err != nil {
		t.Fatalf("stop session: %v", err)
	}
	var stopResp schema.SessionStopResponse
	if err := schema.Unmarshal(reply, &stopResp); err != nil {
		t.Fatalf("unmarshal stop response: %v", err)
	}
	if !stopResp.OK {
		t.Fatalf("expected stop to succeed")
	}

	svc.mu.Lock()
	_, tracked := svc.bySession[resp.SessionID]
	svc.mu.Unlock()
	if tracked {
		t.Fatalf("expected session to be forgotten after stop")
	}
}

func TestSessionStartPublishesStartFrame(t *testing.T) {
	svc, fc := newTestService(t)

	resp := startSession(t, svc, "alice")

	var sawStart bool
	for _, msg := range fc.Published() {
		if msg.Subject != resp.PublishTopic {
			continue
		}
		var frame schema.SessionMessageResponse
		if err := schema.Unmarshal(msg.Payload, &frame); err != nil {
			continue
		}
		if frame.Type == schema.SessionMessageStart {
			sawStart = true
		}
	}
	if !sawStart {
		t.Fatalf("expected a START frame on %s", resp.PublishTopic)
	}
}

// TestSessionDisplacementPublishesStopFrame is scenario (b): the
// displaced client's session must observe a STOP frame before the
// replacement session comes up.
func TestSessionDisplacementPublishesStopFrame(t *testing.T) {
	svc, fc := newTestService(t)

	first := startSession(t, svc, "alice")
	second := startSession(t, svc, "alice")

	stopAt, startAt := -1, -1
	for idx, msg := range fc.Published() {
		if msg.Subject != first.PublishTopic && msg.Subject != second.PublishTopic {
			continue
		}
		var frame schema.SessionMessageResponse
		if err := schema.Unmarshal(msg.Payload, &frame); err != nil {
			continue
		}
		if msg.Subject == first.PublishTopic && frame.Type == schema.SessionMessageStop && stopAt < 0 {
			stopAt = idx
		}
		if msg.Subject == second.PublishTopic && frame.Type == schema.SessionMessageStart && startAt < 0 {
			startAt = idx
		}
	}
	if stopAt < 0 {
		t.Fatalf("expected a STOP frame on the displaced session's %s", first.PublishTopic)
	}
	if startAt < 0 || stopAt > startAt {
		t.Fatalf("expected the STOP frame (at %d) before the replacement's START frame (at %d)", stopAt, startAt)
	}
}

func TestSessionStartSubscribesRelayTopics(t *testing.T) {
	svc, fc := newTestService(t)

	_ = startSession(t, svc, "alice")

	for _, topic := range []string{"PUB.CHARACTER.OUT.test", "PUB.SYSTEM.OUT.test", "PUB.CHATTER.OUT.test"} {
		if _, bound := fc.ActiveSubjects()[topic]; !bound {
			t.Fatalf("expected relay subscription on %s", topic)
		}
	}
}

func TestSessionStopUnsubscribesRelayTopicsForLastSession(t *testing.T) {
	svc, fc := newTestService(t)

	resp := startSession(t, svc, "alice")

	stopPayload, _ := schema.Marshal(schema.SessionStopRequest{SessionID: resp.SessionID})
	if _, err := svc.stopCB(context.Background(), "REQ.SESSION.STOP", stopPayload); err != nil {
		t.Fatalf("stop session: %v", err)
	}

	for _, topic := range []string{"PUB.CHARACTER.OUT.test", "PUB.SYSTEM.OUT.test", "PUB.CHATTER.OUT.test"} {
		if _, bound := fc.ActiveSubjects()[topic]; bound {
			t.Fatalf("expected relay subscription on %s to be released", topic)
		}
	}
}
