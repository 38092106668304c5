package chatter

import (
	"context"
	"testing"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

func newTestService(t *testing.T) (*Service, *bus.FakeClient) {
	t.Helper()
	fc := bus.NewFakeClient()
	if err := fc.Start(context.Background()); err != nil {
		t.Fatalf("start fake client: %v", err)
	}
	svc := New(fc, telemetry.Handle{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start chatter service: %v", err)
	}
	return svc, fc
}

func TestChatterTopicCreatesRelayOnFirstRequest(t *testing.T) {
	svc, _ := newTestService(t)

	payload, err := schema.Marshal(schema.SystemTopicRequest{SystemID: 5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	reply, err := svc.topicCB(context.Background(), "REQ.CHATTER.TOPIC", payload)
	if err != nil {
		t.Fatalf("topic lookup: %v", err)
	}
	var resp schema.SystemTopicResponse
	if err := schema.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.SystemID != 5 {
		t.Fatalf("unexpected response: %+v", resp)
	}

	svc.mu.Lock()
	_, exists := svc.active[5]
	svc.mu.Unlock()
	if !exists {
		t.Fatalf("expected a relay instance to be created for system 5")
	}
}

func TestChatterTopicReusesExistingRelay(t *testing.T) {
	svc, _ := newTestService(t)

	payload, err := schema.Marshal(schema.SystemTopicRequest{SystemID: 9})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	first, err := svc.topicCB(context.Background(), "REQ.CHATTER.TOPIC", payload)
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	second, err := svc.topicCB(context.Background(), "REQ.CHATTER.TOPIC", payload)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}

	var firstResp, secondResp schema.SystemTopicResponse
	_ = schema.Unmarshal(first, &firstResp)
	_ = schema.Unmarshal(second, &secondResp)
	if firstResp.PublishTopic != secondResp.PublishTopic || firstResp.SubscribeTopic != secondResp.SubscribeTopic {
		t.Fatalf("expected the same topic pair across repeated lookups, got %+v and %+v", firstResp, secondResp)
	}
}

func TestChatterRelayForwardsMessages(t *testing.T) {
	svc, fc := newTestService(t)

	payload, _ := schema.Marshal(schema.SystemTopicRequest{SystemID: 3})
	reply, err := svc.topicCB(context.Background(), "REQ.CHATTER.TOPIC", payload)
	if err != nil {
		t.Fatalf("topic lookup: %v", err)
	}
	var resp schema.SystemTopicResponse
	_ = schema.Unmarshal(reply, &resp)

	svc.mu.Lock()
	inst := svc.active[3]
	svc.mu.Unlock()

	chatterPayload, _ := schema.Marshal(schema.ChatterMessage{CharacterID: 1, SystemID: 3, Text: "hello"})
	if _, err := inst.relayCB(context.Background(), resp.SubscribeTopic, chatterPayload); err != nil {
		t.Fatalf("relay: %v", err)
	}

	var sawRelay bool
	for _, msg := range fc.Published() {
		if msg.Subject == resp.PublishTopic {
			sawRelay = true
		}
	}
	if !sawRelay {
		t.Fatalf("expected chatter message to be relayed to the publish topic")
	}
}
