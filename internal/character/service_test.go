package character

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

	// Stand in for SystemService's topic directory and presence intake.
	if _, err := fc.Subscribe("REQ.SYSTEM.TOPIC", true, func(_ context.Context, _ string, payload []byte) ([]byte, error) {
		var req schema.SystemTopicRequest
		_ = schema.Unmarshal(payload, &req)
		return schema.Marshal(schema.SystemTopicResponse{
			OK:       true,
			SystemID: req.SystemID,
			TopicSet: schema.TopicSet{SubscribeTopic: "PUB.SYSTEM.IN.test", PublishTopic: "PUB.SYSTEM.OUT.test"},
		})
	}); err != nil {
		t.Fatalf("stub system topic: %v", err)
	}
	if _, err := fc.Subscribe("PUB.SYSTEM.IN.test", false, func(_ context.Context, _ string, _ []byte) ([]byte, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("stub system intake: %v", err)
	}

	characters := catalog.Characters{1: {CharacterID: 1, Name: "Alice"}}
	svc := New(fc, telemetry.Handle{}, characters)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start character service: %v", err)
	}
	return svc, fc
}

func TestCharacterLoginPublishesPresence(t *testing.T) {
	svc, fc := newTestService(t)

	payload, err := schema.Marshal(schema.CharacterLoginRequest{CharacterID: 1})
	if err != nil {
		t.Fatalf("marshal login request: %v", err)
	}
	reply, err := svc.loginCB(context.Background(), "REQ.CHARACTER.LOGIN", payload)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var resp schema.CharacterLoginResponse
	if err := schema.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal login response: %v", err)
	}
	if !resp.OK || resp.CharacterLiveInfo == nil || !resp.CharacterLiveInfo.Active {
		t.Fatalf("expected active live info after login, got %+v", resp)
	}

	var sawPresent bool
	for _, msg := range fc.Published() {
		if msg.Subject == "PUB.SYSTEM.IN.test" {
			sawPresent = true
		}
	}
	if !sawPresent {
		t.Fatalf("expected a presence delta published to the system intake topic")
	}
}

func TestCharacterLogoutWithdrawsPresence(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()

	loginPayload, _ := schema.Marshal(schema.CharacterLoginRequest{CharacterID: 1})
	if _, err := svc.loginCB(ctx, "REQ.CHARACTER.LOGIN", loginPayload); err != nil {
		t.Fatalf("login: %v", err)
	}

	logoutPayload, _ := schema.Marshal(schema.CharacterLogoutRequest{CharacterID: 1})
	reply, err := svc.logoutCB(ctx, "REQ.CHARACTER.LOGOUT", logoutPayload)
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	var resp schema.CharacterLogoutResponse
	if err := schema.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal logout response: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected logout to succeed")
	}

	var sawAbsent bool
	for _, msg := range fc.Published() {
		if msg.Subject != "PUB.SYSTEM.IN.test" {
			continue
		}
		var delta schema.SystemSetLiveCharacterRequest
		if err := schema.Unmarshal(msg.Payload, &delta); err == nil && delta.CharacterID == 1 && !delta.Present {
			sawAbsent = true
		}
	}
	if !sawAbsent {
		t.Fatalf("expected a present=false delta published to the system intake topic")
	}

	if _, ok := svc.instance(1); ok {
		t.Fatalf("expected character instance to be torn down after logout")
	}

	liveReqPayload, _ := schema.Marshal(schema.CharacterLiveInfoRequest{CharacterID: 1})
	liveReply, err := svc.liveInfoCB(ctx, "REQ.CHARACTER.LIVE", liveReqPayload)
	if err != nil {
		t.Fatalf("live info: %v", err)
	}
	var liveResp schema.CharacterLiveInfoResponse
	if err := schema.Unmarshal(liveReply, &liveResp); err != nil {
		t.Fatalf("unmarshal live info: %v", err)
	}
	if !liveResp.OK || liveResp.CharacterLiveInfo == nil || liveResp.CharacterLiveInfo.Active {
		t.Fatalf("expected inactive live info after logout, got %+v", liveResp)
	}
}

func TestCharacterReLoginInstallsFreshInstance(t *testing.T) {
	svc, fc := newTestService(t)
	ctx := context.Background()

	loginPayload, _ := schema.Marshal(schema.CharacterLoginRequest{CharacterID: 1})
	if _, err := svc.loginCB(ctx, "REQ.CHARACTER.LOGIN", loginPayload); err != nil {
		t.Fatalf("first login: %v", err)
	}
	first, ok := svc.instance(1)
	if !ok {
		t.Fatalf("expected instance after first login")
	}

	if _, err := svc.loginCB(ctx, "REQ.CHARACTER.LOGIN", loginPayload); err != nil {
		t.Fatalf("second login: %v", err)
	}
	second, ok := svc.instance(1)
	if !ok {
		t.Fatalf("expected instance after second login")
	}
	if first == second {
		t.Fatalf("expected re-login to install a fresh instance, not reuse the prior one")
	}

	var presenceDeltas int
	for _, msg := range fc.Published() {
		if msg.Subject == "PUB.SYSTEM.IN.test" {
			presenceDeltas++
		}
	}
	if presenceDeltas < 3 {
		t.Fatalf("expected presence deltas for login, eviction logout, and re-login, got %d", presenceDeltas)
	}
}

func TestCharacterStaticInfoUnknownCharacter(t *testing.T) {
	svc, _ := newTestService(t)

	payload, _ := schema.Marshal(schema.CharacterStaticInfoRequest{CharacterID: 999})
	reply, err := svc.staticInfoCB(context.Background(), "REQ.CHARACTER.STATIC", payload)
	if err != nil {
		t.Fatalf("static info: %v", err)
	}
	var resp schema.CharacterStaticInfoResponse
	if err := schema.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected OK=false for unknown character")
	}
}
