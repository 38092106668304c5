package system

import (
	"context"
	"testing"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

func newTestInstance(t *testing.T) (*Instance, *bus.FakeClient) {
	t.Helper()
	fc := bus.NewFakeClient()
	if err := fc.Start(context.Background()); err != nil {
		t.Fatalf("start fake client: %v", err)
	}
	sys := catalog.System{SystemID: 1, Name: "Sol", Neighbours: map[uint32]bool{2: true}}
	inst := newInstance(fc, telemetry.Handle{}, sys)
	if err := inst.Start(context.Background()); err != nil {
		t.Fatalf("start instance: %v", err)
	}
	return inst, fc
}

// applyDelta calls the presence-delta handler directly, the way the bus
// would invoke it synchronously for a single in-process dispatch — this
// keeps the test deterministic instead of racing FakeClient's
// fire-and-forget goroutine dispatch.
func applyDelta(t *testing.T, inst *Instance, characterID uint32, systemID uint32, present bool) {
	t.Helper()
	delta := schema.SystemSetLiveCharacterRequest{CharacterID: characterID, SystemID: systemID, Present: present}
	payload, err := schema.Marshal(delta)
	if err != nil {
		t.Fatalf("marshal delta: %v", err)
	}
	if _, err := inst.systemInCB(context.Background(), inst.Topics().SubscribeTopic, payload); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
}

func TestSystemInstancePresenceAddRemove(t *testing.T) {
	inst, _ := newTestInstance(t)

	applyDelta(t, inst, 42, 1, true)
	live := inst.LiveInfo()
	if len(live.CharacterID) != 1 || live.CharacterID[0] != 42 {
		t.Fatalf("expected [42], got %v", live.CharacterID)
	}

	applyDelta(t, inst, 42, 1, false)
	live = inst.LiveInfo()
	if len(live.CharacterID) != 0 {
		t.Fatalf("expected empty presence after removal, got %v", live.CharacterID)
	}
}

func TestSystemInstancePresenceIdempotent(t *testing.T) {
	inst, fc := newTestInstance(t)

	applyDelta(t, inst, 7, 1, true)
	publishedAfterFirst := len(fc.Published())

	applyDelta(t, inst, 7, 1, true)
	publishedAfterSecond := len(fc.Published())

	if publishedAfterSecond != publishedAfterFirst {
		t.Fatalf("expected no new publish on a replayed delta: before=%d after=%d", publishedAfterFirst, publishedAfterSecond)
	}
}

func TestSystemInstanceRejectsWrongSystem(t *testing.T) {
	inst, fc := newTestInstance(t)

	before := len(fc.Published())
	applyDelta(t, inst, 1, 99, true)

	live := inst.LiveInfo()
	if len(live.CharacterID) != 0 {
		t.Fatalf("expected no presence change for mismatched system id, got %v", live.CharacterID)
	}
	if len(fc.Published()) != before {
		t.Fatalf("expected no publish for a rejected delta, got %d new", len(fc.Published())-before)
	}
}
