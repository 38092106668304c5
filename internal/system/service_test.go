package system

import (
	"context"
	"testing"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

func newTestSystemService(t *testing.T) (*Service, *bus.FakeClient) {
	t.Helper()
	fc := bus.NewFakeClient()
	if err := fc.Start(context.Background()); err != nil {
		t.Fatalf("start fake client: %v", err)
	}
	universe := catalog.Universe{
		1: {SystemID: 1, Name: "Sol", Neighbours: map[uint32]bool{2: true}},
		2: {SystemID: 2, Name: "Alpha Centauri", Neighbours: map[uint32]bool{1: true}},
	}
	svc := New(fc, telemetry.Handle{}, universe)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start system service: %v", err)
	}
	return svc, fc
}

func TestSystemServiceUniverseListsEverySystem(t *testing.T) {
	svc, _ := newTestSystemService(t)

	reply, err := svc.universeCB(context.Background(), "REQ.UNIVERSE.STATIC", nil)
	if err != nil {
		t.Fatalf("universe query: %v", err)
	}
	var resp schema.UniverseResponse
	if err := schema.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || len(resp.Systems) != 2 {
		t.Fatalf("expected 2 systems, got %+v", resp)
	}
}

func TestSystemServiceTopicDirectoryUnknownSystem(t *testing.T) {
	svc, _ := newTestSystemService(t)

	payload, _ := schema.Marshal(schema.SystemTopicRequest{SystemID: 999})
	reply, err := svc.systemTopicCB(context.Background(), "REQ.SYSTEM.TOPIC", payload)
	if err != nil {
		t.Fatalf("topic query: %v", err)
	}
	var resp schema.SystemTopicResponse
	if err := schema.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.OK {
		t.Fatalf("expected OK=false for unknown system")
	}
}

func TestSystemServiceStaticInfoKnownSystem(t *testing.T) {
	svc, _ := newTestSystemService(t)

	payload, _ := schema.Marshal(schema.SystemStaticInfoRequest{SystemID: 1})
	reply, err := svc.systemStaticInfoCB(context.Background(), "REQ.SYSTEM.STATIC", payload)
	if err != nil {
		t.Fatalf("static info query: %v", err)
	}
	var resp schema.SystemStaticInfoResponse
	if err := schema.Unmarshal(reply, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK || resp.SystemStaticInfo == nil || resp.SystemStaticInfo.Name != "Sol" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
