// Package system implements SystemService (Y): the owner of per-star-
// system presence sets, eagerly instantiated one per catalogue entry at
// startup, and the universe topology query.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

// Instance owns one star system's presence set. It never calls another
// service directly — every interaction happens by publish/subscribe on
// its own topics.
type Instance struct {
	bus       bus.Client
	telemetry telemetry.Handle
	system    catalog.System

	topics schema.TopicSet

	mu       sync.Mutex
	presence map[uint32]bool
}

func newInstance(b bus.Client, handle telemetry.Handle, sys catalog.System) *Instance {
	return &Instance{
		bus:       b,
		telemetry: handle,
		system:    sys,
		presence:  make(map[uint32]bool),
		topics: schema.TopicSet{
			PublishTopic:   fmt.Sprintf("PUB.SYSTEM.OUT.%d", sys.SystemID),
			SubscribeTopic: fmt.Sprintf("PUB.SYSTEM.IN.%d", sys.SystemID),
			RequestTopic:   fmt.Sprintf("REQ.SYSTEM.LIVE.%d", sys.SystemID),
		},
	}
}

func (i *Instance) logger() *slog.Logger {
	if i.telemetry.Logger != nil {
		return i.telemetry.Logger
	}
	return slog.Default()
}

// Topics returns the trio of topics a caller needs to drive this
// instance's presence pipeline.
func (i *Instance) Topics() schema.TopicSet {
	return i.topics
}

// StaticInfo returns this system's immutable metadata.
func (i *Instance) StaticInfo() schema.SystemStaticInfoMessage {
	return schema.SystemStaticInfoMessage{
		SystemID:   i.system.SystemID,
		Name:       i.system.Name,
		Neighbours: i.system.NeighbourList(),
	}
}

// LiveInfo returns the current membership vector, sorted for
// deterministic comparisons in tests and clients.
func (i *Instance) LiveInfo() schema.SystemLiveInfoMessage {
	i.mu.Lock()
	ids := make([]uint32, 0, len(i.presence))
	for id := range i.presence {
		ids = append(ids, id)
	}
	i.mu.Unlock()

	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return schema.SystemLiveInfoMessage{SystemID: i.system.SystemID, CharacterID: ids}
}

// Start subscribes this instance's two topics: the queued live-info
// query and the fan-out presence-delta intake.
func (i *Instance) Start(_ context.Context) error {
	if _, err := i.bus.Subscribe(i.topics.RequestTopic, true, bus.Traced(i.telemetry, "system.live_info", i.systemLiveInfoCB)); err != nil {
		return err
	}
	if _, err := i.bus.Subscribe(i.topics.SubscribeTopic, false, bus.Traced(i.telemetry, "system.presence_delta", i.systemInCB)); err != nil {
		return err
	}
	i.logger().Info("system instance started", "system_id", i.system.SystemID)
	return nil
}

// Stop unsubscribes this instance's topics.
func (i *Instance) Stop(_ context.Context) error {
	_, _ = i.bus.Unsubscribe(i.topics.SubscribeTopic)
	_, _ = i.bus.Unsubscribe(i.topics.RequestTopic)
	i.logger().Info("system instance stopped", "system_id", i.system.SystemID)
	return nil
}

func (i *Instance) systemLiveInfoCB(_ context.Context, _ string, _ []byte) ([]byte, error) {
	live := i.LiveInfo()
	return schema.Marshal(live)
}

// systemInCB applies a SystemSetLiveCharacterRequest delta. It is the
// idempotence boundary: replaying the same present/absent message never
// republishes.
func (i *Instance) systemInCB(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	var msg schema.SystemSetLiveCharacterRequest
	if err := schema.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	if msg.SystemID != i.system.SystemID {
		i.logger().Error("presence delta for wrong system", "expected", i.system.SystemID, "got", msg.SystemID)
		return nil, nil
	}

	i.mu.Lock()
	dirty := false
	if msg.Present && !i.presence[msg.CharacterID] {
		i.presence[msg.CharacterID] = true
		dirty = true
	} else if !msg.Present && i.presence[msg.CharacterID] {
		delete(i.presence, msg.CharacterID)
		dirty = true
	}
	i.mu.Unlock()

	if !dirty {
		return nil, nil
	}

	live := i.LiveInfo()
	payloadOut, err := schema.Marshal(live)
	if err != nil {
		return nil, err
	}
	_, err = i.bus.Publish(ctx, i.topics.PublishTopic, payloadOut, false, nil, 0)
	return nil, err
}
