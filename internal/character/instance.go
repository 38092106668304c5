// Package character implements CharacterService (C): one CharacterInstance
// per logged-in character, created on login and owning that character's
// login state and system presence, plus the service-level directory
// lookups.
package character

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

// defaultSystemID is where every newly created Instance places its
// character; since each login creates a fresh Instance, every login
// starts here.
const defaultSystemID uint32 = 1

// Instance owns one character's live state: whether it is logged in and
// which system it currently occupies.
type Instance struct {
	bus       bus.Client
	telemetry telemetry.Handle
	character catalog.Character

	topics schema.TopicSet

	mu       sync.Mutex
	active   bool
	systemID uint32
}

func newInstance(b bus.Client, handle telemetry.Handle, c catalog.Character) *Instance {
	return &Instance{
		bus:       b,
		telemetry: handle,
		character: c,
		systemID:  defaultSystemID,
		topics: schema.TopicSet{
			PublishTopic:   fmt.Sprintf("PUB.CHARACTER.OUT.%d", c.CharacterID),
			SubscribeTopic: fmt.Sprintf("PUB.CHARACTER.IN.%d", c.CharacterID),
		},
	}
}

func (i *Instance) logger() *slog.Logger {
	if i.telemetry.Logger != nil {
		return i.telemetry.Logger
	}
	return slog.Default()
}

// Topics returns this character's publish/subscribe pair.
func (i *Instance) Topics() schema.TopicSet {
	return i.topics
}

// StaticInfo returns the immutable roster entry.
func (i *Instance) StaticInfo() schema.CharacterStaticInfoMessage {
	return schema.CharacterStaticInfoMessage{CharacterID: i.character.CharacterID, Name: i.character.Name}
}

// LiveInfo returns the current login/location state.
func (i *Instance) LiveInfo() schema.CharacterLiveInfoMessage {
	i.mu.Lock()
	defer i.mu.Unlock()
	return schema.CharacterLiveInfoMessage{CharacterID: i.character.CharacterID, SystemID: i.systemID, Active: i.active}
}

// Start subscribes the fan-out intake topic; PUB.CHARACTER.IN.{cid} is
// currently log-only, per the open question on whether characters accept
// direct commands independent of their owning session.
func (i *Instance) Start(_ context.Context) error {
	if _, err := i.bus.Subscribe(i.topics.SubscribeTopic, false, bus.Traced(i.telemetry, "character.in", i.characterInCB)); err != nil {
		return err
	}
	return nil
}

// Stop unsubscribes the intake topic.
func (i *Instance) Stop(_ context.Context) error {
	_, _ = i.bus.Unsubscribe(i.topics.SubscribeTopic)
	return nil
}

func (i *Instance) characterInCB(_ context.Context, subject string, payload []byte) ([]byte, error) {
	i.logger().Info("character intake message received", "subject", subject, "character_id", i.character.CharacterID, "bytes", len(payload))
	return nil, nil
}

// Login marks the character active, announces it on PUB.CHARACTER.OUT.{cid},
// then places it in its current system, publishing the presence delta via
// REQ.SYSTEM.TOPIC so the instance never needs to know the system's
// subject naming scheme directly.
func (i *Instance) Login(ctx context.Context) (schema.CharacterLiveInfoMessage, error) {
	i.mu.Lock()
	i.active = true
	systemID := i.systemID
	i.mu.Unlock()

	if err := i.publishLiveInfo(ctx, schema.CharacterLiveInfoMessage{CharacterID: i.character.CharacterID, SystemID: systemID, Active: true}); err != nil {
		return schema.CharacterLiveInfoMessage{}, err
	}
	if err := i.setSystemPresence(ctx, systemID, true); err != nil {
		return schema.CharacterLiveInfoMessage{}, err
	}
	return i.LiveInfo(), nil
}

// Logout withdraws the character's presence from whatever system it
// currently occupies, marks it inactive, then announces the change on
// PUB.CHARACTER.OUT.{cid}. Presence is updated before the announcement so
// observers never see an "inactive" character still counted as present.
func (i *Instance) Logout(ctx context.Context) error {
	i.mu.Lock()
	wasActive := i.active
	systemID := i.systemID
	i.active = false
	i.mu.Unlock()

	if !wasActive {
		return nil
	}
	if err := i.setSystemPresence(ctx, systemID, false); err != nil {
		return err
	}
	return i.publishLiveInfo(ctx, schema.CharacterLiveInfoMessage{CharacterID: i.character.CharacterID, SystemID: systemID, Active: false})
}

func (i *Instance) publishLiveInfo(ctx context.Context, info schema.CharacterLiveInfoMessage) error {
	payload, err := schema.Marshal(info)
	if err != nil {
		return err
	}
	_, err = i.bus.Publish(ctx, i.topics.PublishTopic, payload, false, nil, 0)
	return err
}

func (i *Instance) setSystemPresence(ctx context.Context, systemID uint32, present bool) error {
	topicReq := schema.SystemTopicRequest{SystemID: systemID}
	reqPayload, err := schema.Marshal(topicReq)
	if err != nil {
		return err
	}
	replyPayload, err := i.bus.Publish(ctx, "REQ.SYSTEM.TOPIC", reqPayload, true, nil, 5*time.Second)
	if err != nil {
		return fmt.Errorf("character: resolve system topic: %w", err)
	}
	var topicResp schema.SystemTopicResponse
	if err := schema.Unmarshal(replyPayload, &topicResp); err != nil {
		return err
	}
	if !topicResp.OK {
		return fmt.Errorf("character: unknown system %d", systemID)
	}

	delta := schema.SystemSetLiveCharacterRequest{CharacterID: i.character.CharacterID, SystemID: systemID, Present: present}
	deltaPayload, err := schema.Marshal(delta)
	if err != nil {
		return err
	}
	_, err = i.bus.Publish(ctx, topicResp.SubscribeTopic, deltaPayload, false, nil, 0)
	return err
}
