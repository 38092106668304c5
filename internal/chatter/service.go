// Package chatter implements ChatterService (H): a lazily-instantiated
// per-system relay that republishes every chatter line it receives on the
// system's PUB.CHATTER.OUT.{sid} topic. It does no presence lookup or
// filtering; whoever subscribes to that topic receives every line.
package chatter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/service"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

const subjectChatterTopic = "REQ.CHATTER.TOPIC"

// instance is one system's chatter relay: it receives ChatterMessage
// payloads on its subscribe topic and republishes them on its publish
// topic for anyone (the gateway, in practice) listening on behalf of the
// characters present there.
type instance struct {
	bus    bus.Client
	topics schema.TopicSet
}

func newInstance(b bus.Client, systemID uint32) *instance {
	return &instance{
		bus: b,
		topics: schema.TopicSet{
			SubscribeTopic: fmt.Sprintf("PUB.CHATTER.IN.%d", systemID),
			PublishTopic:   fmt.Sprintf("PUB.CHATTER.OUT.%d", systemID),
		},
	}
}

func (inst *instance) start(handle telemetry.Handle) error {
	_, err := inst.bus.Subscribe(inst.topics.SubscribeTopic, false, bus.Traced(handle, "chatter.relay", inst.relayCB))
	return err
}

func (inst *instance) stop() {
	_, _ = inst.bus.Unsubscribe(inst.topics.SubscribeTopic)
}

func (inst *instance) relayCB(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	_, err := inst.bus.Publish(ctx, inst.topics.PublishTopic, payload, false, nil, 0)
	return nil, err
}

// Service is ChatterService (H): it hands out per-system topic pairs on
// demand, creating the relay instance the first time a system is asked
// for and reusing it afterward.
type Service struct {
	service.Manager

	bus bus.Client

	mu     sync.Mutex
	active map[uint32]*instance
}

// New builds a Service; call Start to begin serving REQ.CHATTER.TOPIC.
func New(b bus.Client, handle telemetry.Handle) *Service {
	return &Service{
		Manager: service.NewManager(b, handle, schema.ServiceChatter),
		bus:     b,
		active:  make(map[uint32]*instance),
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Telemetry.Logger != nil {
		return s.Telemetry.Logger
	}
	return slog.Default()
}

// Start subscribes the topic-directory subject and emits the startup
// beacon. No per-system relay exists until first requested.
func (s *Service) Start(ctx context.Context) error {
	if err := s.StartBeacon(ctx); err != nil {
		return err
	}
	if _, err := s.bus.Subscribe(subjectChatterTopic, true, bus.Traced(s.Telemetry, "chatter.topic", s.topicCB)); err != nil {
		return err
	}
	s.logger().Info("chatter service started")
	return nil
}

// Stop tears down the directory subscription and every relay instance.
func (s *Service) Stop(ctx context.Context) error {
	_, _ = s.bus.Unsubscribe(subjectChatterTopic)
	if err := s.StopBeacon(ctx); err != nil {
		s.logger().Error("stop beacon failed", "error", err)
	}

	s.mu.Lock()
	for _, inst := range s.active {
		inst.stop()
	}
	s.active = make(map[uint32]*instance)
	s.mu.Unlock()

	s.logger().Info("chatter service stopped")
	return nil
}

func (s *Service) topicCB(_ context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.SystemTopicRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	inst, ok := s.active[req.SystemID]
	s.mu.Unlock()

	if !ok {
		candidate := newInstance(s.bus, req.SystemID)
		if err := candidate.start(s.Telemetry); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if existing, raced := s.active[req.SystemID]; raced {
			inst = existing
			s.mu.Unlock()
			candidate.stop()
		} else {
			s.active[req.SystemID] = candidate
			inst = candidate
			s.mu.Unlock()
		}
	}

	resp := schema.SystemTopicResponse{OK: true, SystemID: req.SystemID, TopicSet: inst.topics}
	return schema.Marshal(resp)
}
