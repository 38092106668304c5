package session

import (
	"context"
)

// relayKind distinguishes which OUT topic a relayTarget was registered
// against, so the shared fan-out handler knows which Instance method
// decodes and forwards the payload.
type relayKind int

const (
	relayCharacter relayKind = iota
	relaySystem
	relayChatterKind
)

// relayTarget is one session's registration against a shared OUT topic.
type relayTarget struct {
	inst *Instance
	kind relayKind
}

func (t relayTarget) deliver(ctx context.Context, payload []byte) error {
	switch t.kind {
	case relayCharacter:
		return t.inst.deliverCharacterUpdate(ctx, payload)
	case relaySystem:
		return t.inst.deliverSystemUpdate(ctx, payload)
	case relayChatterKind:
		return t.inst.deliverChatterUpdate(ctx, payload)
	default:
		return nil
	}
}

// subscribeRelay registers inst as a listener on topic under the given
// kind, keyed by sessionID so a later unsubscribeRelaysFor(sessionID) can
// find it again. Several sessions sharing one system or chatter topic all
// register against the same topic; the bus subscription itself is only
// opened once, on the first registrant, since bus.Client permits exactly
// one subscription per subject per client.
func (s *Service) subscribeRelay(ctx context.Context, topic string, kind relayKind, sessionID string, inst *Instance) error {
	s.mu.Lock()
	targets, exists := s.relays[topic]
	if !exists {
		targets = make(map[string]relayTarget)
		s.relays[topic] = targets
	}
	targets[sessionID] = relayTarget{inst: inst, kind: kind}
	first := !exists
	s.mu.Unlock()

	if !first {
		return nil
	}

	_, err := s.bus.Subscribe(topic, false, func(ctx context.Context, subject string, payload []byte) ([]byte, error) {
		s.mu.Lock()
		current := s.relays[subject]
		copied := make([]relayTarget, 0, len(current))
		for _, t := range current {
			copied = append(copied, t)
		}
		s.mu.Unlock()

		for _, t := range copied {
			if err := t.deliver(ctx, payload); err != nil {
				s.logger().Warn("relay delivery failed", "topic", subject, "error", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		s.mu.Lock()
		delete(s.relays, topic)
		s.mu.Unlock()
		return err
	}
	return nil
}

// unsubscribeRelaysFor removes sessionID's registration from every relay
// topic it joined, unsubscribing from the bus entirely once a topic's
// last registrant leaves.
func (s *Service) unsubscribeRelaysFor(sessionID string) {
	s.mu.Lock()
	var emptied []string
	for topic, targets := range s.relays {
		if _, ok := targets[sessionID]; !ok {
			continue
		}
		delete(targets, sessionID)
		if len(targets) == 0 {
			delete(s.relays, topic)
			emptied = append(emptied, topic)
		}
	}
	s.mu.Unlock()

	for _, topic := range emptied {
		_, _ = s.bus.Unsubscribe(topic)
	}
}
