package system

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/service"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

const (
	subjectSystemStatic  = "REQ.SYSTEM.STATIC"
	subjectSystemTopic   = "REQ.SYSTEM.TOPIC"
	subjectUniverseStatic = "REQ.UNIVERSE.STATIC"
)

// Service is SystemService (Y). At start it eagerly instantiates one
// Instance per catalogue entry; active never grows or shrinks after
// that, since movement between systems is a non-goal.
type Service struct {
	service.Manager

	universe catalog.Universe
	bus      bus.Client

	mu     sync.Mutex
	active map[uint32]*Instance
}

// New builds a Service; call Start to bring up the universe.
func New(b bus.Client, handle telemetry.Handle, universe catalog.Universe) *Service {
	return &Service{
		Manager:  service.NewManager(b, handle, schema.ServiceSystem),
		universe: universe,
		bus:      b,
		active:   make(map[uint32]*Instance),
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Telemetry.Logger != nil {
		return s.Telemetry.Logger
	}
	return slog.Default()
}

// Start instantiates every system, subscribes the service-level
// directory queries, and emits the startup beacon.
func (s *Service) Start(ctx context.Context) error {
	if err := s.StartBeacon(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	for id, sys := range s.universe {
		inst := newInstance(s.bus, s.Telemetry, sys)
		if err := inst.Start(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
		s.active[id] = inst
	}
	s.mu.Unlock()

	if _, err := s.bus.Subscribe(subjectSystemStatic, true, bus.Traced(s.Telemetry, "system.static_info", s.systemStaticInfoCB)); err != nil {
		return err
	}
	if _, err := s.bus.Subscribe(subjectSystemTopic, true, bus.Traced(s.Telemetry, "system.topic", s.systemTopicCB)); err != nil {
		return err
	}
	if _, err := s.bus.Subscribe(subjectUniverseStatic, true, bus.Traced(s.Telemetry, "system.universe", s.universeCB)); err != nil {
		return err
	}

	s.logger().Info("system service started", "systems", len(s.active))
	return nil
}

// Stop tears down the service-level subscriptions and every instance,
// in arbitrary order.
func (s *Service) Stop(ctx context.Context) error {
	_, _ = s.bus.Unsubscribe(subjectUniverseStatic)
	_, _ = s.bus.Unsubscribe(subjectSystemTopic)
	_, _ = s.bus.Unsubscribe(subjectSystemStatic)

	if err := s.StopBeacon(ctx); err != nil {
		s.logger().Error("stop beacon failed", "error", err)
	}

	s.mu.Lock()
	for _, inst := range s.active {
		_ = inst.Stop(ctx)
	}
	s.active = make(map[uint32]*Instance)
	s.mu.Unlock()

	s.logger().Info("system service stopped")
	return nil
}

func (s *Service) instance(id uint32) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.active[id]
	return inst, ok
}

func (s *Service) systemStaticInfoCB(_ context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.SystemStaticInfoRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	resp := schema.SystemStaticInfoResponse{OK: false, SystemID: req.SystemID}
	if inst, ok := s.instance(req.SystemID); ok {
		info := inst.StaticInfo()
		resp = schema.SystemStaticInfoResponse{OK: true, SystemID: req.SystemID, SystemStaticInfo: &info}
	}
	return schema.Marshal(resp)
}

func (s *Service) systemTopicCB(_ context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.SystemTopicRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	resp := schema.SystemTopicResponse{OK: false, SystemID: req.SystemID}
	if inst, ok := s.instance(req.SystemID); ok {
		resp = schema.SystemTopicResponse{OK: true, SystemID: req.SystemID, TopicSet: inst.Topics()}
	}
	return schema.Marshal(resp)
}

func (s *Service) universeCB(_ context.Context, _ string, _ []byte) ([]byte, error) {
	systems := make([]schema.SystemStaticInfoMessage, 0, len(s.universe))
	for _, sys := range s.universe {
		systems = append(systems, schema.SystemStaticInfoMessage{
			SystemID:   sys.SystemID,
			Name:       sys.Name,
			Neighbours: sys.NeighbourList(),
		})
	}
	resp := schema.UniverseResponse{OK: true, Systems: systems}
	return schema.Marshal(resp)
}
