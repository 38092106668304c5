package character

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/service"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

const (
	subjectCharacterStatic = "REQ.CHARACTER.STATIC"
	subjectCharacterLive   = "REQ.CHARACTER.LIVE"
	subjectCharacterLogin  = "REQ.CHARACTER.LOGIN"
	subjectCharacterLogout = "REQ.CHARACTER.LOGOUT"
)

// Service is CharacterService (C): an Instance is created fresh on each
// login and stopped on logout or displacement, serving login/logout and
// directory queries against the static roster in the meantime.
type Service struct {
	service.Manager

	characters catalog.Characters
	bus        bus.Client

	mu     sync.Mutex
	active map[uint32]*Instance
}

// New builds a Service; call Start to bring characters online.
func New(b bus.Client, handle telemetry.Handle, characters catalog.Characters) *Service {
	return &Service{
		Manager:    service.NewManager(b, handle, schema.ServiceCharacter),
		characters: characters,
		bus:        b,
		active:     make(map[uint32]*Instance),
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Telemetry.Logger != nil {
		return s.Telemetry.Logger
	}
	return slog.Default()
}

// Start subscribes the service-level directory and login/logout subjects.
// No per-character Instance exists yet; one is created on the first login.
func (s *Service) Start(ctx context.Context) error {
	if err := s.StartBeacon(ctx); err != nil {
		return err
	}

	subs := []struct {
		subject string
		name    string
		handler bus.Handler
	}{
		{subjectCharacterStatic, "character.static_info", s.staticInfoCB},
		{subjectCharacterLive, "character.live_info", s.liveInfoCB},
		{subjectCharacterLogin, "character.login", s.loginCB},
		{subjectCharacterLogout, "character.logout", s.logoutCB},
	}
	for _, sub := range subs {
		if _, err := s.bus.Subscribe(sub.subject, true, bus.Traced(s.Telemetry, sub.name, sub.handler)); err != nil {
			return err
		}
	}

	s.logger().Info("character service started", "roster_size", len(s.characters))
	return nil
}

// Stop tears down every subscription and any currently logged-in instance.
func (s *Service) Stop(ctx context.Context) error {
	_, _ = s.bus.Unsubscribe(subjectCharacterLogout)
	_, _ = s.bus.Unsubscribe(subjectCharacterLogin)
	_, _ = s.bus.Unsubscribe(subjectCharacterLive)
	_, _ = s.bus.Unsubscribe(subjectCharacterStatic)

	if err := s.StopBeacon(ctx); err != nil {
		s.logger().Error("stop beacon failed", "error", err)
	}

	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.active))
	for _, inst := range s.active {
		instances = append(instances, inst)
	}
	s.active = make(map[uint32]*Instance)
	s.mu.Unlock()

	for _, inst := range instances {
		_ = inst.Logout(ctx)
		_ = inst.Stop(ctx)
	}

	s.logger().Info("character service stopped")
	return nil
}

func (s *Service) instance(id uint32) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.active[id]
	return inst, ok
}

// topicsFor returns the deterministic publish/subscribe pair for a
// character id, regardless of whether an Instance currently exists.
func topicsFor(characterID uint32) schema.TopicSet {
	return schema.TopicSet{
		PublishTopic:   fmt.Sprintf("PUB.CHARACTER.OUT.%d", characterID),
		SubscribeTopic: fmt.Sprintf("PUB.CHARACTER.IN.%d", characterID),
	}
}

func (s *Service) staticInfoCB(_ context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.CharacterStaticInfoRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	resp := schema.CharacterStaticInfoResponse{OK: false}
	if c, ok := s.characters[req.CharacterID]; ok {
		resp = schema.CharacterStaticInfoResponse{OK: true, CharacterStaticInfo: &schema.CharacterStaticInfoMessage{CharacterID: c.CharacterID, Name: c.Name}}
	}
	return schema.Marshal(resp)
}

func (s *Service) liveInfoCB(_ context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.CharacterLiveInfoRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if _, ok := s.characters[req.CharacterID]; !ok {
		return schema.Marshal(schema.CharacterLiveInfoResponse{OK: false})
	}
	if inst, ok := s.instance(req.CharacterID); ok {
		info := inst.LiveInfo()
		return schema.Marshal(schema.CharacterLiveInfoResponse{OK: true, CharacterLiveInfo: &info, TopicSet: inst.Topics()})
	}
	info := schema.CharacterLiveInfoMessage{CharacterID: req.CharacterID, Active: false}
	return schema.Marshal(schema.CharacterLiveInfoResponse{OK: true, CharacterLiveInfo: &info, TopicSet: topicsFor(req.CharacterID)})
}

// loginCB implements create-on-login/evict-then-install: any prior
// instance for this character is logged out and stopped before a fresh
// Instance is created, subscribed, and logged in.
func (s *Service) loginCB(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.CharacterLoginRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	c, ok := s.characters[req.CharacterID]
	if !ok {
		return schema.Marshal(schema.CharacterLoginResponse{OK: false, CharacterID: req.CharacterID})
	}

	s.mu.Lock()
	prior, hadPrior := s.active[req.CharacterID]
	delete(s.active, req.CharacterID)
	s.mu.Unlock()

	if hadPrior {
		_ = prior.Logout(ctx)
		_ = prior.Stop(ctx)
	}

	inst := newInstance(s.bus, s.Telemetry, c)
	if err := inst.Start(ctx); err != nil {
		s.logger().Error("character instance start failed", "character_id", req.CharacterID, "error", err)
		return schema.Marshal(schema.CharacterLoginResponse{OK: false, CharacterID: req.CharacterID})
	}
	info, err := inst.Login(ctx)
	if err != nil {
		s.logger().Error("character login failed", "character_id", req.CharacterID, "error", err)
		_ = inst.Stop(ctx)
		return schema.Marshal(schema.CharacterLoginResponse{OK: false, CharacterID: req.CharacterID})
	}

	s.mu.Lock()
	s.active[req.CharacterID] = inst
	s.mu.Unlock()

	return schema.Marshal(schema.CharacterLoginResponse{OK: true, CharacterID: req.CharacterID, CharacterLiveInfo: &info, TopicSet: inst.Topics()})
}

func (s *Service) logoutCB(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.CharacterLogoutRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	inst, ok := s.active[req.CharacterID]
	if ok {
		delete(s.active, req.CharacterID)
	}
	s.mu.Unlock()

	if !ok {
		return schema.Marshal(schema.CharacterLogoutResponse{OK: false})
	}

	logoutErr := inst.Logout(ctx)
	_ = inst.Stop(ctx)
	if logoutErr != nil {
		s.logger().Error("character logout failed", "character_id", req.CharacterID, "error", logoutErr)
		return schema.Marshal(schema.CharacterLogoutResponse{OK: false})
	}
	return schema.Marshal(schema.CharacterLogoutResponse{OK: true})
}
