package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonathonfletcher/poq/internal/bus"
	"github.com/jonathonfletcher/poq/internal/catalog"
	"github.com/jonathonfletcher/poq/internal/schema"
	"github.com/jonathonfletcher/poq/internal/service"
	"github.com/jonathonfletcher/poq/internal/telemetry"
)

const (
	subjectSessionStart = "REQ.SESSION.START"
	subjectSessionStop  = "REQ.SESSION.STOP"
)

// Service is SessionService (S): tracks at most one Instance per
// character, evicting any prior session before installing a new one.
type Service struct {
	service.Manager

	accounts     catalog.Accounts
	bus          bus.Client
	pingInterval time.Duration
	now          func() int64

	mu           sync.Mutex
	bySession    map[string]*Instance
	byCharacter  map[uint32]string
	relays       map[string]map[string]relayTarget
}

// New builds a Service; call Start to begin serving REQ.SESSION.*.
func New(b bus.Client, handle telemetry.Handle, accounts catalog.Accounts, pingInterval time.Duration) *Service {
	return &Service{
		Manager:      service.NewManager(b, handle, schema.ServiceSession),
		accounts:     accounts,
		bus:          b,
		pingInterval: pingInterval,
		now:          func() int64 { return time.Now().UnixNano() },
		bySession:    make(map[string]*Instance),
		byCharacter:  make(map[uint32]string),
		relays:       make(map[string]map[string]relayTarget),
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Telemetry.Logger != nil {
		return s.Telemetry.Logger
	}
	return slog.Default()
}

// Start subscribes the queued session lifecycle subjects and emits the
// startup beacon.
func (s *Service) Start(ctx context.Context) error {
	if err := s.StartBeacon(ctx); err != nil {
		return err
	}
	if _, err := s.bus.Subscribe(subjectSessionStart, true, bus.Traced(s.Telemetry, "session.start", s.startCB)); err != nil {
		return err
	}
	if _, err := s.bus.Subscribe(subjectSessionStop, true, bus.Traced(s.Telemetry, "session.stop", s.stopCB)); err != nil {
		return err
	}
	s.logger().Info("session service started")
	return nil
}

// Stop tears down the lifecycle subscriptions and every live session.
func (s *Service) Stop(ctx context.Context) error {
	_, _ = s.bus.Unsubscribe(subjectSessionStop)
	_, _ = s.bus.Unsubscribe(subjectSessionStart)

	if err := s.StopBeacon(ctx); err != nil {
		s.logger().Error("stop beacon failed", "error", err)
	}

	s.mu.Lock()
	type shutdownEntry struct {
		sessionID   string
		inst        *Instance
		characterID uint32
		hasChar     bool
	}
	reverse := make(map[string]uint32, len(s.byCharacter))
	for cid, sid := range s.byCharacter {
		reverse[sid] = cid
	}
	entries := make([]shutdownEntry, 0, len(s.bySession))
	for sessionID, inst := range s.bySession {
		cid, hasChar := reverse[sessionID]
		entries = append(entries, shutdownEntry{sessionID: sessionID, inst: inst, characterID: cid, hasChar: hasChar})
	}
	s.bySession = make(map[string]*Instance)
	s.byCharacter = make(map[uint32]string)
	s.mu.Unlock()

	for _, entry := range entries {
		if entry.hasChar {
			s.logoutCharacter(ctx, entry.characterID)
		}
		s.unsubscribeRelaysFor(entry.sessionID)
		_ = entry.inst.Stop(ctx)
	}
	s.logger().Info("session service stopped")
	return nil
}

// startCB resolves the account to a character, evicts any session
// already held by that character, and installs a fresh one. Eviction
// happens with the map lock released, since stopping a session and
// logging a character out both cross the bus.
func (s *Service) startCB(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.SessionStartRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	characterID, ok := s.accounts[req.Username]
	if !ok {
		return schema.Marshal(schema.SessionStartResponse{OK: false})
	}

	if err := s.evictCharacter(ctx, characterID); err != nil {
		s.logger().Error("session eviction failed", "character_id", characterID, "error", err)
	}

	sessionID := newSessionID(req.Username, s.now())
	inst := newInstance(s.bus, s.Telemetry, sessionID, characterID, s.pingInterval)

	s.mu.Lock()
	s.bySession[sessionID] = inst
	s.byCharacter[characterID] = sessionID
	s.mu.Unlock()

	if err := inst.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.bySession, sessionID)
		delete(s.byCharacter, characterID)
		s.mu.Unlock()
		return nil, err
	}

	loginPayload, err := schema.Marshal(schema.CharacterLoginRequest{CharacterID: characterID})
	if err != nil {
		return nil, err
	}
	loginReply, err := s.bus.Publish(ctx, "REQ.CHARACTER.LOGIN", loginPayload, true, nil, 0)
	if err != nil {
		s.logger().Error("character login failed", "character_id", characterID, "error", err)
	} else {
		var loginResp schema.CharacterLoginResponse
		if err := schema.Unmarshal(loginReply, &loginResp); err != nil {
			s.logger().Error("character login response decode failed", "character_id", characterID, "error", err)
		} else if loginResp.OK {
			s.wireRelays(ctx, sessionID, inst, loginResp)
		}
	}

	resp := schema.SessionStartResponse{OK: true, CharacterID: characterID, SessionID: sessionID, TopicSet: inst.Topics()}
	return schema.Marshal(resp)
}

// wireRelays resolves the character's system and chatter OUT topics and
// registers inst against all three OUT topics (character, system,
// chatter) so presence and chatter updates reach this session.
func (s *Service) wireRelays(ctx context.Context, sessionID string, inst *Instance, loginResp schema.CharacterLoginResponse) {
	if err := s.subscribeRelay(ctx, loginResp.PublishTopic, relayCharacter, sessionID, inst); err != nil {
		s.logger().Error("character relay subscribe failed", "session_id", sessionID, "error", err)
	}

	if loginResp.CharacterLiveInfo == nil {
		return
	}
	systemID := loginResp.CharacterLiveInfo.SystemID

	sysReqPayload, err := schema.Marshal(schema.SystemTopicRequest{SystemID: systemID})
	if err != nil {
		s.logger().Error("system topic request marshal failed", "session_id", sessionID, "error", err)
		return
	}
	sysReply, err := s.bus.Publish(ctx, "REQ.SYSTEM.TOPIC", sysReqPayload, true, nil, 0)
	if err != nil {
		s.logger().Error("system topic resolve failed", "session_id", sessionID, "error", err)
	} else {
		var sysResp schema.SystemTopicResponse
		if err := schema.Unmarshal(sysReply, &sysResp); err != nil {
			s.logger().Error("system topic response decode failed", "session_id", sessionID, "error", err)
		} else if sysResp.OK {
			if err := s.subscribeRelay(ctx, sysResp.PublishTopic, relaySystem, sessionID, inst); err != nil {
				s.logger().Error("system relay subscribe failed", "session_id", sessionID, "error", err)
			}
		}
	}

	chatReqPayload, err := schema.Marshal(schema.SystemTopicRequest{SystemID: systemID})
	if err != nil {
		s.logger().Error("chatter topic request marshal failed", "session_id", sessionID, "error", err)
		return
	}
	chatReply, err := s.bus.Publish(ctx, "REQ.CHATTER.TOPIC", chatReqPayload, true, nil, 0)
	if err != nil {
		s.logger().Error("chatter topic resolve failed", "session_id", sessionID, "error", err)
		return
	}
	var chatResp schema.SystemTopicResponse
	if err := schema.Unmarshal(chatReply, &chatResp); err != nil {
		s.logger().Error("chatter topic response decode failed", "session_id", sessionID, "error", err)
		return
	}
	if !chatResp.OK {
		return
	}
	if err := s.subscribeRelay(ctx, chatResp.PublishTopic, relayChatterKind, sessionID, inst); err != nil {
		s.logger().Error("chatter relay subscribe failed", "session_id", sessionID, "error", err)
	}
}

func (s *Service) stopCB(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	var req schema.SessionStopRequest
	if err := schema.Unmarshal(payload, &req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	inst, ok := s.bySession[req.SessionID]
	if ok {
		delete(s.bySession, req.SessionID)
	}
	s.mu.Unlock()

	if !ok {
		return schema.Marshal(schema.SessionStopResponse{OK: false})
	}

	var characterID uint32
	var found bool
	s.mu.Lock()
	for cid, sid := range s.byCharacter {
		if sid == req.SessionID {
			delete(s.byCharacter, cid)
			characterID, found = cid, true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.logoutCharacter(ctx, characterID)
	}

	s.unsubscribeRelaysFor(req.SessionID)
	_ = inst.Stop(ctx)
	return schema.Marshal(schema.SessionStopResponse{OK: true})
}

// evictCharacter stops and forgets any session already mapped to
// characterID, logging it out first so the invariant "at most one
// session per character" holds even mid-displacement.
func (s *Service) evictCharacter(ctx context.Context, characterID uint32) error {
	s.mu.Lock()
	sessionID, ok := s.byCharacter[characterID]
	var inst *Instance
	if ok {
		inst = s.bySession[sessionID]
		delete(s.bySession, sessionID)
		delete(s.byCharacter, characterID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	s.logoutCharacter(ctx, characterID)
	s.unsubscribeRelaysFor(sessionID)
	if inst != nil {
		return inst.Stop(ctx)
	}
	return nil
}

func (s *Service) logoutCharacter(ctx context.Context, characterID uint32) {
	payload, err := schema.Marshal(schema.CharacterLogoutRequest{CharacterID: characterID})
	if err != nil {
		s.logger().Error("logout marshal failed", "character_id", characterID, "error", err)
		return
	}
	if _, err := s.bus.Publish(ctx, "REQ.CHARACTER.LOGOUT", payload, true, nil, 0); err != nil {
		s.logger().Error("character logout failed", "character_id", characterID, "error", err)
	}
}
