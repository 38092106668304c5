// Package schema defines the wire message types exchanged as bus
// payloads and, wrapped in the gateway's stream envelope, with clients.
// Every type here corresponds to one of the poq_pb2 messages; see
// DESIGN.md for why these are plain JSON-tagged structs rather than
// protoc-generated protobuf messages.
package schema

// TopicSet is the trio of topics a caller needs to drive a per-instance
// pub/sub pipeline. The names are from the instance's side:
// SubscribeTopic is the IN topic the instance subscribes to (callers
// publish commands there), PublishTopic is the OUT topic the instance
// publishes events on (callers subscribe there), and RequestTopic is
// optionally where to send authoritative queries.
type TopicSet struct {
	SubscribeTopic string `json:"subscribe_topic"`
	PublishTopic   string `json:"publish_topic"`
	RequestTopic   string `json:"request_topic,omitempty"`
}

// ServiceType names which of the five components emitted a
// ServiceStart/ServiceStop beacon.
type ServiceType string

const (
	ServiceSession   ServiceType = "SESSION"
	ServiceCharacter ServiceType = "CHARACTER"
	ServiceSystem    ServiceType = "SYSTEM"
	ServiceChatter   ServiceType = "CHATTER"
)

// ServiceStart is published on PUB.SERVICE.START and PUB.SERVICE.STOP.
type ServiceStart struct {
	Type      ServiceType `json:"type"`
	Timestamp int64       `json:"timestamp"` // unix nanos
}

// --- Session ---

type SessionStartRequest struct {
	Username string `json:"username"`
}

type SessionStartResponse struct {
	OK          bool   `json:"ok"`
	CharacterID uint32 `json:"character_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	TopicSet
}

type SessionStopRequest struct {
	SessionID string `json:"session_id"`
}

type SessionStopResponse struct {
	OK bool `json:"ok"`
}

// SessionMessageType tags the frames exchanged between a client and its
// session, across PUB.SESSION.{IN,OUT}.{sid} and the gateway stream.
type SessionMessageType string

const (
	SessionMessageLogin               SessionMessageType = "LOGIN"
	SessionMessageLogout              SessionMessageType = "LOGOUT"
	SessionMessageStart               SessionMessageType = "START"
	SessionMessageStop                SessionMessageType = "STOP"
	SessionMessagePong                SessionMessageType = "PONG"
	SessionMessageCharacterStaticInfo SessionMessageType = "CHARACTER_STATIC_INFO"
	SessionMessageCharacterLiveInfo   SessionMessageType = "CHARACTER_LIVE_INFO"
	SessionMessageSystemLiveInfo      SessionMessageType = "SYSTEM_LIVE_INFO"
	SessionMessageChatter             SessionMessageType = "CHATTER"
)

// SessionMessageRequest is a client->server frame. SessionID is only
// populated on the initial START frame, which is how the gateway learns
// which session a freshly opened stream belongs to.
type SessionMessageRequest struct {
	Type      SessionMessageType `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Chatter   *ChatterMessage    `json:"chatter,omitempty"`
}

// SessionMessageResponse is a server->client frame.
type SessionMessageResponse struct {
	Type               SessionMessageType          `json:"type"`
	OK                 bool                        `json:"ok,omitempty"`
	CharacterLiveInfo  *CharacterLiveInfoMessage   `json:"character_live_info,omitempty"`
	SystemLiveInfo     *SystemLiveInfoMessage      `json:"system_live_info,omitempty"`
	Chatter            *ChatterMessage             `json:"chatter,omitempty"`
	PingPong           uint64                      `json:"pingpong,omitempty"`
}

// --- Character ---

type CharacterStaticInfoRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterStaticInfoMessage struct {
	CharacterID uint32 `json:"character_id"`
	Name        string `json:"name"`
}

type CharacterStaticInfoResponse struct {
	OK                     bool                        `json:"ok"`
	CharacterStaticInfo    *CharacterStaticInfoMessage `json:"character_static_info,omitempty"`
}

type CharacterLiveInfoRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterLiveInfoMessage struct {
	CharacterID uint32 `json:"character_id"`
	SystemID    uint32 `json:"system_id"`
	Active      bool   `json:"active"`
}

type CharacterLiveInfoResponse struct {
	OK                bool                      `json:"ok"`
	CharacterLiveInfo *CharacterLiveInfoMessage `json:"character_live_info,omitempty"`
	TopicSet
}

type CharacterLoginRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterLoginResponse struct {
	OK                bool                      `json:"ok"`
	CharacterID       uint32                    `json:"character_id"`
	CharacterLiveInfo *CharacterLiveInfoMessage `json:"character_live_info,omitempty"`
	TopicSet
}

type CharacterLogoutRequest struct {
	CharacterID uint32 `json:"character_id"`
}

type CharacterLogoutResponse struct {
	OK bool `json:"ok"`
}

// --- System ---

type SystemStaticInfoRequest struct {
	SystemID uint32 `json:"system_id"`
}

type SystemStaticInfoMessage struct {
	SystemID   uint32   `json:"system_id"`
	Name       string   `json:"name"`
	Neighbours []uint32 `json:"neighbours"`
}

type SystemStaticInfoResponse struct {
	OK                bool                     `json:"ok"`
	SystemID          uint32                   `json:"system_id"`
	SystemStaticInfo  *SystemStaticInfoMessage `json:"system_static_info,omitempty"`
}

type SystemLiveInfoRequest struct {
	SystemID uint32 `json:"system_id"`
}

type SystemLiveInfoMessage struct {
	SystemID    uint32   `json:"system_id"`
	CharacterID []uint32 `json:"character_id"`
}

type SystemLiveInfoResponse struct {
	OK             bool                   `json:"ok"`
	SystemID       uint32                 `json:"system_id"`
	SystemLiveInfo *SystemLiveInfoMessage `json:"system_live_info,omitempty"`
}

type SystemSetLiveCharacterRequest struct {
	CharacterID uint32 `json:"character_id"`
	SystemID    uint32 `json:"system_id"`
	Present     bool   `json:"present"`
}

type SystemTopicRequest struct {
	SystemID uint32 `json:"system_id"`
}

type SystemTopicResponse struct {
	OK       bool   `json:"ok"`
	SystemID uint32 `json:"system_id"`
	TopicSet
}

type UniverseRequest struct{}

type UniverseResponse struct {
	OK      bool                      `json:"ok"`
	Systems []SystemStaticInfoMessage `json:"systems"`
}

// --- Chatter ---

type ChatterMessage struct {
	CharacterID uint32 `json:"character_id"`
	SystemID    uint32 `json:"system_id"`
	Text        string `json:"text"`
}
