package realtime

// Protocol version sent as the "vsn" query parameter.
const VSN = "1.0.0"

// Reserved channel lifecycle events.
const (
	ChannelEventJoin        = "phx_join"
	ChannelEventLeave       = "phx_leave"
	ChannelEventClose       = "phx_close"
	ChannelEventError       = "phx_error"
	ChannelEventReply       = "phx_reply"
	ChannelEventAccessToken = "access_token"
)

// Presence protocol events.
const (
	presenceEventState = "presence_state"
	presenceEventDiff  = "presence_diff"
)

// Listen types recognized by On().
const (
	ListenTypeBroadcast       = "broadcast"
	ListenTypePresence        = "presence"
	ListenTypePostgresChanges = "postgres_changes"
	ListenTypeSystem          = "system"
)

// Topic reserved for heartbeats.
const heartbeatTopic = "phoenix"

// WSCloseNormal is the close code used for every client-initiated close.
const WSCloseNormal = 1000

// Message is a single frame exchanged with the server.
//
// JoinRef identifies the channel join generation that produced the frame and
// may be empty on server pushes. Ref correlates a request with its reply and
// is empty on broadcasts. Payload is either a decoded JSON value or a
// BinaryPayload when the frame used the binary framing.
type Message struct {
	JoinRef string `json:"join_ref,omitempty"`
	Ref     string `json:"ref,omitempty"`
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// BinaryPayload wraps an opaque byte buffer carried by a binary frame.
type BinaryPayload struct {
	Data []byte
}

// IsBinary reports whether the message payload is a raw byte buffer.
func (m *Message) IsBinary() bool {
	_, ok := m.Payload.(BinaryPayload)
	return ok
}

// ReplyPayload is the {status, response} pair carried by phx_reply frames.
type ReplyPayload struct {
	Status   string `json:"status"`
	Response any    `json:"response"`
}

// replyPayloadOf extracts the {status, response} pair from a reply payload.
func replyPayloadOf(payload any) (*ReplyPayload, bool) {
	switch p := payload.(type) {
	case *ReplyPayload:
		return p, true
	case ReplyPayload:
		return &p, true
	case map[string]any:
		status, ok := p["status"].(string)
		if !ok {
			return nil, false
		}
		return &ReplyPayload{Status: status, Response: p["response"]}, true
	default:
		return nil, false
	}
}

// SubscribeState is the status delivered to a Subscribe callback.
type SubscribeState string

const (
	SubscribeStateSubscribed   SubscribeState = "SUBSCRIBED"
	SubscribeStateTimedOut     SubscribeState = "TIMED_OUT"
	SubscribeStateClosed       SubscribeState = "CLOSED"
	SubscribeStateChannelError SubscribeState = "CHANNEL_ERROR"
)

// SendResult is the terminal status of Send and Unsubscribe.
type SendResult string

const (
	SendOK       SendResult = "ok"
	SendError    SendResult = "error"
	SendTimedOut SendResult = "timed out"
)

// HeartbeatStatus is reported to OnHeartbeat callbacks.
type HeartbeatStatus string

const (
	HeartbeatSent    HeartbeatStatus = "sent"
	HeartbeatOK      HeartbeatStatus = "ok"
	HeartbeatTimeout HeartbeatStatus = "timeout"
	HeartbeatError   HeartbeatStatus = "error"
)
