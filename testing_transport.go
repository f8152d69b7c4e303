package realtime

import (
	"net/http"
	"sync"
)

// SentFrame is one message recorded by TestingTransport.
type SentFrame struct {
	Data   []byte
	Binary bool
}

// TestingTransport is an in-memory Transport for tests. It records every
// outbound frame and lets the test play the server: inject frames, drop the
// connection, or fail the dial.
type TestingTransport struct {
	mu         sync.Mutex
	cb         TransportCallbacks
	serializer *Serializer

	ConnectErr error

	connected   bool
	frames      []SentFrame
	closeCode   int
	closeReason string
}

// NewTestingTransport creates a testing transport.
func NewTestingTransport() *TestingTransport {
	return &TestingTransport{serializer: NewSerializer()}
}

func (t *TestingTransport) SetCallbacks(cb TransportCallbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

func (t *TestingTransport) Connect(url string, header http.Header) error {
	t.mu.Lock()
	if t.ConnectErr != nil {
		err := t.ConnectErr
		t.mu.Unlock()
		return err
	}
	t.connected = true
	cb := t.cb
	t.mu.Unlock()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	return nil
}

func (t *TestingTransport) Send(data []byte, binary bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	frame := SentFrame{Data: make([]byte, len(data)), Binary: binary}
	copy(frame.Data, data)
	t.frames = append(t.frames, frame)
	return nil
}

func (t *TestingTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.closeCode = code
	t.closeReason = reason
	cb := t.cb
	t.mu.Unlock()

	if cb.OnClose != nil {
		cb.OnClose(code, reason)
	}
	return nil
}

// ServerMessage delivers msg to the client as if the server had sent it.
func (t *TestingTransport) ServerMessage(msg *Message) error {
	data, binary, err := t.serializer.Encode(msg)
	if err != nil {
		return err
	}
	t.ServerRaw(data, binary)
	return nil
}

// ServerRaw delivers raw bytes to the client.
func (t *TestingTransport) ServerRaw(data []byte, binary bool) {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb.OnMessage != nil {
		cb.OnMessage(data, binary)
	}
}

// ServerReply answers the request with the given ref on the topic.
func (t *TestingTransport) ServerReply(topic, ref string, reply ReplyPayload) error {
	return t.ServerMessage(&Message{
		Ref:   ref,
		Topic: topic,
		Event: ChannelEventReply,
		Payload: map[string]any{
			"status":   reply.Status,
			"response": reply.Response,
		},
	})
}

// DropConnection simulates an unclean server-side close.
func (t *TestingTransport) DropConnection() {
	t.mu.Lock()
	t.connected = false
	cb := t.cb
	t.mu.Unlock()
	if cb.OnClose != nil {
		cb.OnClose(1006, "abnormal closure")
	}
}

// SentFrames returns the recorded outbound frames.
func (t *TestingTransport) SentFrames() []SentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

// SentMessages returns the recorded outbound frames, decoded.
func (t *TestingTransport) SentMessages() []*Message {
	t.mu.Lock()
	frames := make([]SentFrame, len(t.frames))
	copy(frames, t.frames)
	t.mu.Unlock()

	out := make([]*Message, 0, len(frames))
	for _, f := range frames {
		msg, err := t.serializer.Decode(f.Data, f.Binary)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// MessagesFor returns decoded frames matching the event, oldest first.
func (t *TestingTransport) MessagesFor(event string) []*Message {
	var out []*Message
	for _, msg := range t.SentMessages() {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

// CloseCode returns the code of the last client-initiated close.
func (t *TestingTransport) CloseCode() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode, t.closeReason
}

// IsConnected reports whether the transport believes it is connected.
func (t *TestingTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
