package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

func writeDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}

// TransportCallbacks receive connection lifecycle events from a Transport.
// binary on OnMessage reports whether the data arrived in a binary frame.
type TransportCallbacks struct {
	OnOpen    func()
	OnMessage func(data []byte, binary bool)
	OnClose   func(code int, reason string)
	OnError   func(err error)
}

// Transport is the connection layer beneath the Client. Implementations own
// the socket; the Client never touches it directly.
type Transport interface {
	// SetCallbacks must be called before Connect.
	SetCallbacks(cb TransportCallbacks)
	// Connect dials url and starts delivering events to the callbacks.
	Connect(url string, header http.Header) error
	// Send writes one message, binary or text.
	Send(data []byte, binary bool) error
	// Close sends a close frame with the given code and reason and tears
	// down the connection.
	Close(code int, reason string) error
}

// TransportFactory builds a fresh Transport per connection attempt.
type TransportFactory func() Transport

// websocketTransport is the default Transport, built on gorilla/websocket.
type websocketTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	cb     TransportCallbacks
	closed bool
}

func newWebsocketTransport() Transport {
	return &websocketTransport{}
}

func (t *websocketTransport) SetCallbacks(cb TransportCallbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cb = cb
}

func (t *websocketTransport) Connect(url string, header http.Header) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return errors.Wrapf(err, "dial %s", url)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	cb := t.cb
	t.mu.Unlock()

	if cb.OnOpen != nil {
		cb.OnOpen()
	}
	go t.readLoop(conn)
	return nil
}

func (t *websocketTransport) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.dispatchReadError(err)
			return
		}
		t.mu.Lock()
		cb := t.cb
		t.mu.Unlock()
		if cb.OnMessage != nil {
			cb.OnMessage(data, msgType == websocket.BinaryMessage)
		}
	}
}

func (t *websocketTransport) dispatchReadError(err error) {
	t.mu.Lock()
	cb := t.cb
	wasClosed := t.closed
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.mu.Unlock()

	if wasClosed {
		// Close() already reported the closure.
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if cb.OnClose != nil {
			cb.OnClose(closeErr.Code, closeErr.Text)
		}
		return
	}
	if cb.OnError != nil {
		cb.OnError(err)
	}
	if cb.OnClose != nil {
		cb.OnClose(websocket.CloseAbnormalClosure, err.Error())
	}
}

func (t *websocketTransport) Send(data []byte, binary bool) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	msgType := websocket.TextMessage
	if binary {
		msgType = websocket.BinaryMessage
	}
	return conn.WriteMessage(msgType, data)
}

func (t *websocketTransport) Close(code int, reason string) error {
	t.mu.Lock()
	conn := t.conn
	cb := t.cb
	t.closed = true
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := writeDeadline()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	err := conn.Close()
	if cb.OnClose != nil {
		cb.OnClose(code, reason)
	}
	return err
}
