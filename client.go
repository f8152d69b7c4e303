package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxRef is the boundary at which the ref counter wraps back to 0. It is
// far beyond the lifetime of any in-flight push, so a wrapped ref can never
// collide with a live one.
const maxRef = uint64(1) << 53

// ClientOptions configure the client. Zero values fall back to defaults.
type ClientOptions struct {
	// Transport overrides the websocket implementation.
	Transport TransportFactory

	// Timeout is the default push timeout (default: 10 seconds).
	Timeout time.Duration

	// HeartbeatInterval is the heartbeat period (default: 30 seconds).
	HeartbeatInterval time.Duration

	// Logger receives protocol events; defaults to a zerolog-backed sink
	// honoring LogLevel.
	Logger   Logger
	LogLevel LogLevel

	// Encode and Decode override the wire codec.
	Encode EncodeFunc
	Decode DecodeFunc

	// ReconnectAfter computes the socket reconnect backoff.
	ReconnectAfter DelayFunc

	// RejoinAfter computes the channel rejoin backoff.
	RejoinAfter DelayFunc

	// Headers are forwarded to the transport on every connect.
	Headers http.Header

	// Params are appended to the socket URL. ParamsFunc takes precedence
	// and is re-evaluated on every connect so parameters can refresh per
	// reconnect.
	Params     map[string]string
	ParamsFunc func() map[string]string

	// AccessToken seeds the in-memory token. AccessTokenProvider, when set,
	// is consulted before each heartbeat and by SetAuthFromProvider;
	// provider failures fall back to the in-memory value.
	AccessToken         string
	AccessTokenProvider func(ctx context.Context) (string, error)

	// APIKey is sent as the apikey header on HTTP fallback requests.
	APIKey string

	// HTTPClient performs broadcast fallback requests.
	HTTPClient *http.Client

	// VSN is the wire protocol version query parameter.
	VSN string
}

func setDefaultOptions(options *ClientOptions) {
	if options.Timeout == 0 {
		options.Timeout = 10 * time.Second
	}
	if options.HeartbeatInterval == 0 {
		options.HeartbeatInterval = 30 * time.Second
	}
	if options.ReconnectAfter == nil {
		options.ReconnectAfter = defaultReconnectAfter
	}
	if options.RejoinAfter == nil {
		options.RejoinAfter = defaultReconnectAfter
	}
	if options.Logger == nil {
		options.Logger = defaultLogger(options.LogLevel)
	}
	if options.Transport == nil {
		options.Transport = newWebsocketTransport
	}
	if options.HTTPClient == nil {
		options.HTTPClient = http.DefaultClient
	}
	if options.VSN == "" {
		options.VSN = VSN
	}
	serializer := NewSerializer()
	if options.Encode == nil {
		options.Encode = serializer.Encode
	}
	if options.Decode == nil {
		options.Decode = serializer.Decode
	}
}

// Client multiplexes channels over one websocket connection. It owns the
// socket, the heartbeat loop, the reconnect backoff, the outbound send
// buffer, and routes every inbound frame to the channels whose topic it
// carries.
type Client struct {
	mu                  sync.Mutex
	endpoint            string
	options             *ClientOptions
	transport           Transport
	connected           bool
	closeWasClean       bool
	channels            []*Channel
	sendBuffer          []func()
	ref                 uint64
	pendingHeartbeatRef string
	heartbeatStop       chan struct{}
	reconnectTimer      *CallbackTimer
	accessToken         string
	httpClient          *http.Client

	openHooks      []func()
	closeHooks     []func(code int, reason string)
	errorHooks     []func(err error)
	messageHooks   []func(msg *Message)
	heartbeatHooks []func(status HeartbeatStatus)
}

// NewClient creates a client for the given websocket endpoint. The endpoint
// is the socket path without the trailing "/websocket" segment.
func NewClient(endpoint string, options *ClientOptions) *Client {
	if options == nil {
		options = &ClientOptions{}
	}
	setDefaultOptions(options)

	c := &Client{
		endpoint:    strings.TrimSuffix(endpoint, "/websocket"),
		options:     options,
		accessToken: options.AccessToken,
		httpClient:  options.HTTPClient,
	}
	c.reconnectTimer = NewCallbackTimer(func() {
		c.teardown()
		c.Connect()
	}, options.ReconnectAfter)
	return c
}

// EndpointURL returns the full socket URL with the protocol version and the
// current connect params appended.
func (c *Client) EndpointURL() string {
	params := url.Values{}
	params.Set("vsn", c.options.VSN)
	merged := c.options.Params
	if c.options.ParamsFunc != nil {
		merged = c.options.ParamsFunc()
	}
	for k, v := range merged {
		params.Set(k, v)
	}
	return c.endpoint + "/websocket?" + params.Encode()
}

// Connect establishes the websocket connection. Connecting while a
// connection exists is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.transport != nil {
		c.mu.Unlock()
		return nil
	}
	transport := c.options.Transport()
	c.transport = transport
	c.closeWasClean = false
	c.mu.Unlock()

	transport.SetCallbacks(TransportCallbacks{
		OnOpen:    func() { c.onConnOpen() },
		OnMessage: c.onConnMessage,
		OnClose:   c.onConnClose,
		OnError:   c.onConnError,
	})

	if err := transport.Connect(c.EndpointURL(), c.options.Headers); err != nil {
		c.mu.Lock()
		c.transport = nil
		clean := c.closeWasClean
		c.mu.Unlock()
		c.log("transport", "connect failed", err.Error())
		c.runErrorHooks(err)
		if !clean {
			c.reconnectTimer.ScheduleTimeout()
		}
		return err
	}
	return nil
}

// ensureConnected starts a connection if none exists; dial errors feed the
// reconnect machinery.
func (c *Client) ensureConnected() {
	c.mu.Lock()
	hasTransport := c.transport != nil
	c.mu.Unlock()
	if !hasTransport {
		go c.Connect()
	}
}

// Disconnect closes the connection cleanly. No reconnect follows.
func (c *Client) Disconnect() {
	c.DisconnectWithReason(WSCloseNormal, "")
}

// DisconnectWithReason closes the connection with an explicit close code
// and reason. No reconnect follows.
func (c *Client) DisconnectWithReason(code int, reason string) {
	c.mu.Lock()
	c.closeWasClean = true
	transport := c.transport
	c.transport = nil
	c.connected = false
	c.pendingHeartbeatRef = ""
	c.mu.Unlock()

	c.stopHeartbeat()
	c.reconnectTimer.Reset()
	if transport != nil {
		transport.Close(code, reason)
	}

	// A later Connect restores every live subscription.
	for _, ch := range c.Channels() {
		ch.socketClosed()
	}
}

// teardown drops the current connection without resetting the reconnect
// backoff, so the timer's schedule keeps escalating across failed attempts.
func (c *Client) teardown() {
	c.mu.Lock()
	transport := c.transport
	c.transport = nil
	c.connected = false
	c.pendingHeartbeatRef = ""
	c.closeWasClean = true
	c.mu.Unlock()

	c.stopHeartbeat()
	if transport != nil {
		transport.Close(WSCloseNormal, "")
	}

	c.mu.Lock()
	c.closeWasClean = false
	c.mu.Unlock()
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectionState returns connecting|open|closed.
func (c *Client) ConnectionState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.connected:
		return "open"
	case c.transport != nil:
		return "connecting"
	default:
		return "closed"
	}
}

// Channel creates a channel on the topic and registers it with the client.
func (c *Client) Channel(topic string, opts ChannelOptions) *Channel {
	ch := newChannel(topic, opts, c)
	c.add(ch)
	return ch
}

func (c *Client) add(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.channels {
		if existing == ch {
			return
		}
	}
	c.channels = append(c.channels, ch)
}

// Channels returns the registered channels.
func (c *Client) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// remove erases a channel from the set by identity.
func (c *Client) remove(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keep := c.channels[:0]
	for _, existing := range c.channels {
		if existing != ch {
			keep = append(keep, existing)
		}
	}
	c.channels = keep
}

// RemoveChannel unsubscribes the channel and forgets it.
func (c *Client) RemoveChannel(ch *Channel) SendResult {
	result := ch.Unsubscribe()
	c.remove(ch)
	return result
}

// RemoveAllChannels unsubscribes and forgets every channel.
func (c *Client) RemoveAllChannels() {
	for _, ch := range c.Channels() {
		ch.Unsubscribe()
		ch.Teardown()
		c.remove(ch)
	}
}

// leaveOpenTopic unsubscribes any other channel holding the same topic open;
// the server allows one live subscription per topic.
func (c *Client) leaveOpenTopic(topic string, joining *Channel) {
	for _, ch := range c.Channels() {
		if ch != joining && ch.topic == topic && (ch.IsJoined() || ch.IsJoining()) {
			c.log("transport", fmt.Sprintf("leaving duplicate topic %q", topic), nil)
			ch.Unsubscribe()
		}
	}
}

// push encodes and sends a message, or buffers the send while disconnected.
func (c *Client) push(msg *Message) {
	send := func() {
		data, binary, err := c.options.Encode(msg)
		if err != nil {
			c.log("error", "failed to encode message", err.Error())
			return
		}
		c.mu.Lock()
		transport := c.transport
		c.mu.Unlock()
		if transport == nil {
			return
		}
		if err := transport.Send(data, binary); err != nil {
			c.log("error", "failed to send message", err.Error())
		}
	}

	c.log("push", fmt.Sprintf("%s %s (%s, %s)", msg.Topic, msg.Event, msg.JoinRef, msg.Ref), msg.Payload)

	c.mu.Lock()
	connected := c.connected
	if !connected {
		c.sendBuffer = append(c.sendBuffer, send)
	}
	c.mu.Unlock()

	if connected {
		send()
	}
}

// makeRef returns the next request ref. The counter wraps to 0 at a safe
// integer boundary.
func (c *Client) makeRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref++
	if c.ref >= maxRef {
		c.ref = 0
	}
	return strconv.FormatUint(c.ref, 10)
}

// AccessToken returns the current in-memory access token.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// SetAuth installs an explicit access token, bypassing the provider, and
// announces it to every joined channel.
func (c *Client) SetAuth(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
	c.applyAuth(token)
}

// SetAuthFromProvider re-runs the token provider and announces the result
// to every joined channel.
func (c *Client) SetAuthFromProvider(ctx context.Context) {
	c.refreshAuth(ctx)
}

// refreshAuth consults the token provider, falling back to the in-memory
// token when the provider is absent or fails, and announces the result.
func (c *Client) refreshAuth(ctx context.Context) {
	token := c.AccessToken()
	if provider := c.options.AccessTokenProvider; provider != nil {
		fresh, err := safeProvide(ctx, provider)
		if err != nil {
			c.log("error", "access token provider failed", err.Error())
		} else if fresh != "" {
			token = fresh
		}
	}
	if token == "" {
		return
	}
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
	c.applyAuth(token)
}

// safeProvide shields the client from a panicking token provider.
func safeProvide(ctx context.Context, provider func(context.Context) (string, error)) (token string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("token provider panicked: %v", r)
		}
	}()
	return provider(ctx)
}

// applyAuth pushes the token to every joined channel so the server sees it
// now, and future rejoins pick it up through the lazy join payload.
func (c *Client) applyAuth(token string) {
	for _, ch := range c.Channels() {
		if ch.IsJoined() {
			ch.Push(ChannelEventAccessToken, map[string]any{"access_token": token})
		}
	}
}

// OnOpen registers a hook observing socket opens.
func (c *Client) OnOpen(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openHooks = append(c.openHooks, hook)
}

// OnClose registers a hook observing socket closes.
func (c *Client) OnClose(hook func(code int, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeHooks = append(c.closeHooks, hook)
}

// OnError registers a hook observing transport errors.
func (c *Client) OnError(hook func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHooks = append(c.errorHooks, hook)
}

// OnMessage registers a hook observing every decoded inbound frame.
func (c *Client) OnMessage(hook func(msg *Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHooks = append(c.messageHooks, hook)
}

// OnHeartbeat registers a hook observing heartbeat outcomes.
func (c *Client) OnHeartbeat(hook func(status HeartbeatStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatHooks = append(c.heartbeatHooks, hook)
}

func (c *Client) onConnOpen() {
	c.log("transport", fmt.Sprintf("connected to %s", c.endpoint), nil)

	c.mu.Lock()
	c.connected = true
	buffered := c.sendBuffer
	c.sendBuffer = nil
	hooks := append([]func(){}, c.openHooks...)
	c.mu.Unlock()

	for _, send := range buffered {
		send()
	}
	c.reconnectTimer.Reset()
	c.startHeartbeat()

	for _, ch := range c.Channels() {
		ch.socketOpened()
	}
	for _, hook := range hooks {
		hook()
	}
}

func (c *Client) onConnMessage(data []byte, binary bool) {
	msg, err := c.options.Decode(data, binary)
	if err != nil {
		c.log("error", "failed to decode frame", err.Error())
		return
	}

	c.mu.Lock()
	if c.pendingHeartbeatRef != "" && msg.Ref == c.pendingHeartbeatRef {
		c.pendingHeartbeatRef = ""
		c.mu.Unlock()
		status := HeartbeatOK
		if reply, ok := replyPayloadOf(msg.Payload); ok && reply.Status != "ok" {
			status = HeartbeatError
		}
		c.runHeartbeatHooks(status)
		c.mu.Lock()
	}
	hooks := append([]func(msg *Message){}, c.messageHooks...)
	c.mu.Unlock()

	c.log("receive", fmt.Sprintf("%s %s %s", msg.Topic, msg.Event, msg.Ref), msg.Payload)

	for _, ch := range c.Channels() {
		if ch.isMember(msg) {
			ch.trigger(msg.Event, msg.Payload, msg.Ref)
		}
	}
	for _, hook := range hooks {
		hook(msg)
	}
}

func (c *Client) onConnClose(code int, reason string) {
	c.log("transport", fmt.Sprintf("close %d %s", code, reason), nil)

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.transport = nil
	c.pendingHeartbeatRef = ""
	clean := c.closeWasClean
	hooks := append([]func(code int, reason string){}, c.closeHooks...)
	c.mu.Unlock()

	c.stopHeartbeat()
	if wasConnected || !clean {
		c.triggerChanError(fmt.Errorf("socket closed: %d %s", code, reason))
	}
	if !clean {
		c.reconnectTimer.ScheduleTimeout()
	}
	for _, hook := range hooks {
		hook(code, reason)
	}
}

func (c *Client) onConnError(err error) {
	c.log("transport", "error", err.Error())
	c.runErrorHooks(err)
	c.triggerChanError(err)
}

func (c *Client) runErrorHooks(err error) {
	c.mu.Lock()
	hooks := append([]func(err error){}, c.errorHooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(err)
	}
}

func (c *Client) runHeartbeatHooks(status HeartbeatStatus) {
	c.mu.Lock()
	hooks := append([]func(status HeartbeatStatus){}, c.heartbeatHooks...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook(status)
	}
}

// triggerChanError tells every channel the socket failed so they begin
// rejoining. Channels that are leaving or closed ignore it.
func (c *Client) triggerChanError(err error) {
	for _, ch := range c.Channels() {
		ch.trigger(ChannelEventError, err, "")
	}
}

func (c *Client) startHeartbeat() {
	c.mu.Lock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
	}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	interval := c.options.HeartbeatInterval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sendHeartbeat()
			}
		}
	}()
}

func (c *Client) stopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// sendHeartbeat emits one heartbeat. A heartbeat still pending from the
// previous tick means the server went silent: the socket is closed with a
// normal code so the reconnect backoff takes over.
func (c *Client) sendHeartbeat() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	if c.pendingHeartbeatRef != "" {
		c.pendingHeartbeatRef = ""
		transport := c.transport
		c.mu.Unlock()
		c.log("transport", "heartbeat timeout. Attempting to re-establish connection", nil)
		c.runHeartbeatHooks(HeartbeatTimeout)
		if transport != nil {
			transport.Close(WSCloseNormal, "heartbeat timeout")
		}
		return
	}
	c.mu.Unlock()

	c.refreshAuth(context.Background())

	ref := c.makeRef()
	c.mu.Lock()
	c.pendingHeartbeatRef = ref
	c.mu.Unlock()

	c.push(&Message{
		Topic:   heartbeatTopic,
		Event:   "heartbeat",
		Payload: map[string]any{},
		Ref:     ref,
	})
	c.runHeartbeatHooks(HeartbeatSent)
}

func (c *Client) log(kind, msg string, data any) {
	if c.options.Logger != nil {
		c.options.Logger(kind, msg, data)
	}
}
