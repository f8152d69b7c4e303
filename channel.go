package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ChannelState is the lifecycle state of a channel.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelErrored
	ChannelJoined
	ChannelJoining
	ChannelLeaving
)

func (cs ChannelState) String() string {
	switch cs {
	case ChannelClosed:
		return "closed"
	case ChannelErrored:
		return "errored"
	case ChannelJoined:
		return "joined"
	case ChannelJoining:
		return "joining"
	case ChannelLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// BroadcastConfig controls how the server handles broadcasts on a channel.
type BroadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

// PresenceConfig controls presence tracking on a channel.
type PresenceConfig struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// ChannelOptions configure a channel at creation.
type ChannelOptions struct {
	Broadcast BroadcastConfig
	Presence  PresenceConfig
	Private   bool

	// Timeout overrides the client default push timeout for this channel.
	Timeout time.Duration

	// OnMessage intercepts every inbound event before dispatch. Returning a
	// replacement payload rewrites it; it must not return nil for a non-nil
	// payload.
	OnMessage func(event string, payload any, ref string) any
}

// OutgoingMessage is the user-facing message shape accepted by Send.
type OutgoingMessage struct {
	Type    string // broadcast | presence | postgres_changes
	Event   string
	Payload any
}

// BindingCallback receives a dispatched payload and the frame ref, which may
// be empty for broadcasts.
type BindingCallback func(payload any, ref string)

// binding is one subscription to a kind of server event. Exactly one of
// eventFilter / pgFilter is meaningful, selected by typ.
type binding struct {
	ref         int
	typ         string
	eventFilter string
	pgFilter    *PostgresFilter
	id          string
	callback    BindingCallback
}

// Channel is the per-topic state machine: it joins, routes inbound events to
// bindings, buffers pushes while unjoinable, rejoins with backoff after
// errors, and hosts the presence store for its topic.
type Channel struct {
	mu          sync.Mutex
	topic       string
	subTopic    string
	opts        ChannelOptions
	client      *Client
	state       ChannelState
	bindings    map[string][]*binding
	bindingRef  int
	timeout     time.Duration
	joinedOnce  bool
	joinPush    *Push
	pushBuffer  []*Push
	rejoinTimer *CallbackTimer
	presence    *Presence
	subCallback func(SubscribeState, error)
}

// maxPushBufferSize bounds the number of pushes held while the channel is
// not pushable. The oldest push is evicted when the buffer is full.
const maxPushBufferSize = 100

func newChannel(topic string, opts ChannelOptions, client *Client) *Channel {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = client.options.Timeout
	}

	ch := &Channel{
		topic:    topic,
		subTopic: strings.TrimPrefix(topic, "realtime:"),
		opts:     opts,
		client:   client,
		state:    ChannelClosed,
		bindings: make(map[string][]*binding),
		timeout:  timeout,
	}

	ch.rejoinTimer = NewCallbackTimer(func() {
		if ch.client.IsConnected() {
			ch.rejoin(ch.pushTimeout())
		}
	}, client.options.RejoinAfter)

	ch.joinPush = newPush(ch, ChannelEventJoin, ch.joinPayload, timeout)
	ch.setupJoinPush()

	ch.on(ChannelEventClose, func(payload any, _ string) {
		ch.rejoinTimer.Reset()
		ch.client.log("channel", fmt.Sprintf("close %s %s", ch.topic, ch.JoinRef()), payload)
		ch.mu.Lock()
		ch.state = ChannelClosed
		cb := ch.subCallback
		ch.mu.Unlock()
		ch.client.remove(ch)
		if cb != nil {
			cb(SubscribeStateClosed, nil)
		}
	})

	ch.on(ChannelEventError, func(payload any, _ string) {
		if ch.IsLeaving() || ch.IsClosed() {
			return
		}
		ch.client.log("channel", fmt.Sprintf("error %s", ch.topic), payload)
		ch.mu.Lock()
		ch.state = ChannelErrored
		cb := ch.subCallback
		ch.mu.Unlock()
		if ch.client.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
		if cb != nil {
			cb(SubscribeStateChannelError, payloadError(payload))
		}
	})

	ch.presence = newPresence(ch)

	return ch
}

// joinPayload builds the join frame payload. It runs at send time so every
// rejoin carries the current channel configuration and the freshest access
// token.
func (ch *Channel) joinPayload() any {
	ch.mu.Lock()
	pgFilters := make([]PostgresFilter, 0)
	for _, b := range ch.bindings[ListenTypePostgresChanges] {
		if b.pgFilter != nil {
			pgFilters = append(pgFilters, *b.pgFilter)
		}
	}
	presenceEnabled := ch.opts.Presence.Enabled || len(ch.bindings[ListenTypePresence]) > 0
	config := map[string]any{
		"broadcast": ch.opts.Broadcast,
		"presence": map[string]any{
			"key":     ch.opts.Presence.Key,
			"enabled": presenceEnabled,
		},
		"postgres_changes": pgFilters,
		"private":          ch.opts.Private,
	}
	ch.mu.Unlock()

	payload := map[string]any{"config": config}
	if token := ch.client.AccessToken(); token != "" {
		payload["access_token"] = token
	}
	return payload
}

func (ch *Channel) setupJoinPush() {
	ch.joinPush.Receive("ok", func(resp any) {
		ch.mu.Lock()
		ch.state = ChannelJoined
		buffered := ch.pushBuffer
		ch.pushBuffer = nil
		cb := ch.subCallback
		ch.mu.Unlock()

		ch.rejoinTimer.Reset()
		for _, push := range buffered {
			push.Send()
		}

		if err := ch.stampPostgresBindings(resp); err != nil {
			ch.mu.Lock()
			ch.state = ChannelErrored
			ch.mu.Unlock()
			go ch.Unsubscribe()
			if cb != nil {
				cb(SubscribeStateChannelError, err)
			}
			return
		}

		if ch.client.options.AccessTokenProvider != nil {
			go ch.client.refreshAuth(context.Background())
		}
		if cb != nil {
			cb(SubscribeStateSubscribed, nil)
		}
	})

	ch.joinPush.Receive("error", func(reason any) {
		ch.mu.Lock()
		ch.state = ChannelErrored
		cb := ch.subCallback
		ch.mu.Unlock()
		if ch.client.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
		if cb != nil {
			cb(SubscribeStateChannelError, payloadError(reason))
		}
	})

	ch.joinPush.Receive("timeout", func(any) {
		ch.client.log("channel", fmt.Sprintf("timeout %s (%s)", ch.topic, ch.JoinRef()), nil)

		// Tell the server to abandon the half-open join.
		leavePush := newPush(ch, ChannelEventLeave, nil, ch.pushTimeout())
		leavePush.Send()

		ch.mu.Lock()
		ch.state = ChannelErrored
		cb := ch.subCallback
		ch.mu.Unlock()

		if ch.client.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
		if cb != nil {
			cb(SubscribeStateTimedOut, nil)
		}
	})
}

// stampPostgresBindings walks the client's postgres_changes bindings and the
// server's acknowledged list in parallel, stamping server ids. The server
// dispatches change events by id, so any index mismatch makes the
// subscription unusable.
func (ch *Channel) stampPostgresBindings(resp any) error {
	respMap, _ := resp.(map[string]any)
	serverList, _ := respMap["postgres_changes"].([]any)

	ch.mu.Lock()
	defer ch.mu.Unlock()

	clientBindings := ch.bindings[ListenTypePostgresChanges]
	if len(clientBindings) == 0 {
		return nil
	}
	for i, b := range clientBindings {
		if b.pgFilter == nil {
			continue
		}
		if i >= len(serverList) {
			return ErrSubscribeMismatch{Expected: *b.pgFilter}
		}
		srv, _ := serverList[i].(map[string]any)
		got := PostgresFilter{
			Event:  stringField(srv, "event"),
			Schema: stringField(srv, "schema"),
			Table:  stringField(srv, "table"),
			Filter: stringField(srv, "filter"),
		}
		if !strings.EqualFold(got.Event, b.pgFilter.Event) ||
			got.Schema != b.pgFilter.Schema ||
			got.Table != b.pgFilter.Table ||
			got.Filter != b.pgFilter.Filter {
			return ErrSubscribeMismatch{Expected: *b.pgFilter, Got: got}
		}
		b.id = stringifyID(srv["id"])
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Subscribe joins the channel. It may only be called once per channel; a
// second call is a no-op returning the channel unchanged. The callback
// observes SUBSCRIBED, CHANNEL_ERROR, TIMED_OUT, and CLOSED transitions.
func (ch *Channel) Subscribe(callback func(SubscribeState, error), timeout ...time.Duration) *Channel {
	ch.client.ensureConnected()

	ch.mu.Lock()
	if ch.joinedOnce {
		ch.mu.Unlock()
		return ch
	}
	if len(timeout) > 0 {
		ch.timeout = timeout[0]
	}
	ch.subCallback = callback
	ch.joinedOnce = true
	t := ch.timeout
	ch.mu.Unlock()

	ch.rejoin(t)
	return ch
}

func (ch *Channel) rejoin(timeout time.Duration) {
	if ch.IsLeaving() {
		return
	}
	ch.client.leaveOpenTopic(ch.topic, ch)
	ch.mu.Lock()
	ch.state = ChannelJoining
	ch.mu.Unlock()
	ch.joinPush.Resend(timeout)
}

// Unsubscribe leaves the channel and removes it from the client. Repeated
// calls after the first are no-ops resolving "ok". The channel ends closed
// regardless of the leave outcome.
func (ch *Channel) Unsubscribe(timeout ...time.Duration) SendResult {
	ch.mu.Lock()
	if ch.state == ChannelClosed || ch.state == ChannelLeaving {
		ch.mu.Unlock()
		return SendOK
	}
	ch.state = ChannelLeaving
	leaveTimeout := ch.timeout
	if len(timeout) > 0 {
		leaveTimeout = timeout[0]
	}
	ch.mu.Unlock()

	ch.rejoinTimer.Reset()
	ch.joinPush.Destroy()

	result := make(chan SendResult, 1)
	resolve := func(r SendResult) {
		select {
		case result <- r:
		default:
		}
	}
	onClose := func() {
		ch.client.log("channel", fmt.Sprintf("leave %s", ch.topic), nil)
		ch.trigger(ChannelEventClose, "leave", ch.JoinRef())
	}

	leavePush := newPush(ch, ChannelEventLeave, nil, leaveTimeout)
	leavePush.Receive("ok", func(any) {
		onClose()
		resolve(SendOK)
	}).Receive("timeout", func(any) {
		onClose()
		resolve(SendTimedOut)
	}).Receive("error", func(any) {
		resolve(SendError)
	})
	leavePush.Send()

	if !ch.canPush() {
		leavePush.trigger("ok", map[string]any{})
	}

	return <-result
}

// Push sends an event on the channel. The channel must have been subscribed
// at least once. While the channel cannot push, the push is buffered with
// its timeout already running.
func (ch *Channel) Push(event string, payload any, timeout ...time.Duration) *Push {
	ch.mu.Lock()
	if !ch.joinedOnce {
		ch.mu.Unlock()
		panic(fmt.Sprintf("tried to push '%s' to '%s' before joining. Use channel.Subscribe() before pushing events", event, ch.topic))
	}
	pushTimeout := ch.timeout
	if len(timeout) > 0 {
		pushTimeout = timeout[0]
	}
	ch.mu.Unlock()

	push := newPush(ch, event, func() any { return payload }, pushTimeout)

	if ch.canPush() {
		push.Send()
	} else {
		push.StartTimeout()
		ch.mu.Lock()
		ch.pushBuffer = append(ch.pushBuffer, push)
		var evicted *Push
		if len(ch.pushBuffer) > maxPushBufferSize {
			evicted = ch.pushBuffer[0]
			ch.pushBuffer = ch.pushBuffer[1:]
		}
		ch.mu.Unlock()
		if evicted != nil {
			evicted.Destroy()
			ch.client.log("channel", fmt.Sprintf("discarded oldest buffered push on %s", ch.topic), nil)
		}
	}

	return push
}

// Send delivers a user message and resolves with its terminal status. A
// broadcast sent while the channel cannot push falls back to the HTTP
// broadcast endpoint. With broadcast acks disabled the result is an
// optimistic "ok" at send time.
func (ch *Channel) Send(ctx context.Context, msg OutgoingMessage, timeout ...time.Duration) (SendResult, error) {
	sendTimeout := ch.pushTimeout()
	if len(timeout) > 0 {
		sendTimeout = timeout[0]
	}

	if msg.Type == ListenTypeBroadcast && !ch.canPush() {
		err := ch.client.broadcastHTTP(ctx, broadcastRequest{
			Topic:   ch.subTopic,
			Event:   msg.Event,
			Payload: msg.Payload,
			Private: ch.opts.Private,
		}, sendTimeout)
		if err != nil {
			return SendError, err
		}
		return SendOK, nil
	}

	payload := map[string]any{
		"type":    msg.Type,
		"event":   msg.Event,
		"payload": msg.Payload,
	}
	push := ch.Push(msg.Type, payload, sendTimeout)

	if msg.Type == ListenTypeBroadcast && !ch.opts.Broadcast.Ack {
		return SendOK, nil
	}

	result := make(chan SendResult, 1)
	resolve := func(r SendResult) {
		select {
		case result <- r:
		default:
		}
	}
	push.Receive("ok", func(any) { resolve(SendOK) })
	push.Receive("error", func(any) { resolve(SendError) })
	push.Receive("timeout", func(any) { resolve(SendTimedOut) })

	select {
	case r := <-result:
		return r, nil
	case <-ctx.Done():
		return SendError, ctx.Err()
	}
}

// Track announces this client's presence payload on the channel.
func (ch *Channel) Track(ctx context.Context, payload any, timeout ...time.Duration) (SendResult, error) {
	return ch.Send(ctx, OutgoingMessage{
		Type:    ListenTypePresence,
		Event:   "track",
		Payload: payload,
	}, timeout...)
}

// Untrack removes this client's presence from the channel.
func (ch *Channel) Untrack(ctx context.Context, timeout ...time.Duration) (SendResult, error) {
	return ch.Send(ctx, OutgoingMessage{
		Type:  ListenTypePresence,
		Event: "untrack",
	}, timeout...)
}

// OnBroadcast registers a callback for broadcast messages whose event
// matches event, or every broadcast when event is "*".
func (ch *Channel) OnBroadcast(event string, callback func(payload map[string]any)) int {
	return ch.addBinding(&binding{
		typ:         ListenTypeBroadcast,
		eventFilter: event,
		callback: func(payload any, _ string) {
			if m, ok := payload.(map[string]any); ok {
				callback(m)
			}
		},
	})
}

// OnPostgresChange registers a callback for a postgres change feed. All
// postgres bindings must be registered before Subscribe so the join request
// can announce them.
func (ch *Channel) OnPostgresChange(filter PostgresFilter, callback func(payload PostgresChangePayload)) int {
	f := filter
	return ch.addBinding(&binding{
		typ:      ListenTypePostgresChanges,
		pgFilter: &f,
		callback: func(payload any, _ string) {
			if p, ok := payload.(PostgresChangePayload); ok {
				callback(p)
			}
		},
	})
}

// OnSystem registers a callback for server system events.
func (ch *Channel) OnSystem(callback func(payload map[string]any)) int {
	return ch.addBinding(&binding{
		typ:         ListenTypeSystem,
		eventFilter: "*",
		callback: func(payload any, _ string) {
			if m, ok := payload.(map[string]any); ok {
				callback(m)
			}
		},
	})
}

// OnPresenceJoin registers a presence join listener. Registering any
// presence listener enables presence in the channel configuration; when the
// channel is already joined it is resubscribed so the server learns about
// it.
func (ch *Channel) OnPresenceJoin(cb PresenceJoinHandler) {
	ch.presence.OnJoin(cb)
	ch.enablePresence()
}

// OnPresenceLeave registers a presence leave listener.
func (ch *Channel) OnPresenceLeave(cb PresenceLeaveHandler) {
	ch.presence.OnLeave(cb)
	ch.enablePresence()
}

// OnPresenceSync registers a presence sync listener.
func (ch *Channel) OnPresenceSync(cb func()) {
	ch.presence.OnSync(cb)
	ch.enablePresence()
}

// enablePresence marks the channel as presence-enabled and, when the channel
// is already joined with presence off, re-announces the configuration via an
// unsubscribe/subscribe cycle.
func (ch *Channel) enablePresence() {
	ch.mu.Lock()
	ch.bindings[ListenTypePresence] = appendPresenceMarker(ch.bindings[ListenTypePresence])
	wasJoined := ch.state == ChannelJoined && !ch.opts.Presence.Enabled
	ch.opts.Presence.Enabled = true
	cb := ch.subCallback
	ch.mu.Unlock()

	if wasJoined {
		go func() {
			ch.Unsubscribe()
			ch.resubscribe(cb)
		}()
	}
}

// appendPresenceMarker keeps exactly one marker binding recording that
// presence listeners exist, so joinPayload sees presence enabled.
func appendPresenceMarker(bindings []*binding) []*binding {
	if len(bindings) > 0 {
		return bindings
	}
	return []*binding{{typ: ListenTypePresence, eventFilter: "*", callback: func(any, string) {}}}
}

// resubscribe rearms a channel that Unsubscribe just finalized.
func (ch *Channel) resubscribe(cb func(SubscribeState, error)) {
	ch.mu.Lock()
	ch.joinedOnce = false
	ch.state = ChannelClosed
	ch.subCallback = cb
	ch.mu.Unlock()
	// Unsubscribe destroyed the join push's reply hooks; register them again.
	ch.setupJoinPush()
	ch.client.add(ch)
	ch.Subscribe(cb)
}

// On registers a callback for an arbitrary event, matched by type only.
// It returns a binding ref usable with Off.
func (ch *Channel) On(event string, callback func(payload any)) int {
	return ch.on(event, func(payload any, _ string) {
		callback(payload)
	})
}

func (ch *Channel) on(event string, callback BindingCallback) int {
	return ch.addBinding(&binding{
		typ:      strings.ToLower(event),
		callback: callback,
	})
}

func (ch *Channel) addBinding(b *binding) int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.bindingRef++
	b.ref = ch.bindingRef
	ch.bindings[b.typ] = append(ch.bindings[b.typ], b)
	return b.ref
}

// Off removes bindings for an event: all of them, or only those matching
// the given refs.
func (ch *Channel) Off(event string, refs ...int) {
	ch.off(strings.ToLower(event), refs...)
}

func (ch *Channel) off(event string, refs ...int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(refs) == 0 {
		delete(ch.bindings, event)
		return
	}
	keep := make([]*binding, 0, len(ch.bindings[event]))
	for _, b := range ch.bindings[event] {
		matched := false
		for _, ref := range refs {
			if b.ref == ref {
				matched = true
				break
			}
		}
		if !matched {
			keep = append(keep, b)
		}
	}
	if len(keep) == 0 {
		delete(ch.bindings, event)
	} else {
		ch.bindings[event] = keep
	}
}

// Teardown destroys every push and timer owned by the channel and clears
// its bindings. Safe to call repeatedly.
func (ch *Channel) Teardown() {
	ch.mu.Lock()
	buffered := ch.pushBuffer
	ch.pushBuffer = nil
	ch.state = ChannelClosed
	ch.bindings = make(map[string][]*binding)
	ch.mu.Unlock()

	ch.rejoinTimer.Reset()
	ch.joinPush.Destroy()
	for _, push := range buffered {
		push.Destroy()
	}
}

// trigger routes one inbound event through the binding table.
func (ch *Channel) trigger(event string, payload any, ref string) {
	typeLower := strings.ToLower(event)

	// A lifecycle frame ref'd to a previous join generation is stale.
	if ref != "" && isLifecycleEvent(typeLower) && ref != ch.JoinRef() {
		return
	}

	handled := ch.applyOnMessage(typeLower, payload, ref)

	switch typeLower {
	case "insert", "update", "delete":
		// Legacy change frames: dispatch by filter event, payload untouched.
		for _, b := range ch.snapshotBindings(ListenTypePostgresChanges) {
			if b.pgFilter != nil && b.pgFilter.matchesEvent(typeLower) {
				b.callback(handled, ref)
			}
		}
	default:
		for _, b := range ch.snapshotBindings(typeLower) {
			if p, ok := ch.shouldTrigger(typeLower, b, handled); ok {
				b.callback(p, ref)
			}
		}
	}

	if typeLower == ChannelEventReply && ref != "" {
		ch.trigger(replyEventName(ref), handled, ref)
	}
}

// shouldTrigger applies the per-type matching rules and returns the payload
// to deliver, transformed for postgres changes.
func (ch *Channel) shouldTrigger(typeLower string, b *binding, payload any) (any, bool) {
	switch typeLower {
	case ListenTypePostgresChanges:
		if b.id == "" {
			return nil, false
		}
		env, ok := decodePostgresEnvelope(payload)
		if !ok || !env.containsID(b.id) {
			return nil, false
		}
		if b.pgFilter == nil || !b.pgFilter.matchesEvent(env.Data.Type) {
			return nil, false
		}
		return transformPostgresPayload(env.Data), true
	case ListenTypeBroadcast, ListenTypePresence, ListenTypeSystem:
		event := payloadEvent(payload)
		if b.eventFilter == "*" || strings.EqualFold(b.eventFilter, event) {
			return payload, true
		}
		return nil, false
	default:
		return payload, true
	}
}

func payloadEvent(payload any) string {
	if m, ok := payload.(map[string]any); ok {
		if event, ok := m["event"].(string); ok {
			return event
		}
	}
	return ""
}

// applyOnMessage runs the user hook. A hook that swallows a non-nil payload
// is a programming error and panics.
func (ch *Channel) applyOnMessage(event string, payload any, ref string) any {
	hook := ch.opts.OnMessage
	if hook == nil {
		return payload
	}
	handled := hook(event, payload, ref)
	if payload != nil && handled == nil {
		panic(fmt.Sprintf("channel onMessage callback on %s returned nil for event %q", ch.topic, event))
	}
	return handled
}

func (ch *Channel) snapshotBindings(event string) []*binding {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*binding, len(ch.bindings[event]))
	copy(out, ch.bindings[event])
	return out
}

func isLifecycleEvent(event string) bool {
	switch event {
	case ChannelEventClose, ChannelEventError, ChannelEventLeave, ChannelEventJoin:
		return true
	}
	return false
}

// isMember reports whether an inbound frame belongs to this channel's
// current join generation.
func (ch *Channel) isMember(msg *Message) bool {
	if ch.topic != msg.Topic {
		return false
	}
	if msg.JoinRef != "" && isLifecycleEvent(strings.ToLower(msg.Event)) && msg.JoinRef != ch.JoinRef() {
		ch.client.log("channel", "dropping outdated message", map[string]any{
			"topic": msg.Topic, "event": msg.Event, "join_ref": msg.JoinRef,
		})
		return false
	}
	return true
}

// socketClosed marks an active channel errored without firing callbacks, so
// an explicit disconnect/connect cycle rejoins it.
func (ch *Channel) socketClosed() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state == ChannelJoined || ch.state == ChannelJoining {
		ch.state = ChannelErrored
	}
}

// socketOpened is called by the client when the underlying socket connects.
func (ch *Channel) socketOpened() {
	ch.rejoinTimer.Reset()
	if ch.IsErrored() {
		ch.rejoin(ch.pushTimeout())
	}
}

func (ch *Channel) canPush() bool {
	return ch.client.IsConnected() && ch.IsJoined()
}

func (ch *Channel) pushTimeout() time.Duration {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.timeout
}

// Presence returns the channel's presence store.
func (ch *Channel) Presence() *Presence {
	return ch.presence
}

// PresenceState returns a clone of the current presence state.
func (ch *Channel) PresenceState() PresenceState {
	return ch.presence.State()
}

// Topic returns the channel topic.
func (ch *Channel) Topic() string { return ch.topic }

// JoinRef returns the ref of the current join generation, empty before the
// first join attempt.
func (ch *Channel) JoinRef() string {
	ch.mu.Lock()
	joinPush := ch.joinPush
	ch.mu.Unlock()
	if joinPush == nil {
		return ""
	}
	return joinPush.Ref()
}

// State returns the current channel state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) IsClosed() bool  { return ch.State() == ChannelClosed }
func (ch *Channel) IsErrored() bool { return ch.State() == ChannelErrored }
func (ch *Channel) IsJoined() bool  { return ch.State() == ChannelJoined }
func (ch *Channel) IsJoining() bool { return ch.State() == ChannelJoining }
func (ch *Channel) IsLeaving() bool { return ch.State() == ChannelLeaving }

// payloadError renders an error payload delivered by the server.
func payloadError(payload any) error {
	if payload == nil {
		return nil
	}
	if err, ok := payload.(error); ok {
		return err
	}
	return fmt.Errorf("%v", payload)
}
