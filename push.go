package realtime

import (
	"context"
	"sync"
	"time"
)

// ReceiveHook pairs a reply status with the callback interested in it.
type ReceiveHook struct {
	status   string
	callback func(response any)
}

// Push is a single in-flight request on a channel: it tracks the server
// reply for its ref, the timeout that fires if no reply arrives, and the
// status hooks registered through Receive.
type Push struct {
	mu            sync.Mutex
	channel       *Channel
	event         string
	payload       func() any
	timeout       time.Duration
	timeoutTimer  *time.Timer
	timeoutCancel context.CancelFunc
	recHooks      []ReceiveHook
	receivedResp  *ReplyPayload
	sent          bool
	ref           string
	refEvent      string
	refBinding    int
}

func newPush(channel *Channel, event string, payload func() any, timeout time.Duration) *Push {
	if payload == nil {
		payload = func() any { return map[string]any{} }
	}
	return &Push{
		channel: channel,
		event:   event,
		payload: payload,
		timeout: timeout,
	}
}

// Resend clears all transient state and sends again with a new timeout.
func (p *Push) Resend(timeout time.Duration) {
	p.cancelRefEvent()
	p.mu.Lock()
	p.timeout = timeout
	p.refEvent = ""
	p.ref = ""
	p.receivedResp = nil
	p.sent = false
	p.cancelTimeout()
	p.mu.Unlock()
	p.Send()
}

// Send publishes the push through the client. A push that has already timed
// out stays dead: Send is a no-op after a terminal timeout.
func (p *Push) Send() {
	p.mu.Lock()
	if p.hasReceived("timeout") {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.StartTimeout()
	joinRef := p.channel.JoinRef()
	payload := p.payload()

	p.mu.Lock()
	p.sent = true
	msg := &Message{
		Topic:   p.channel.topic,
		Event:   p.event,
		Payload: payload,
		Ref:     p.ref,
		JoinRef: joinRef,
	}
	p.mu.Unlock()

	p.channel.client.push(msg)
}

// Receive registers a hook for a reply status. If a matching reply has
// already arrived, the callback fires immediately. Returns the push so hooks
// chain.
func (p *Push) Receive(status string, callback func(response any)) *Push {
	p.mu.Lock()
	var replay any
	matched := false
	if p.hasReceived(status) {
		replay = p.receivedResp.Response
		matched = true
	}
	p.recHooks = append(p.recHooks, ReceiveHook{status: status, callback: callback})
	p.mu.Unlock()

	if matched {
		callback(replay)
	}
	return p
}

// StartTimeout allocates a fresh ref, registers the single-shot reply
// binding, and arms the timeout timer. Any binding left from a prior send
// is removed first.
func (p *Push) StartTimeout() {
	p.cancelRefEvent()
	p.mu.Lock()
	if p.timeoutTimer != nil {
		p.cancelTimeout()
	}
	p.ref = p.channel.client.makeRef()
	p.refEvent = replyEventName(p.ref)
	refEvent := p.refEvent
	timeout := p.timeout
	p.mu.Unlock()

	binding := p.channel.on(refEvent, func(payload any, _ string) {
		p.cancelRefEvent()
		p.CancelTimeout()

		reply, ok := replyPayloadOf(payload)
		if !ok {
			return
		}
		p.mu.Lock()
		p.receivedResp = reply
		hooks := make([]ReceiveHook, len(p.recHooks))
		copy(hooks, p.recHooks)
		p.mu.Unlock()

		for _, hook := range hooks {
			if hook.status == reply.Status {
				hook.callback(reply.Response)
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.refBinding = binding
	p.timeoutCancel = cancel
	p.timeoutTimer = time.AfterFunc(timeout, func() {
		select {
		case <-ctx.Done():
		default:
			p.trigger("timeout", map[string]any{})
		}
	})
	p.mu.Unlock()
}

// CancelTimeout stops the timeout timer.
func (p *Push) CancelTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelTimeout()
}

func (p *Push) cancelTimeout() {
	if p.timeoutTimer != nil {
		p.timeoutTimer.Stop()
		p.timeoutTimer = nil
	}
	if p.timeoutCancel != nil {
		p.timeoutCancel()
		p.timeoutCancel = nil
	}
}

// cancelRefEvent removes the reply binding from the channel.
func (p *Push) cancelRefEvent() {
	p.mu.Lock()
	refEvent, refBinding := p.refEvent, p.refBinding
	p.refBinding = 0
	p.mu.Unlock()

	if refEvent != "" && refBinding != 0 {
		p.channel.off(refEvent, refBinding)
	}
}

// Destroy cancels the timeout, removes the reply binding, and releases
// hooks. Safe to call repeatedly; a late reply for a destroyed push is
// dropped silently.
func (p *Push) Destroy() {
	p.cancelRefEvent()
	p.mu.Lock()
	p.cancelTimeout()
	p.recHooks = nil
	p.refEvent = ""
	p.mu.Unlock()
}

// trigger synthesizes a reply with the given status, routed through the
// channel so the reply binding handles it like a real one.
func (p *Push) trigger(status string, response any) {
	p.mu.Lock()
	refEvent, ref := p.refEvent, p.ref
	p.mu.Unlock()
	if refEvent == "" {
		return
	}
	p.channel.trigger(refEvent, map[string]any{"status": status, "response": response}, ref)
}

func (p *Push) hasReceived(status string) bool {
	return p.receivedResp != nil && p.receivedResp.Status == status
}

// HasReceived reports whether a reply with the given status has arrived.
func (p *Push) HasReceived(status string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasReceived(status)
}

// Ref returns the ref of the current send, empty before the first send.
func (p *Push) Ref() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

// IsSent reports whether the push has been published.
func (p *Push) IsSent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}

func replyEventName(ref string) string {
	return "chan_reply_" + ref
}
