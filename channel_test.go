package realtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelInitialState(t *testing.T) {
	c, _ := newTestClient(t)
	ch := c.Channel("room:lobby", ChannelOptions{})

	assert.Equal(t, "room:lobby", ch.Topic())
	assert.True(t, ch.IsClosed())
	assert.False(t, ch.joinedOnce)
	assert.Equal(t, "", ch.JoinRef())
	assert.NotNil(t, ch.Presence())
}

func TestChannelStateString(t *testing.T) {
	tests := []struct {
		state    ChannelState
		expected string
	}{
		{ChannelClosed, "closed"},
		{ChannelErrored, "errored"},
		{ChannelJoined, "joined"},
		{ChannelJoining, "joining"},
		{ChannelLeaving, "leaving"},
	}
	for _, test := range tests {
		assert.Equal(t, test.expected, test.state.String())
	}
}

func TestChannelSubscribeOk(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	var states []SubscribeState
	ch := c.Channel("t1", ChannelOptions{})
	ch.Subscribe(func(s SubscribeState, err error) {
		states = append(states, s)
	})
	assert.True(t, ch.IsJoining())

	joins := ft.MessagesFor(ChannelEventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "1", joins[0].Ref)
	assert.Equal(t, "1", joins[0].JoinRef)

	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{
		Status:   "ok",
		Response: map[string]any{"postgres_changes": []any{}},
	}))

	assert.True(t, ch.IsJoined())
	assert.Equal(t, []SubscribeState{SubscribeStateSubscribed}, states)
}

func TestChannelSubscribeTwiceIsNoOp(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	ch := c.Channel("t1", ChannelOptions{})
	ch.Subscribe(nil)
	got := ch.Subscribe(nil)

	assert.Same(t, ch, got)
	assert.Len(t, ft.MessagesFor(ChannelEventJoin), 1)
}

func TestChannelJoinTimeout(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Connect())

	states := make(chan SubscribeState, 4)
	ch := c.Channel("t1", ChannelOptions{})
	ch.Subscribe(func(s SubscribeState, err error) {
		states <- s
	}, 10*time.Millisecond)

	select {
	case s := <-states:
		assert.Equal(t, SubscribeStateTimedOut, s)
	case <-time.After(time.Second):
		t.Fatal("subscribe callback never fired")
	}
	assert.True(t, ch.IsErrored())
}

func TestChannelJoinErrorReply(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	var states []SubscribeState
	var errs []error
	ch := c.Channel("t1", ChannelOptions{})
	ch.Subscribe(func(s SubscribeState, err error) {
		states = append(states, s)
		errs = append(errs, err)
	})

	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{
		Status:   "error",
		Response: map[string]any{"reason": "unauthorized"},
	}))

	assert.True(t, ch.IsErrored())
	require.Equal(t, []SubscribeState{SubscribeStateChannelError}, states)
	assert.Error(t, errs[0])
}

func TestChannelPostgresIDStamping(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	var got PostgresChangePayload
	received := false
	ch := c.Channel("t1", ChannelOptions{})
	ch.OnPostgresChange(PostgresFilter{
		Event:  "INSERT",
		Schema: "public",
		Table:  "users",
		Filter: "id=eq.1",
	}, func(p PostgresChangePayload) {
		got = p
		received = true
	})

	var states []SubscribeState
	ch.Subscribe(func(s SubscribeState, err error) { states = append(states, s) })

	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{
		Status: "ok",
		Response: map[string]any{
			"postgres_changes": []any{
				map[string]any{
					"event":  "INSERT",
					"schema": "public",
					"table":  "users",
					"filter": "id=eq.1",
					"id":     "srv-1",
				},
			},
		},
	}))

	assert.Equal(t, []SubscribeState{SubscribeStateSubscribed}, states)
	assert.Equal(t, "srv-1", ch.bindings[ListenTypePostgresChanges][0].id)

	require.NoError(t, ft.ServerMessage(&Message{
		Topic: "t1",
		Event: ListenTypePostgresChanges,
		Payload: map[string]any{
			"ids": []any{"srv-1"},
			"data": map[string]any{
				"type":             "INSERT",
				"schema":           "public",
				"table":            "users",
				"commit_timestamp": "2026-01-01T00:00:00Z",
				"columns": []any{
					map[string]any{"name": "id", "type": "int8"},
					map[string]any{"name": "name", "type": "text"},
				},
				"record": map[string]any{"id": "1", "name": "alice"},
			},
		},
	}))

	require.True(t, received)
	assert.Equal(t, "INSERT", got.EventType)
	assert.Equal(t, "public", got.Schema)
	assert.Equal(t, "users", got.Table)
	assert.Equal(t, map[string]any{"id": int64(1), "name": "alice"}, got.New)
	assert.Empty(t, got.Old)
}

func TestChannelPostgresStampingMismatch(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	ch := c.Channel("t1", ChannelOptions{})
	ch.OnPostgresChange(PostgresFilter{Event: "INSERT", Schema: "public", Table: "users"}, func(PostgresChangePayload) {})

	states := make(chan SubscribeState, 4)
	errs := make(chan error, 4)
	ch.Subscribe(func(s SubscribeState, err error) {
		states <- s
		errs <- err
	})

	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{
		Status: "ok",
		Response: map[string]any{
			"postgres_changes": []any{
				map[string]any{"event": "UPDATE", "schema": "public", "table": "users", "id": "srv-9"},
			},
		},
	}))

	assert.Equal(t, SubscribeStateChannelError, <-states)
	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")

	assert.Eventually(t, func() bool { return ch.IsClosed() }, time.Second, time.Millisecond)
	assert.NotEmpty(t, ft.MessagesFor(ChannelEventLeave))
}

func TestChannelPostgresEventFilterByID(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	var insertCount, otherCount int
	ch := c.Channel("t1", ChannelOptions{})
	ch.OnPostgresChange(PostgresFilter{Event: "INSERT", Schema: "public", Table: "users"}, func(PostgresChangePayload) {
		insertCount++
	})
	ch.OnPostgresChange(PostgresFilter{Event: "DELETE", Schema: "public", Table: "users"}, func(PostgresChangePayload) {
		otherCount++
	})
	ch.Subscribe(nil)

	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{
		Status: "ok",
		Response: map[string]any{
			"postgres_changes": []any{
				map[string]any{"event": "INSERT", "schema": "public", "table": "users", "id": float64(1)},
				map[string]any{"event": "DELETE", "schema": "public", "table": "users", "id": float64(2)},
			},
		},
	}))

	require.NoError(t, ft.ServerMessage(&Message{
		Topic: "t1",
		Event: ListenTypePostgresChanges,
		Payload: map[string]any{
			"ids":  []any{float64(1)},
			"data": map[string]any{"type": "INSERT", "schema": "public", "table": "users"},
		},
	}))

	assert.Equal(t, 1, insertCount)
	assert.Equal(t, 0, otherCount)
}

func TestChannelLegacyChangeEventsDispatchByFilter(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	var all, inserts int
	ch := c.Channel("t1", ChannelOptions{})
	ch.OnPostgresChange(PostgresFilter{Event: "*", Schema: "public"}, func(PostgresChangePayload) {})
	ch.bindings[ListenTypePostgresChanges][0].callback = func(any, string) { all++ }
	ch.OnPostgresChange(PostgresFilter{Event: "INSERT", Schema: "public"}, func(PostgresChangePayload) {})
	ch.bindings[ListenTypePostgresChanges][1].callback = func(any, string) { inserts++ }
	ch.Subscribe(nil)

	require.NoError(t, ft.ServerMessage(&Message{
		Topic:   "t1",
		Event:   "UPDATE",
		Payload: map[string]any{"record": map[string]any{}},
	}))

	assert.Equal(t, 1, all)
	assert.Equal(t, 0, inserts)
}

func TestChannelPushBeforeSubscribePanics(t *testing.T) {
	c, _ := newTestClient(t)
	ch := c.Channel("t1", ChannelOptions{})

	assert.Panics(t, func() {
		ch.Push("event", nil)
	})
}

func TestChannelPushBufferedUntilJoined(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	ch := c.Channel("t1", ChannelOptions{})
	ch.Subscribe(nil)

	// Not yet joined: the push buffers with its timeout running.
	push := ch.Push("early", map[string]any{"n": float64(1)})
	assert.Empty(t, ft.MessagesFor("early"))
	assert.False(t, push.IsSent())

	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{
		Status:   "ok",
		Response: map[string]any{},
	}))

	assert.Len(t, ft.MessagesFor("early"), 1)
	assert.True(t, push.IsSent())
}

func TestChannelPushBufferEvictsOldest(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Connect())

	ch := c.Channel("t1", ChannelOptions{})
	ch.mu.Lock()
	ch.joinedOnce = true
	ch.mu.Unlock()

	var first *Push
	for i := 0; i < maxPushBufferSize+1; i++ {
		p := ch.Push("queued", nil, time.Hour)
		if i == 0 {
			first = p
		}
	}

	ch.mu.Lock()
	size := len(ch.pushBuffer)
	evicted := ch.pushBuffer[0] == first
	ch.mu.Unlock()

	assert.Equal(t, maxPushBufferSize, size)
	assert.False(t, evicted, "oldest push should have been evicted")
}

func TestChannelUnsubscribeSendsOneLeave(t *testing.T) {
	_, ft, ch := newJoinedChannel(t, "t1")

	assert.Equal(t, SendOK, ch.Unsubscribe())
	assert.Equal(t, SendOK, ch.Unsubscribe())
	assert.Equal(t, SendOK, ch.Unsubscribe())

	assert.Len(t, ft.MessagesFor(ChannelEventLeave), 1)
	assert.True(t, ch.IsClosed())
}

func TestChannelUnsubscribeRemovesFromClient(t *testing.T) {
	c, _, ch := newJoinedChannel(t, "t1")

	require.Len(t, c.Channels(), 1)
	ch.Unsubscribe()
	assert.Empty(t, c.Channels())
}

func TestChannelStaleLifecycleFrameIsDropped(t *testing.T) {
	_, ft, ch := newJoinedChannel(t, "t1")

	// A close ref'd to a superseded join generation must not transition.
	require.NoError(t, ft.ServerMessage(&Message{
		Topic:   "t1",
		Ref:     "99",
		Event:   ChannelEventClose,
		Payload: map[string]any{},
	}))
	assert.True(t, ch.IsJoined())

	// The current generation's close does.
	require.NoError(t, ft.ServerMessage(&Message{
		Topic:   "t1",
		Ref:     ch.JoinRef(),
		Event:   ChannelEventClose,
		Payload: map[string]any{},
	}))
	assert.True(t, ch.IsClosed())
}

func TestChannelBroadcastBinding(t *testing.T) {
	_, ft, ch := newJoinedChannel(t, "t1")

	var cursor, any_ int
	ch.OnBroadcast("cursor", func(map[string]any) { cursor++ })
	ch.OnBroadcast("*", func(map[string]any) { any_++ })

	require.NoError(t, ft.ServerMessage(&Message{
		Topic:   "t1",
		Event:   ListenTypeBroadcast,
		Payload: map[string]any{"event": "cursor", "payload": map[string]any{}},
	}))
	require.NoError(t, ft.ServerMessage(&Message{
		Topic:   "t1",
		Event:   ListenTypeBroadcast,
		Payload: map[string]any{"event": "other", "payload": map[string]any{}},
	}))

	assert.Equal(t, 1, cursor)
	assert.Equal(t, 2, any_)
}

func TestChannelSendBroadcastWithoutAckResolvesImmediately(t *testing.T) {
	_, ft, ch := newJoinedChannel(t, "t1")

	result, err := ch.Send(context.Background(), OutgoingMessage{
		Type:    ListenTypeBroadcast,
		Event:   "hi",
		Payload: map[string]any{},
	})

	require.NoError(t, err)
	assert.Equal(t, SendOK, result)
	assert.Len(t, ft.MessagesFor(ListenTypeBroadcast), 1)
}

func TestChannelSendBroadcastWithAckWaitsForReply(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	ch := c.Channel("t1", ChannelOptions{Broadcast: BroadcastConfig{Ack: true}})
	ch.Subscribe(nil)
	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{Status: "ok", Response: map[string]any{}}))

	done := make(chan SendResult, 1)
	go func() {
		result, _ := ch.Send(context.Background(), OutgoingMessage{
			Type:    ListenTypeBroadcast,
			Event:   "hi",
			Payload: map[string]any{},
		})
		done <- result
	}()

	var sent *Message
	require.Eventually(t, func() bool {
		msgs := ft.MessagesFor(ListenTypeBroadcast)
		if len(msgs) == 0 {
			return false
		}
		sent = msgs[0]
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, ft.ServerReply("t1", sent.Ref, ReplyPayload{Status: "ok"}))
	assert.Equal(t, SendOK, <-done)
}

func TestChannelBroadcastHTTPFallback(t *testing.T) {
	type received struct {
		path string
		body map[string]any
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		json.Unmarshal(body, &decoded)
		got <- received{path: r.URL.Path, body: decoded}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wsEndpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket"
	c := NewClient(wsEndpoint, &ClientOptions{
		Transport: func() Transport { return NewTestingTransport() },
		Logger:    func(string, string, any) {},
	})
	ch := c.Channel("t1", ChannelOptions{})

	result, err := ch.Send(context.Background(), OutgoingMessage{
		Type:    ListenTypeBroadcast,
		Event:   "hi",
		Payload: map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, SendOK, result)

	r := <-got
	assert.Equal(t, "/api/broadcast", r.path)
	assert.Equal(t, map[string]any{
		"messages": []any{
			map[string]any{
				"topic":   "t1",
				"event":   "hi",
				"payload": map[string]any{},
				"private": false,
			},
		},
	}, r.body)
}

func TestChannelOnMessageHookRewritesPayload(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	ch := c.Channel("t1", ChannelOptions{
		OnMessage: func(event string, payload any, ref string) any {
			if m, ok := payload.(map[string]any); ok {
				m["seen"] = true
			}
			return payload
		},
	})
	ch.Subscribe(nil)
	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{Status: "ok", Response: map[string]any{}}))

	var got map[string]any
	ch.On("custom", func(payload any) {
		got, _ = payload.(map[string]any)
	})

	require.NoError(t, ft.ServerMessage(&Message{
		Topic:   "t1",
		Event:   "custom",
		Payload: map[string]any{"v": float64(1)},
	}))

	require.NotNil(t, got)
	assert.Equal(t, true, got["seen"])
}

func TestChannelOnMessageHookReturningNilPanics(t *testing.T) {
	c, _ := newTestClient(t)
	ch := c.Channel("t1", ChannelOptions{
		OnMessage: func(string, any, string) any { return nil },
	})

	assert.Panics(t, func() {
		ch.trigger("custom", map[string]any{"v": 1}, "")
	})
}

func TestChannelTeardownIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.Connect())

	ch := c.Channel("t1", ChannelOptions{})
	ch.mu.Lock()
	ch.joinedOnce = true
	ch.mu.Unlock()
	ch.Push("queued", nil, time.Hour)

	ch.Teardown()
	ch.Teardown()

	assert.True(t, ch.IsClosed())
	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Empty(t, ch.pushBuffer)
	assert.Empty(t, ch.bindings)
}

func TestChannelPresenceReconfigureWhileJoined(t *testing.T) {
	c, ft := newTestClient(t)
	require.NoError(t, c.Connect())

	ch := c.Channel("t1", ChannelOptions{})
	ch.Subscribe(nil)
	require.NoError(t, ft.ServerReply("t1", "1", ReplyPayload{Status: "ok", Response: map[string]any{}}))
	require.True(t, ch.IsJoined())

	joinEnabled := func(msg *Message) bool {
		payload, _ := msg.Payload.(map[string]any)
		config, _ := payload["config"].(map[string]any)
		presence, _ := config["presence"].(map[string]any)
		enabled, _ := presence["enabled"].(bool)
		return enabled
	}

	joins := ft.MessagesFor(ChannelEventJoin)
	require.Len(t, joins, 1)
	assert.False(t, joinEnabled(joins[0]))

	ch.OnPresenceSync(func() {})

	require.Eventually(t, func() bool {
		joins := ft.MessagesFor(ChannelEventJoin)
		return len(joins) == 2 && joinEnabled(joins[1])
	}, time.Second, time.Millisecond)

	// Fresh join generation.
	joins = ft.MessagesFor(ChannelEventJoin)
	assert.Greater(t, joins[1].JoinRef, joins[0].JoinRef)
}
