package realtime

import (
	"sync"
)

// PresenceMeta is one user-attached presence record. It always carries a
// unique "presence_ref" assigned by the server.
type PresenceMeta map[string]any

// PresenceRef returns the server-assigned ref identifying this meta.
func (m PresenceMeta) PresenceRef() string {
	ref, _ := m["presence_ref"].(string)
	return ref
}

// PresenceState maps presence keys to their non-empty meta lists.
type PresenceState map[string][]PresenceMeta

func (s PresenceState) clone() PresenceState {
	out := make(PresenceState, len(s))
	for key, metas := range s {
		out[key] = cloneMetas(metas)
	}
	return out
}

func cloneMetas(metas []PresenceMeta) []PresenceMeta {
	out := make([]PresenceMeta, 0, len(metas))
	for _, meta := range metas {
		clone := make(PresenceMeta, len(meta))
		for k, v := range meta {
			clone[k] = v
		}
		out = append(out, clone)
	}
	return out
}

// presenceDiff is the joins/leaves pair carried by presence_diff frames.
type presenceDiff struct {
	Joins  PresenceState
	Leaves PresenceState
}

// PresenceJoinHandler observes metas joining under a key. currentMetas is
// the list before the join, newMetas the metas that joined.
type PresenceJoinHandler func(key string, currentMetas, newMetas []PresenceMeta)

// PresenceLeaveHandler observes metas leaving under a key. currentMetas is
// the list that remains, leftMetas the metas that left.
type PresenceLeaveHandler func(key string, currentMetas, leftMetas []PresenceMeta)

// Presence mirrors the shared presence state of a channel. The first
// presence_state after each join replaces the local state; presence_diff
// frames received before it are queued and replayed once it arrives,
// because diffs name metas only the snapshot can introduce.
type Presence struct {
	mu           sync.Mutex
	channel      *Channel
	state        PresenceState
	pendingDiffs []presenceDiff
	joinRef      string
	onJoin       PresenceJoinHandler
	onLeave      PresenceLeaveHandler
	onSync       func()
}

func newPresence(channel *Channel) *Presence {
	p := &Presence{
		channel: channel,
		state:   PresenceState{},
	}

	channel.on(presenceEventState, func(payload any, _ string) {
		p.handleState(decodePresenceState(payload))
	})
	channel.on(presenceEventDiff, func(payload any, _ string) {
		p.handleDiff(decodePresenceDiff(payload))
	})

	return p
}

// OnJoin registers the join listener.
func (p *Presence) OnJoin(cb PresenceJoinHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onJoin = cb
}

// OnLeave registers the leave listener.
func (p *Presence) OnLeave(cb PresenceLeaveHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeave = cb
}

// OnSync registers the sync listener.
func (p *Presence) OnSync(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSync = cb
}

// State returns a deep clone of the current presence state.
func (p *Presence) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// InPendingSyncState reports whether no presence_state has arrived yet for
// the channel's current join generation.
func (p *Presence) InPendingSyncState() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inPendingSyncState()
}

func (p *Presence) inPendingSyncState() bool {
	return p.joinRef == "" || p.joinRef != p.channel.JoinRef()
}

// presenceEvent is a recorded join or leave, fired after the state mutation
// completes so user callbacks never run under the presence lock.
type presenceEvent struct {
	join          bool
	key           string
	current, delta []PresenceMeta
}

func (p *Presence) handleState(newState PresenceState) {
	var events []presenceEvent
	record := eventRecorder(&events)

	p.mu.Lock()
	p.joinRef = p.channel.JoinRef()
	p.state = syncState(p.state, newState, record.join, record.leave)
	pending := p.pendingDiffs
	p.pendingDiffs = nil
	for _, diff := range pending {
		p.state = syncDiff(p.state, diff, record.join, record.leave)
	}
	onJoin, onLeave, onSync := p.onJoin, p.onLeave, p.onSync
	p.mu.Unlock()

	fireEvents(events, onJoin, onLeave)
	if onSync != nil {
		onSync()
	}
}

func (p *Presence) handleDiff(diff presenceDiff) {
	var events []presenceEvent
	record := eventRecorder(&events)

	p.mu.Lock()
	if p.inPendingSyncState() {
		p.pendingDiffs = append(p.pendingDiffs, diff)
		p.mu.Unlock()
		return
	}
	p.state = syncDiff(p.state, diff, record.join, record.leave)
	onJoin, onLeave, onSync := p.onJoin, p.onLeave, p.onSync
	p.mu.Unlock()

	fireEvents(events, onJoin, onLeave)
	if onSync != nil {
		onSync()
	}
}

type recorder struct {
	join  PresenceJoinHandler
	leave PresenceLeaveHandler
}

func eventRecorder(events *[]presenceEvent) recorder {
	return recorder{
		join: func(key string, current, delta []PresenceMeta) {
			*events = append(*events, presenceEvent{join: true, key: key, current: current, delta: delta})
		},
		leave: func(key string, current, delta []PresenceMeta) {
			*events = append(*events, presenceEvent{key: key, current: current, delta: delta})
		},
	}
}

func fireEvents(events []presenceEvent, onJoin PresenceJoinHandler, onLeave PresenceLeaveHandler) {
	for _, ev := range events {
		if ev.join {
			if onJoin != nil {
				onJoin(ev.key, ev.current, ev.delta)
			}
		} else if onLeave != nil {
			onLeave(ev.key, ev.current, ev.delta)
		}
	}
}

// syncState reconciles the local state against a full snapshot, deriving the
// joins and leaves and applying them as a diff.
func syncState(state, newState PresenceState, onJoin PresenceJoinHandler, onLeave PresenceLeaveHandler) PresenceState {
	joins := PresenceState{}
	leaves := PresenceState{}

	for key, metas := range state {
		if _, ok := newState[key]; !ok {
			leaves[key] = cloneMetas(metas)
		}
	}
	for key, newMetas := range newState {
		currentMetas, ok := state[key]
		if !ok {
			joins[key] = cloneMetas(newMetas)
			continue
		}
		newRefs := metaRefs(newMetas)
		curRefs := metaRefs(currentMetas)
		var joined, left []PresenceMeta
		for _, meta := range newMetas {
			if !curRefs[meta.PresenceRef()] {
				joined = append(joined, meta)
			}
		}
		for _, meta := range currentMetas {
			if !newRefs[meta.PresenceRef()] {
				left = append(left, meta)
			}
		}
		if len(joined) > 0 {
			joins[key] = cloneMetas(joined)
		}
		if len(left) > 0 {
			leaves[key] = cloneMetas(left)
		}
	}

	return syncDiff(state, presenceDiff{Joins: joins, Leaves: leaves}, onJoin, onLeave)
}

// syncDiff applies joins and leaves to the state. Metas are identified by
// presence_ref; a key whose meta list empties is removed.
func syncDiff(state PresenceState, diff presenceDiff, onJoin PresenceJoinHandler, onLeave PresenceLeaveHandler) PresenceState {
	for key, newMetas := range diff.Joins {
		currentMetas := state[key]
		merged := cloneMetas(newMetas)
		if len(currentMetas) > 0 {
			joinedRefs := metaRefs(merged)
			kept := make([]PresenceMeta, 0, len(currentMetas))
			for _, meta := range currentMetas {
				if !joinedRefs[meta.PresenceRef()] {
					kept = append(kept, meta)
				}
			}
			merged = append(kept, merged...)
		}
		state[key] = merged
		if onJoin != nil {
			onJoin(key, currentMetas, cloneMetas(newMetas))
		}
	}

	for key, leftMetas := range diff.Leaves {
		currentMetas, ok := state[key]
		if !ok {
			continue
		}
		leftRefs := metaRefs(leftMetas)
		remaining := make([]PresenceMeta, 0, len(currentMetas))
		for _, meta := range currentMetas {
			if !leftRefs[meta.PresenceRef()] {
				remaining = append(remaining, meta)
			}
		}
		state[key] = remaining
		if onLeave != nil {
			onLeave(key, cloneMetas(remaining), cloneMetas(leftMetas))
		}
		if len(remaining) == 0 {
			delete(state, key)
		}
	}

	return state
}

func metaRefs(metas []PresenceMeta) map[string]bool {
	refs := make(map[string]bool, len(metas))
	for _, meta := range metas {
		refs[meta.PresenceRef()] = true
	}
	return refs
}

// decodePresenceState reads a presence_state payload. The server sends
// either flat meta lists or {metas: [...]} groups keyed by phx_ref; both
// normalize to metas carrying presence_ref.
func decodePresenceState(payload any) PresenceState {
	raw, ok := payload.(map[string]any)
	if !ok {
		return PresenceState{}
	}
	state := make(PresenceState, len(raw))
	for key, value := range raw {
		metas := decodeMetaList(value)
		if metas != nil {
			state[key] = metas
		}
	}
	return state
}

func decodeMetaList(value any) []PresenceMeta {
	switch v := value.(type) {
	case []any:
		metas := make([]PresenceMeta, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				metas = append(metas, normalizeMeta(m))
			}
		}
		return metas
	case map[string]any:
		if inner, ok := v["metas"]; ok {
			return decodeMetaList(inner)
		}
	}
	return nil
}

// normalizeMeta renames the wire key phx_ref to presence_ref.
func normalizeMeta(m map[string]any) PresenceMeta {
	meta := make(PresenceMeta, len(m))
	for k, v := range m {
		switch k {
		case "phx_ref":
			meta["presence_ref"] = v
		case "phx_ref_prev":
		default:
			meta[k] = v
		}
	}
	return meta
}

func decodePresenceDiff(payload any) presenceDiff {
	raw, ok := payload.(map[string]any)
	if !ok {
		return presenceDiff{Joins: PresenceState{}, Leaves: PresenceState{}}
	}
	return presenceDiff{
		Joins:  decodePresenceState(raw["joins"]),
		Leaves: decodePresenceState(raw["leaves"]),
	}
}
