package runtimestore

import (
	"time"
)

// View is a short-lived, in-memory handle over one rule's runtime rows.
// The engine loads a View at the start of a rule's evaluation, lets
// condeval read/write through it via the NodeRuntime interface, and
// flushes it in a single write per touched node at the end — the "short
// lived runtime view... flushed at the end of each rule's evaluation"
// pattern.
type View struct {
	store  *Store
	ruleID string
	cache  map[string]*State
	dirty  map[string]bool
}

// NewView opens a view for ruleID backed by store.
func NewView(store *Store, ruleID string) *View {
	return &View{
		store:  store,
		ruleID: ruleID,
		cache:  map[string]*State{},
		dirty:  map[string]bool{},
	}
}

func (v *View) load(nodeID string) (*State, error) {
	if st, ok := v.cache[nodeID]; ok {
		return st, nil
	}
	st, err := v.store.GetOrCreate(v.ruleID, nodeID)
	if err != nil {
		return nil, err
	}
	v.cache[nodeID] = st
	return st, nil
}

// LastWhenMatched implements condeval.NodeRuntime.
func (v *View) LastWhenMatched(nodeID string) (matched bool, transitionAt time.Time, ok bool) {
	st, err := v.load(nodeID)
	if err != nil || st.LastWhenMatched == nil {
		return false, time.Time{}, false
	}
	at := time.Time{}
	if st.LastWhenTransitionAt != nil {
		at = *st.LastWhenTransitionAt
	}
	return *st.LastWhenMatched, at, true
}

// RecordWhenMatched implements condeval.NodeRuntime.
func (v *View) RecordWhenMatched(nodeID string, matched bool, now time.Time) {
	st, err := v.load(nodeID)
	if err != nil {
		return
	}
	prev := st.LastWhenMatched
	if prev == nil || *prev != matched {
		t := now
		st.LastWhenTransitionAt = &t
	}
	m := matched
	st.LastWhenMatched = &m
	v.dirty[nodeID] = true
}

// Root returns (loading if needed) the root "when" node's state, used by
// the engine for edge-trigger, cooldown, and circuit-breaker bookkeeping.
func (v *View) Root() (*State, error) {
	return v.load("when")
}

// MarkRootDirty flags the root node for flush even if RecordWhenMatched
// was never called on it directly (e.g. a plain entity_state root with
// no "for" wrapper still needs its last_fired_at/failure counters saved).
func (v *View) MarkRootDirty() {
	v.dirty["when"] = true
}

// Flush persists every touched node's state in one write per node.
func (v *View) Flush() error {
	for nodeID := range v.dirty {
		st, ok := v.cache[nodeID]
		if !ok {
			continue
		}
		if err := v.store.Save(st); err != nil {
			return err
		}
	}
	return nil
}
