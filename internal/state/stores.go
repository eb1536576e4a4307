package state

import "sync"

// ZoneStore is the in-memory current-value map of zone records, keyed by
// 1-based zone index. Set replaces the whole record.
type ZoneStore struct {
	mu     sync.RWMutex
	states map[int]ZoneState
}

func NewZoneStore() *ZoneStore {
	return &ZoneStore{states: make(map[int]ZoneState)}
}

// Initialize seeds the record for index i without overwriting an existing
// one.
func (st *ZoneStore) Initialize(i int, s ZoneState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.states[i]; !ok {
		st.states[i] = s.Clone()
	}
}

func (st *ZoneStore) Get(i int) (ZoneState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.states[i]
	if !ok {
		return ZoneState{}, false
	}
	return s.Clone(), true
}

func (st *ZoneStore) Set(i int, s ZoneState) {
	st.mu.Lock()
	st.states[i] = s.Clone()
	st.mu.Unlock()
}

func (st *ZoneStore) All() map[int]ZoneState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[int]ZoneState, len(st.states))
	for i, s := range st.states {
		out[i] = s.Clone()
	}
	return out
}

// ClientStore is the in-memory current-value map of client records, keyed
// by 1-based client index.
type ClientStore struct {
	mu     sync.RWMutex
	states map[int]ClientState
}

func NewClientStore() *ClientStore {
	return &ClientStore{states: make(map[int]ClientState)}
}

func (st *ClientStore) Initialize(i int, s ClientState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.states[i]; !ok {
		st.states[i] = s
	}
}

func (st *ClientStore) Get(i int) (ClientState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.states[i]
	return s, ok
}

func (st *ClientStore) Set(i int, s ClientState) {
	st.mu.Lock()
	st.states[i] = s
	st.mu.Unlock()
}

func (st *ClientStore) All() map[int]ClientState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[int]ClientState, len(st.states))
	for i, s := range st.states {
		out[i] = s
	}
	return out
}
