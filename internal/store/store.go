// Package store holds the provider's reactive account and chain state.
//
// Every mutation goes through SetState, which applies an updater to the state
// current at commit time. Subscribers are notified synchronously, in commit
// order, when the slice of state they selected changes.
package store

import (
	"context"
	"encoding/json"
	"maps"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/storage"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

const persistTimeout = 5 * time.Second

type Store struct {
	// commitMu serialises commit and persist. notifyMu is taken before
	// commitMu is released, so subscribers see commits in order without
	// holding up the next one.
	commitMu sync.Mutex
	notifyMu sync.Mutex

	mu    sync.RWMutex
	state State

	subsMu sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64

	storage storage.Storage
	key     string
}

type subscription struct {
	selector func(State) any
	onChange func(next, prev any)
}

type Option func(*Store)

// WithStorage persists every committed state under key.
func WithStorage(s storage.Storage, key string) Option {
	return func(st *Store) {
		st.storage = s
		st.key = key
	}
}

func New(initial State, opts ...Option) *Store {
	s := &Store{
		state: initial.Clone(),
		subs:  map[uint64]*subscription{},
		key:   constants.StoreNamespace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type envelope struct {
	Version int   `json:"version"`
	State   State `json:"state"`
}

// Load replaces the in-memory state with the persisted one, if any. A missing
// item leaves the initial state in place.
func (s *Store) Load(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	raw, err := s.storage.GetItem(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load store")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return errors.Wrap(err, "decode store")
	}
	if env.Version != constants.SchemaV1 {
		return errors.Newf("unsupported store version: %d", env.Version)
	}

	s.mu.Lock()
	s.state = env.State
	s.mu.Unlock()
	return nil
}

// GetState returns a deep copy of the current state.
func (s *Store) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// SetState applies updater to the current state and commits the result.
// Neither updater nor a subscriber may call SetState.
func (s *Store) SetState(updater func(State) State) State {
	next, prev := s.commit(updater)
	defer s.notifyMu.Unlock()

	s.notify(next.Clone(), prev)
	return next.Clone()
}

// commit returns with notifyMu held.
func (s *Store) commit(updater func(State) State) (next, prev State) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	prev = s.state
	next = updater(prev.Clone()).Clone()
	s.state = next
	s.mu.Unlock()

	s.persist(next)
	s.notifyMu.Lock()
	return next, prev
}

func (s *Store) persist(st State) {
	if s.storage == nil {
		return
	}
	raw, err := json.Marshal(envelope{Version: constants.SchemaV1, State: st})
	if err != nil {
		log.Error("store: encode failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.storage.SetItem(ctx, s.key, raw); err != nil {
		log.Warn("store: persist failed", "key", s.key, "error", err)
	}
}

// Clear drops the persisted copy. The in-memory state is untouched.
func (s *Store) Clear(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}
	return s.storage.RemoveItem(ctx, s.key)
}

// Subscribe calls onChange with the selected values whenever a commit
// changes what selector returns. The returned func unsubscribes.
func (s *Store) Subscribe(selector func(State) any, onChange func(next, prev any)) func() {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = &subscription{selector: selector, onChange: onChange}
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) SubscribeAccounts(onChange func(next, prev []Account)) func() {
	return s.Subscribe(
		func(st State) any { return st.Accounts },
		func(next, prev any) { onChange(next.([]Account), prev.([]Account)) },
	)
}

func (s *Store) SubscribeChain(onChange func(next, prev Chain)) func() {
	return s.Subscribe(
		func(st State) any { return st.Chain },
		func(next, prev any) { onChange(next.(Chain), prev.(Chain)) },
	)
}

func (s *Store) notify(next, prev State) {
	s.subsMu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, id := range slices.Sorted(maps.Keys(s.subs)) {
		subs = append(subs, s.subs[id])
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		n, p := sub.selector(next), sub.selector(prev)
		if reflect.DeepEqual(n, p) {
			continue
		}
		sub.onChange(n, p)
	}
}
