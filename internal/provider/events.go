package provider

import (
	"maps"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-auth-provider/internal/keys"
)

type EventKind string

const (
	EventConnect         EventKind = "connect"
	EventDisconnect      EventKind = "disconnect"
	EventAccountsChanged EventKind = "accountsChanged"
	EventChainChanged    EventKind = "chainChanged"
	EventMessage         EventKind = "message"
)

const MessageKeysChanged = "keysChanged"

type Event struct {
	Kind EventKind `json:"event"`
	Data any       `json:"data"`
}

type ConnectInfo struct {
	ChainID hexutil.Uint64 `json:"chainId"`
}

type DisconnectInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// KeysChanged is the data of a keysChanged message.
type KeysChanged struct {
	Address common.Address    `json:"address"`
	Keys    []keys.PublicView `json:"keys"`
}

// ErrSubscriberStalled ends a feed subscription whose channel was full when
// an event was emitted.
var ErrSubscriberStalled = errors.New("event subscriber stalled")

// Emitter delivers provider events. Listeners registered with On run
// synchronously, in registration order, before Emit returns. Feed
// subscribers receive the same events over a channel and never block Emit.
type Emitter struct {
	mu        sync.Mutex
	listeners map[uint64]listener
	subs      map[uint64]*feedSub
	nextID    uint64
}

type listener struct {
	kind EventKind
	fn   func(Event)
}

type feedSub struct {
	ch      chan<- Event
	stalled chan struct{}
	once    sync.Once
}

func (s *feedSub) deliver(ev Event) {
	select {
	case <-s.stalled:
		return
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.once.Do(func() { close(s.stalled) })
	}
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: map[uint64]listener{}, subs: map[uint64]*feedSub{}}
}

// On registers fn for events of kind, or for every event when kind is
// empty. fn must not issue requests that mutate provider state.
func (e *Emitter) On(kind EventKind, fn func(Event)) (off func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = listener{kind: kind, fn: fn}
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Subscribe delivers every event to ch, which must be buffered. A
// subscriber whose buffer is full when an event arrives is dropped and its
// subscription fails with ErrSubscriberStalled.
func (e *Emitter) Subscribe(ch chan<- Event) event.Subscription {
	sub := &feedSub{ch: ch, stalled: make(chan struct{})}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = sub
	e.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		}()
		select {
		case <-quit:
			return nil
		case <-sub.stalled:
			return ErrSubscriberStalled
		}
	})
}

func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	ls := make([]listener, 0, len(e.listeners))
	for _, id := range slices.Sorted(maps.Keys(e.listeners)) {
		ls = append(ls, e.listeners[id])
	}
	subs := make([]*feedSub, 0, len(e.subs))
	for _, id := range slices.Sorted(maps.Keys(e.subs)) {
		subs = append(subs, e.subs[id])
	}
	e.mu.Unlock()

	for _, l := range ls {
		if l.kind == "" || l.kind == ev.Kind {
			l.fn(ev)
		}
	}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}
