package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"roadside-dispatch/internal/domain/user"
	"roadside-dispatch/internal/general/logger"
)

// Topic is a channel namespace; keys are booking ids or mechanic ids.
type Topic string

const (
	TopicDispatch Topic = "dispatch" // keyed by mechanic id
	TopicTracking Topic = "tracking" // keyed by booking id
	TopicCall     Topic = "call"     // keyed by booking id
)

var (
	ErrClosed         = errors.New("registry closed")
	ErrInvalidBinding = errors.New("topic, key and peer are required")
)

// Peer is one live connection. Deliver must not block; a slow or broken peer
// returns an error and gets evicted.
type Peer interface {
	Deliver(payload []byte) error
	Close() error
}

// Binding is a connection's subscription to a topic and key.
type Binding struct {
	ID      uint64
	Topic   Topic
	Key     string
	Party   user.Party
	Subject string
	BoundAt time.Time
}

// TeardownFunc runs after a binding goes away. remaining is the number of
// live bindings still held for the same topic, key and party.
type TeardownFunc func(b Binding, remaining int)

type entry struct {
	Binding
	peer Peer
}

// Registry tracks live bindings and delivers best-effort messages to them.
type Registry struct {
	logger *logger.Logger

	mu     sync.RWMutex
	nextID uint64
	closed bool
	byKey  map[Topic]map[string]map[uint64]*entry
	byID   map[uint64]*entry
	hooks  map[Topic][]TeardownFunc
}

func New(log *logger.Logger) *Registry {
	return &Registry{
		logger: log,
		byKey:  make(map[Topic]map[string]map[uint64]*entry),
		byID:   make(map[uint64]*entry),
		hooks:  make(map[Topic][]TeardownFunc),
	}
}

// OnTeardown registers fn for every binding removed from topic.
func (r *Registry) OnTeardown(topic Topic, fn TeardownFunc) {
	r.mu.Lock()
	r.hooks[topic] = append(r.hooks[topic], fn)
	r.mu.Unlock()
}

// Subscribe binds peer to (topic, key) on behalf of party.
func (r *Registry) Subscribe(topic Topic, key string, party user.Party, subject string, peer Peer) (Binding, error) {
	if topic == "" || key == "" || peer == nil {
		return Binding{}, ErrInvalidBinding
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Binding{}, ErrClosed
	}

	r.nextID++
	e := &entry{
		Binding: Binding{
			ID:      r.nextID,
			Topic:   topic,
			Key:     key,
			Party:   party,
			Subject: subject,
			BoundAt: time.Now().UTC(),
		},
		peer: peer,
	}
	keys, ok := r.byKey[topic]
	if !ok {
		keys = make(map[string]map[uint64]*entry)
		r.byKey[topic] = keys
	}
	if keys[key] == nil {
		keys[key] = make(map[uint64]*entry)
	}
	keys[key][e.ID] = e
	r.byID[e.ID] = e

	return e.Binding, nil
}

// Unsubscribe removes a binding and runs the topic's teardown callbacks
// before returning. Unknown ids are ignored.
func (r *Registry) Unsubscribe(id uint64) bool {
	e, remaining, hooks, ok := r.remove(id)
	if !ok {
		return false
	}
	_ = e.peer.Close()
	runHooks(hooks, e.Binding, remaining)
	return true
}

// SendTo delivers msg to every live binding of (topic, key) and returns how
// many accepted it. No bindings is not an error.
func (r *Registry) SendTo(topic Topic, key string, msg any) int {
	return r.sendJSON(topic, key, "", msg)
}

// SendToParty is SendTo restricted to one side of the booking.
func (r *Registry) SendToParty(topic Topic, key string, party user.Party, msg any) int {
	return r.sendJSON(topic, key, party, msg)
}

// SendRawToParty forwards an already encoded frame unchanged.
func (r *Registry) SendRawToParty(topic Topic, key string, party user.Party, payload []byte) int {
	return r.deliver(topic, key, party, payload)
}

// BroadcastTo sends the same message to several keys of one topic.
func (r *Registry) BroadcastTo(topic Topic, keys []string, msg any) int {
	payload, ok := r.encode(topic, msg)
	if !ok {
		return 0
	}
	n := 0
	for _, key := range keys {
		n += r.deliver(topic, key, "", payload)
	}
	return n
}

// Count returns live bindings for (topic, key), optionally for one party.
func (r *Registry) Count(topic Topic, key string, party user.Party) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.byKey[topic][key] {
		if party == "" || e.Party == party {
			n++
		}
	}
	return n
}

// CloseKey drops every binding of (topic, key), closing the peers after any
// queued messages are flushed by them. Teardown callbacks run synchronously,
// so callers must not hold locks those callbacks take.
func (r *Registry) CloseKey(topic Topic, key string) int {
	r.mu.RLock()
	ids := make([]uint64, 0, len(r.byKey[topic][key]))
	for id := range r.byKey[topic][key] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.Unsubscribe(id) {
			n++
		}
	}
	return n
}

// Stats reports live bindings per topic.
func (r *Registry) Stats() map[Topic]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Topic]int, len(r.byKey))
	for topic, keys := range r.byKey {
		for _, set := range keys {
			out[topic] += len(set)
		}
	}
	return out
}

// Close tears down every binding and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]uint64, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unsubscribe(id)
	}
}

func (r *Registry) sendJSON(topic Topic, key string, party user.Party, msg any) int {
	payload, ok := r.encode(topic, msg)
	if !ok {
		return 0
	}
	return r.deliver(topic, key, party, payload)
}

func (r *Registry) encode(topic Topic, msg any) ([]byte, bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error(context.Background(), "registry_encode_failed", "cannot encode outbound message", err, map[string]any{"topic": topic})
		return nil, false
	}
	return payload, true
}

func (r *Registry) deliver(topic Topic, key string, party user.Party, payload []byte) int {
	r.mu.RLock()
	targets := make([]*entry, 0, 2)
	for _, e := range r.byKey[topic][key] {
		if party == "" || e.Party == party {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, e := range targets {
		if err := e.peer.Deliver(payload); err != nil {
			r.evict(e, err)
			continue
		}
		delivered++
	}
	return delivered
}

// evict drops a broken binding found during a send. Teardown runs on its own
// goroutine because the sender may hold a lock the callbacks need.
func (r *Registry) evict(e *entry, cause error) {
	removed, remaining, hooks, ok := r.remove(e.ID)
	if !ok {
		return
	}
	_ = removed.peer.Close()
	r.logger.Info(context.Background(), "binding_evicted", "dropped broken binding", map[string]any{
		"topic":   removed.Topic,
		"key":     removed.Key,
		"party":   removed.Party,
		"subject": removed.Subject,
		"cause":   cause.Error(),
	})
	go runHooks(hooks, removed.Binding, remaining)
}

func (r *Registry) remove(id uint64) (*entry, int, []TeardownFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, 0, nil, false
	}
	delete(r.byID, id)
	set := r.byKey[e.Topic][e.Key]
	delete(set, id)
	if len(set) == 0 {
		delete(r.byKey[e.Topic], e.Key)
	}

	remaining := 0
	for _, other := range set {
		if other.Party == e.Party {
			remaining++
		}
	}
	hooks := append([]TeardownFunc(nil), r.hooks[e.Topic]...)
	return e, remaining, hooks, true
}

func runHooks(hooks []TeardownFunc, b Binding, remaining int) {
	for _, fn := range hooks {
		fn(b, remaining)
	}
}
