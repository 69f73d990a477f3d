// Package bus implements the typed publish/subscribe message bus used by
// the interpreter's event steps and by registered functions.
package bus

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity bounds the pending-message queue when no explicit capacity
// is given. On overflow the oldest message is discarded with a warning.
const DefaultCapacity = 1000

// NamespaceSep joins a namespace and a topic ("camera::exposure").
const NamespaceSep = "::"

// Handler receives a published message for a matching subscription.
type Handler[T any] func(topic string, msg T)

type subscriber[T any] struct {
	id       int
	topic    string
	priority int
	handler  Handler[T]
}

type envelope[T any] struct {
	topic string
	msg   T
}

// Bus is a single-payload-type message bus. Subscribers are ordered by
// descending priority; equal priorities observe messages in publish order.
type Bus[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []envelope[T]
	cap    int
	subs   []subscriber[T]
	nextID int

	stopped bool
	done    chan struct{}
}

// New starts a bus with the given queue capacity (<=0 selects
// DefaultCapacity) and launches its consumer goroutine.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	b := &Bus[T]{cap: capacity, done: make(chan struct{})}
	b.cond = sync.NewCond(&b.mu)
	go b.consume()
	return b
}

// Subscribe registers handler for topic and returns a subscription id.
// Topic forms: exact ("camera::exposure"), namespace wildcard ("camera.*"),
// or the global "*". Higher priority runs first.
func (b *Bus[T]) Subscribe(topic string, priority int, handler Handler[T]) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscriber[T]{id: b.nextID, topic: topic, priority: priority, handler: handler}

	// Insert keeping descending priority, stable for equal priorities.
	pos := sort.Search(len(b.subs), func(i int) bool {
		return b.subs[i].priority < priority
	})
	b.subs = append(b.subs, subscriber[T]{})
	copy(b.subs[pos+1:], b.subs[pos:])
	b.subs[pos] = sub

	slog.Debug("Bus subscription added.", "topic", topic, "priority", priority, "id", sub.id)
	return sub.id
}

// Unsubscribe removes a subscription by id.
func (b *Bus[T]) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish enqueues one message. When the queue is full the oldest pending
// message is discarded and a warning logged.
func (b *Bus[T]) Publish(topic string, msg T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if len(b.queue) >= b.cap {
		dropped := b.queue[0]
		b.queue = b.queue[1:]
		slog.Warn("Bus queue overflow, discarding oldest message.", "dropped_topic", dropped.topic, "capacity", b.cap)
	}
	b.queue = append(b.queue, envelope[T]{topic: topic, msg: msg})
	b.cond.Broadcast()
}

// TryPublish enqueues msg if capacity frees up within timeout. It returns
// true iff the message was enqueued.
func (b *Bus[T]) TryPublish(topic string, msg T, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.stopped {
			return false
		}
		if len(b.queue) < b.cap {
			b.queue = append(b.queue, envelope[T]{topic: topic, msg: msg})
			b.cond.Broadcast()
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		// Wake the wait when the deadline passes; cond has no timed wait.
		timer := time.AfterFunc(remaining, b.cond.Broadcast)
		b.cond.Wait()
		timer.Stop()
	}
}

// Pending returns the current queue depth.
func (b *Bus[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops the consumer after the current dispatch and discards pending
// messages. It is safe to call more than once.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.stopped = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus[T]) consume() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopped {
			b.cond.Wait()
		}
		if b.stopped {
			b.mu.Unlock()
			return
		}
		env := b.queue[0]
		b.queue = b.queue[1:]
		// Snapshot matching subscribers; handlers run with no bus lock held.
		local := make([]subscriber[T], 0, len(b.subs))
		global := make([]subscriber[T], 0)
		for _, sub := range b.subs {
			switch {
			case sub.topic == "*":
				global = append(global, sub)
			case Matches(sub.topic, env.topic):
				local = append(local, sub)
			}
		}
		b.cond.Broadcast()
		b.mu.Unlock()

		for _, sub := range local {
			sub.handler(env.topic, env.msg)
		}
		for _, sub := range global {
			sub.handler(env.topic, env.msg)
		}
	}
}

// Matches reports whether a subscription pattern matches a concrete topic.
// A trailing ".*" matches every topic in that namespace.
func Matches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if ns, ok := strings.CutSuffix(pattern, ".*"); ok {
		topicNS, _, hasNS := strings.Cut(topic, NamespaceSep)
		return hasNS && topicNS == ns
	}
	return false
}

// Topic joins a namespace and a name into the canonical namespaced form.
func Topic(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + NamespaceSep + name
}
