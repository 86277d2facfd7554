// Package bus fans out chat progress notifications to any number of
// subscribers. Publishing never blocks; each subscriber has its own queue
// and sees events in publish order.
package bus

import "sync"

// Kind names an event type. The values double as the wire "type" field.
type Kind string

const (
	MessageStarted      Kind = "message_started"
	MessageDelta        Kind = "message_delta"
	MessageFinalized    Kind = "message_finalized"
	ConversationUpdated Kind = "conversation_updated"
)

// Event is a notification. Seq is assigned by Publish and increases
// monotonically across the whole bus.
type Event struct {
	Seq            int64  `json:"seq"`
	Kind           Kind   `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`

	// message_delta
	Text string `json:"text,omitempty"`

	// message_finalized
	Status    string `json:"status,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// DefaultHistory is how many recent events are kept for catchup.
const DefaultHistory = 1024

type Bus struct {
	mu      sync.Mutex
	nextSeq int64
	nextID  int
	subs    map[int]*subscriber
	history []Event
	keep    int
	closed  bool
}

// New returns a bus that retains the last keep events for SubscribeSince.
func New(keep int) *Bus {
	if keep < 0 {
		keep = 0
	}
	return &Bus{nextSeq: 1, subs: make(map[int]*subscriber), keep: keep}
}

// Publish assigns the next sequence number and queues the event for every
// current subscriber. It returns the stamped event.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ev
	}
	ev.Seq = b.nextSeq
	b.nextSeq++
	if b.keep > 0 {
		if len(b.history) == b.keep {
			copy(b.history, b.history[1:])
			b.history = b.history[:len(b.history)-1]
		}
		b.history = append(b.history, ev)
	}
	for _, s := range b.subs {
		s.push(ev)
	}
	return ev
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes the channel. Calling it more than once is safe.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	return b.SubscribeSince(-1)
}

// SubscribeSince is Subscribe preceded by a replay of retained events with
// Seq greater than since. A negative since skips the replay.
func (b *Bus) SubscribeSince(since int64) (<-chan Event, func()) {
	s := newSubscriber()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	if since >= 0 {
		for _, ev := range b.history {
			if ev.Seq > since {
				s.push(ev)
			}
		}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()

	var once sync.Once
	return s.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.stop()
		})
	}
}

// Close drops all subscribers and closes their channels. Later publishes
// are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// subscriber owns an unbounded queue drained by its own goroutine, so a
// slow reader only delays itself.
type subscriber struct {
	mu    sync.Mutex
	queue []Event
	wake  chan struct{}
	done  chan struct{}
	out   chan Event
	once  sync.Once
}

func newSubscriber() *subscriber {
	return &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, ev := range pending {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
