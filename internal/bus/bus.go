package bus

import "sync"

// Message is one event relayed from the external bus: the channel it was
// published on and the payload, passed through verbatim.
type Message struct {
	Channel string `json:"channel"`
	Data    string `json:"data"`
}

// Bus fans each published message out to every live subscriber. Subscribers
// that fall behind lose their oldest buffered messages; the publisher never
// blocks.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Message]struct{}
}

func New() *Bus {
	return &Bus{subs: map[chan Message]struct{}{}}
}

// Subscribe registers a new receiver starting now; messages published earlier
// are never seen. The returned func removes the subscription and closes the
// channel, and is safe to call more than once.
func (b *Bus) Subscribe(buf int) (<-chan Message, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan Message, buf)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, unsub
}

// Publish delivers msg to every current subscriber and reports how many
// received it. A subscriber with a full buffer drops its oldest pending
// message to make room; no subscribers at all is not an error.
func (b *Bus) Publish(msg Message) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for ch := range b.subs {
		select {
		case ch <- msg:
			delivered++
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- msg:
				delivered++
			default:
			}
		}
	}
	return delivered
}
