package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"relayhub/internal/bus"
	"relayhub/internal/registry"

	"github.com/gorilla/websocket"
)

// fakeConn is an in-memory transport: frames pushed into in are read by the
// session, frames the session writes land on out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu       sync.Mutex
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	err := c.writeErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case c.out <- append([]byte(nil), data...):
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatalf("session never consumed frame %q", frame)
	}
}

func (c *fakeConn) expectEnvelope(t *testing.T, channel, data string) {
	t.Helper()
	select {
	case raw := <-c.out:
		var msg bus.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("decode forwarded envelope: %v", err)
		}
		if msg.Channel != channel || msg.Data != data {
			t.Fatalf("forwarded %+v, want channel=%q data=%q", msg, channel, data)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected envelope for %s, got nothing", channel)
	}
}

func (c *fakeConn) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case raw := <-c.out:
		t.Fatalf("expected no forwarded message, got %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

type sessionFixture struct {
	conn *fakeConn
	reg  *registry.Registry
	bus  *bus.Bus
	sess *Session
	done chan struct{}
}

func startSession(t *testing.T, prefix string) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		conn: newFakeConn(),
		reg:  registry.New(),
		bus:  bus.New(),
		done: make(chan struct{}),
	}
	f.sess = New(f.conn, f.reg, f.bus, prefix, 16)
	go func() {
		f.sess.Run(context.Background())
		close(f.done)
	}()
	t.Cleanup(func() {
		f.conn.Close()
		f.waitDone(t)
	})
	return f
}

func (f *sessionFixture) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate")
	}
}

// waitSubscribed blocks until the session's read loop has applied a
// subscription for channel.
func (f *sessionFixture) waitSubscribed(t *testing.T, channel string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if ch, ok := f.reg.CurrentChannel(f.sess.ID()); ok && ch == channel {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session never subscribed to %q", channel)
}

func TestSubscribedSessionReceivesOnlyItsChannel(t *testing.T) {
	f := startSession(t, "")

	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"job:42"}`)
	f.waitSubscribed(t, "job:42")

	f.bus.Publish(bus.Message{Channel: "job:42", Data: `{"step":"done"}`})
	f.conn.expectEnvelope(t, "job:42", `{"step":"done"}`)

	f.bus.Publish(bus.Message{Channel: "job:99", Data: `{"step":"other"}`})
	f.conn.expectNothing(t)
}

func TestSubscribeReplacesPriorChannel(t *testing.T) {
	f := startSession(t, "")

	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"job:a"}`)
	f.waitSubscribed(t, "job:a")
	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"job:b"}`)
	f.waitSubscribed(t, "job:b")

	f.bus.Publish(bus.Message{Channel: "job:a", Data: "old"})
	f.conn.expectNothing(t)

	f.bus.Publish(bus.Message{Channel: "job:b", Data: "new"})
	f.conn.expectEnvelope(t, "job:b", "new")
}

func TestUnsubscribedSessionReceivesNothing(t *testing.T) {
	f := startSession(t, "")

	f.bus.Publish(bus.Message{Channel: "job:42", Data: "x"})
	f.conn.expectNothing(t)

	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"job:42"}`)
	f.waitSubscribed(t, "job:42")
	f.conn.send(t, `{"type":"UNSUBSCRIBE"}`)
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := f.reg.CurrentChannel(f.sess.ID()); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never unsubscribed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	f.bus.Publish(bus.Message{Channel: "job:42", Data: "x"})
	f.conn.expectNothing(t)
}

func TestMalformedAndUnknownCommandsDoNotCloseConnection(t *testing.T) {
	f := startSession(t, "")

	f.conn.send(t, `not json at all`)
	f.conn.send(t, `{"type":"SHOUT","channel":"job:42"}`)
	f.conn.send(t, `{"type":"SUBSCRIBE"}`)
	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"job:42"}`)
	f.waitSubscribed(t, "job:42")

	f.bus.Publish(bus.Message{Channel: "job:42", Data: "still alive"})
	f.conn.expectEnvelope(t, "job:42", "still alive")
}

func TestSubscribeAppliesChannelPrefixOnce(t *testing.T) {
	f := startSession(t, "ws_channel:")

	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"job:42"}`)
	f.waitSubscribed(t, "ws_channel:job:42")

	// A client that already sends the full bus name is not double-prefixed.
	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"ws_channel:job:43"}`)
	f.waitSubscribed(t, "ws_channel:job:43")

	f.bus.Publish(bus.Message{Channel: "ws_channel:job:43", Data: "hello"})
	f.conn.expectEnvelope(t, "ws_channel:job:43", "hello")
}

func TestTeardownRemovesRegistryEntry(t *testing.T) {
	f := startSession(t, "")

	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"job:42"}`)
	f.waitSubscribed(t, "job:42")
	if f.reg.Count() != 1 {
		t.Fatalf("expected 1 live connection, got %d", f.reg.Count())
	}

	f.conn.Close()
	f.waitDone(t)

	if _, ok := f.reg.CurrentChannel(f.sess.ID()); ok {
		t.Fatalf("registry still has subscription for dead connection")
	}
	if f.reg.Count() != 0 {
		t.Fatalf("registry still tracks dead connection, count=%d", f.reg.Count())
	}
}

func TestWriteFailureTearsDownSession(t *testing.T) {
	f := startSession(t, "")

	f.conn.send(t, `{"type":"SUBSCRIBE","channel":"job:42"}`)
	f.waitSubscribed(t, "job:42")

	f.conn.failWrites(errors.New("client gone"))
	f.bus.Publish(bus.Message{Channel: "job:42", Data: "x"})

	f.waitDone(t)
	if f.reg.Count() != 0 {
		t.Fatalf("expected registry cleanup after write failure, count=%d", f.reg.Count())
	}
}
