package session

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"relayhub/internal/bus"
	"relayhub/internal/registry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
)

// Command is the client control frame: {"type":"SUBSCRIBE","channel":"job:42"}.
// Channel is required for SUBSCRIBE and ignored for UNSUBSCRIBE.
type Command struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Conn is the slice of *websocket.Conn a session needs. Tests substitute an
// in-memory transport.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session owns one accepted connection end to end: a read loop applying
// subscription commands to the registry and a write loop forwarding matching
// bus messages to the client. The two loops terminate together.
type Session struct {
	id            string
	conn          Conn
	registry      *registry.Registry
	bus           *bus.Bus
	channelPrefix string
	subscriberBuf int
}

func New(conn Conn, reg *registry.Registry, b *bus.Bus, channelPrefix string, subscriberBuf int) *Session {
	return &Session{
		id:            uuid.NewString(),
		conn:          conn,
		registry:      reg,
		bus:           b,
		channelPrefix: channelPrefix,
		subscriberBuf: subscriberBuf,
	}
}

func (s *Session) ID() string { return s.id }

// Run blocks for the lifetime of the connection. Whichever loop exits first
// stops the other: the read loop's exit cancels the write loop's select, and
// the write loop closes the transport to unblock a pending read. The registry
// entry is removed exactly once, whatever triggered teardown.
func (s *Session) Run(ctx context.Context) {
	s.registry.Add(s.id)
	defer s.registry.Remove(s.id)

	sub, unsub := s.bus.Subscribe(s.subscriberBuf)
	defer unsub()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.conn.Close()
		return s.writeLoop(ctx, sub)
	})
	g.Go(func() error {
		defer cancel()
		return s.readLoop()
	})
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Printf("session %s: closed: %v", s.id, err)
	}
	log.Printf("session %s: finished", s.id)
}

func (s *Session) writeLoop(ctx context.Context, sub <-chan bus.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			current, subscribed := s.registry.CurrentChannel(s.id)
			if !subscribed || current != msg.Channel {
				continue
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("session %s: encode envelope for %s: %v", s.id, msg.Channel, err)
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop() error {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			log.Printf("session %s: ignoring non-text frame", s.id)
			continue
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("session %s: malformed command %q: %v", s.id, data, err)
			continue
		}
		switch cmd.Type {
		case CommandSubscribe:
			if cmd.Channel == "" {
				log.Printf("session %s: SUBSCRIBE without channel", s.id)
				continue
			}
			channel := s.qualify(cmd.Channel)
			s.registry.Subscribe(s.id, channel)
			log.Printf("session %s: subscribed to %s", s.id, channel)
		case CommandUnsubscribe:
			s.registry.Unsubscribe(s.id)
			log.Printf("session %s: unsubscribed", s.id)
		default:
			log.Printf("session %s: unknown command type %q", s.id, cmd.Type)
		}
	}
}

// qualify maps a client-facing channel name to the bus channel name. The
// prefix is applied here and nowhere else, so client names and bus names agree
// no matter which convention the client follows.
func (s *Session) qualify(channel string) string {
	if s.channelPrefix == "" || strings.HasPrefix(channel, s.channelPrefix) {
		return channel
	}
	return s.channelPrefix + channel
}
