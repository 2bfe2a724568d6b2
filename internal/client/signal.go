package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
)

var (
	ErrSendQueueFull = errors.New("send queue full")
	ErrNotConnected  = errors.New("not connected")
	// ErrReconnectExhausted is the persistent connection error surfaced
	// after the reconnect budget is spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// SignalSender is the outbound half of the signaling channel.
type SignalSender interface {
	Send(typ string, to domain.UserID, payload any) error
}

// Signal is the websocket link to the relay. A single writer goroutine
// drains the send queue so envelopes keep their send order; reads are
// dispatched to the handler one at a time.
type Signal struct {
	url    string
	dialer *websocket.Dialer

	reconnectLimit   int
	reconnectBackoff time.Duration

	handler   func(protocol.Envelope)
	onConnect func()
	onDown    func(error)

	mu   sync.Mutex
	send chan []byte
	up   bool
}

type SignalOptions struct {
	URL              string
	ReconnectLimit   int
	ReconnectBackoff time.Duration

	// Handler receives every inbound envelope. OnConnect fires after
	// each successful dial (including re-dials) so the owner can
	// re-join. OnDown fires once the reconnect budget is exhausted.
	Handler   func(protocol.Envelope)
	OnConnect func()
	OnDown    func(error)
}

func NewSignal(opts SignalOptions) *Signal {
	if opts.ReconnectLimit <= 0 {
		opts.ReconnectLimit = 5
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	return &Signal{
		url:              opts.URL,
		dialer:           websocket.DefaultDialer,
		reconnectLimit:   opts.ReconnectLimit,
		reconnectBackoff: opts.ReconnectBackoff,
		handler:          opts.Handler,
		onConnect:        opts.OnConnect,
		onDown:           opts.OnDown,
	}
}

// Send encodes and queues one envelope. Returns ErrNotConnected while
// the link is down and ErrSendQueueFull instead of blocking.
func (s *Signal) Send(typ string, to domain.UserID, payload any) error {
	b, err := protocol.Encode(typ, "", to, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch := s.send
	up := s.up
	s.mu.Unlock()
	if !up || ch == nil {
		return ErrNotConnected
	}
	select {
	case ch <- b:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Run dials and pumps until ctx is done or the reconnect budget runs
// out. Blocking; typically launched as a goroutine.
func (s *Signal) Run(ctx context.Context) error {
	attempt := 0
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			attempt++
			if attempt >= s.reconnectLimit {
				log.Error().Err(err).Str("module", "client.signal").Int("attempts", attempt).Msg("giving up on relay")
				if s.onDown != nil {
					s.onDown(ErrReconnectExhausted)
				}
				return ErrReconnectExhausted
			}
			backoff := s.reconnectBackoff * time.Duration(1<<uint(attempt-1))
			log.Warn().Err(err).Str("module", "client.signal").Int("attempt", attempt).Dur("backoff", backoff).Msg("dial failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				continue
			}
		}
		attempt = 0

		err = s.pump(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("module", "client.signal").Msg("connection lost, reconnecting")
		attempt = 1
	}
}

func (s *Signal) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// pump runs one connection's read and write loops until either fails.
func (s *Signal) pump(ctx context.Context, conn *websocket.Conn) error {
	send := make(chan []byte, 64)
	s.mu.Lock()
	s.send = send
	s.up = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.up = false
		s.send = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	if s.onConnect != nil {
		s.onConnect()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				_ = conn.Close()
				return
			case b := <-send:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		select {
		case err := <-writeErr:
			return err
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("module", "client.signal").Msg("bad envelope dropped")
			continue
		}
		if s.handler != nil {
			s.handler(env)
		}
	}
}
