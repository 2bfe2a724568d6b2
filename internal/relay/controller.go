package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the websocket endpoint: it upgrades connections,
// assigns identities, and pumps envelopes between the socket and the
// member's room.
type Controller struct {
	Rooms  *RoomManager
	Policy Policy
	Cfg    *config.Config
}

func NewController(cfg *config.Config, rooms *RoomManager) *Controller {
	return &Controller{
		Rooms:  rooms,
		Policy: KickSlowPolicy{},
		Cfg:    cfg,
	}
}

// HandleWS upgrades the request and runs the connection until it drops.
// Identity is the connection: a fresh id per websocket, destroyed on
// disconnect.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay.controller").Msg("ws upgrade failed")
		return
	}

	id := domain.UserID(uuid.NewString())
	conn := newWSConnection(ws)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	ctl.readPump(ctx, cancel, id, conn)
}

func (ctl *Controller) writePump(ctx context.Context, cancel context.CancelFunc, c *wsConnection) {
	ticker := time.NewTicker(ctl.Cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, id domain.UserID, c *wsConnection) {
	var room *Room
	defer func() {
		cancel()
		if room != nil {
			room.Leave(id)
		}
		c.Close()
		log.Info().Str("module", "relay.controller").Str("id", string(id)).Msg("connection closed")
	}()

	c.conn.SetReadLimit(ctl.Cfg.ReadLimit)
	readWait := ctl.Cfg.PingPeriod + 10*time.Second
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("module", "relay.controller").Str("id", string(id)).Msg("bad envelope dropped")
			continue
		}

		if room == nil {
			if env.Type != protocol.TypeJoin {
				log.Debug().Str("module", "relay.controller").Str("type", env.Type).Msg("envelope before join dropped")
				continue
			}
			room = ctl.handleJoin(id, c, env)
			continue
		}

		ctl.dispatch(room, id, c, env)
	}
}

func (ctl *Controller) handleJoin(id domain.UserID, c *wsConnection, env protocol.Envelope) *Room {
	var p protocol.JoinPayload
	if err := env.DecodePayload(&p); err != nil {
		log.Debug().Err(err).Str("module", "relay.controller").Msg("bad join payload")
		return nil
	}

	u, err := domain.NewUser(id, p.Name)
	if err != nil {
		log.Debug().Err(err).Str("module", "relay.controller").Msg("join rejected")
		if b, encErr := protocol.Encode(protocol.TypeError, "", id, protocol.ErrorPayload{Error: err.Error()}); encErr == nil {
			_ = c.TrySend(b)
		}
		return nil
	}
	u.AvatarKind = p.AvatarKind
	u.Color = p.Color
	u.Status = p.Status

	roomName := domain.RoomName(p.Room)
	if roomName == "" {
		roomName = domain.DefaultRoom
	}

	room := ctl.Rooms.GetOrCreate(roomName)
	dropped := room.Join(*u, c)
	ctl.applyPolicy(room, dropped)
	log.Info().Str("module", "relay.controller").Str("id", string(id)).Str("name", u.Name).Str("room", string(roomName)).Msg("joined")
	return room
}

func (ctl *Controller) dispatch(room *Room, id domain.UserID, c *wsConnection, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMove:
		var p protocol.MovePayload
		if err := env.DecodePayload(&p); err != nil {
			log.Debug().Err(err).Str("module", "relay.controller").Msg("bad move payload")
			return
		}
		dropped, err := room.Move(id, domain.Position{X: p.X, Y: p.Y})
		if err != nil {
			log.Debug().Err(err).Str("module", "relay.controller").Str("id", string(id)).Msg("move dropped")
			return
		}
		ctl.applyPolicy(room, dropped)

	case protocol.TypeChatMessage:
		var p protocol.ChatPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Debug().Err(err).Str("module", "relay.controller").Msg("bad chat payload")
			return
		}
		if _, err := room.Chat(id, p.Message); err != nil {
			if err == ErrRateLimited {
				room.SendError(id, "chat rate limited")
			}
			log.Debug().Err(err).Str("module", "relay.controller").Str("id", string(id)).Msg("chat dropped")
		}

	case protocol.TypeSetStatus:
		var p protocol.StatusPayload
		if err := env.DecodePayload(&p); err != nil {
			log.Debug().Err(err).Str("module", "relay.controller").Msg("bad status payload")
			return
		}
		dropped, err := room.SetStatus(id, p.Status)
		if err != nil {
			log.Debug().Err(err).Str("module", "relay.controller").Str("id", string(id)).Msg("status dropped")
			return
		}
		ctl.applyPolicy(room, dropped)

	case protocol.TypeCallUser, protocol.TypeAnswerCall, protocol.TypeEndCall, protocol.TypeICECandidate:
		room.ForwardSignal(id, env)

	case protocol.TypePing:
		if b, err := protocol.Encode(protocol.TypePong, "", id, nil); err == nil {
			_ = c.TrySend(b)
		}

	case protocol.TypeJoin:
		log.Debug().Str("module", "relay.controller").Str("id", string(id)).Msg("duplicate join ignored")

	default:
		log.Debug().Str("module", "relay.controller").Str("type", env.Type).Msg("unknown envelope type")
	}
}

func (ctl *Controller) applyPolicy(room *Room, dropped []domain.UserID) {
	if ctl.Policy == nil {
		return
	}
	for _, slow := range dropped {
		switch ctl.Policy.OnBackpressure(room.Name(), slow) {
		case KickMember:
			log.Warn().Str("module", "relay.controller").Str("id", string(slow)).Msg("kicking slow member")
			room.Leave(slow)
		case DropFrame, NoAction:
		}
	}
}
