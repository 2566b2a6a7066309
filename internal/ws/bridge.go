package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wsgate/gateway/internal/engine"
	"github.com/wsgate/gateway/internal/observability"
	"github.com/wsgate/gateway/internal/rdp"
	"github.com/wsgate/gateway/internal/session"
)

// bridge ties one websocket client to one rdp.Session.
type bridge struct {
	id          string
	conn        *websocket.Conn
	client      *client
	sess        *rdp.Session
	store       *session.Store
	log         zerolog.Logger
	defaultPort int

	closeOnce sync.Once
	onClose   func()
}

type bridgeConfig struct {
	id          string
	remoteAddr  string
	engine      engine.Engine
	store       *session.Store
	logger      zerolog.Logger
	tick        time.Duration
	defaultPort int
	onClose     func()
}

func newBridge(conn *websocket.Conn, cfg bridgeConfig) (*bridge, error) {
	b := &bridge{
		id:          cfg.id,
		conn:        conn,
		store:       cfg.store,
		log:         cfg.logger.With().Str("session", cfg.id).Str("remote", cfg.remoteAddr).Logger(),
		defaultPort: cfg.defaultPort,
		onClose:     cfg.onClose,
	}

	now := time.Now()
	b.store.Update(&session.Info{
		ID:         cfg.id,
		RemoteAddr: cfg.remoteAddr,
		State:      rdp.Initial,
		CreatedAt:  now,
		UpdatedAt:  now,
	})

	b.client = newClient(conn)
	sess, err := rdp.NewSession(cfg.engine, b.client, rdp.Options{
		Tick:          cfg.tick,
		Logger:        &b.log,
		OnStateChange: b.onStateChange,
	})
	if err != nil {
		b.client.SendText(rdp.StatusErrorPrefix + "Could not create RDP session.")
		b.client.close()
		b.store.Remove(cfg.id)
		return nil, err
	}
	b.sess = sess
	return b, nil
}

func (b *bridge) onStateChange(from, to rdp.State) {
	b.store.SetState(b.id, to)
	observability.RecordTransition(from.String(), to.String())
}

// connectFromQuery starts a connection from ?host=&port=&user=&domain=&pass=.
// It does nothing when host is absent.
func (b *bridge) connectFromQuery(q url.Values) {
	host := q.Get("host")
	if host == "" {
		return
	}
	p := ConnectPayload{
		Host:     host,
		User:     q.Get("user"),
		Domain:   q.Get("domain"),
		Password: q.Get("pass"),
	}
	if raw := q.Get("port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			b.reportError(fmt.Errorf("invalid port %q", raw))
			return
		}
		p.Port = port
	}
	b.connect(p)
}

func (b *bridge) connect(p ConnectPayload) {
	if p.Host == "" {
		b.reportError(errors.New("missing host"))
		return
	}
	if p.Port == 0 {
		p.Port = b.defaultPort
	}
	if p.Port < 0 || p.Port > 65535 {
		b.reportError(fmt.Errorf("invalid port %d", p.Port))
		return
	}
	if err := b.sess.Connect(p.Host, p.Port, p.User, p.Domain, p.Password); err != nil {
		b.reportError(err)
		return
	}
	b.store.Modify(b.id, func(info *session.Info) {
		info.Host = p.Host
		info.Port = p.Port
		info.User = p.User
		info.Domain = p.Domain
	})
	b.log.Info().Str("host", p.Host).Int("port", p.Port).Str("user", p.User).Msg("rdp connect requested")
}

// readLoop dispatches client messages until the connection fails or the
// client asks to disconnect, then closes the bridge.
func (b *bridge) readLoop() {
	defer b.close()

	b.conn.SetReadLimit(maxMessageSize)
	b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug().Err(err).Msg("ws read")
			}
			return
		}
		if kind != websocket.TextMessage {
			b.reportError(errors.New("binary frames not supported"))
			continue
		}
		if !b.dispatch(data) {
			return
		}
	}
}

// dispatch handles one message. It returns false when the client asked to
// end the session.
func (b *bridge) dispatch(data []byte) bool {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		b.reportError(fmt.Errorf("invalid message: %w", err))
		return true
	}

	var err error
	switch msg.Type {
	case MsgConnect:
		var p ConnectPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			b.connect(p)
		}
	case MsgDisconnect:
		return false
	case MsgSync:
		var p SyncPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = b.sess.SendInputSynchronizeEvent(p.Flags)
		}
	case MsgKey:
		var p KeyPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = b.sess.SendInputKeyboardEvent(p.Flags, p.Code)
		}
	case MsgUnicode:
		var p KeyPayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = b.sess.SendInputUnicodeKeyboardEvent(p.Flags, p.Code)
		}
	case MsgMouse:
		var p MousePayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = b.sess.SendInputMouseEvent(p.Flags, p.X, p.Y)
		}
	case MsgExtendedMouse:
		var p MousePayload
		if err = json.Unmarshal(msg.Payload, &p); err == nil {
			err = b.sess.SendInputExtendedMouseEvent(p.Flags, p.X, p.Y)
		}
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}

	if err != nil {
		b.reportError(err)
	} else if msg.Type != MsgConnect {
		observability.RecordInput(string(msg.Type))
	}
	return true
}

func (b *bridge) reportError(err error) {
	b.log.Debug().Err(err).Msg("client request rejected")
	if sendErr := b.client.SendText(rdp.StatusErrorPrefix + err.Error()); sendErr != nil {
		b.log.Debug().Err(sendErr).Msg("error not delivered")
	}
}

// close tears down the RDP session before the websocket so the worker stops
// writing first.
func (b *bridge) close() {
	b.closeOnce.Do(func() {
		if err := b.sess.Close(); err != nil {
			b.log.Warn().Err(err).Msg("rdp session close")
		}
		b.client.close()
		b.store.Remove(b.id)
		b.log.Info().Msg("session closed")
		if b.onClose != nil {
			b.onClose()
		}
	})
}
