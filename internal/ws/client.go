package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codecollab/internal/auth"
	"github.com/manpreetbhatti/codecollab/internal/config"
	"github.com/manpreetbhatti/codecollab/internal/identity"
	"github.com/manpreetbhatti/codecollab/internal/protocol"
	"github.com/manpreetbhatti/codecollab/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Peers exceeding the rate limit this many times are disconnected.
	maxRateViolations = 1000
)

type ClientConfig struct {
	MaxMessageSize int64
	SendBuffer     int
	RatePerSecond  float64
	RateBurst      int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxMessageSize: 1024 * 1024,
		SendBuffer:     256,
		RatePerSecond:  100,
		RateBurst:      200,
	}
}

// Client is one WebSocket connection. The hub talks to it only through
// Send and Close.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	id          string
	userID      string
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger
}

// Send queues a frame without blocking. It reports false when the queue is
// full. Frames sent after Close are discarded.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close asks the write pump to flush queued frames and close the socket.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server upgrades HTTP requests into hub connections.
type Server struct {
	hub      *Hub
	auth     *auth.Authenticator
	profiles *identity.Resolver
	upgrader websocket.Upgrader
	cfg      ClientConfig
	logger   *zap.Logger
}

func NewServer(hub *Hub, authenticator *auth.Authenticator, profiles *identity.Resolver, origins []string, cfg ClientConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultClientConfig()
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	return &Server{
		hub:      hub,
		auth:     authenticator,
		profiles: profiles,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(origins),
		},
		cfg:    cfg,
		logger: logger,
	}
}

// checkOrigin allows requests without an Origin header (non-browser clients),
// any origin when "*" is configured, and otherwise only listed origins.
func checkOrigin(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		n, ok := config.NormalizeOrigin(origin)
		if !ok {
			return false
		}
		_, ok = allowed[n]
		return ok
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.ServeWs(w, r)
}

// ServeWs handles GET /ws?roomId={id}&token={jwt}.
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	if s.hub.Closing() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	who, err := s.auth.Identify(r)
	if err != nil {
		s.logger.Debug("rejected connection", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	roomID := strings.TrimSpace(q.Get("roomId"))
	if roomID == "" {
		roomID = strings.TrimSpace(q.Get("room"))
	}

	profile := identity.Profile{UserID: who.UserID, DisplayName: who.DisplayName, AvatarURL: who.AvatarURL}
	if who.Verified && who.DisplayName != "" {
		s.profiles.Save(r.Context(), profile)
	} else if !who.Guest {
		profile = s.profiles.Resolve(r.Context(), who.UserID)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:         s.hub,
		conn:        conn,
		send:        make(chan []byte, s.cfg.SendBuffer),
		done:        make(chan struct{}),
		id:          uuid.NewString(),
		userID:      who.UserID,
		rateLimiter: ratelimit.NewLimiter(s.cfg.RatePerSecond, s.cfg.RateBurst, maxRateViolations),
		logger:      s.logger,
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	go client.writePump()

	// r.Context() is cancelled once ServeWs returns on hijacked connections.
	if err := s.hub.Connect(context.Background(), Conn{
		ID:      client.id,
		RoomID:  roomID,
		Profile: profile,
		Sender:  client,
	}); err != nil {
		s.logger.Warn("connect failed", zap.String("conn", client.id), zap.Error(err))
		client.Close()
		return
	}

	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Disconnect(c.id)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		switch c.rateLimiter.Check() {
		case ratelimit.Drop:
			n := c.rateLimiter.Violations()
			if n%100 == 1 {
				c.logger.Warn("rate limit exceeded",
					zap.String("conn", c.id), zap.String("user", c.userID), zap.Int("violations", n))
				c.Send(protocol.EncodeError(protocol.CodeRateLimited, "too many messages"))
			}
			continue
		case ratelimit.Disconnect:
			c.logger.Warn("disconnecting client for excessive rate limit violations",
				zap.String("conn", c.id), zap.String("user", c.userID))
			return
		}

		c.hub.HandleMessage(context.Background(), c.id, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}

		case <-c.done:
			c.drain()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// drain writes whatever is still queued.
func (c *Client) drain() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}
		default:
			return
		}
	}
}
