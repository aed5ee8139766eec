package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/goccy/go-json"
	"github.com/prappser/prappser_uploader/internal/auth"
	"github.com/prappser/prappser_uploader/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultEventBuffer       = 64
	maxMessageSize           = 512 * 1024 // 512KB
)

var ErrClosed = errors.New("channel closed")

type Config struct {
	URL               string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	WriteTimeout      time.Duration
	EventBuffer       int
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = defaultMaxReconnectDelay
		if c.MaxReconnectDelay < c.ReconnectDelay {
			c.MaxReconnectDelay = c.ReconnectDelay
		}
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PongWait <= c.PingInterval {
		c.PongWait = c.PingInterval * 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}

// Client is the process-wide push connection. It reconnects on its own until
// Close is called; every connection gets a new session id from the welcome
// message.
type Client struct {
	config  Config
	session auth.Session
	dialer  *websocket.Dialer
	events  chan Event

	mu          sync.RWMutex
	sessionID   string
	ready       chan struct{}
	readyClosed bool

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewClient(config Config, session auth.Session, dialer *websocket.Dialer) *Client {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	config = config.withDefaults()
	return &Client{
		config:  config,
		session: session,
		dialer:  dialer,
		events:  make(chan Event, config.EventBuffer),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		go c.run(ctx)
	})
}

// Events is closed once the client has shut down.
func (c *Client) Events() <-chan Event {
	return c.events
}

// SessionID blocks until the current connection has been welcomed.
func (c *Client) SessionID(ctx context.Context) (string, error) {
	for {
		c.mu.RLock()
		id, ready := c.sessionID, c.ready
		c.mu.RUnlock()
		if id != "" {
			return id, nil
		}

		select {
		case <-ready:
		case <-c.done:
			return "", ErrClosed
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.startOnce.Do(func() {
			// never started, nothing will close these
			close(c.done)
			close(c.events)
		})
		if c.cancel != nil {
			c.cancel()
		}
	})
	<-c.done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	delay := c.config.ReconnectDelay
	for {
		welcomed, err := c.connectAndRead(ctx)
		c.setSessionID("")
		if ctx.Err() != nil {
			log.Info().Msg("[WS] Channel closed")
			return
		}
		if welcomed {
			delay = c.config.ReconnectDelay
		}

		metrics.ChannelReconnects.Inc()
		log.Info().
			Err(err).
			Dur("retryIn", delay).
			Msg("[WS] Connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) (bool, error) {
	target, header, err := c.dialTarget()
	if err != nil {
		return false, err
	}

	conn, _, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		return false, err
	}

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
		case <-connDone:
		}
		conn.Close()
	}()
	go c.pingLoop(conn, connDone)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	log.Debug().Str("url", c.config.URL).Msg("[WS] Connected")

	welcomed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return welcomed, err
		}
		conn.SetReadDeadline(time.Now().Add(c.config.PongWait))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Msg("[WS] Ignoring malformed frame")
			continue
		}

		for _, ev := range Decode(&frame) {
			if welcome, ok := ev.(Welcome); ok {
				welcomed = true
				c.setSessionID(welcome.SessionID)
				log.Info().Str("socketId", welcome.SessionID).Msg("[WS] Session established")
			}
			metrics.ChannelEvents.WithLabelValues(KindOf(ev)).Inc()

			select {
			case c.events <- ev:
			case <-ctx.Done():
				return welcomed, ctx.Err()
			}
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connDone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.config.WriteTimeout)); err != nil {
				log.Debug().Err(err).Msg("[WS] Ping error")
				return
			}
		}
	}
}

func (c *Client) dialTarget() (string, http.Header, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", nil, err
	}

	header := http.Header{}
	if c.session != nil && c.session.IsAuthenticated() {
		if token, err := c.session.BearerToken(); err == nil {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
			header.Set("Authorization", "Bearer "+token)
		}
	}
	return u.String(), header, nil
}

func (c *Client) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = id
	switch {
	case id != "" && !c.readyClosed:
		close(c.ready)
		c.readyClosed = true
	case id == "" && c.readyClosed:
		c.ready = make(chan struct{})
		c.readyClosed = false
	}
}
