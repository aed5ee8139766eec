package devbackend

import (
	"time"

	"github.com/fasthttp/websocket"
	"github.com/prappser/prappser_uploader/internal/channel"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 * 1024 // 64KB
	sendBufferSize = 256
)

type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	socketID  string
	send      chan *channel.Frame
	writeDone chan struct{}
}

func NewClient(hub *Hub, conn *websocket.Conn, socketID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		socketID:  socketID,
		send:      make(chan *channel.Frame, sendBufferSize),
		writeDone: make(chan struct{}),
	}
}

// ReadPump only keeps the read deadline alive; uploaders never send
// anything but control frames.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug().Str("socketId", c.socketID).Err(err).Msg("[WS] Read error")
			} else {
				log.Debug().Str("socketId", c.socketID).Msg("[WS] Client disconnected")
			}
			return
		}
	}
}

// WritePump exits once send is closed or a write fails. The connection is
// only valid while the upgrade handler runs, so the handler waits on
// writeDone before returning.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(frame); err != nil {
				log.Debug().Str("socketId", c.socketID).Err(err).Msg("[WS] Write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Str("socketId", c.socketID).Err(err).Msg("[WS] Ping error")
				return
			}
		}
	}
}
