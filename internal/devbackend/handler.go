package devbackend

import (
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/prappser/prappser_uploader/internal/middleware"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

var upgrader = websocket.FastHTTPUpgrader{
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool {
		return true
	},
}

type SocketHandler struct {
	hub  *Hub
	auth *middleware.AuthMiddleware
}

func NewSocketHandler(hub *Hub, auth *middleware.AuthMiddleware) *SocketHandler {
	return &SocketHandler{
		hub:  hub,
		auth: auth,
	}
}

func (h *SocketHandler) HandleFastHTTP(ctx *fasthttp.RequestCtx) {
	principal, err := h.auth.Authenticate(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("[WS] Connection rejected")
		ctx.Error("Unauthorized", fasthttp.StatusUnauthorized)
		return
	}

	err = upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := NewClient(h.hub, conn, uuid.New().String())
		if !h.hub.Register(client) {
			return
		}

		log.Info().
			Str("socketId", client.socketID).
			Str("subject", principal.Subject).
			Msg("[WS] Client connected")

		go client.WritePump()
		client.ReadPump()
		<-client.writeDone
	})

	if err != nil {
		log.Error().Err(err).Msg("[WS] Failed to upgrade connection")
	}
}
