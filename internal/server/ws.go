package server

import (
	"net/http"
	"time"

	"setup-scorer/internal/features"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	errMalformedRequest = "malformed_request"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamError is sent in place of a result when a message cannot be scored.
// The stream stays open.
type StreamError struct {
	Error    string                `json:"error"`
	Strategy string                `json:"strategy,omitempty"`
	Detail   []features.FieldError `json:"detail,omitempty"`
}

// handleStream scores every text message received on the socket as one
// record and replies with one JSON message per request, in order.
func (s *Server) handleStream(c echo.Context) error {
	strategy := c.Param("strategy")
	if !s.dispatcher.Registry().Has(strategy) {
		return c.JSON(http.StatusNotFound, map[string]string{"detail": "Unknown strategy: " + strategy})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Str("strategy", strategy).Msg("WebSocket upgrade failed")
		return nil
	}
	defer conn.Close()

	logger := log.With().Str("strategy", strategy).Str("remote", c.RealIP()).Logger()
	logger.Info().Msg("WebSocket stream opened")

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket stream ended unexpectedly")
			} else {
				logger.Info().Msg("WebSocket stream closed")
			}
			return nil
		}

		var reply any
		if msgType != websocket.TextMessage {
			reply = StreamError{Error: errMalformedRequest, Detail: []features.FieldError{{
				Code:    "ERR_BODY",
				Message: "only text messages are accepted",
			}}}
		} else {
			res, status, payload := s.score(ctx, "", strategy, data)
			switch p := payload.(type) {
			case nil:
				reply = res
			case MalformedResponse:
				reply = StreamError{Error: errMalformedRequest, Detail: p.Detail}
			default:
				reply = StreamError{Error: errInferenceFailure, Strategy: strategy}
				logger.Debug().Int("status", status).Msg("Stream message failed")
			}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(reply); err != nil {
			logger.Warn().Err(err).Msg("WebSocket write failed")
			return nil
		}
	}
}
