package api

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/nugget/quarry/internal/events"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEvents streams bus events as JSON text frames. ?kind=a,b
// limits the stream to those kinds.
func (s *Server) handleEvents(c echo.Context) error {
	if s.d.Bus == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "event stream unavailable")
	}

	var kinds map[string]bool
	if v := c.QueryParam("kind"); v != "" {
		kinds = make(map[string]bool)
		for _, k := range strings.Split(v, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			if !slices.Contains(eventStreamKinds, k) {
				return errorJSON(c, http.StatusBadRequest, "unknown event kind "+k)
			}
			kinds[k] = true
		}
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	sub := s.d.Bus.Subscribe(64)
	defer s.d.Bus.Unsubscribe(sub)
	s.logger.Debug("event stream opened", "remote", c.RealIP())

	// Reader: only control frames are expected; any read error ends
	// the stream.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if kinds != nil && !kinds[ev.Kind] {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// eventStreamKinds lists the kinds a client may filter on.
var eventStreamKinds = []string{
	events.KindQueryStart,
	events.KindQueryComplete,
	events.KindLLMCall,
	events.KindLLMResponse,
	events.KindLLMRetry,
	events.KindToolCall,
	events.KindToolDone,
	events.KindCacheHit,
	events.KindCostRecorded,
	events.KindPersonaSwitch,
	events.KindSessionExpired,
	events.KindProviderState,
}
