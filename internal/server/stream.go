package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// streamEvents upgrades to a WebSocket and writes the ticket's events as JSON
// text frames until the terminal event. A client that goes away cancels the
// ticket.
func (s *Server) streamEvents(c *gin.Context) {
	id := c.Param("id")

	events, err := s.service.Subscribe(id)
	if err != nil {
		s.fail(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already answered the request.
		s.log.WithTicket(id).WithError(err).Warnf("websocket upgrade failed")
		s.service.Cancel(id)
		return
	}
	defer conn.Close()

	log := s.log.WithTicket(id)
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.config.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			log.Infof("subscriber disconnected")
			s.service.Cancel(id)
			return

		case <-ping.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.service.Cancel(id)
				return
			}

		case ev, ok := <-events:
			if !ok {
				s.closeStream(conn, websocket.CloseNormalClosure, "ticket closed")
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Warnf("writing event failed")
				s.service.Cancel(id)
				return
			}
			if ev.Terminal() {
				s.closeStream(conn, websocket.CloseNormalClosure, string(ev.Kind))
				return
			}
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.WriteTimeout))
}
