package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"ratingstudy/internal/logging"
	"ratingstudy/internal/security"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var (
	errConnClosed = errors.New("connection closed")
	errInternal   = errors.New("internal error")
)

// conn is one participant connection. readPump owns the runner and is the
// only goroutine that queues frames; writePump is the only one that writes
// data frames to the socket.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	id     string
	ip     string
	logger *logging.Logger

	sendCh  chan []byte
	closed  bool
	limited bool

	limiter      *security.RateLimiter
	runner       *runner
	pingInterval time.Duration
	maxMessage   int64
}

func (c *conn) send(m ServerMessage) error {
	if c.closed {
		return errConnClosed
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	select {
	case c.sendCh <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping client")
		c.ws.Close()
		return fmt.Errorf("%w: send buffer full", errConnClosed)
	}
}

func (c *conn) run() {
	wdone := make(chan struct{})
	go func() {
		defer close(wdone)
		c.writePump()
	}()
	c.readPump()
	<-wdone
}

func (c *conn) readPump() {
	defer func() {
		c.closed = true
		close(c.sendCh)
	}()

	pongWait := 2 * c.pingInterval
	c.ws.SetReadLimit(c.maxMessage)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	if c.step(c.runner.start) {
		return
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("connection lost", "error", err)
			} else {
				c.logger.Debug("connection closed", "error", err)
			}
			c.runner.abandon("connection lost")
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.srv.metrics.MessageLimited()
			if !c.limited {
				c.limited = true
				c.logger.Warn("client rate limited")
				if c.send(errorMessage(CodeRateLimited, security.ErrRateLimited)) != nil {
					c.runner.abandon("connection lost")
					return
				}
			}
			continue
		}
		c.limited = false

		msg, err := decodeClientMessage(data)
		if err != nil {
			c.logger.Debug("malformed client message", "error", err)
			if c.send(errorMessage(CodeBadMessage, err)) != nil {
				c.runner.abandon("connection lost")
				return
			}
			continue
		}
		if c.step(func() (bool, error) { return c.runner.handle(msg) }) {
			return
		}
	}
}

// step runs one runner operation under the crash handler and reports
// whether the connection should close.
func (c *conn) step(fn func() (bool, error)) bool {
	var (
		done bool
		err  error
	)
	info := map[string]any{"conn_id": c.id, "session_id": c.runner.sess.ID(), "phase": c.runner.phase.String()}
	if c.srv.crash.Guard(info, func() { done, err = fn() }) {
		_ = c.send(errorMessage(CodeInternal, errInternal))
		c.runner.abandon("internal error")
		return true
	}
	if done {
		return true
	}
	if err == nil {
		return false
	}
	if errors.Is(err, errConnClosed) {
		c.runner.abandon("connection lost")
		return true
	}

	code := errorCode(err)
	c.logger.Warn("client message rejected", "code", code, "error", err)
	if c.send(errorMessage(code, err)) != nil {
		c.runner.abandon("connection lost")
		return true
	}
	return false
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// goAway tells the client the server is stopping and closes the socket.
// The read loop then saves the session.
func (c *conn) goAway() {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait))
	c.ws.Close()
}
