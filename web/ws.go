package web

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"url-reputation-scorer/scan"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 8 << 10
)

// wsMessage is every frame the server sends. Type is "progress",
// "complete" or "error".
type wsMessage struct {
	Type    string        `json:"type"`
	Stage   scan.Stage    `json:"stage,omitempty"`
	Feature string        `json:"feature,omitempty"`
	Message string        `json:"message,omitempty"`
	Error   string        `json:"error,omitempty"`
	Verdict *scan.Verdict `json:"verdict,omitempty"`
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(m wsMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(m)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// WSHandler upgrades to a WebSocket. Each {"url": ...} frame from the client
// starts one scan; its progress is streamed back and the scan ends with
// exactly one complete or error frame.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Str("component", "web").Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	client := clientIP(r)
	c := &wsConn{conn: conn}

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	log.Debug().Str("component", "web").Str("client", client).Msg("websocket connected")
	for {
		var req ScanRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("component", "web").Str("client", client).Err(err).Msg("websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if strings.TrimSpace(req.URL) == "" {
			if c.send(wsMessage{Type: "error", Message: "url required"}) != nil {
				return
			}
			continue
		}
		if !s.limiter.Allow(client) {
			if c.send(wsMessage{Type: "error", Message: "rate limit exceeded"}) != nil {
				return
			}
			continue
		}

		if err := s.streamScan(ctx, c, req.URL); err != nil {
			return
		}
	}
}

// streamScan runs one scan and reports it on c. It returns an error only
// when the connection can no longer be written.
func (s *Server) streamScan(ctx context.Context, c *wsConn, raw string) error {
	ctx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	defer cancel()

	var writeErr error
	obs := scan.ObserverFunc(func(e scan.Event) {
		if writeErr != nil {
			return
		}
		m := wsMessage{Type: "progress", Stage: e.Stage, Feature: string(e.Feature), Message: e.Message}
		if e.Err != nil {
			m.Error = e.Err.Error()
		}
		writeErr = c.send(m)
	})

	v, err := s.scanner.Scan(ctx, raw, obs)
	if writeErr != nil {
		return writeErr
	}
	if err != nil {
		return c.send(wsMessage{Type: "error", Message: userMessage(err)})
	}
	return c.send(wsMessage{Type: "complete", Verdict: &v})
}
