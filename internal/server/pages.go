package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/audiolibrelab/pagecapture/internal/pager"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// pages a client may fall behind before it is disconnected
	clientBuffer = 64
)

var pageUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// PageHeader is sent as a text message before each binary page.
type PageHeader struct {
	Type     string `json:"type"`
	Index    int    `json:"index"`
	Chunks   int    `json:"chunks"`
	Bytes    int    `json:"bytes"`
	Streamed bool   `json:"streamed"`
}

type pageClient struct {
	conn *websocket.Conn
	send chan pager.Page
	done chan struct{}
}

// pageHub fans pages out to websocket clients. broadcast runs on the
// encoder goroutine, so it never blocks: a client whose buffer is full is
// dropped.
type pageHub struct {
	mu          sync.Mutex
	clients     map[*pageClient]struct{}
	unsubscribe func()
}

func newPageHub() *pageHub {
	return &pageHub{clients: make(map[*pageClient]struct{})}
}

func (h *pageHub) broadcast(p pager.Page) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- p:
		default:
			slog.Warn("Page client too slow, disconnecting", "remote", c.conn.RemoteAddr().String(), "page", p.Index)
			h.removeLocked(c)
		}
	}
}

func (h *pageHub) add(conn *websocket.Conn) *pageClient {
	c := &pageClient{
		conn: conn,
		send: make(chan pager.Page, clientBuffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *pageHub) remove(c *pageClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *pageHub) removeLocked(c *pageClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.done)
}

func (h *pageHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *pageHub) close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// handlePages upgrades the request and streams every page until the client
// goes away.
func (h *pageHub) handlePages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := pageUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		slog.Debug("Websocket upgrade failed", "error", err)
		return
	}

	c := h.add(conn)
	slog.Info("Page client connected", "remote", conn.RemoteAddr().String())

	go c.writePump()
	c.readPump()
	h.remove(c)

	slog.Info("Page client disconnected", "remote", conn.RemoteAddr().String())
}

// readPump only handles control frames; clients do not send data.
func (c *pageClient) readPump() {
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Page client read error", "error", err)
			}
			return
		}
	}
}

func (c *pageClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case page := <-c.send:
			header, err := json.Marshal(PageHeader{
				Type:     "page",
				Index:    page.Index,
				Chunks:   len(page.Chunks),
				Bytes:    page.Len(),
				Streamed: page.Streamed,
			})
			if err != nil {
				slog.Warn("Failed to encode page header", "error", err)
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, header); err != nil {
				slog.Warn("Page header write error", "error", err)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, page.Bytes()); err != nil {
				slog.Warn("Page write error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
