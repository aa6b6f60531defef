package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	logx "secretariat/pkg/logx"
)

// WebPush is a websocket hub. Browsers connect with ?owner=<ref> and receive
// every reminder addressed to "web:<ref>". With no client connected a send
// fails with ErrChannelUnavailable, which the fire loop retries.
type WebPush struct {
	log          logx.Logger
	writeTimeout time.Duration
	origins      []string

	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}
}

type WebConfig struct {
	WriteTimeout   time.Duration
	OriginPatterns []string
}

// pushFrame is the JSON frame written to clients.
type pushFrame struct {
	Type        string    `json:"type"`
	TaskID      string    `json:"task_id"`
	Text        string    `json:"text"`
	Occurrence  time.Time `json:"occurrence"`
	Interactive bool      `json:"interactive"`
}

func NewWebPush(cfg WebConfig, log logx.Logger) *WebPush {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &WebPush{
		log:          log,
		writeTimeout: cfg.WriteTimeout,
		origins:      cfg.OriginPatterns,
		clients:      map[string]map[*websocket.Conn]struct{}{},
	}
}

// ServeHTTP upgrades the request and holds the connection until the client leaves.
func (h *WebPush) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	if owner == "" {
		http.Error(w, "owner is required", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.log.Debug("websocket accept failed", logx.Err(err))
		return
	}
	h.add(owner, conn)
	defer h.remove(owner, conn)
	h.log.Debug("web client connected", logx.String("owner", owner))

	// Clients never send; CloseRead handles pings and reports disconnects.
	<-conn.CloseRead(r.Context()).Done()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.log.Debug("web client disconnected", logx.String("owner", owner))
}

func (h *WebPush) add(owner string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[owner]
	if set == nil {
		set = map[*websocket.Conn]struct{}{}
		h.clients[owner] = set
	}
	set[c] = struct{}{}
}

func (h *WebPush) remove(owner string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set := h.clients[owner]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, owner)
		}
	}
}

// Connected returns the number of live connections for owner.
func (h *WebPush) Connected(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[owner])
}

func (h *WebPush) Send(ctx context.Context, m Message) error {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[m.Target]))
	for c := range h.clients[m.Target] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return fmt.Errorf("%w: no web client for %s", ErrChannelUnavailable, m.Target)
	}

	b, err := json.Marshal(pushFrame{
		Type:        "reminder",
		TaskID:      m.TaskID,
		Text:        m.Text,
		Occurrence:  m.Occurrence,
		Interactive: m.Interactive,
	})
	if err != nil {
		return Permanent(err)
	}

	// One successful write counts as delivered; broken connections are dropped.
	var lastErr error
	sent := 0
	for _, c := range conns {
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := c.Write(wctx, websocket.MessageText, b)
		cancel()
		if err != nil {
			lastErr = err
			h.remove(m.Target, c)
			_ = c.Close(websocket.StatusGoingAway, "write failed")
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, lastErr)
	}
	return nil
}
