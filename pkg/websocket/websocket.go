// Package websocket exposes a running session to browsers: updates are
// pushed as JSON frames and commands come back the same way.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/logging"
)

var (
	upgrade = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	heartBeatTime = 30 * time.Second
	writeWait     = 10 * time.Second
	readWait      = 2 * time.Minute
)

const (
	sendBuffer    = 64
	commandBuffer = 64
)

// Command is a request from a browser. Which fields matter depends on Type.
type Command struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Text   string `json:"text,omitempty"`
	ToHost bool   `json:"to_host,omitempty"`
	Peer   uint64 `json:"peer,omitempty"`
}

type client struct {
	conn *websocket.Conn
	addr string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Feed fans frames out to every connected browser and collects their
// commands for the session goroutine.
type Feed struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	commands chan Command
}

func NewFeed(log *zap.Logger) *Feed {
	return &Feed{
		log:      logging.OrNop(log).Named("websocket"),
		clients:  make(map[*client]struct{}),
		commands: make(chan Command, commandBuffer),
	}
}

// Commands delivers browser commands in arrival order. When the reader falls
// behind, new commands are dropped.
func (f *Feed) Commands() <-chan Command { return f.commands }

// Clients reports how many browsers are attached.
func (f *Feed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// Broadcast sends v as a JSON text frame to every browser. A browser whose
// buffer is full misses the frame.
func (f *Feed) Broadcast(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- b:
		default:
			f.log.Warn("client too slow, frame dropped", zap.String("addr", c.addr))
		}
	}
	return nil
}

// Close disconnects every browser. Later connections are refused.
func (f *Feed) Close() {
	f.mu.Lock()
	f.closed = true
	clients := f.clients
	f.clients = make(map[*client]struct{})
	f.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrade.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		addr: conn.RemoteAddr().String(),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		c.close()
		return
	}
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.log.Info("client attached", zap.String("addr", c.addr))

	defer func() {
		f.mu.Lock()
		delete(f.clients, c)
		f.mu.Unlock()
		c.close()
		f.log.Info("client detached", zap.String("addr", c.addr))
	}()

	go f.writeLoop(c)
	f.readLoop(c)
}

func (f *Feed) readLoop(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.Warn("unexpected close", zap.String("addr", c.addr), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			f.log.Debug("bad command", zap.String("addr", c.addr), zap.Error(err))
			continue
		}
		select {
		case f.commands <- cmd:
		default:
			f.log.Warn("command queue full, dropped", zap.String("type", cmd.Type))
		}
	}
}

// writeLoop owns every write on the connection, heartbeat pings included.
func (f *Feed) writeLoop(c *client) {
	ticker := time.NewTicker(heartBeatTime)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				f.log.Debug("write failed", zap.String("addr", c.addr), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				f.log.Debug("ping failed", zap.String("addr", c.addr), zap.Error(err))
				return
			}
		}
	}
}
