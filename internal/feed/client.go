// Package feed subscribes to the realtime group feed and queues the received
// snapshot updates for the session tick.
package feed

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wtsync.dev/internal/protocol"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	maxBackoff   = 5 * time.Second
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Recorder receives every reconciled update.
type Recorder interface {
	Record(kind string, payload any) error
}

type Config struct {
	BaseURL   string
	Peers     []protocol.Identity
	UserAgent string
	Logger    *log.Logger
	Journal   Recorder
}

// Client keeps one websocket subscription alive for a fixed set of peers.
type Client struct {
	cfg   Config
	url   string
	peers []protocol.Identity
	queue Queue

	mu sync.RWMutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	state       State
	connections int
	lastErr     string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// URL builds the subscription URL for peers: sorted, de-duplicated ids joined
// by commas, with the http(s) scheme mapped to ws(s).
func URL(base string, peers []protocol.Identity) (string, []protocol.Identity, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		return "", nil, fmt.Errorf("unsupported feed url: %q", base)
	}
	seen := map[protocol.Identity]struct{}{}
	ids := make([]protocol.Identity, 0, len(peers))
	for _, p := range peers {
		if !p.Valid() {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		ids = append(ids, p)
	}
	if len(ids) == 0 {
		return "", nil, fmt.Errorf("no peers to subscribe to")
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	return base + "/party/" + strings.Join(parts, ","), ids, nil
}

func New(cfg Config) (*Client, error) {
	u, peers, err := URL(cfg.BaseURL, cfg.Peers)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "wtsync/" + protocol.Version
	}
	return &Client{
		cfg:   cfg,
		url:   u,
		peers: peers,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

func (c *Client) URL() string { return c.url }

func (c *Client) Peers() []protocol.Identity {
	return append([]protocol.Identity(nil), c.peers...)
}

func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Close stops the reconnect loop and waits for it to exit. Safe to call more
// than once, and before Start.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.disconnect()
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
	})
}

func (c *Client) disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.connections = 0
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == Connected }

// Connections is the server-reported number of clients sharing this group.
func (c *Client) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connections
}

func (c *Client) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Client) HasUpdate() bool { return c.queue.Len() > 0 }

func (c *Client) TryGetUpdate() (protocol.StatusAndID, bool) { return c.queue.TryPop() }

// DrainUpdates returns every queued update, oldest first.
func (c *Client) DrainUpdates() []protocol.StatusAndID { return c.queue.Drain() }

// SendStatusRequest asks the server for a status message.
func (c *Client) SendStatusRequest() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.write(conn, protocol.GetStatusMsg{Msg: protocol.MsgGetStatus})
}

func (c *Client) write(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) run() {
	defer close(c.done)

	backoff := 200 * time.Millisecond
	for {
		select {
		case <-c.stop:
			c.disconnect()
			return
		default:
		}

		err := c.connectAndReadLoop()
		c.mu.Lock()
		c.state = Disconnected
		c.connections = 0
		c.conn = nil
		if err != nil {
			c.lastErr = err.Error()
		}
		c.mu.Unlock()

		select {
		case <-c.stop:
			c.disconnect()
			return
		default:
		}
		if err != nil {
			c.printf("feed %s: %v (retry in %s)", c.url, err, backoff)
		}
		select {
		case <-c.stop:
			c.disconnect()
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (c *Client) connectAndReadLoop() error {
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	h := http.Header{}
	h.Set("User-Agent", c.cfg.UserAgent)
	conn, resp, err := d.Dial(c.url, h)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	select {
	case <-c.stop:
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	default:
	}
	c.conn = conn
	c.state = Connected
	c.connections = 0
	c.lastErr = ""
	c.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})

	// The server replays the group's full state on every connection; asking
	// for status also refreshes the connection count.
	if err := c.write(conn, protocol.GetStatusMsg{Msg: protocol.MsgGetStatus}); err != nil {
		_ = conn.Close()
		return err
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			select {
			case <-c.stop:
				return nil
			default:
			}
			return err
		}
		if typ != websocket.TextMessage {
			c.printf("feed: ignoring non-text frame type=%d", typ)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		c.printf("feed: malformed message: %v", err)
		return
	}
	switch base.Msg {
	case protocol.MsgInitial:
		var m protocol.InitialMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.printf("feed: bad initial: %v", err)
			return
		}
		c.queue.Push(m.Results...)
		c.record("feed_initial", m.Results)
	case protocol.MsgUpdate:
		var m protocol.UpdateMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.printf("feed: bad update: %v", err)
			return
		}
		if !m.Data.ID.Valid() {
			c.printf("feed: update without id")
			return
		}
		c.queue.Push(m.Data)
		c.record("feed_update", m.Data)
	case protocol.MsgStatus:
		var m protocol.StatusMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			c.printf("feed: bad status: %v", err)
			return
		}
		c.mu.Lock()
		c.connections = m.Connections
		c.mu.Unlock()
	default:
		c.printf("feed: unknown message %q", base.Msg)
	}
}

func (c *Client) record(kind string, payload any) {
	if c.cfg.Journal == nil {
		return
	}
	if err := c.cfg.Journal.Record(kind, payload); err != nil {
		c.printf("journal %s failed: %v", kind, err)
	}
}

func (c *Client) printf(format string, args ...any) {
	if c != nil && c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}
