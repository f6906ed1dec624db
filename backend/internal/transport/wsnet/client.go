package wsnet

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/transport"
)

const Name = "network"

var ErrNotConnected = errors.New("NETWORK_NOT_CONNECTED")

type Options struct {
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Header         http.Header
	// 每次（重新）连上之后回调，可用来重新握手
	OnConnect func()
}

// Client 到中继服务端的 websocket 连接，断开后按指数退避重连
type Client struct {
	url  string
	opts Options
	subs transport.Subscribers

	connMu sync.RWMutex
	conn   *websocket.Conn
	// gorilla 的连接不支持并发写
	writeMu sync.Mutex
}

func New(url string, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	return &Client{url: url, opts: opts}
}

func (c *Client) Name() string { return Name }

func (c *Client) Subscribe(fn func(protocol.Message)) func() {
	return c.subs.Add(fn)
}

func (c *Client) Connected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Send 写一条消息；未连接时直接失败，不排队
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(c.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// Run 连接并读取，直到 ctx 结束。断线后退避重连
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.InitialBackoff
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.DialTimeout}
	for {
		conn, resp, err := dialer.DialContext(ctx, c.url, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if resp != nil {
				log.Printf("websocket dial failed url=%s status=%d err=%v", c.url, resp.StatusCode, err)
			} else {
				log.Printf("websocket dial failed url=%s err=%v", c.url, err)
			}
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}
		backoff = c.opts.InitialBackoff
		log.Printf("websocket connected url=%s", c.url)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		if c.opts.OnConnect != nil {
			c.opts.OnConnect()
		}

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		c.readLoop(conn)
		stop()

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("websocket read error url=%s: %v", c.url, err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("drop malformed message url=%s bytes=%d err=%v", c.url, len(data), err)
			continue
		}
		c.subs.Deliver(msg)
	}
}
