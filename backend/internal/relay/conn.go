package relay

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/metrics"
	"collabSync/backend/internal/protocol"
)

const writeWait = 5 * time.Second

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	id       string
	userID   uint64
	username string
	// 出站队列，满了直接丢，慢连接不拖累房间里的其它人
	send chan protocol.Message
	done chan struct{}
	once sync.Once
	// 只在 readLoop 里读写
	rooms map[string]struct{}
}

func NewConn(ws *websocket.Conn, hub *Hub, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
		send:     make(chan protocol.Message, 64),
		done:     make(chan struct{}),
		rooms:    make(map[string]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Enqueue(msg protocol.Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
		metrics.InboundDropped.WithLabelValues("relay_queue_full").Inc()
	}
}

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) readLoop() {
	defer func() {
		for docID := range c.rooms {
			c.hub.Leave(docID, c)
		}
		c.close()
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Printf("read error (conn=%s, user=%d): %v", c.id, c.userID, err)
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			log.Printf("drop malformed message (conn=%s): %v", c.id, err)
			continue
		}
		switch msg.Type {
		case protocol.TypeSyncRequest:
			c.rooms[msg.DocumentID] = struct{}{}
			c.hub.SyncRequest(c, msg)
		case protocol.TypeUpdate:
			c.rooms[msg.DocumentID] = struct{}{}
			c.hub.Update(c, msg)
		case protocol.TypeAwareness:
			c.hub.Awareness(c, msg)
		default:
			// 忽略未知类型（包括客户端误发的 sync_done）
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			b, err := protocol.Encode(msg)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Printf("write error (conn=%s): %v", c.id, err)
				c.close()
				_ = c.ws.Close()
				return
			}
		}
	}
}
