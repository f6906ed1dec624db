package broadcast

import (
	"context"
	"errors"
	"sync"

	"collabSync/backend/internal/protocol"
	"collabSync/backend/internal/transport"
)

var ErrEndpointClosed = errors.New("BROADCAST_ENDPOINT_CLOSED")

// Bus 进程内的广播总线，模拟同一台机器上的多个窗口
type Bus struct {
	mu        sync.RWMutex
	endpoints map[*Endpoint]struct{}
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[*Endpoint]struct{})}
}

// Endpoint 总线上的一个参与者，实现 router.Transport
type Endpoint struct {
	bus    *Bus
	subs   transport.Subscribers
	closed bool
}

func (b *Bus) Endpoint() *Endpoint {
	e := &Endpoint{bus: b}
	b.mu.Lock()
	b.endpoints[e] = struct{}{}
	b.mu.Unlock()
	return e
}

func (e *Endpoint) Name() string { return Name }

// Send 同步投递给除自己以外的所有参与者
func (e *Endpoint) Send(ctx context.Context, msg protocol.Message) error {
	e.bus.mu.RLock()
	if e.closed {
		e.bus.mu.RUnlock()
		return ErrEndpointClosed
	}
	peers := make([]*Endpoint, 0, len(e.bus.endpoints))
	for p := range e.bus.endpoints {
		if p != e {
			peers = append(peers, p)
		}
	}
	e.bus.mu.RUnlock()

	for _, p := range peers {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.subs.Deliver(msg)
	}
	return nil
}

func (e *Endpoint) Subscribe(fn func(protocol.Message)) func() {
	return e.subs.Add(fn)
}

func (e *Endpoint) Close() {
	e.bus.mu.Lock()
	e.closed = true
	delete(e.bus.endpoints, e)
	e.bus.mu.Unlock()
}
