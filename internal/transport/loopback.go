package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Loopback bus: a broadcast medium joining any number of endpoints in one
// process. A frame written by one endpoint reaches every other endpoint, in
// write order, through a per-endpoint serial queue — the same shape as two
// screens facing two cameras, minus the optics. An endpoint never sees its
// own frames.

const inboxDepth = 256

type Bus struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[string]*Endpoint)}
}

// Endpoint attaches a new peer to the bus.
func (b *Bus) Endpoint() *Endpoint {
	ep := &Endpoint{
		id:    uuid.NewString(),
		bus:   b,
		inbox: make(chan string, inboxDepth),
		stop:  make(chan struct{}),
	}
	b.mu.Lock()
	b.endpoints[ep.id] = ep
	b.mu.Unlock()
	return ep
}

func (b *Bus) broadcast(from string, frame string) {
	b.mu.Lock()
	peers := make([]*Endpoint, 0, len(b.endpoints))
	for id, ep := range b.endpoints {
		if id != from {
			peers = append(peers, ep)
		}
	}
	b.mu.Unlock()

	for _, ep := range peers {
		if !ep.listening() {
			// Camera not running yet: the frame goes unseen.
			continue
		}
		select {
		case ep.inbox <- frame:
		default:
			// Inbox full: the frame is lost, like a code nobody scanned.
		}
	}
}

func (b *Bus) detach(id string) {
	b.mu.Lock()
	delete(b.endpoints, id)
	b.mu.Unlock()
}

// Endpoint is one peer's view of the bus. It is both the Writer and the
// Reader for that peer.
type Endpoint struct {
	id    string
	bus   *Bus
	inbox chan string

	mu      sync.Mutex
	started bool

	stopOnce sync.Once
	stop     chan struct{}
}

func (ep *Endpoint) listening() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.started
}

var _ Writer = (*Endpoint)(nil)
var _ Reader = (*Endpoint)(nil)

func (ep *Endpoint) Write(ctx context.Context, frame string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ep.stop:
		return nil
	default:
	}
	ep.bus.broadcast(ep.id, frame)
	return nil
}

// Start pumps inbound frames to onData one at a time. Frames broadcast
// before Start never reach this endpoint.
func (ep *Endpoint) Start(onData func(frame string), onErr func(err error)) {
	ep.mu.Lock()
	ep.started = true
	ep.mu.Unlock()
	go func() {
		for {
			select {
			case <-ep.stop:
				return
			case frame := <-ep.inbox:
				onData(frame)
			}
		}
	}()
	_ = onErr // the loopback medium has no failure mode
}

func (ep *Endpoint) Stop() {
	ep.stopOnce.Do(func() {
		close(ep.stop)
		ep.bus.detach(ep.id)
	})
}
