package mux

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// DefaultTimeout is the initial read and write timeout of a channel.
const DefaultTimeout = 30 * time.Second

// Channel is one logical byte stream inside a connection, identified by
// (kind, name). Reads are fed by the connection's reader goroutine through
// a single-slot receive buffer; writes become Data frames on the base
// stream. A Channel is an io.ReadWriteCloser, so it can serve as the base
// stream of a nested connection.
type Channel struct {
	conn *Conn
	kind protocol.Kind
	name protocol.ID

	// slot and slotFree together form the single-slot receive buffer.
	// deliver must take the token from slotFree before depositing into
	// slot; Read returns the token only once the payload is fully
	// consumed. At most one payload is resident at any time, even while
	// a reader drains it across several partial Read calls — that is
	// what couples the wire to the consumer through the shared base
	// stream.
	slot     chan []byte
	slotFree chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	// readMu serializes readers and guards leftover, the unread tail of
	// the payload currently occupying the slot.
	readMu   sync.Mutex
	leftover []byte

	readTimeout  atomic.Int64 // nanoseconds; <= 0 blocks until close
	writeTimeout atomic.Int64 // nanoseconds; slot-stall budget for deliver
}

func newChannel(conn *Conn, kind protocol.Kind, name protocol.ID) *Channel {
	ch := &Channel{
		conn:     conn,
		kind:     kind,
		name:     name,
		slot:     make(chan []byte, 1),
		slotFree: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	ch.slotFree <- struct{}{}
	ch.readTimeout.Store(int64(DefaultTimeout))
	ch.writeTimeout.Store(int64(conn.ChannelWriteTimeout()))
	util.Stats.AddChannel()
	return ch
}

// Kind returns the channel's kind.
func (ch *Channel) Kind() protocol.Kind { return ch.kind }

// Name returns the channel's 20-byte name.
func (ch *Channel) Name() protocol.ID { return ch.name }

// Conn returns the connection the channel belongs to.
func (ch *Channel) Conn() *Conn { return ch.conn }

// ReadTimeout returns the current read timeout.
func (ch *Channel) ReadTimeout() time.Duration {
	return time.Duration(ch.readTimeout.Load())
}

// SetReadTimeout changes the read timeout. Zero or negative means reads
// block until data arrives or the channel closes.
func (ch *Channel) SetReadTimeout(d time.Duration) {
	ch.readTimeout.Store(int64(d))
}

// WriteTimeout returns the current slot-stall timeout for inbound payloads.
func (ch *Channel) WriteTimeout() time.Duration {
	return time.Duration(ch.writeTimeout.Load())
}

// SetWriteTimeout changes the slot-stall timeout.
func (ch *Channel) SetWriteTimeout(d time.Duration) {
	ch.writeTimeout.Store(int64(d))
}

// Read copies buffered payload bytes into p. It blocks until a payload is
// delivered, the read timeout elapses (ErrReadTimeout), or the channel
// closes. After close, any payload already in the slot is still drained;
// then Read returns io.EOF.
//
// The slot stays occupied until the payload is consumed in full, so a
// reader draining a large payload in small chunks keeps the next delivery
// — and, through the single base stream, the sender — waiting.
func (ch *Channel) Read(p []byte) (int, error) {
	ch.readMu.Lock()
	defer ch.readMu.Unlock()

	if len(ch.leftover) > 0 {
		return ch.consume(p, ch.leftover), nil
	}

	var timeout <-chan time.Time
	if d := ch.ReadTimeout(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case payload := <-ch.slot:
		return ch.consume(p, payload), nil
	case <-ch.closed:
		// A payload delivered just before close is still consumable.
		select {
		case payload := <-ch.slot:
			return ch.consume(p, payload), nil
		default:
			return 0, io.EOF
		}
	case <-timeout:
		return 0, ErrReadTimeout
	}
}

// consume copies payload bytes out and frees the slot once nothing is left.
func (ch *Channel) consume(p, payload []byte) int {
	n := copy(p, payload)
	ch.leftover = payload[n:]
	if len(ch.leftover) == 0 {
		select {
		case ch.slotFree <- struct{}{}:
		default:
		}
	}
	return n
}

// Write sends p to the peer as one or more Data frames for this channel.
// It returns len(p) on success; back-pressure comes from the base stream.
func (ch *Channel) Write(p []byte) (int, error) {
	select {
	case <-ch.closed:
		return 0, ErrChannelClosed
	default:
	}
	if err := ch.conn.writeFrame(ch.kind.DataSignal(), ch.name, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// deliver places an inbound payload into the receive slot. If a previous
// payload has not been fully consumed it waits up to timeout; a stalled
// channel fails with ErrSlotTimeout and the caller disposes it.
func (ch *Channel) deliver(payload []byte, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ch.slotFree:
	case <-ch.closed:
		return ErrChannelClosed
	case <-expired:
		return ErrSlotTimeout
	}

	// The token is held, so the slot is empty; this cannot block.
	select {
	case ch.slot <- payload:
		return nil
	default:
		return ErrChannelClosed
	}
}

// Close disposes the channel: it is removed from its registry, a
// best-effort Disconnect frame tells the peer, and all blocked readers and
// deliveries wake. Close is idempotent.
func (ch *Channel) Close() error {
	ch.close(true)
	return nil
}

func (ch *Channel) close(notifyPeer bool) {
	ch.closeOnce.Do(func() {
		ch.conn.registry(ch.kind).remove(ch.name, ch)
		close(ch.closed)
		if notifyPeer {
			// Best effort; the connection may already be down.
			_ = ch.conn.writeFrame(ch.kind.DisconnectSignal(), ch.name, nil)
		}
		util.Debugf("channel %s/%s closed", ch.kind, ch.name.Short())
	})
}

func (ch *Channel) isClosed() bool {
	select {
	case <-ch.closed:
		return true
	default:
		return false
	}
}
