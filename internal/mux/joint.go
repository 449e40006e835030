package mux

import (
	"errors"
	"sync"

	"github.com/bitmesh-net/bitmesh/internal/protocol"
	"github.com/bitmesh-net/bitmesh/internal/util"
)

// Joint splices two channels into a proxy pipe: bytes read from one are
// written to the other, in both directions, until either side closes. The
// first direction to terminate tears the whole joint down, which disposes
// both channels.
type Joint struct {
	a, b *Channel

	closeOnce sync.Once
	onClose   func(*Joint)
}

func newJoint(a, b *Channel, onClose func(*Joint)) *Joint {
	return &Joint{a: a, b: b, onClose: onClose}
}

// start launches the two piper goroutines.
func (j *Joint) start() {
	go j.pipe(j.a, j.b)
	go j.pipe(j.b, j.a)
}

// pipe shovels bytes src → dst through a per-direction scratch buffer.
// Read timeouts on an idle channel are not terminal; the piper just waits
// for the next payload.
func (j *Joint) pipe(src, dst *Channel) {
	defer j.close()

	buf := make([]byte, protocol.MaxPayloadSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			return
		}
	}
}

// close disposes both channels exactly once and unregisters the joint from
// its connection.
func (j *Joint) close() {
	j.closeOnce.Do(func() {
		j.a.Close()
		j.b.Close()
		if j.onClose != nil {
			j.onClose(j)
		}
		util.Debugf("joint %s↔%s closed", j.a.name.Short(), j.b.name.Short())
	})
}
