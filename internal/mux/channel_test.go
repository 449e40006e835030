package mux

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bitmesh-net/bitmesh/internal/protocol"
)

// TestMeshChannelDataFlow opens a mesh channel and verifies bytes flow both
// ways unchanged.
func TestMeshChannelDataFlow(t *testing.T) {
	sink := &channelSink{}
	a, _ := newConnPair(t, Config{}, Config{Events: Events{ChannelOpen: sink.open}})

	name := protocol.RandomID()
	chA, err := a.OpenMeshChannel(name)
	if err != nil {
		t.Fatalf("OpenMeshChannel: %v", err)
	}
	chB := sink.get(t)

	if chB.Name() != name {
		t.Fatalf("peer channel name = %v, want %v", chB.Name(), name)
	}
	if !a.HasMeshChannel(name) {
		t.Fatal("opener does not list its own channel")
	}

	if _, err := chA.Write([]byte("ping")); err != nil {
		t.Fatalf("write a→b: %v", err)
	}
	if got := readAll(t, chB, 4); !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("b received %q, want %q", got, "ping")
	}

	if _, err := chB.Write([]byte("pong!")); err != nil {
		t.Fatalf("write b→a: %v", err)
	}
	if got := readAll(t, chA, 5); !bytes.Equal(got, []byte("pong!")) {
		t.Fatalf("a received %q, want %q", got, "pong!")
	}
}

// TestLargeTransfer pushes a payload far beyond one frame through a single
// channel and verifies the peer reassembles it exactly. The single-slot
// buffer forces the writer and reader to interleave.
func TestLargeTransfer(t *testing.T) {
	sink := &channelSink{}
	a, _ := newConnPair(t, Config{}, Config{Events: Events{ChannelOpen: sink.open}})

	chA, err := a.OpenMeshChannel(protocol.RandomID())
	if err != nil {
		t.Fatalf("OpenMeshChannel: %v", err)
	}
	chB := sink.get(t)

	const size = 200_000
	sent := makeTestData(size, 7)

	errCh := make(chan error, 1)
	go func() {
		_, err := chA.Write(sent)
		errCh <- err
	}()

	got := readAll(t, chB, size)
	if err := <-errCh; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, sent) {
		t.Fatalf("transfer mismatch: got %d bytes", len(got))
	}
}

// TestDuplicateOpenFails verifies a second channel under the same name and
// kind is rejected locally.
func TestDuplicateOpenFails(t *testing.T) {
	a, _ := newConnPair(t, Config{}, Config{})

	name := protocol.RandomID()
	if _, err := a.OpenMeshChannel(name); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := a.OpenMeshChannel(name); !errors.Is(err, ErrDuplicateChannel) {
		t.Fatalf("second open: got %v, want ErrDuplicateChannel", err)
	}
}

// TestReadTimeout verifies an idle read fails with ErrReadTimeout, and that
// the channel stays usable afterwards.
func TestReadTimeout(t *testing.T) {
	sink := &channelSink{}
	a, _ := newConnPair(t, Config{}, Config{Events: Events{ChannelOpen: sink.open}})

	chA, err := a.OpenMeshChannel(protocol.RandomID())
	if err != nil {
		t.Fatalf("OpenMeshChannel: %v", err)
	}
	chB := sink.get(t)
	chB.SetReadTimeout(30 * time.Millisecond)

	buf := make([]byte, 16)
	start := time.Now()
	if _, err := chB.Read(buf); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("read: got %v, want ErrReadTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("read returned after %v, before the timeout", elapsed)
	}

	if _, err := chA.Write([]byte("late")); err != nil {
		t.Fatalf("write: %v", err)
	}
	chB.SetReadTimeout(5 * time.Second)
	if got := readAll(t, chB, 4); !bytes.Equal(got, []byte("late")) {
		t.Fatalf("read after timeout: %q", got)
	}
}

// TestChannelCloseNotifiesPeer verifies closing a channel removes it from
// its registry on both sides and the peer's reads observe EOF.
func TestChannelCloseNotifiesPeer(t *testing.T) {
	sink := &channelSink{}
	a, b := newConnPair(t, Config{}, Config{Events: Events{ChannelOpen: sink.open}})

	name := protocol.RandomID()
	chA, err := a.OpenMeshChannel(name)
	if err != nil {
		t.Fatalf("OpenMeshChannel: %v", err)
	}
	chB := sink.get(t)

	if err := chA.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if a.HasMeshChannel(name) {
		t.Fatal("closed channel still registered on the closer")
	}

	chB.SetReadTimeout(0)
	if _, err := chB.Read(make([]byte, 4)); !errors.Is(err, io.EOF) {
		t.Fatalf("peer read: got %v, want EOF", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !b.HasMeshChannel(name) },
		"peer still lists the closed channel")

	// Idempotent.
	if err := chA.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := chA.Write([]byte("x")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("write after close: got %v, want ErrChannelClosed", err)
	}
}

// TestSlotHeldAcrossPartialReads verifies the single-slot invariant: a
// payload drained in small chunks keeps the slot occupied, so the next
// delivery waits until the last byte is consumed.
func TestSlotHeldAcrossPartialReads(t *testing.T) {
	sink := &channelSink{}
	a, _ := newConnPair(t, Config{}, Config{Events: Events{ChannelOpen: sink.open}})

	if _, err := a.OpenMeshChannel(protocol.RandomID()); err != nil {
		t.Fatalf("OpenMeshChannel: %v", err)
	}
	ch := sink.get(t)

	if err := ch.deliver([]byte("0123456789"), 50*time.Millisecond); err != nil {
		t.Fatalf("first deliver: %v", err)
	}

	// A partial read must not free the slot.
	buf := make([]byte, 4)
	if n, err := ch.Read(buf); err != nil || n != 4 {
		t.Fatalf("partial read: n=%d err=%v", n, err)
	}
	if err := ch.deliver([]byte("next"), 50*time.Millisecond); !errors.Is(err, ErrSlotTimeout) {
		t.Fatalf("deliver into half-drained slot: got %v, want ErrSlotTimeout", err)
	}

	// Draining the rest frees it.
	rest := readAll(t, ch, 6)
	if !bytes.Equal(rest, []byte("456789")) {
		t.Fatalf("remainder = %q", rest)
	}
	if err := ch.deliver([]byte("next"), 50*time.Millisecond); err != nil {
		t.Fatalf("deliver into drained slot: %v", err)
	}
	if got := readAll(t, ch, 4); !bytes.Equal(got, []byte("next")) {
		t.Fatalf("second payload = %q", got)
	}
}

// TestStalledChannelDisposed verifies the slot-stall path: when the
// receiver never drains its slot, the next delivery times out, the reader
// disposes the channel, and the sender is told with a Disconnect frame.
func TestStalledChannelDisposed(t *testing.T) {
	sink := &channelSink{}
	cfgB := Config{Events: Events{ChannelOpen: sink.open}}
	a, b := newConnPair(t, Config{}, cfgB)
	b.SetChannelWriteTimeout(50 * time.Millisecond)

	name := protocol.RandomID()
	chA, err := a.OpenMeshChannel(name)
	if err != nil {
		t.Fatalf("OpenMeshChannel: %v", err)
	}
	sink.get(t) // b's channel exists, but nothing ever reads it

	// First payload parks in the slot; the second must stall past the
	// write timeout and kill the channel.
	if _, err := chA.Write([]byte("one")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := chA.Write([]byte("two")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return !b.HasMeshChannel(name) },
		"stalled channel still in the registry")
	waitFor(t, 3*time.Second, func() bool { return !a.HasMeshChannel(name) },
		"sender was not told about the disposal")
}
