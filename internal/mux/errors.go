package mux

import "errors"

var (
	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("mux: channel is closed")

	// ErrDuplicateChannel is returned when a channel name is already
	// registered for the same kind.
	ErrDuplicateChannel = errors.New("mux: channel name already in use")

	// ErrConnClosed is returned by operations on a closed connection.
	ErrConnClosed = errors.New("mux: connection is closed")

	// ErrReadTimeout is returned by Channel.Read when no payload arrives
	// within the channel's read timeout.
	ErrReadTimeout = errors.New("mux: channel read timed out")

	// ErrSlotTimeout is reported when an inbound payload cannot be placed
	// because the receive slot stayed full past the write timeout. The
	// reader disposes the stalled channel.
	ErrSlotTimeout = errors.New("mux: receive slot full past write timeout")
)
