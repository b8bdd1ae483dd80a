package chat

import (
	"errors"

	"github.com/achcyano/mindisle-server/pkg/buffer"
)

// StreamBuilder adapts a push-style provider pull loop into a Stream. The
// provider goroutine calls Add for each chunk and finishes with Done or
// Abort; the consumer reads through Stream.
type StreamBuilder struct {
	rb *buffer.BlockBuffer[*Chunk]
}

// NewStreamBuilder creates a builder with the given chunk backlog size.
func NewStreamBuilder(size int) *StreamBuilder {
	return &StreamBuilder{rb: buffer.BlockN[*Chunk](size)}
}

// Add appends one chunk, blocking while the consumer lags behind.
func (sb *StreamBuilder) Add(c *Chunk) error {
	return sb.rb.Add(c)
}

// Done marks the end of the stream. Buffered chunks remain readable, then
// Next returns ErrDone.
func (sb *StreamBuilder) Done() error {
	return sb.rb.CloseWrite()
}

// Abort tears the stream down with err; pending Next calls unblock with it.
func (sb *StreamBuilder) Abort(err error) error {
	return sb.rb.CloseWithError(err)
}

// Stream returns the consumer side.
func (sb *StreamBuilder) Stream() Stream {
	return (*builderStream)(sb)
}

type builderStream StreamBuilder

func (s *builderStream) Next() (*Chunk, error) {
	c, err := s.rb.Next()
	if err != nil {
		if errors.Is(err, buffer.ErrIteratorDone) {
			return nil, ErrDone
		}
		return nil, err
	}
	return c, nil
}

func (s *builderStream) Close() error {
	return s.rb.Close()
}

func (s *builderStream) CloseWithError(err error) error {
	return s.rb.CloseWithError(err)
}
