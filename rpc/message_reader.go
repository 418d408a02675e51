package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
)

// messageReader reads consecutive JSON messages from a stream.
//
// Unlike a fixed size read it accepts messages split across any number of reads and several
// messages arriving in one read. The bytes buffered for a single message are bounded by maxLen;
// a larger message fails with ErrMessageTooLarge.
//
// messageReader is NOT goroutine-safe.
type messageReader struct {
	maxLen int64
	src    *resyncReader
	bound  *boundedReader
	dec    *json.Decoder
}

func newMessageReader(r io.Reader, maxLen int64) *messageReader {
	mr := &messageReader{maxLen: maxLen, src: &resyncReader{r: r}}
	mr.reset()

	return mr
}

// ReadMessage returns the raw bytes of the next JSON value.
//
// A *json.SyntaxError leaves the decoder unusable. Call resync with the error before reading
// again.
func (mr *messageReader) ReadMessage() (json.RawMessage, error) {
	var raw json.RawMessage
	if err := mr.dec.Decode(&raw); err != nil {
		return nil, err
	}

	return raw, nil
}

// resync recovers from the syntax error err.
//
// The bytes the decoder buffered past the offending byte are kept and decoding restarts at the
// next '{', so a well-formed message sent in the same write as a malformed one is still read.
// When the offending byte is itself a '{' decoding restarts there.
func (mr *messageReader) resync(err error) {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		buffered := mr.buffered()

		off := min(max(syntaxErr.Offset-1, 0), int64(len(buffered)))
		if off < int64(len(buffered)) && buffered[off] != '{' {
			off++
		}

		mr.src.unread(buffered[off:])
	}

	mr.src.skipping = true
	mr.reset()
}

// hasPartial reports whether part of a message was received but not decoded yet.
func (mr *messageReader) hasPartial() bool {
	return len(bytes.TrimSpace(mr.src.pending)) > 0 || len(bytes.TrimSpace(mr.buffered())) > 0
}

func (mr *messageReader) buffered() []byte {
	buffered, _ := io.ReadAll(mr.dec.Buffered())
	return buffered
}

func (mr *messageReader) reset() {
	mr.bound = &boundedReader{r: mr.src, limit: mr.maxLen}
	mr.dec = json.NewDecoder(mr.bound)
	mr.bound.consumed = mr.dec.InputOffset
}

// resyncReader replays unread bytes before reading from r. While skipping it drops everything
// up to the next '{'.
type resyncReader struct {
	r        io.Reader
	pending  []byte
	skipping bool
}

func (rr *resyncReader) unread(p []byte) {
	if len(p) == 0 {
		return
	}
	rr.pending = append(bytes.Clone(p), rr.pending...)
}

func (rr *resyncReader) Read(p []byte) (int, error) {
	for {
		var n int
		var err error
		if len(rr.pending) > 0 {
			n = copy(p, rr.pending)
			rr.pending = rr.pending[n:]
		} else {
			n, err = rr.r.Read(p)
		}

		if !rr.skipping || n == 0 {
			return n, err
		}

		start := bytes.IndexByte(p[:n], '{')
		if start < 0 {
			if err != nil {
				return 0, err
			}

			continue
		}

		rr.skipping = false

		return copy(p, p[start:n]), err
	}
}

// boundedReader fails once the decoder holds more than limit unconsumed bytes.
type boundedReader struct {
	r        io.Reader
	limit    int64
	read     int64
	consumed func() int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.read-b.consumed() > b.limit {
		return 0, ErrMessageTooLarge
	}

	n, err := b.r.Read(p)
	b.read += int64(n)

	return n, err
}

// isSyntaxError reports whether err was caused by malformed JSON.
func isSyntaxError(err error) bool {
	var syntaxErr *json.SyntaxError
	return errors.As(err, &syntaxErr)
}

// isClosedError reports whether err means the peer went away or the connection was closed locally.
func isClosedError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}

// isTimeoutError reports whether err is a network timeout.
func isTimeoutError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
