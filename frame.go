package netmux

import (
	"encoding/binary"
	"fmt"
)

// Endpoint is the capability interface shared by the length-prefixed frame
// codec and the WebSocket adapter. Both turn an arbitrary stream of raw
// byte chunks into complete messages, and both serialize complete messages
// back onto the wire, through the same shape: feed raw bytes in, emit
// complete messages out, queue complete messages for writing, and tear
// down cleanly on close.
//
// dataHandler composes exactly one Endpoint at a time, chosen by sniffing
// the first bytes of a connection.
type Endpoint interface {
	// Feed delivers the next raw chunk read from the socket, in the order
	// it arrived on the wire. Feed never blocks beyond local buffering and
	// never reorders or drops non-empty messages.
	Feed(chunk []byte)

	// Send queues one complete outbound message.
	Send(payload []byte) error

	// Close releases any endpoint-owned state (e.g. the WebSocket
	// adapter's internal pipe). It does not itself touch the socket.
	Close()
}

// endpointCallbacks is the four-callback shape both Endpoint
// implementations are built around: raw bytes to write, a complete
// message received, the endpoint wants the connection closed, and a
// non-fatal warning to surface to the application.
type endpointCallbacks struct {
	onWrite   func([]byte)
	onMessage func([]byte)
	onClose   func()
	onWarning func(string)
}

const (
	// headSize is the width of the length prefix on the wire.
	headSize = 2
	// bufferSize bounds both the read chunk size and the carry-over
	// buffer used to reassemble a frame split across chunk boundaries.
	bufferSize = 4096
	// maxPayloadSize is the largest payload a well-formed sender may
	// produce; it leaves room for the length prefix within bufferSize.
	maxPayloadSize = bufferSize - headSize
)

// frameCodec implements the length-prefixed framing protocol: a 2-byte
// little-endian length followed by that many payload bytes. It assumes the
// protocol sniff has already happened — dataHandler only constructs a
// frameCodec for connections it has decided are not WebSocket.
type frameCodec struct {
	cb endpointCallbacks

	gotHead    bool
	dataSize   uint16
	tmpBuf     [bufferSize]byte
	tmpBufUsed uint16
}

func newFrameCodec(cb endpointCallbacks) *frameCodec {
	return &frameCodec{cb: cb}
}

// Feed implements Endpoint. It reassembles complete frames out of chunk,
// carrying a partial header or payload over into tmpBuf when a frame
// straddles a chunk boundary, and delivers each complete payload to
// cb.onMessage in order.
func (f *frameCodec) Feed(chunk []byte) {
	begin := 0
	bufUsed := uint16(len(chunk))

	for uint16(begin) < bufUsed {
		bufRemaining := bufUsed - uint16(begin)
		tmpRemaining := bufferSize - f.tmpBufUsed

		if f.tmpBufUsed > 0 {
			if f.gotHead {
				dataRemaining := f.dataSize - f.tmpBufUsed
				if dataRemaining > tmpRemaining {
					// Cannot fit even the carry buffer: fatal.
					f.fail(fmt.Sprintf("frame of %d bytes cannot be reassembled in a %d-byte buffer", f.dataSize, bufferSize))
					return
				}
				if dataRemaining <= bufRemaining {
					copy(f.tmpBuf[f.tmpBufUsed:], chunk[begin:begin+int(dataRemaining)])
					f.deliver(f.tmpBuf[:f.dataSize])
					begin += int(dataRemaining)
				} else {
					if bufRemaining > 0 {
						copy(f.tmpBuf[f.tmpBufUsed:], chunk[begin:begin+int(bufRemaining)])
						f.tmpBufUsed += bufRemaining
					}
					break
				}
				f.gotHead = false
				f.tmpBufUsed = 0
				f.dataSize = 0
			} else {
				headRemaining := headSize - f.tmpBufUsed
				if headRemaining <= bufRemaining && headRemaining <= tmpRemaining {
					copy(f.tmpBuf[f.tmpBufUsed:], chunk[begin:begin+int(headRemaining)])
					size := binary.LittleEndian.Uint16(f.tmpBuf[:headSize])
					begin += int(headRemaining)
					if size > maxPayloadSize {
						f.fail(fmt.Sprintf("declared frame size %d exceeds buffer", size))
						return
					}
					f.dataSize = size
					f.gotHead = true
				}
				f.tmpBufUsed = 0
			}
		} else {
			switch {
			case !f.gotHead && headSize <= bufRemaining:
				size := binary.LittleEndian.Uint16(chunk[begin : begin+headSize])
				begin += headSize
				if size > maxPayloadSize {
					f.fail(fmt.Sprintf("declared frame size %d exceeds buffer", size))
					return
				}
				f.dataSize = size
				f.gotHead = true
			case f.gotHead && f.dataSize <= bufRemaining:
				f.deliver(chunk[begin : begin+int(f.dataSize)])
				begin += int(f.dataSize)
				f.gotHead = false
				f.dataSize = 0
			case bufRemaining < headSize || bufRemaining < f.dataSize:
				if bufRemaining > 0 && bufRemaining <= tmpRemaining {
					copy(f.tmpBuf[f.tmpBufUsed:], chunk[begin:begin+int(bufRemaining)])
					f.tmpBufUsed += bufRemaining
				}
				begin = len(chunk)
			}
		}

		// A zero-length frame is dropped; resume looking for a header.
		if f.gotHead && f.dataSize == 0 {
			f.gotHead = false
		}
	}
}

func (f *frameCodec) deliver(payload []byte) {
	f.cb.onMessage(payload)
}

func (f *frameCodec) fail(msg string) {
	f.cb.onWarning(msg)
	f.cb.onClose()
}

// Send implements Endpoint: it prepends a 2-byte little-endian length
// prefix and writes the concatenation as a single buffer.
func (f *frameCodec) Send(payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, len(payload), maxPayloadSize)
	}

	out := make([]byte, headSize+len(payload))
	binary.LittleEndian.PutUint16(out[:headSize], uint16(len(payload)))
	copy(out[headSize:], payload)

	f.cb.onWrite(out)
	return nil
}

// Close implements Endpoint. The frame codec owns no resources beyond its
// own carry buffer, so there is nothing to release.
func (f *frameCodec) Close() {}

// sniffIsWebSocket reports whether the first bytes of a connection look
// like an HTTP request line beginning a WebSocket upgrade. Only the first
// up-to-three bytes are inspected, matching the source's one-shot probe.
func sniffIsWebSocket(firstChunk []byte) bool {
	n := len(firstChunk)
	if n > 3 {
		n = 3
	}
	return string(firstChunk[:n]) == "GET"
}
