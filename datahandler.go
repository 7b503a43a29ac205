package netmux

import "sync"

// dataHandler chooses between the frame codec and the WebSocket adapter on
// the first byte chunk of a connection — the one-shot protocol sniff — and
// multiplexes outbound Send calls to whichever was chosen. It implements
// Endpoint itself so Socket never needs to know which wire protocol is in
// play.
type dataHandler struct {
	cb endpointCallbacks

	mu                   sync.Mutex
	isProtocolConfirmed  bool
	isWebSocket          bool
	child                Endpoint
}

func newDataHandler(cb endpointCallbacks) *dataHandler {
	return &dataHandler{cb: cb}
}

// Feed implements Endpoint. On the very first call it inspects up to the
// first three bytes of chunk; if they spell "GET" the connection is
// WebSocket for its remaining lifetime, otherwise it is the length-prefixed
// frame protocol. The decision never flips back.
func (d *dataHandler) Feed(chunk []byte) {
	d.mu.Lock()
	if !d.isProtocolConfirmed {
		d.isWebSocket = sniffIsWebSocket(chunk)
		d.isProtocolConfirmed = true
		if d.isWebSocket {
			d.child = newWebSocketEndpoint(d.cb)
		} else {
			d.child = newFrameCodec(d.cb)
		}
	}
	child := d.child
	d.mu.Unlock()

	child.Feed(chunk)
}

// Send implements Endpoint by delegating to whichever child was selected.
// Before the first byte has arrived there is no child yet (the usual case
// on the connecting side, which speaks first); such a Send is framed with
// the length-prefixed protocol without latching the sniff decision.
func (d *dataHandler) Send(payload []byte) error {
	d.mu.Lock()
	child := d.child
	d.mu.Unlock()

	if child == nil {
		return newFrameCodec(d.cb).Send(payload)
	}
	return child.Send(payload)
}

// Close implements Endpoint.
func (d *dataHandler) Close() {
	d.mu.Lock()
	child := d.child
	d.mu.Unlock()

	if child != nil {
		child.Close()
	}
}
