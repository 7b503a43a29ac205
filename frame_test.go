package netmux

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func newTestFrameCodec() (*frameCodec, *[]byte, *[][]byte, *[]string) {
	written := &[]byte{}
	var messages [][]byte
	var warnings []string

	f := newFrameCodec(endpointCallbacks{
		onWrite:   func(b []byte) { *written = append(*written, b...) },
		onMessage: func(b []byte) { messages = append(messages, append([]byte(nil), b...)) },
		onClose:   func() {},
		onWarning: func(s string) { warnings = append(warnings, s) },
	})
	return f, written, &messages, &warnings
}

func frame(payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	binary.LittleEndian.PutUint16(out[:2], uint16(len(payload)))
	copy(out[2:], payload)
	return out
}

func TestFrameCodec_SingleFrameInOneChunk(t *testing.T) {
	f, _, messages, _ := newTestFrameCodec()

	f.Feed(frame([]byte("hello")))

	if len(*messages) != 1 || string((*messages)[0]) != "hello" {
		t.Fatalf("messages = %v, want [hello]", *messages)
	}
}

func TestFrameCodec_TwoFramesInOneChunk(t *testing.T) {
	f, _, messages, _ := newTestFrameCodec()

	buf := append(frame([]byte("one")), frame([]byte("two"))...)
	f.Feed(buf)

	if len(*messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(*messages))
	}
	if string((*messages)[0]) != "one" || string((*messages)[1]) != "two" {
		t.Fatalf("messages = %v", *messages)
	}
}

func TestFrameCodec_FrameSplitAcrossChunks(t *testing.T) {
	f, _, messages, _ := newTestFrameCodec()

	full := frame([]byte("split-payload"))
	f.Feed(full[:3])
	f.Feed(full[3:])

	if len(*messages) != 1 || string((*messages)[0]) != "split-payload" {
		t.Fatalf("messages = %v, want [split-payload]", *messages)
	}
}

func TestFrameCodec_HeaderSplitAcrossChunks(t *testing.T) {
	f, _, messages, _ := newTestFrameCodec()

	full := frame([]byte("abc"))
	f.Feed(full[:1]) // only the first half of the 2-byte length prefix
	f.Feed(full[1:])

	if len(*messages) != 1 || string((*messages)[0]) != "abc" {
		t.Fatalf("messages = %v, want [abc]", *messages)
	}
}

func TestFrameCodec_ManyTinyChunks(t *testing.T) {
	f, _, messages, _ := newTestFrameCodec()

	full := frame([]byte("reassembled"))
	for i := 0; i < len(full); i++ {
		f.Feed(full[i : i+1])
	}

	if len(*messages) != 1 || string((*messages)[0]) != "reassembled" {
		t.Fatalf("messages = %v, want [reassembled]", *messages)
	}
}

func TestFrameCodec_Send(t *testing.T) {
	f, written, _, _ := newTestFrameCodec()

	if err := f.Send([]byte("payload")); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	want := frame([]byte("payload"))
	if !bytes.Equal(*written, want) {
		t.Fatalf("written = %v, want %v", *written, want)
	}
}

func TestFrameCodec_SendTooLarge(t *testing.T) {
	f, _, _, _ := newTestFrameCodec()

	oversize := make([]byte, maxPayloadSize+1)
	if err := f.Send(oversize); err == nil {
		t.Fatal("Send did not reject an oversize payload")
	}
}

func TestFrameCodec_DeclaredSizeExceedsBuffer(t *testing.T) {
	f, _, _, warnings := newTestFrameCodec()

	bad := make([]byte, 2)
	binary.LittleEndian.PutUint16(bad, maxPayloadSize+1)
	f.Feed(bad)

	if len(*warnings) == 0 {
		t.Fatal("expected a warning for an oversize declared frame")
	}
}

func TestFrameCodec_EmptyPayloadDropped(t *testing.T) {
	f, _, messages, _ := newTestFrameCodec()

	f.Feed([]byte{0x00, 0x00})
	if len(*messages) != 0 {
		t.Fatalf("got %d messages for a zero-length frame, want 0", len(*messages))
	}

	f.Feed(frame([]byte("after")))
	if len(*messages) != 1 || string((*messages)[0]) != "after" {
		t.Fatalf("messages = %v, want [after] once a real frame follows", *messages)
	}
}

func TestFrameCodec_MultiMessageSplitAtEveryByteBoundary(t *testing.T) {
	payloads := [][]byte{
		[]byte("alpha"),
		[]byte(""), // zero-length frame: dropped, not delivered
		[]byte("a rather longer payload than the others, so many split points fall inside it"),
		[]byte("z"),
		[]byte("last"),
	}

	var full []byte
	var want [][]byte
	for _, p := range payloads {
		full = append(full, frame(p)...)
		if len(p) > 0 {
			want = append(want, p)
		}
	}

	for split := 1; split < len(full); split++ {
		f, _, got, _ := newTestFrameCodec()
		f.Feed(full[:split])
		f.Feed(full[split:])

		if len(*got) != len(want) {
			t.Fatalf("split at byte %d: got %d messages, want %d", split, len(*got), len(want))
		}
		for i, w := range want {
			if string((*got)[i]) != string(w) {
				t.Fatalf("split at byte %d: message %d = %q, want %q", split, i, (*got)[i], w)
			}
		}
	}
}

func TestSniffIsWebSocket(t *testing.T) {
	cases := []struct {
		in   []byte
		want bool
	}{
		{[]byte("GET /ws HTTP/1.1\r\n"), true},
		{[]byte("GE"), false},
		{[]byte{0x00, 0x05}, false},
		{[]byte("GET"), true},
	}

	for _, c := range cases {
		if got := sniffIsWebSocket(c.in); got != c.want {
			t.Errorf("sniffIsWebSocket(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
