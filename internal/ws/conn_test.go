package ws

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

// fakeServer accepts a single client connection, performs the RFC 6455
// handshake, and hands the raw net.Conn (post-handshake) to the test so it
// can drive the wire protocol directly.
type fakeServer struct {
	ln   net.Listener
	addr string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{ln: ln, addr: ln.Addr().String()}
}

func (s *fakeServer) url() string { return "ws://" + s.addr + "/" }

func (s *fakeServer) accept(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := s.ln.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		t.Fatalf("read handshake request: %v", err)
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	accept := serverAcceptKey(key)
	fmt.Fprintf(conn, "HTTP/1.1 101 Switching Protocols\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Accept: %s\r\n\r\n", accept)
	return conn, br
}

func serverAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeServerFrame writes an unmasked server->client frame.
func writeServerFrame(t *testing.T, conn net.Conn, opcode Opcode, fin bool, payload []byte) {
	t.Helper()
	b0 := byte(opcode)
	if fin {
		b0 |= 0x80
	}
	var header []byte
	length := len(payload)
	switch {
	case length < 126:
		header = []byte{b0, byte(length)}
	case length <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = b0
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(length))
	default:
		header = make([]byte, 10)
		header[0] = b0
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(length))
	}
	if _, err := conn.Write(append(header, payload...)); err != nil {
		t.Fatalf("write server frame: %v", err)
	}
}

// readClientFrame reads and unmasks one client->server frame off br.
func readClientFrame(t *testing.T, br *bufio.Reader) (Opcode, bool, []byte) {
	t.Helper()
	var buf []byte
	for {
		hdr, payload, consumed, ok, err := ParseFrame(buf)
		if err != nil {
			t.Fatalf("parse client frame: %v", err)
		}
		if ok {
			_ = consumed
			return hdr.Opcode, hdr.Fin, payload
		}
		// Read byte by byte so no bytes of a following frame are consumed.
		b, err := br.ReadByte()
		if err != nil {
			t.Fatalf("read from client: %v", err)
		}
		buf = append(buf, b)
	}
}

func waitForEvent(t *testing.T, ch <-chan Event, kind EventKind, d time.Duration) Event {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func newRecordingConnection(opts Options) (*Connection, <-chan Event) {
	ch := make(chan Event, 64)
	c := NewConnection(opts)
	c.SetOnMessageCallback(func(ev Event) { ch <- ev })
	return c, ch
}

// S1 — small text round trip.
func TestConnection_SmallTextRoundTrip(t *testing.T) {
	srv := newFakeServer(t)
	c, events := newRecordingConnection(DefaultOptions())
	defer c.Stop()

	c.Connect(srv.url())
	conn, br := srv.accept(t)
	defer conn.Close()

	waitForEvent(t, events, EventOpen, 2*time.Second)

	if ok := c.SendText("Hello world"); !ok {
		t.Fatalf("SendText returned false")
	}

	opcode, fin, payload := readClientFrame(t, br)
	if opcode != OpText || !fin {
		t.Fatalf("unexpected frame opcode=%v fin=%v", opcode, fin)
	}
	if string(payload) != "Hello world" {
		t.Fatalf("unexpected payload %q", payload)
	}

	writeServerFrame(t, conn, OpText, true, []byte("Hello world"))
	ev := waitForEvent(t, events, EventMessage, 2*time.Second)
	if ev.Binary || string(ev.Payload) != "Hello world" {
		t.Fatalf("unexpected message event: %+v", ev)
	}
}

// S2 — fragmented receive.
func TestConnection_FragmentedReceive(t *testing.T) {
	srv := newFakeServer(t)
	c, events := newRecordingConnection(DefaultOptions())
	defer c.Stop()

	c.Connect(srv.url())
	conn, _ := srv.accept(t)
	defer conn.Close()

	waitForEvent(t, events, EventOpen, 2*time.Second)

	writeServerFrame(t, conn, OpText, false, []byte("Hel"))
	writeServerFrame(t, conn, OpContinuation, false, []byte("lo "))
	writeServerFrame(t, conn, OpContinuation, true, []byte("world"))

	waitForEvent(t, events, EventFragment, 2*time.Second)
	waitForEvent(t, events, EventFragment, 2*time.Second)
	ev := waitForEvent(t, events, EventMessage, 2*time.Second)
	if string(ev.Payload) != "Hello world" || ev.Binary {
		t.Fatalf("unexpected merged message: %+v", ev)
	}
}

// S3 — oversize send splits into masked fragments on the wire.
func TestConnection_OversizeSendFragmentsOnWire(t *testing.T) {
	srv := newFakeServer(t)
	c, events := newRecordingConnection(DefaultOptions())
	defer c.Stop()

	c.Connect(srv.url())
	conn, br := srv.accept(t)
	defer conn.Close()
	waitForEvent(t, events, EventOpen, 2*time.Second)

	payload := strings.Repeat("x", 80000)
	if ok := c.SendText(payload); !ok {
		t.Fatalf("SendText returned false")
	}

	wantLens := []int{kChunkSize, kChunkSize, 80000 - 2*kChunkSize}
	wantOps := []Opcode{OpText, OpContinuation, OpContinuation}
	wantFins := []bool{false, false, true}
	for i := 0; i < 3; i++ {
		op, fin, data := readClientFrame(t, br)
		if op != wantOps[i] || fin != wantFins[i] || len(data) != wantLens[i] {
			t.Fatalf("fragment %d: op=%v fin=%v len=%d", i, op, fin, len(data))
		}
	}
}

// S4 — protocol close on RSV2.
func TestConnection_ProtocolCloseOnRSV2(t *testing.T) {
	srv := newFakeServer(t)
	c, events := newRecordingConnection(DefaultOptions())
	defer c.Stop()

	c.Connect(srv.url())
	conn, br := srv.accept(t)
	defer conn.Close()
	waitForEvent(t, events, EventOpen, 2*time.Second)

	// Hand-build a frame with RSV2 set (0x20) directly on the wire.
	frame := []byte{0x80 | 0x20 | byte(OpText), 0x00}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write rsv2 frame: %v", err)
	}

	op, fin, payload := readClientFrame(t, br)
	if op != OpClose || !fin {
		t.Fatalf("expected close frame, got op=%v fin=%v", op, fin)
	}
	if len(payload) < 2 || binary.BigEndian.Uint16(payload[:2]) != CloseProtocolError {
		t.Fatalf("expected close code 1002, got payload %v", payload)
	}

	// Echo the close back so the handshake completes instead of waiting
	// out the 300ms force-close timer.
	writeServerFrame(t, conn, OpClose, true, payload)

	ev := waitForEvent(t, events, EventClose, 2*time.Second)
	if ev.CloseCode != CloseProtocolError || ev.Remote {
		t.Fatalf("unexpected close event: %+v", ev)
	}
}

func TestConnection_SendAfterCloseReturnsFalse(t *testing.T) {
	srv := newFakeServer(t)
	c, events := newRecordingConnection(DefaultOptions())
	defer c.Stop()

	c.Connect(srv.url())
	conn, br := srv.accept(t)
	defer conn.Close()
	waitForEvent(t, events, EventOpen, 2*time.Second)

	c.Close(CloseNormal, "bye")
	_, _, payload := readClientFrame(t, br)
	writeServerFrame(t, conn, OpClose, true, payload)
	waitForEvent(t, events, EventClose, 2*time.Second)

	if ok := c.SendText("too late"); ok {
		t.Fatalf("Send after close should return false")
	}
}

func TestConnection_InvalidUTF8TextClosesWith1007(t *testing.T) {
	srv := newFakeServer(t)
	c, events := newRecordingConnection(DefaultOptions())
	defer c.Stop()

	c.Connect(srv.url())
	conn, br := srv.accept(t)
	defer conn.Close()
	waitForEvent(t, events, EventOpen, 2*time.Second)

	invalid := []byte{0xff, 0xfe, 0xfd}
	if ok := c.Send(invalid, false); ok {
		t.Fatalf("Send with invalid utf-8 should return false")
	}

	op, fin, payload := readClientFrame(t, br)
	if op != OpClose || !fin || binary.BigEndian.Uint16(payload[:2]) != CloseInvalidPayload {
		t.Fatalf("expected 1007 close frame, got op=%v payload=%v", op, payload)
	}
}

// A non-101 handshake response may arrive gzip-encoded (e.g. from a proxy
// rejecting the upgrade); the error event should carry the decoded body.
func TestConnection_HandshakeRejectionDecodesGzipBody(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	gw.Write([]byte("upgrade rejected by proxy"))
	gw.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		if _, err := http.ReadRequest(br); err != nil {
			return
		}
		fmt.Fprintf(conn, "HTTP/1.1 403 Forbidden\r\n"+
			"Content-Encoding: gzip\r\n"+
			"Content-Length: %d\r\n\r\n", buf.Len())
		conn.Write(buf.Bytes())
	}()

	c, events := newRecordingConnection(DefaultOptions())
	defer c.Stop()
	c.Connect("ws://" + ln.Addr().String() + "/")

	ev := waitForEvent(t, events, EventError, 2*time.Second)
	if !strings.Contains(ev.Err.Error(), "upgrade rejected by proxy") {
		t.Fatalf("expected decoded gzip body in error, got: %v", ev.Err)
	}
}

func TestConnection_PingIsAnsweredWithPong(t *testing.T) {
	srv := newFakeServer(t)
	c, events := newRecordingConnection(DefaultOptions())
	defer c.Stop()

	c.Connect(srv.url())
	conn, br := srv.accept(t)
	defer conn.Close()
	waitForEvent(t, events, EventOpen, 2*time.Second)

	writeServerFrame(t, conn, OpPing, true, []byte("hi"))
	waitForEvent(t, events, EventPing, 2*time.Second)

	op, fin, payload := readClientFrame(t, br)
	if op != OpPong || !fin || string(payload) != "hi" {
		t.Fatalf("expected pong echo, got op=%v payload=%q", op, payload)
	}
}
