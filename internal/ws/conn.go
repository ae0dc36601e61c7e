// Package ws implements the RFC 6455 WebSocket client engine: URL parsing,
// the HTTP/1.1 upgrade handshake, a binary frame codec, a fragment-aware
// assembler, the close handshake, ping/pong keepalive and automatic
// reconnect. All mutable connection state is owned by a single goroutine
// per Connection (the "loop"), reached only through a command channel —
// the Go rendering of the single-event-loop-thread discipline the source
// requires (see SPEC_FULL.md §5).
package ws

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"wspulsar/internal/metrics"
)

// maxHandshakeErrorBody bounds how much of a non-101 handshake response body
// is read for the error message, in case a misbehaving server streams one.
const maxHandshakeErrorBody = 4096

// ReadyState is the connection's finite state machine (spec.md §3).
type ReadyState int32

const (
	StateClosed ReadyState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ReadyState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdSend
	cmdClose
	cmdSetCallback
	cmdShutdown
)

type command struct {
	kind cmdKind

	url string

	binary  bool
	payload []byte
	result  chan bool

	code   uint16
	reason string

	cb OnMessageCallback
}

type readResult struct {
	data []byte
	err  error
}

// Connection is a single WebSocket client connection. Construct with
// NewConnection; all exported methods are safe to call from any goroutine,
// they simply hand work to the connection's loop goroutine.
type Connection struct {
	opts Options

	cmdCh  chan command
	quit   chan struct{}
	readCh chan readResult

	state readyStateBox

	// Everything below is touched only by loop().
	netConn     net.Conn
	bufReader   *bufio.Reader
	rxbuf       []byte
	assembly    assemblyBuffer
	fragBinary  bool
	cb          OnMessageCallback
	lastURL     string
	closeCode   uint16
	closeReason string

	pingTicker     *time.Ticker
	reconnectTimer *time.Timer
	closingTimer   *time.Timer
}

// NewConnection creates a Connection and starts its loop goroutine. The
// connection is Closed and idle until Connect is called.
func NewConnection(opts Options) *Connection {
	c := &Connection{
		opts:   applyDefaults(&opts),
		cmdCh:  make(chan command, 8),
		quit:   make(chan struct{}),
		readCh: make(chan readResult, 4),
	}
	go c.loop()
	return c
}

// Connect dials url asynchronously: the connection transitions to
// Connecting immediately and an Open or Error event follows on the
// message callback.
func (c *Connection) Connect(url string) {
	c.cmdCh <- command{kind: cmdConnect, url: url}
}

// Send attempts to hand data to the send path. It returns false if the
// connection is not Open/Closing, or if binary is false and data is not
// valid UTF-8 (in which case a 1007 protocol close is also initiated).
func (c *Connection) Send(data []byte, binary bool) bool {
	result := make(chan bool, 1)
	c.cmdCh <- command{kind: cmdSend, payload: data, binary: binary, result: result}
	return <-result
}

// SendText is a convenience wrapper over Send.
func (c *Connection) SendText(s string) bool { return c.Send([]byte(s), false) }

// SendBinary is a convenience wrapper over Send.
func (c *Connection) SendBinary(b []byte) bool { return c.Send(b, true) }

// Close starts the close handshake. Idempotent once Closing or Closed.
func (c *Connection) Close(code uint16, reason string) {
	c.cmdCh <- command{kind: cmdClose, code: code, reason: reason}
}

// SetOnMessageCallback installs the delivery sink for all events.
func (c *Connection) SetOnMessageCallback(cb OnMessageCallback) {
	c.cmdCh <- command{kind: cmdSetCallback, cb: cb}
}

// IsConnected reports whether the connection is Open. Safe to call from
// any goroutine without synchronizing with the loop.
func (c *Connection) IsConnected() bool {
	return c.state.Load() == StateOpen
}

// State returns the current ReadyState.
func (c *Connection) State() ReadyState {
	return c.state.Load()
}

// Stop tears the connection down permanently: the socket is closed, all
// timers are stopped, and the loop goroutine exits. Not part of the
// source's public surface; used by the Pulsar bridge (and tests) to
// release resources deterministically instead of leaking the loop
// goroutine for the lifetime of the process.
func (c *Connection) Stop() {
	select {
	case c.cmdCh <- command{kind: cmdShutdown}:
	case <-c.quit:
	}
	<-c.quit
}

// --- loop goroutine ---

func (c *Connection) loop() {
	defer close(c.quit)

	var reading bool

	for {
		var pingC <-chan time.Time
		if c.pingTicker != nil {
			pingC = c.pingTicker.C
		}
		var reconnC <-chan time.Time
		if c.reconnectTimer != nil {
			reconnC = c.reconnectTimer.C
		}
		var closingC <-chan time.Time
		if c.closingTimer != nil {
			closingC = c.closingTimer.C
		}
		var rCh <-chan readResult
		if reading {
			rCh = c.readCh
		}

		select {
		case cmd := <-c.cmdCh:
			if !c.handleCommand(cmd) {
				c.teardown()
				return
			}
			reading = c.netConn != nil && c.state.Load() != StateClosed

		case rr := <-rCh:
			c.handleRead(rr)
			reading = c.netConn != nil && c.state.Load() != StateClosed

		case <-pingC:
			c.sendPing()

		case <-reconnC:
			c.reconnectTimer = nil
			c.doConnect(c.lastURL)
			reading = c.netConn != nil && c.state.Load() != StateClosed

		case <-closingC:
			c.closingTimer = nil
			c.forceClose()
		}
	}
}

func (c *Connection) handleCommand(cmd command) bool {
	switch cmd.kind {
	case cmdConnect:
		c.doConnect(cmd.url)
	case cmdSend:
		cmd.result <- c.doSend(cmd.payload, cmd.binary)
	case cmdClose:
		c.doClose(cmd.code, cmd.reason)
	case cmdSetCallback:
		c.cb = cmd.cb
	case cmdShutdown:
		return false
	}
	return true
}

func (c *Connection) teardown() {
	c.stopPingTimer()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.closingTimer != nil {
		c.closingTimer.Stop()
		c.closingTimer = nil
	}
	if c.netConn != nil {
		_ = c.netConn.Close()
		c.netConn = nil
	}
	c.state.Store(StateClosed)
}

func (c *Connection) emit(ev Event) {
	if c.cb != nil {
		c.cb(ev)
	}
}

// --- connect / handshake ---

func (c *Connection) doConnect(url string) {
	c.lastURL = url
	c.state.Store(StateConnecting)

	u, err := ParseURL(url)
	if err != nil {
		log.Printf("ws: malformed url %q: %v", url, err)
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("parse url: %w", err)})
		c.state.Store(StateClosed)
		c.armReconnectTimer()
		return
	}
	if u.Scheme == "wss" {
		log.Printf("ws: %q requests wss, plaintext core cannot dial it", url)
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("wss is not supported by this plaintext core")})
		c.state.Store(StateClosed)
		c.armReconnectTimer()
		return
	}

	d := net.Dialer{Timeout: time.Duration(c.opts.DialTimeoutMs) * time.Millisecond}
	dialStart := time.Now()
	conn, err := d.Dial("tcp", fmt.Sprintf("%s:%d", u.Host, u.Port))
	metrics.RecordDial(time.Since(dialStart))
	if err != nil {
		log.Printf("ws: dial %s: %v", url, err)
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("dial: %w", err)})
		c.state.Store(StateClosed)
		c.armReconnectTimer()
		return
	}
	c.netConn = conn

	if err := c.handshake(u); err != nil {
		log.Printf("ws: handshake with %s: %v", url, err)
		c.emit(Event{Kind: EventError, Err: err})
		_ = c.netConn.Close()
		c.netConn = nil
		c.state.Store(StateClosed)
		c.armReconnectTimer()
		return
	}

	c.stopReconnectTimer()
	c.startPingTimerIfNeeded()
	go c.readLoop(c.bufReader, c.readCh, c.quit)
}

func (c *Connection) handshake(u URL) error {
	// Bound the upgrade exchange so a peer that accepts the TCP connection
	// but never answers cannot block the loop goroutine (and Stop) forever.
	_ = c.netConn.SetDeadline(time.Now().Add(time.Duration(c.opts.DialTimeoutMs) * time.Millisecond))

	key := newSecWebSocketKey()
	req := buildHandshakeRequest(u, key, c.opts)
	if _, err := c.netConn.Write(req); err != nil {
		return fmt.Errorf("write handshake request: %w", err)
	}

	br := bufio.NewReader(c.netConn)
	httpReq := &http.Request{Method: http.MethodGet}
	resp, err := http.ReadResponse(br, httpReq)
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxHandshakeErrorBody))
		if equalFoldHeader(resp.Header.Get("Content-Encoding"), "gzip") {
			if decoded, err := GzipDecompress(body); err == nil {
				body = decoded
			}
		}
		if len(body) > 0 {
			return fmt.Errorf("unexpected handshake status %d: %s", resp.StatusCode, body)
		}
		return fmt.Errorf("unexpected handshake status %d", resp.StatusCode)
	}
	if !equalFoldHeader(resp.Header.Get("Upgrade"), "websocket") {
		return fmt.Errorf("missing/invalid Upgrade header")
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return fmt.Errorf("missing/invalid Connection header")
	}
	if c.opts.StrictAccept {
		want := computeAcceptKey(key)
		if resp.Header.Get("Sec-WebSocket-Accept") != want {
			return fmt.Errorf("sec-websocket-accept mismatch")
		}
	}

	_ = c.netConn.SetDeadline(time.Time{})
	c.bufReader = br
	c.state.Store(StateOpen)
	c.emit(Event{
		Kind:        EventOpen,
		URI:         u.String(),
		Headers:     resp.Header,
		Subprotocol: resp.Header.Get("Sec-WebSocket-Protocol"),
	})

	// Bytes already buffered past the header terminator may contain the
	// start of the first WebSocket frame (spec.md §4.C6).
	if n := br.Buffered(); n > 0 {
		extra := make([]byte, n)
		if _, err := readFull(br, extra); err == nil {
			c.rxbuf = append(c.rxbuf, extra...)
			c.drainFrames()
		}
	}
	return nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func headerContainsToken(header, token string) bool {
	start := 0
	for i := 0; i <= len(header); i++ {
		if i == len(header) || header[i] == ',' {
			part := trimSpace(header[start:i])
			if equalFoldHeader(part, token) {
				return true
			}
			start = i + 1
		}
	}
	return false
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

// --- reading / dispatch ---

func (c *Connection) readLoop(br *bufio.Reader, out chan<- readResult, done <-chan struct{}) {
	for {
		buf := make([]byte, 4096)
		n, err := br.Read(buf)
		select {
		case out <- readResult{data: buf[:n], err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) handleRead(rr readResult) {
	if len(rr.data) > 0 {
		c.rxbuf = append(c.rxbuf, rr.data...)
		c.drainFrames()
	}
	if rr.err != nil {
		c.handleTransportError(rr.err)
	}
}

func (c *Connection) handleTransportError(err error) {
	st := c.state.Load()
	if st == StateClosed {
		return
	}
	remote := st == StateOpen
	log.Printf("ws: transport error: %v", err)
	c.emit(Event{Kind: EventError, Err: err})
	c.finalizeClose(CloseAbnormal, "transport error", remote)
}

func (c *Connection) drainFrames() {
	for {
		hdr, payload, consumed, ok, err := ParseFrame(c.rxbuf)
		if err != nil {
			c.beginClose(CloseProtocolError, err.Error())
			return
		}
		if !ok {
			return
		}
		c.rxbuf = c.rxbuf[consumed:]
		if !c.dispatch(hdr, payload) {
			return
		}
	}
}

// dispatch processes one fully-parsed frame. It returns false if the
// connection was closed as a result (callers must stop draining rxbuf,
// since the socket may already be gone).
func (c *Connection) dispatch(hdr FrameHeader, payload []byte) bool {
	if hdr.RSV2 || hdr.RSV3 || hdr.RSV1 {
		// permessage-deflate is never negotiated by this core, so rsv1 is
		// always a protocol error too.
		c.beginClose(CloseProtocolError, "reserved bits set")
		return false
	}

	if hdr.Opcode.IsControl() {
		if !hdr.Fin {
			c.beginClose(CloseProtocolError, "fragmented control frame")
			return false
		}
		if len(payload) > 125 {
			c.beginClose(CloseProtocolError, "control frame payload too large")
			return false
		}
		switch hdr.Opcode {
		case OpPing:
			if !c.opts.DisablePong {
				c.writeControlFrame(OpPong, payload)
			}
			c.emit(Event{Kind: EventPing, PingPongPayload: payload})
		case OpPong:
			c.emit(Event{Kind: EventPong, PingPongPayload: payload})
		case OpClose:
			c.handleClose(payload)
			return false
		}
		return true
	}

	switch hdr.Opcode {
	case OpText, OpBinary:
		if !c.assembly.empty() {
			c.beginClose(CloseProtocolError, "data frame received mid-fragment")
			return false
		}
		binary := hdr.Opcode == OpBinary
		if hdr.Fin {
			if !binary && !ValidateUTF8(payload) {
				c.beginClose(CloseInvalidPayload, "invalid utf-8 text message")
				return false
			}
			metrics.RecordFrame("received", hdr.Opcode.String(), len(payload))
			c.emit(Event{Kind: EventMessage, Payload: payload, Binary: binary})
		} else {
			c.fragBinary = binary
			c.assembly.append(payload)
			c.emit(Event{Kind: EventFragment})
		}
	case OpContinuation:
		if c.assembly.empty() {
			c.beginClose(CloseProtocolError, "continuation without a started message")
			return false
		}
		c.assembly.append(payload)
		if hdr.Fin {
			merged := c.assembly.merged()
			c.assembly.reset()
			if !c.fragBinary && !ValidateUTF8(merged) {
				c.beginClose(CloseInvalidPayload, "invalid utf-8 text message")
				return false
			}
			op := OpText
			if c.fragBinary {
				op = OpBinary
			}
			metrics.RecordFrame("received", op.String(), len(merged))
			c.emit(Event{Kind: EventMessage, Payload: merged, Binary: c.fragBinary})
		} else {
			c.emit(Event{Kind: EventFragment})
		}
	default:
		c.beginClose(CloseProtocolError, "unsupported opcode")
		return false
	}
	return true
}

// --- sending ---

func (c *Connection) doSend(payload []byte, binary bool) bool {
	st := c.state.Load()
	if st != StateOpen && st != StateClosing {
		return false
	}
	if !binary && !ValidateUTF8(payload) {
		c.beginClose(CloseInvalidPayload, "invalid utf-8 text payload")
		return false
	}

	opcode := OpText
	if binary {
		opcode = OpBinary
	}
	for _, frame := range SerializeMessage(opcode, payload, false) {
		if _, err := c.netConn.Write(frame); err != nil {
			return false
		}
	}
	metrics.RecordFrame("sent", opcode.String(), len(payload))
	return true
}

func (c *Connection) writeControlFrame(opcode Opcode, payload []byte) {
	if c.netConn == nil {
		return
	}
	_, _ = c.netConn.Write(SerializeFrame(opcode, true, payload, false))
}

func (c *Connection) sendPing() {
	if c.state.Load() != StateOpen {
		return
	}
	c.writeControlFrame(OpPing, []byte(kPingMessage))
}

// --- close handshake ---

func (c *Connection) doClose(code uint16, reason string) {
	c.beginClose(code, reason)
}

func (c *Connection) beginClose(code uint16, reason string) {
	st := c.state.Load()
	if st == StateClosing || st == StateClosed {
		return
	}
	c.closeCode = code
	c.closeReason = reason
	c.state.Store(StateClosing)
	c.sendCloseFrame(code, reason)
	c.closingTimer = time.NewTimer(time.Duration(c.opts.ClosingMaxWaitMs) * time.Millisecond)
}

func (c *Connection) sendCloseFrame(code uint16, reason string) {
	var payload []byte
	if code != CloseNoStatus {
		payload = make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, code)
		copy(payload[2:], reason)
	}
	c.writeControlFrame(OpClose, payload)
}

func (c *Connection) handleClose(payload []byte) {
	code, reason := parseClosePayload(payload)

	if c.state.Load() == StateClosing && code == c.closeCode && reason == c.closeReason {
		c.finalizeClose(code, reason, false)
		return
	}

	c.sendCloseFrame(code, reason)
	c.finalizeClose(code, reason, true)
}

func (c *Connection) forceClose() {
	c.finalizeClose(c.closeCode, c.closeReason, false)
}

func (c *Connection) finalizeClose(code uint16, reason string, remote bool) {
	c.stopPingTimer()
	if c.closingTimer != nil {
		c.closingTimer.Stop()
		c.closingTimer = nil
	}
	if c.netConn != nil {
		_ = c.netConn.Close()
		c.netConn = nil
	}
	c.assembly.reset()
	c.rxbuf = nil
	c.state.Store(StateClosed)
	metrics.RecordClose(code, remote)
	c.emit(Event{Kind: EventClose, CloseCode: code, CloseReason: reason, Remote: remote})
	// Reconnect is armed only from the connect-failure path, not from any
	// close path (including remote-initiated close) — preserved source
	// behavior, see SPEC_FULL.md §4.C6 and DESIGN.md.
}

// --- timers ---

func (c *Connection) startPingTimerIfNeeded() {
	if c.opts.PingIntervalSecs > 0 {
		c.pingTicker = time.NewTicker(time.Duration(c.opts.PingIntervalSecs) * time.Second)
	}
}

func (c *Connection) stopPingTimer() {
	if c.pingTicker != nil {
		c.pingTicker.Stop()
		c.pingTicker = nil
	}
}

func (c *Connection) stopReconnectTimer() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) armReconnectTimer() {
	if c.opts.ReconnectIntervalMs == DisableAutoReconnect || c.lastURL == "" {
		return
	}
	metrics.RecordReconnect()
	c.reconnectTimer = time.NewTimer(time.Duration(c.opts.ReconnectIntervalMs) * time.Millisecond)
}
