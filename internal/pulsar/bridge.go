// Package pulsar implements the WebSocket-to-Pulsar bridge: a connection
// cache over internal/ws.Connection, a bounded drop-oldest publish queue,
// and the producer/consumer envelope protocol used by Pulsar's WebSocket
// proxy (see SPEC_FULL.md §4.C7). Like internal/ws, the Bridge funnels all
// state mutation through a single loop goroutine reached by a command
// channel.
package pulsar

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"wspulsar/internal/metrics"
	"wspulsar/internal/ws"
)

// OnPublishResponseCallback is invoked exactly once per Publish call, either
// with the broker's ack or, on error/timeout, success=false.
type OnPublishResponseCallback func(success bool, context string, messageID string)

// OnSubscribeResponseCallback is invoked once per delivered consumer
// message. Returning true acknowledges the message to the broker;
// returning false leaves it unacknowledged (the broker will redeliver).
type OnSubscribeResponseCallback func(payload []byte, messageID string) bool

const (
	defaultMaxQueueSize   = 1000
	defaultPublishTimeout = 3000 * time.Millisecond
	queueProcessInterval  = 100 * time.Millisecond
)

type bridgeCmdKind int

const (
	cmdPublish bridgeCmdKind = iota
	cmdSubscribe
	cmdProducerMessage
	cmdConsumerMessage
	cmdPublishTimeout
	cmdStats
	cmdAllProcessed
	cmdDebugQueueLen
	cmdShutdown
)

type bridgeCmd struct {
	kind bridgeCmdKind

	// cmdPublish
	payload           []byte
	tenant, ns, topic string
	publishCb         OnPublishResponseCallback

	// cmdSubscribe
	subscription string
	subscribeCb  OnSubscribeResponseCallback
	errResult    chan error

	// cmdProducerMessage / cmdConsumerMessage / cmdPublishTimeout
	url     string
	raw     []byte
	context string

	// cmdStats / cmdAllProcessed / cmdDebugQueueLen
	statsResult chan statsResult
	boolResult  chan bool
	intResult   chan int
}

type statsResult struct {
	delivered uint64
	dropped   uint64
}

// Bridge owns a set of Pulsar WebSocket producer/consumer connections keyed
// by URL and the publish queue feeding them.
type Bridge struct {
	baseURL        string
	maxQueueSize   int
	publishTimeout time.Duration
	wsOptions      ws.Options

	cmdCh chan bridgeCmd
	quit  chan struct{}

	// loop-owned state only.
	clients          map[string]*ws.Connection
	publishCallbacks map[string]OnPublishResponseCallback
	publishTimers    map[string]*time.Timer
	queue            []queueEntry
	nextContext      uint64
	delivered        uint64
	dropped          uint64
}

// NewBridge creates a Bridge talking to the Pulsar WebSocket proxy at
// baseURL (e.g. "ws://localhost:8080") and starts its loop goroutine.
// maxQueueSize <= 0 uses the documented default of 1000.
func NewBridge(baseURL string, maxQueueSize int, wsOpts ws.Options) *Bridge {
	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}
	b := &Bridge{
		baseURL:          baseURL,
		maxQueueSize:     maxQueueSize,
		publishTimeout:   defaultPublishTimeout,
		wsOptions:        wsOpts,
		cmdCh:            make(chan bridgeCmd, 64),
		quit:             make(chan struct{}),
		clients:          make(map[string]*ws.Connection),
		publishCallbacks: make(map[string]OnPublishResponseCallback),
		publishTimers:    make(map[string]*time.Timer),
	}
	go b.loop()
	return b
}

// SetPublishTimeoutForTest overrides the per-publish ack timeout. Exposed
// only for tests that need to observe a timeout without waiting out the
// real 3000ms default.
func (b *Bridge) SetPublishTimeoutForTest(d time.Duration) { b.publishTimeout = d }

// Publish serializes payload into the producer envelope and enqueues it for
// the producer connection at persistent/{tenant}/{ns}/{topic}. cb fires
// exactly once, either with the broker's ack or with success=false on
// error/timeout.
func (b *Bridge) Publish(payload []byte, tenant, ns, topic string, cb OnPublishResponseCallback) {
	b.cmdCh <- bridgeCmd{kind: cmdPublish, payload: payload, tenant: tenant, ns: ns, topic: topic, publishCb: cb}
}

// Subscribe opens a consumer connection at
// persistent/{tenant}/{ns}/{topic}/{subscription}. It returns an error if a
// subscription to that exact URL already exists; the bridge does not
// collapse multiple logical subscribers onto one socket.
func (b *Bridge) Subscribe(tenant, ns, topic, subscription string, cb OnSubscribeResponseCallback) error {
	result := make(chan error, 1)
	b.cmdCh <- bridgeCmd{
		kind: cmdSubscribe, tenant: tenant, ns: ns, topic: topic,
		subscription: subscription, subscribeCb: cb, errResult: result,
	}
	return <-result
}

// ReportStats returns the cumulative count of acked and dropped (error,
// timeout, or queue-overflow) publishes.
func (b *Bridge) ReportStats() (delivered, dropped uint64) {
	result := make(chan statsResult, 1)
	b.cmdCh <- bridgeCmd{kind: cmdStats, statsResult: result}
	r := <-result
	return r.delivered, r.dropped
}

// AllPublishedMessagesProcessed reports whether the publish queue is empty
// and every publish sent to a broker has received its ack or timeout.
func (b *Bridge) AllPublishedMessagesProcessed() bool {
	result := make(chan bool, 1)
	b.cmdCh <- bridgeCmd{kind: cmdAllProcessed, boolResult: result}
	return <-result
}

// Close tears down every cached connection and stops the loop goroutine.
func (b *Bridge) Close() {
	select {
	case b.cmdCh <- bridgeCmd{kind: cmdShutdown}:
	case <-b.quit:
	}
	<-b.quit
}

func (b *Bridge) queueLenForTest() int {
	result := make(chan int, 1)
	b.cmdCh <- bridgeCmd{kind: cmdDebugQueueLen, intResult: result}
	return <-result
}

// --- loop goroutine ---

func (b *Bridge) loop() {
	defer close(b.quit)

	ticker := time.NewTicker(queueProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-b.cmdCh:
			if !b.handle(cmd) {
				b.teardown()
				return
			}
		case <-ticker.C:
			b.processQueue()
		}
	}
}

func (b *Bridge) handle(cmd bridgeCmd) bool {
	switch cmd.kind {
	case cmdPublish:
		b.doPublish(cmd)
	case cmdSubscribe:
		cmd.errResult <- b.doSubscribe(cmd)
	case cmdProducerMessage:
		b.handleProducerMessage(cmd.url, cmd.raw)
	case cmdConsumerMessage:
		b.handleConsumerMessage(cmd.url, cmd.raw, cmd.subscribeCb)
	case cmdPublishTimeout:
		b.handlePublishTimeout(cmd.context)
	case cmdStats:
		cmd.statsResult <- statsResult{delivered: b.delivered, dropped: b.dropped}
	case cmdAllProcessed:
		cmd.boolResult <- (len(b.queue) == 0 && len(b.publishCallbacks) == 0)
	case cmdDebugQueueLen:
		cmd.intResult <- len(b.queue)
	case cmdShutdown:
		return false
	}
	return true
}

func (b *Bridge) teardown() {
	for ctx, t := range b.publishTimers {
		t.Stop()
		delete(b.publishTimers, ctx)
	}
	for _, c := range b.clients {
		c.Close(ws.CloseNormal, "bridge closing")
		c.Stop()
	}
}

// --- producer side ---

func (b *Bridge) producerURL(tenant, ns, topic string) string {
	return fmt.Sprintf("%s/ws/v2/producer/persistent/%s/%s/%s", b.baseURL, tenant, ns, topic)
}

func (b *Bridge) consumerURL(tenant, ns, topic, subscription string) string {
	return fmt.Sprintf("%s/ws/v2/consumer/persistent/%s/%s/%s/%s", b.baseURL, tenant, ns, topic, subscription)
}

func (b *Bridge) getOrCreateProducer(url string) *ws.Connection {
	if c, ok := b.clients[url]; ok {
		return c
	}
	c := ws.NewConnection(b.wsOptions)
	c.SetOnMessageCallback(b.producerCallback(url))
	c.Connect(url)
	b.clients[url] = c
	return c
}

func (b *Bridge) producerCallback(url string) ws.OnMessageCallback {
	return func(ev ws.Event) {
		if ev.Kind == ws.EventMessage && !ev.Binary {
			b.cmdCh <- bridgeCmd{kind: cmdProducerMessage, url: url, raw: ev.Payload}
		}
	}
}

func (b *Bridge) doPublish(cmd bridgeCmd) {
	url := b.producerURL(cmd.tenant, cmd.ns, cmd.topic)
	context := strconv.FormatUint(b.nextContext, 10)
	b.nextContext++

	b.publishCallbacks[context] = cmd.publishCb
	b.getOrCreateProducer(url)

	env := publishEnvelope{
		Payload:    base64Encode(cmd.payload),
		Context:    context,
		Properties: map[string]string{"key1": "val1"},
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("pulsar: marshal publish envelope: %v", err)
		b.failPublish(context, false)
		return
	}

	ctxCopy := context
	b.publishTimers[context] = time.AfterFunc(b.publishTimeout, func() {
		b.cmdCh <- bridgeCmd{kind: cmdPublishTimeout, context: ctxCopy}
	})

	var droppedEntry bool
	b.queue, droppedEntry = pushBounded(b.queue, queueEntry{url: url, envelope: string(data)}, b.maxQueueSize)
	if droppedEntry {
		// The evicted entry's callback and timer are still armed; the
		// eventual timeout is what resolves it and counts it dropped, so
		// it isn't double-counted here.
		log.Printf("pulsar: publish queue full (%d), dropped oldest entry", b.maxQueueSize)
	}
	metrics.SetQueueDepth(len(b.queue))
}

func (b *Bridge) processQueue() {
	for len(b.queue) > 0 {
		entry := b.queue[0]
		conn, ok := b.clients[entry.url]
		if !ok || !conn.IsConnected() {
			return
		}
		if !conn.SendText(entry.envelope) {
			log.Printf("pulsar: send to %s failed, will retry", entry.url)
			return
		}
		b.queue = b.queue[1:]
	}
	metrics.SetQueueDepth(len(b.queue))
}

func (b *Bridge) handleProducerMessage(url string, raw []byte) {
	var ack producerAck
	if err := json.Unmarshal(raw, &ack); err != nil {
		log.Printf("pulsar: malformed producer ack from %s: %v", url, err)
		return
	}

	if ack.Result != "ok" {
		log.Printf("pulsar: producer error for context %s: %s", ack.Context, ack.Result)
		b.failPublish(ack.Context, true)
		return
	}

	cb, ok := b.publishCallbacks[ack.Context]
	if !ok {
		log.Printf("pulsar: ack for unknown context %s", ack.Context)
		return
	}
	delete(b.publishCallbacks, ack.Context)
	b.cancelPublishTimer(ack.Context)
	b.delivered++
	metrics.RecordPublish(true)
	cb(true, ack.Context, ack.MessageID)
}

func (b *Bridge) handlePublishTimeout(context string) {
	cb, ok := b.publishCallbacks[context]
	if !ok {
		// Ack and timeout raced; the ack already won.
		return
	}
	delete(b.publishCallbacks, context)
	delete(b.publishTimers, context)
	b.dropped++
	metrics.RecordPublish(false)
	cb(false, context, "n/a")
}

// failPublish resolves a publish as failed, either from a producer "error"
// result or a marshal failure. cancelTimer controls whether a still-pending
// timeout timer needs to be cancelled (it does whenever the failure is
// discovered before the timer fires).
func (b *Bridge) failPublish(context string, cancelTimer bool) {
	cb, ok := b.publishCallbacks[context]
	if !ok {
		return
	}
	delete(b.publishCallbacks, context)
	if cancelTimer {
		b.cancelPublishTimer(context)
	}
	b.dropped++
	metrics.RecordPublish(false)
	cb(false, context, "n/a")
}

func (b *Bridge) cancelPublishTimer(context string) {
	if t, ok := b.publishTimers[context]; ok {
		t.Stop()
		delete(b.publishTimers, context)
	}
}

// --- consumer side ---

func (b *Bridge) doSubscribe(cmd bridgeCmd) error {
	url := b.consumerURL(cmd.tenant, cmd.ns, cmd.topic, cmd.subscription)
	if _, exists := b.clients[url]; exists {
		return fmt.Errorf("pulsar: already subscribed to %s", url)
	}
	c := ws.NewConnection(b.wsOptions)
	c.SetOnMessageCallback(b.consumerCallback(url, cmd.subscribeCb))
	c.Connect(url)
	b.clients[url] = c
	return nil
}

func (b *Bridge) consumerCallback(url string, cb OnSubscribeResponseCallback) ws.OnMessageCallback {
	return func(ev ws.Event) {
		if ev.Kind == ws.EventMessage && !ev.Binary {
			b.cmdCh <- bridgeCmd{kind: cmdConsumerMessage, url: url, raw: ev.Payload, subscribeCb: cb}
		}
	}
}

func (b *Bridge) handleConsumerMessage(url string, raw []byte, cb OnSubscribeResponseCallback) {
	var msg consumerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("pulsar: malformed consumer message from %s: %v", url, err)
		return
	}
	decoded, err := base64Decode(msg.Payload)
	if err != nil {
		log.Printf("pulsar: bad base64 payload from %s: %v", url, err)
		return
	}

	if !cb(decoded, msg.MessageID) {
		return
	}

	ackData, err := json.Marshal(consumerAck{MessageID: msg.MessageID})
	if err != nil {
		log.Printf("pulsar: marshal consumer ack: %v", err)
		return
	}
	conn, ok := b.clients[url]
	if !ok {
		return
	}
	if !conn.SendText(string(ackData)) {
		log.Printf("pulsar: ack for message %s failed", msg.MessageID)
		return
	}
	metrics.RecordConsumed()
}
