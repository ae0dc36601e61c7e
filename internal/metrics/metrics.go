// Package metrics exposes a hand-rolled Prometheus text-format endpoint for
// the ws/pulsar client, in the same style as a typical exporter: package
// level counters guarded by a mutex, sorted label output, no client
// library.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type telemetry struct {
	enabled bool
	mu      sync.RWMutex

	framesTotal   map[string]uint64
	bytesTotal    map[string]uint64
	closesTotal   map[string]uint64
	reconnects    uint64
	dialSum       float64
	dialCount     uint64
	publishedOK   uint64
	publishedBad  uint64
	queueDepth    float64
	consumedTotal uint64
}

var (
	mu    = sync.RWMutex{}
	state = telemetry{}
)

// Enable turns on metric collection. Safe to call more than once.
func Enable() {
	mu.Lock()
	defer mu.Unlock()
	if state.enabled {
		return
	}
	state.framesTotal = make(map[string]uint64)
	state.bytesTotal = make(map[string]uint64)
	state.closesTotal = make(map[string]uint64)
	state.enabled = true
}

// StartServer runs a /metrics HTTP server until ctx is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty metrics address")
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// RecordFrame counts one WebSocket frame crossing direction ("sent" or
// "received") with the given opcode name.
func RecordFrame(direction, opcode string, payloadBytes int) {
	mu.RLock()
	if !state.enabled {
		mu.RUnlock()
		return
	}
	state.mu.Lock()
	mu.RUnlock()
	defer state.mu.Unlock()
	key := fmt.Sprintf("dir=%s,opcode=%s", direction, opcode)
	state.framesTotal[key]++
	state.bytesTotal[key] += uint64(payloadBytes)
}

// RecordDial records one dial attempt's duration.
func RecordDial(d time.Duration) {
	mu.RLock()
	if !state.enabled {
		mu.RUnlock()
		return
	}
	state.mu.Lock()
	mu.RUnlock()
	defer state.mu.Unlock()
	state.dialCount++
	state.dialSum += d.Seconds()
}

// RecordReconnect counts one automatic reconnect attempt.
func RecordReconnect() {
	mu.RLock()
	if !state.enabled {
		mu.RUnlock()
		return
	}
	state.mu.Lock()
	mu.RUnlock()
	defer state.mu.Unlock()
	state.reconnects++
}

// RecordClose counts a close handshake completion by code and origin.
func RecordClose(code uint16, remote bool) {
	mu.RLock()
	if !state.enabled {
		mu.RUnlock()
		return
	}
	state.mu.Lock()
	mu.RUnlock()
	defer state.mu.Unlock()
	origin := "local"
	if remote {
		origin = "remote"
	}
	state.closesTotal[fmt.Sprintf("code=%d,origin=%s", code, origin)]++
}

// RecordPublish counts a resolved Pulsar publish, delivered or dropped.
func RecordPublish(delivered bool) {
	mu.RLock()
	if !state.enabled {
		mu.RUnlock()
		return
	}
	state.mu.Lock()
	mu.RUnlock()
	defer state.mu.Unlock()
	if delivered {
		state.publishedOK++
	} else {
		state.publishedBad++
	}
}

// RecordConsumed counts one acknowledged Pulsar consumer message.
func RecordConsumed() {
	mu.RLock()
	if !state.enabled {
		mu.RUnlock()
		return
	}
	state.mu.Lock()
	mu.RUnlock()
	defer state.mu.Unlock()
	state.consumedTotal++
}

// SetQueueDepth reports the current publish queue length.
func SetQueueDepth(n int) {
	mu.RLock()
	if !state.enabled {
		mu.RUnlock()
		return
	}
	state.mu.Lock()
	mu.RUnlock()
	defer state.mu.Unlock()
	state.queueDepth = float64(n)
}

func handler(w http.ResponseWriter, _ *http.Request) {
	mu.RLock()
	enabled := state.enabled
	mu.RUnlock()
	if !enabled {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("# metrics disabled\n"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	state.mu.RLock()
	defer state.mu.RUnlock()

	writeCounterVec(w, "wspulsar_ws_frames_total", state.framesTotal)
	writeCounterVec(w, "wspulsar_ws_bytes_total", state.bytesTotal)
	writeCounterVec(w, "wspulsar_ws_closes_total", state.closesTotal)
	fmt.Fprintf(w, "wspulsar_ws_reconnects_total %d\n", state.reconnects)
	fmt.Fprintf(w, "wspulsar_ws_dial_duration_seconds_count %d\n", state.dialCount)
	fmt.Fprintf(w, "wspulsar_ws_dial_duration_seconds_sum %f\n", state.dialSum)
	fmt.Fprintf(w, "wspulsar_pulsar_published_total{result=\"ok\"} %d\n", state.publishedOK)
	fmt.Fprintf(w, "wspulsar_pulsar_published_total{result=\"dropped\"} %d\n", state.publishedBad)
	fmt.Fprintf(w, "wspulsar_pulsar_consumed_total %d\n", state.consumedTotal)
	fmt.Fprintf(w, "wspulsar_pulsar_queue_depth %.0f\n", state.queueDepth)
}

func writeCounterVec(w http.ResponseWriter, name string, data map[string]uint64) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s{%s} %d\n", name, toPromLabels(k), data[k])
	}
}

func toPromLabels(s string) string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts[i] = fmt.Sprintf("%s=\"%s\"", kv[0], strings.ReplaceAll(kv[1], "\"", "\\\""))
	}
	return strings.Join(parts, ",")
}
