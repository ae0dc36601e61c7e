// Command wspulsar-cli is a minimal interactive client for the Pulsar
// WebSocket bridge: it subscribes to a topic, logs every delivered message,
// and publishes each line read from stdin to that same topic.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"wspulsar/pkg/wspulsar"
)

func main() {
	var cfgPath string
	var metricsAddr string
	var topic string
	var subscription string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.StringVar(&metricsAddr, "metrics", "", "prometheus metrics listen address, e.g. :9100 (overrides config)")
	flag.StringVar(&topic, "topic", "wspulsar-cli", "pulsar topic to publish/subscribe")
	flag.StringVar(&subscription, "sub", "wspulsar-cli-sub", "pulsar subscription name")
	flag.Parse()

	cfg, err := wspulsar.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wspulsar.EnableMetrics()
	go func() {
		if err := wspulsar.StartMetricsServer(ctx, cfg.MetricsAddr); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
	log.Printf("Prometheus metrics listening on %s", cfg.MetricsAddr)

	opts := wspulsar.OptionsFromConfig(cfg)
	bridge := wspulsar.NewBridge(cfg.BaseURL, cfg.MaxQueueSize, opts)
	defer bridge.Close()

	err = bridge.Subscribe(cfg.Tenant, cfg.Namespace, topic, subscription, func(payload []byte, messageID string) bool {
		log.Printf("received message %s: %s", messageID, payload)
		return true
	})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	log.Printf("subscribed to %s/%s/%s (subscription %s)", cfg.Tenant, cfg.Namespace, topic, subscription)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutting down...")
		cancel()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		bridge.Publish([]byte(line), cfg.Tenant, cfg.Namespace, topic, func(ok bool, context, messageID string) {
			if ok {
				log.Printf("published context=%s -> messageId=%s", context, messageID)
			} else {
				log.Printf("publish context=%s failed", context)
			}
		})
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stdin: %v", err)
	}
}
