// Command gatewayd is the FB BUS gateway's process entry point: it loads
// the client configuration, opens the serial link, wires the registry
// and orchestrator together, and drives the tick loop until asked to
// stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fbbusgw/bus"
	"fbbusgw/connector"
	"fbbusgw/link"
	"fbbusgw/logx"
	"fbbusgw/registry"
	"fbbusgw/services/config"
)

const tickInterval = 100 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to a JSON client config file (optional, defaults apply)")
	pair := flag.Bool("pair", false, "enable pairing on startup to enroll any devices waiting on the bus")
	flag.Parse()

	logger := logx.New("fb-bus-gateway")

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Exception("failed to load client config", err)
		os.Exit(1)
	}
	logger.Info("loaded client config",
		"address", cfg.ClientAddress, "interface", cfg.ClientInterface, "baud", cfg.ClientBaudRate)

	reg := registry.New()
	b := bus.NewBus(64)

	// SerialLink's inbound callback needs to call into the Connector
	// before the Connector exists, so the Connector is declared here and
	// assigned once New returns; the closure captures the pointer, not
	// its (still nil) value.
	var c *connector.Connector
	onFrame := func(addr byte, frame []byte) { c.EnqueueFrame(addr, frame) }

	l, err := link.OpenSerial(cfg.ClientInterface, cfg.ClientBaudRate, logger, onFrame)
	if err != nil {
		logger.Exception("failed to open serial link", err, "interface", cfg.ClientInterface)
		os.Exit(1)
	}
	defer l.Close()

	c = connector.New(reg, l, logger, b, logHostEvent(logger))
	c.Start()
	if *pair {
		c.Pairing().Enable()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logger.Info("gateway running", "tick", tickInterval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested, draining outstanding work")
			c.Stop()
			for c.HasUnfinishedTasks() {
				c.Loop(time.Now())
			}
			logger.Info("drained, exiting")
			return
		case now := <-ticker.C:
			c.Loop(now)
		}
	}
}

func loadConfig(path string) (config.ClientConfig, error) {
	if path == "" {
		return config.DefaultClientConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return config.ClientConfig{}, fmt.Errorf("reading config file: %w", err)
	}
	return config.Load(raw)
}

func logHostEvent(logger *logx.Logger) func(connector.Event) {
	return func(ev connector.Event) {
		switch p := ev.Payload.(type) {
		case connector.DeviceStateEvent:
			logger.Info("device state changed", "device", p.SerialNumber, "from", p.Old, "to", p.New)
		case connector.ActualValueEvent:
			logger.Debug("register value changed", "register", p.RegisterID, "device", p.DeviceID, "from", p.Old, "to", p.New)
		}
	}
}
