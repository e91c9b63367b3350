// Command gatewayd runs the TCP message gateway: loads configuration,
// wires the router, and serves the data and control ports until an
// interrupt signal requests a graceful shutdown. Grounded on the
// teacher's examples/highlevel/route_groups main.go for the
// signal.Notify + graceful Shutdown shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/coreflux/tcpgate/gateway"
	"github.com/coreflux/tcpgate/internal/gwconfig"
	"github.com/coreflux/tcpgate/internal/gwlog"
	"github.com/coreflux/tcpgate/internal/router"
)

func loggerConfig(lc gwconfig.LogConfig) gwlog.Config {
	return gwlog.Config{
		Level:          logLevel(lc.Level),
		AsyncQueueSize: lc.AsyncQueueSize,
		FlushInterval:  time.Duration(lc.FlushIntervalMs) * time.Millisecond,
		ConsoleEnable:  lc.Console.Enable,
		FileEnable:     lc.File.Enable,
		FileBaseName:   lc.File.BaseName,
		FileMaxSizeMB:  lc.File.MaxSizeMB,
		FileMaxFiles:   lc.File.MaxFiles,
	}
}

func main() {
	configPath := flag.String("config", "", "path to gateway config file (YAML)")
	flag.Parse()

	cfg, err := gwconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: config: %v\n", err)
		os.Exit(1)
	}

	log := gwlog.New(loggerConfig(cfg.Log))
	gwlog.DefaultLogger = log

	r := router.New(log, nil)
	registerDefaultRoutes(r)

	gw := gateway.New(cfg, r, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-sigCh
		log.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := gw.Shutdown(ctx); err != nil {
			log.Error("shutdown error")
		}
		log.Sync()
	}()

	if err := gw.ListenAndServe(); err != nil {
		log.Error("gateway stopped with error")
		log.Sync()
		os.Exit(1)
	}
	// ListenAndServe returns nil once Shutdown has closed the listener;
	// wait for the drain, close-all and log flush to finish before exiting.
	<-shutdownDone
}

// registerDefaultRoutes wires a heartbeat handler so a freshly started
// gateway answers something out of the box; real message types are
// registered by embedding applications via router.Router directly.
func registerDefaultRoutes(r *router.Router) {
	const heartbeatMsgType = 0x0001
	r.HandleRaw(heartbeatMsgType, func(ctx *router.Context) error {
		return nil
	})
}

func logLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
