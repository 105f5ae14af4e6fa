package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"vcc-rpc/internal/infra/config"
	"vcc-rpc/internal/infra/logger"
	"vcc-rpc/internal/usecase/broker"
)

func runBroker(args []string) error {
	var (
		common     commonFlags
		listen     string
		httpListen string
	)
	fs := pflag.NewFlagSet("vcc broker", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&listen, "listen", "", "TCP listen address (overrides broker.listen)")
	fs.StringVar(&httpListen, "http-listen", "", "HTTP listen address for /rpc and /status (overrides broker.http_listen)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := common.setup(ctx, "broker", func(cfg *config.Config) {
		if fs.Changed("listen") {
			cfg.Broker.Listen = listen
		}
		if fs.Changed("http-listen") {
			cfg.Broker.HTTPListen = httpListen
		}
	})
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", a.cfg.Broker.Listen)
	if err != nil {
		return fmt.Errorf("broker listen: %w", err)
	}
	return serveBroker(ctx, a, ln)
}

// serveBroker runs the broker on ln, plus its HTTP endpoint when configured,
// until ctx is cancelled.
func serveBroker(ctx context.Context, a *app, ln net.Listener) error {
	log := logger.Component(a.logger, "broker")
	b := broker.New(broker.Config{
		MaxFrameSize:    a.cfg.Broker.MaxFrameSize,
		WriteTimeout:    a.cfg.Broker.WriteTimeout,
		FramesPerSecond: a.cfg.Broker.FramesPerSecond,
		Burst:           a.cfg.Broker.Burst,
	}, log)

	if addr := a.cfg.Broker.HTTPListen; addr != "" {
		srv := &http.Server{Addr: addr, Handler: b.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("broker http listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("broker http server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	err := b.Serve(ctx, ln)
	b.Shutdown()
	log.Info("broker stopped")
	return err
}
