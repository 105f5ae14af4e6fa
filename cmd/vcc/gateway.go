package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"vcc-rpc/internal/adapter/gateway"
	"vcc-rpc/internal/adapter/pubsub"
	"vcc-rpc/internal/infra/config"
	"vcc-rpc/internal/infra/logger"
	"vcc-rpc/internal/usecase/exchanger"
)

func runGateway(args []string) error {
	var (
		common  commonFlags
		addr    string
		rpcHost string
		bus     string
	)
	fs := pflag.NewFlagSet("vcc gateway", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&addr, "addr", "", "listen address (overrides gateway.addr)")
	fs.StringVar(&rpcHost, "rpc-host", "", "broker address, host:port or ws:// (overrides service.rpc_host)")
	fs.StringVar(&bus, "bus", "", "pub/sub backend, redis or memory (overrides bus.backend)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := common.setup(ctx, "gateway", func(cfg *config.Config) {
		if fs.Changed("addr") {
			cfg.Gateway.Addr = addr
		}
		if fs.Changed("rpc-host") {
			cfg.Service.RPCHost = rpcHost
		}
		if fs.Changed("bus") {
			cfg.Bus.Backend = bus
		}
	})
	if err != nil {
		return err
	}
	defer a.close()

	b, err := pubsub.Open(ctx, a.cfg.Bus.Backend, a.cfg.Bus.RedisURL, logger.Component(a.logger, "pubsub"))
	if err != nil {
		return err
	}
	defer b.Close()

	return serveGateway(ctx, a, b)
}

// serveGateway connects an exchanger to the broker over bus and serves the
// WebSocket gateway until ctx is cancelled.
func serveGateway(ctx context.Context, a *app, bus pubsub.Bus) error {
	ex := exchanger.New(bus, exchanger.Options{
		Addr:            a.cfg.Service.RPCHost,
		CallTimeout:     a.cfg.Exchanger.CallTimeout,
		MailboxSize:     a.cfg.Exchanger.MailboxSize,
		BreakerFailures: a.cfg.Exchanger.BreakerFailures,
		BreakerTimeout:  a.cfg.Exchanger.BreakerTimeout,
	}, logger.Component(a.logger, "exchanger"))
	if err := ex.Connect(ctx); err != nil {
		return fmt.Errorf("exchanger: %w", err)
	}
	defer ex.Close()

	var auth gateway.Authenticator
	if len(a.cfg.Gateway.AdminTokens) > 0 {
		static, err := gateway.NewStaticTokenAuth(a.cfg.Gateway.AdminTokens)
		if err != nil {
			return fmt.Errorf("gateway.admin_tokens: %w", err)
		}
		auth = static
	}

	srv := gateway.NewServer(ex, auth, gateway.Config{
		Addr:              a.cfg.Gateway.Addr,
		RequestsPerSecond: a.cfg.Gateway.RequestsPerSecond,
		Burst:             a.cfg.Gateway.Burst,
		AllowedOrigins:    a.cfg.Gateway.AllowedOrigins,
		UpgradesPerMinute: a.cfg.Gateway.UpgradesPerMinute,
	}, logger.Component(a.logger, "gateway"))
	gateway.RegisterDefaultHandlers(srv)
	gateway.RegisterRESTHandlers(srv)

	return srv.Start(ctx)
}
