package main

import (
	"context"

	"github.com/spf13/pflag"

	"vcc-rpc/internal/infra/config"
	"vcc-rpc/internal/infra/logger"
	"vcc-rpc/internal/usecase/echo"
	"vcc-rpc/pkg/servicesdk"
)

func runEcho(args []string) error {
	var (
		common  commonFlags
		rpcHost string
	)
	fs := pflag.NewFlagSet("vcc echo", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&rpcHost, "rpc-host", "", "broker address, host:port or ws:// (overrides service.rpc_host)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := common.setup(ctx, "echo", func(cfg *config.Config) {
		if fs.Changed("rpc-host") {
			cfg.Service.RPCHost = rpcHost
		}
	})
	if err != nil {
		return err
	}
	defer a.close()

	return serveEcho(ctx, a)
}

// serveEcho runs the echo service against the configured broker.
func serveEcho(ctx context.Context, a *app) error {
	svc := newService(a, "echo")
	echo.Register(svc)
	return svc.Run(ctx)
}

// newService builds a servicesdk.Service from the service section.
// max_retries of 0 means retry forever.
func newService(a *app, name string) *servicesdk.Service {
	retries := a.cfg.Service.MaxRetries
	if retries == 0 {
		retries = -1
	}
	return servicesdk.New(
		servicesdk.WithAddr(a.cfg.Service.RPCHost),
		servicesdk.WithLogger(logger.Component(a.logger, name)),
		servicesdk.WithBackoff(a.cfg.Service.ReconnectDelay),
		servicesdk.WithMaxRetries(retries),
		servicesdk.WithCallTimeout(a.cfg.Exchanger.CallTimeout),
	)
}
