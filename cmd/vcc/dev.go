package main

import (
	"fmt"
	"net"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"vcc-rpc/internal/adapter/pubsub"
	"vcc-rpc/internal/infra/config"
)

// runDev runs the broker, the echo service and the gateway in one process
// over the in-memory bus.
func runDev(args []string) error {
	var (
		common commonFlags
		listen string
		addr   string
	)
	fs := pflag.NewFlagSet("vcc dev", pflag.ContinueOnError)
	common.register(fs)
	fs.StringVar(&listen, "listen", "", "broker TCP listen address (overrides broker.listen)")
	fs.StringVar(&addr, "addr", "", "gateway listen address (overrides gateway.addr)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := common.setup(ctx, "dev", func(cfg *config.Config) {
		if fs.Changed("listen") {
			cfg.Broker.Listen = listen
		}
		if fs.Changed("addr") {
			cfg.Gateway.Addr = addr
		}
		cfg.Bus.Backend = "memory"
	})
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", a.cfg.Broker.Listen)
	if err != nil {
		return fmt.Errorf("broker listen: %w", err)
	}
	a.cfg.Service.RPCHost = ln.Addr().String()

	bus := pubsub.NewMemory()
	defer bus.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveBroker(ctx, a, ln) })
	g.Go(func() error { return serveEcho(ctx, a) })
	g.Go(func() error { return serveGateway(ctx, a, bus) })
	return g.Wait()
}
