package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"vcc-rpc/internal/infra/config"
	"vcc-rpc/internal/infra/logger"
	"vcc-rpc/internal/infra/tracer"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	run, ok := commands[cmd]
	if !ok {
		switch cmd {
		case "--help", "-h", "help":
			showUsage()
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'vcc --help' for usage information.\n", cmd)
		os.Exit(2)
	}

	if err := run(os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

var commands = map[string]func(args []string) error{
	"broker":     runBroker,
	"gateway":    runGateway,
	"echo":       runEcho,
	"dev":        runDev,
	"hash-token": runHashToken,
}

func showUsage() {
	fmt.Println(`vcc - chat RPC exchange fabric

USAGE:
    vcc COMMAND [FLAGS]

COMMANDS:
    broker      Run the rendezvous broker
    gateway     Run the WebSocket gateway in front of the broker
    echo        Run the demo echo service
    dev         Run broker, echo service and gateway in one process
                with the in-memory bus
    hash-token  Print the argon2id digest of a gateway admin token

COMMON FLAGS:
    -c, --config PATH      Config file (default: ./vcc.yaml)
        --log-level LEVEL  Override logger.level

CONFIGURATION:
    Config file: ./vcc.yaml
    Environment: VCC_* variables, RPCHOST and REDIS_URL override the file

Run 'vcc COMMAND --help' for command flags.`)
}

// app bundles what every subcommand needs once flags are parsed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	close  func()
}

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	configPath string
	logLevel   string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "vcc.yaml", "config file path")
	fs.StringVar(&c.logLevel, "log-level", "", "override logger.level (debug, info, warn, error)")
}

// setup loads the config, lets override patch it, then starts logging and
// tracing for the named process.
func (c *commonFlags) setup(ctx context.Context, process string, override func(*config.Config)) (*app, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Logger.Level = c.logLevel
	}
	if override != nil {
		override(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	shutdownTracer, err := tracer.Setup(ctx, process, cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: log.With("process", process),
		close: func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn("tracer shutdown", "error", err)
			}
			closeLog()
		},
	}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	fs.SortFlags = false
	return fs.Parse(args)
}
