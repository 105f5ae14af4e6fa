// Package echo is a demo service that returns what it is sent.
package echo

import (
	"context"
	"encoding/json"
	"time"

	"vcc-rpc/pkg/servicesdk"
)

// Namespace is the namespace the echo service registers under.
const Namespace = "echo"

// PingArgs is the argument object of echo/ping.
type PingArgs struct {
	Msg string `json:"msg"`
}

// SleepArgs is the argument object of echo/sleep.
type SleepArgs struct {
	Millis int `json:"ms"`
}

// Register exports the echo methods on svc.
func Register(svc *servicesdk.Service) {
	svc.Register(Namespace, map[string]servicesdk.Handler{
		"ping": servicesdk.Func(func(_ context.Context, args PingArgs) (string, error) {
			return args.Msg, nil
		}),
		"echo": func(_ context.Context, args json.RawMessage) (any, error) {
			return args, nil
		},
		"sleep": servicesdk.Func(func(ctx context.Context, args SleepArgs) (int, error) {
			if args.Millis < 0 {
				return 0, servicesdk.ErrWrongFormat
			}
			select {
			case <-time.After(time.Duration(args.Millis) * time.Millisecond):
				return args.Millis, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}),
	})
}
