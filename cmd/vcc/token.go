package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"vcc-rpc/internal/adapter/gateway"
)

// runHashToken prints the Argon2id digest of an admin token so the plain
// token never has to appear in gateway.admin_tokens. The token is read from
// the first argument or, when absent, from the first line of stdin.
func runHashToken(args []string) error {
	fs := pflag.NewFlagSet("vcc hash-token", pflag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	token := fs.Arg(0)
	if token == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}

	digest, err := gateway.HashToken(token)
	if err != nil {
		return err
	}
	fmt.Println(digest)
	return nil
}
