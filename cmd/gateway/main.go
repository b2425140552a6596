// Gateway is a multi-tenant LLM API gateway: it authenticates clients,
// enforces per-client rate limits and monthly token quotas, routes
// chat-completion requests across a pool of inference backends, and
// optionally collects human feedback on its traffic for preference-pair
// export.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/modelbridge/gateway/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")

	args := os.Args[1:]
	var subcommand string
	if len(args) > 0 && !isFlag(args[0]) {
		subcommand = args[0]
		args = args[1:]
	}
	flag.CommandLine.Parse(args)

	if *showVersion {
		fmt.Println("gateway", version)
		os.Exit(0)
	}

	var err error
	switch subcommand {
	case "validate":
		err = runValidate(*configPath)
	case "genkey":
		fmt.Println(config.GenerateKey())
		return
	case "", "run":
		err = run(*configPath)
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q (want validate, genkey, or run)\n", subcommand)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func isFlag(arg string) bool {
	return len(arg) > 0 && arg[0] == '-'
}

// runValidate parses and validates the config file, printing a summary on
// success. Exit code is 0 on success, 1 on any error (enforced by main's
// os.Exit(1) on a non-nil return).
func runValidate(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Printf("config OK: %d client(s), %d backend(s)\n", len(cfg.Clients), len(cfg.Backends))
	return nil
}
