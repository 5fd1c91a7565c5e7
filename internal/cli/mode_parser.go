package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

const (
	ModeAgent = "agent"
	ModeToken = "token"
)

// isKnownMode checks if the provided mode name is known.
func isKnownMode(s string) (string, bool) {
	switch s {
	case ModeAgent, "driver-agent", "a":
		return ModeAgent, true
	case ModeToken, "mint-token", "t":
		return ModeToken, true
	default:
		return "", false
	}
}

// ParseMode supports:
//
//	--mode=<value>
//	<value> (subcommand shorthand), e.g., `agent --config=config/config.yaml`
func ParseMode(args []string) (string, []string, error) {
	var mode string
	var out []string

	for i := range args {
		arg := args[i]
		if after, ok := strings.CutPrefix(arg, "--mode="); ok {
			mode = after
			continue
		}

		if mode == "" {
			if m, ok := isKnownMode(arg); ok {
				mode = m
				continue
			}
		}
		out = append(out, arg)
	}

	if mode == "" {
		// the agent is the only long-running mode; default to it
		return ModeAgent, out, nil
	}

	if m, ok := isKnownMode(mode); ok {
		return m, out, nil
	}

	return "", out, errors.New("unknown mode: use --mode=agent or --mode=token")
}

// PrintUsage prints the usage information with examples.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, "\033[36m") // cyan

	fmt.Fprintln(w, `Usage:
  ./driverlink [--mode=<mode>] [flags]

Modes:
  agent                 Run the driver agent (default)
  token                 Mint a dev driver session token

Examples:
  ./driverlink --config=config/config.yaml
  ./driverlink --mode=token --driver-id=driver-042 --secret='dev-secret'`)

	fmt.Fprint(w, "\033[0m") // reset
}

// AttachUsage wires a concise per-mode usage to a FlagSet.
func AttachUsage(fs *flag.FlagSet, mode string) {
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: ./driverlink --mode=%s [flags]\n", mode)
		fs.PrintDefaults()
	}
}
