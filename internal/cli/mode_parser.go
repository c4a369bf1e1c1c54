package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

const (
	ModeRealtime = "realtime-service"
	ModeToken    = "token"
)

// isKnownMode checks if the provided mode name is known.
func isKnownMode(s string) (string, bool) {
	switch s {
	case ModeRealtime, "realtime", "rt":
		return ModeRealtime, true
	case ModeToken, "jwt", "t":
		return ModeToken, true
	default:
		return "", false
	}
}

// ParseMode supports:
//
//	--mode=<value>
//	<value> (subcommand shorthand), e.g., `realtime-service --max-concurrent=200`
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
		return "", out, errors.New("no mode specified: use --mode=<service>")
	}

	m, ok := isKnownMode(mode)
	if !ok {
		return "", out, fmt.Errorf("unknown mode %q", mode)
	}

	return m, out, nil
}

// PrintUsage prints the usage information with examples.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, "\033[36m") // cyan

	fmt.Fprintln(w, `Usage:
  ./roadside-dispatch --mode=<mode> [flags]

Modes:
  realtime-service   HTTP API, dispatch, tracking and call signaling over WebSocket
  token              Mint a development JWT

Examples:
  ./roadside-dispatch --mode=realtime-service --config=config/config.yaml --max-concurrent=200
  ./roadside-dispatch --mode=token --user-id=m-42 --role=MECHANIC --secret='dev-secret'`)

	fmt.Fprint(w, "\033[0m") // reset
}

// AttachUsage wires a concise per-mode usage to a FlagSet.
func AttachUsage(fs *flag.FlagSet, mode string) {
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: ./roadside-dispatch --mode=%s [flags]\n", mode)
		fs.PrintDefaults()
	}
}
