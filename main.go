package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	realtimeservice "roadside-dispatch/cmd/realtime_service"
	"roadside-dispatch/internal/cli"
)

func main() {
	// quick path for global help
	if len(os.Args) == 2 && (os.Args[1] == "--help" || os.Args[1] == "-h") {
		cli.PrintUsage(os.Stdout)
		os.Exit(0)
	}

	// parse mode and collect the remaining args for that mode
	mode, svcArgs, err := cli.ParseMode(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cli.PrintUsage(os.Stderr)
		os.Exit(2)
	}

	// context cancelled on SIGINT/SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch mode {

	case cli.ModeRealtime:
		fs := flag.NewFlagSet(cli.ModeRealtime, flag.ContinueOnError)
		configPath := fs.String("config", "config/config.yaml", "Path to the YAML config file")
		prefetch := fs.Int("prefetch", 8, "RabbitMQ prefetch count for the booking command consumer")
		maxConc := fs.Int("max-concurrent", 200, "Maximum number of concurrent HTTP requests to process")
		cli.AttachUsage(fs, cli.ModeRealtime)

		if err := fs.Parse(svcArgs); err != nil {
			if err == flag.ErrHelp {
				os.Exit(0)
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(2)
		}
		if *prefetch <= 0 {
			fmt.Fprintln(os.Stderr, "Error: --prefetch must be > 0")
			fs.Usage()
			os.Exit(2)
		}
		if *maxConc < 1 {
			fmt.Fprintln(os.Stderr, "Error: --max-concurrent must be >= 1")
			fs.Usage()
			os.Exit(2)
		}
		if err := realtimeservice.Run(ctx, *configPath, *prefetch, *maxConc); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

	case cli.ModeToken:
		fs := flag.NewFlagSet(cli.ModeToken, flag.ContinueOnError)
		userID := fs.String("user-id", "", "Subject: requester or mechanic id")
		role := fs.String("role", "USER", "User role: USER | MECHANIC | ADMIN")
		secret := fs.String("secret", "", "JWT HMAC secret (HS256)")
		ttl := fs.Duration("ttl", 2*time.Hour, "Token lifetime")
		cli.AttachUsage(fs, cli.ModeToken)

		if err := fs.Parse(svcArgs); err != nil {
			if err == flag.ErrHelp {
				os.Exit(0)
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(2)
		}
		if *userID == "" || *secret == "" {
			fmt.Fprintln(os.Stderr, "Error: --user-id and --secret are required")
			fs.Usage()
			os.Exit(2)
		}

		token, claims, err := cli.GenerateUserToken(*secret, *userID, *role, *ttl)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		fmt.Println("TOKEN:")
		fmt.Println(token)
		fmt.Println("\nCLAIMS:")
		fmt.Printf("  sub:  %s\n", claims.Subject)
		fmt.Printf("  role: %s\n", claims.Role)
		fmt.Printf("  iat:  %s\n", claims.IssuedAt.Time.UTC().Format(time.RFC3339))
		fmt.Printf("  exp:  %s\n", claims.ExpiresAt.Time.UTC().Format(time.RFC3339))

	default:
		// should not happen because ParseMode validates known modes
		fmt.Fprintln(os.Stderr, "Error: unknown mode")
		os.Exit(2)
	}

	// tiny delay to let deferred logs flush on very fast exits
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Millisecond):
	}
}
