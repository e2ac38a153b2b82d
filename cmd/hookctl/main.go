package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/settings"
)

const usage = `usage: hookctl <command> [arguments]

commands:
  migrate                       apply database migrations
  apikey create|list            manage api keys
  apikey delete <id>
  policy set [flags] <repo>     create or replace a repository policy
  policy get|delete <repo>
  policy list
  job show <job_id>             print a job and its stage outcomes
  job retry <job_id>            schedule a finished job again
  spec validate <file>...       check pipeline spec files
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := settings.ReadDotenv(internal.DotEnvPath); err != nil {
		fmt.Fprintf(os.Stderr, "err reading %s: %v\n", internal.DotEnvPath, err)
		os.Exit(1)
	}
	settings.Settings = settings.NewSettings()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatch(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "hookctl:", err)
		stop()
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string) error {
	if args[0] == "spec" {
		return specCommand(os.Stdout, args[1:])
	}
	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Print(usage)
		return nil
	}

	c, err := openCLI(os.Stdout)
	if err != nil {
		return err
	}
	defer c.Close()

	switch args[0] {
	case "migrate":
		return c.migrate()
	case "apikey":
		return c.apiKeyCommand(ctx, args[1:])
	case "policy":
		return c.policyCommand(ctx, args[1:])
	case "job":
		return c.jobCommand(ctx, args[1:])
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}
