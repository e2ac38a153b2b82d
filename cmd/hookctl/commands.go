package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/haatos/hookci/internal"
	"github.com/haatos/hookci/internal/logging"
	"github.com/haatos/hookci/internal/service"
	"github.com/haatos/hookci/internal/settings"
	"github.com/haatos/hookci/internal/store"
	"github.com/haatos/hookci/internal/types"
	"github.com/haatos/hookci/internal/util"
	"go.uber.org/zap"
)

type cli struct {
	out       io.Writer
	rdb, rwdb *sql.DB
	apiKeys   *service.APIKeyService
	policies  store.PolicyStore
	jobs      store.JobStore
	specs     *store.SpecFileStore
	cfg       *internal.Configuration
	logger    *zap.SugaredLogger
}

func openCLI(out io.Writer) (*cli, error) {
	if err := internal.InitializeConfiguration(settings.Settings.ConfigPath); err != nil {
		return nil, err
	}
	rdb, err := store.InitDatabase(true)
	if err != nil {
		return nil, err
	}
	rwdb, err := store.InitDatabase(false)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	driver, _ := settings.Settings.DataSource(false)
	if err := store.RunMigrations(rwdb, driver); err != nil {
		_ = rdb.Close()
		_ = rwdb.Close()
		return nil, err
	}
	specs, err := store.NewSpecFileStore(internal.Config.Workdir)
	if err != nil {
		_ = rdb.Close()
		_ = rwdb.Close()
		return nil, err
	}
	logger := logging.New(settings.Settings.LogLevel, settings.Settings.LogFormat)
	return newCLI(out, rdb, rwdb, specs, internal.Config, logger), nil
}

func newCLI(
	out io.Writer,
	rdb, rwdb *sql.DB,
	specs *store.SpecFileStore,
	cfg *internal.Configuration,
	logger *zap.SugaredLogger,
) *cli {
	return &cli{
		out:      out,
		rdb:      rdb,
		rwdb:     rwdb,
		apiKeys:  service.NewAPIKeyService(store.NewAPIKeySQLStore(rdb, rwdb), service.NewUUIDGen()),
		policies: store.NewPolicySQLStore(rdb, rwdb),
		jobs:     store.NewJobSQLStore(rdb, rwdb),
		specs:    specs,
		cfg:      cfg,
		logger:   logger,
	}
}

func (c *cli) Close() {
	_ = c.rdb.Close()
	_ = c.rwdb.Close()
}

// migrate has nothing left to do: openCLI applies pending migrations.
func (c *cli) migrate() error {
	fmt.Fprintln(c.out, "database schema is up to date")
	return nil
}

func (c *cli) apiKeyCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("apikey: expected create, list or delete")
	}
	switch args[0] {
	case "create":
		ak, err := c.apiKeys.CreateAPIKey(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "id:  %s\nkey: %s\n", ak.APIKeyID, ak.Value)
		return nil
	case "list":
		keys, err := c.apiKeys.ListAPIKeys(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED")
		for _, ak := range keys {
			fmt.Fprintf(w, "%s\t%s\n", ak.APIKeyID, ak.CreatedOn.Format(time.RFC3339))
		}
		return w.Flush()
	case "delete":
		if len(args) != 2 {
			return errors.New("apikey delete: expected an id")
		}
		return c.apiKeys.DeleteAPIKey(ctx, args[1])
	default:
		return fmt.Errorf("apikey: unknown subcommand %q", args[0])
	}
}

func (c *cli) policyCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("policy: expected set, get, list or delete")
	}
	switch args[0] {
	case "set":
		return c.policySet(ctx, args[1:])
	case "get":
		if len(args) != 2 {
			return errors.New("policy get: expected a repository url")
		}
		p, err := c.policies.ReadPolicy(ctx, types.NormalizeRepositoryURL(args[1]))
		if err != nil {
			return err
		}
		return c.printPolicies([]*store.RepositoryPolicy{p})
	case "list":
		ps, err := c.policies.ListPolicies(ctx)
		if err != nil {
			return err
		}
		return c.printPolicies(ps)
	case "delete":
		if len(args) != 2 {
			return errors.New("policy delete: expected a repository url")
		}
		return c.policies.DeletePolicy(ctx, types.NormalizeRepositoryURL(args[1]))
	default:
		return fmt.Errorf("policy: unknown subcommand %q", args[0])
	}
}

func (c *cli) policySet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("policy set", flag.ContinueOnError)
	fs.SetOutput(c.out)
	scan := fs.Bool("scan", false, "run the security scan stage")
	branch := fs.String("branch", "", "only build pushes to this branch")
	dockerfile := fs.String("dockerfile", "Dockerfile", "dockerfile used by the build stage")
	testCommand := fs.String("test-command", "", "command run inside the built image")
	testDockerfile := fs.String("test-dockerfile", "", "dockerfile whose build runs the tests")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("policy set: expected a repository url")
	}

	p := &store.RepositoryPolicy{
		RepositoryURL:  types.NormalizeRepositoryURL(fs.Arg(0)),
		ScanEnabled:    *scan,
		TriggerBranch:  *branch,
		Dockerfile:     *dockerfile,
		TestCommand:    *testCommand,
		TestDockerfile: *testDockerfile,
	}
	if err := c.policies.UpsertPolicy(ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "policy saved for %s\n", p.RepositoryURL)
	return nil
}

func (c *cli) printPolicies(ps []*store.RepositoryPolicy) error {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "REPOSITORY\tSCAN\tBRANCH\tDOCKERFILE\tTEST COMMAND\tTEST DOCKERFILE")
	for _, p := range ps {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%s\n",
			p.RepositoryURL, p.ScanEnabled, orDash(p.TriggerBranch),
			p.Dockerfile, orDash(p.TestCommand), orDash(p.TestDockerfile),
		)
	}
	return w.Flush()
}

func (c *cli) jobCommand(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("job: expected show or retry and a job id")
	}
	switch args[0] {
	case "show":
		return c.jobShow(ctx, args[1])
	case "retry":
		generator := service.NewSpecGenerator(
			c.policies,
			c.jobs,
			c.specs,
			service.NewUUIDGen(),
			c.cfg,
			c.logger,
		)
		res, err := generator.Retry(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "scheduled %s (retry of %s)\n", res.JobID, args[1])
		return nil
	default:
		return fmt.Errorf("job: unknown subcommand %q", args[0])
	}
}

func (c *cli) jobShow(ctx context.Context, jobID string) error {
	j, err := c.jobs.ReadJob(ctx, jobID)
	if err != nil {
		return err
	}
	stages, err := c.jobs.ListJobStages(ctx, jobID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "job\t%s\n", j.JobID)
	fmt.Fprintf(w, "repository\t%s\n", j.RepositoryURL)
	fmt.Fprintf(w, "commit\t%s\n", j.CommitSHA)
	fmt.Fprintf(w, "branch\t%s\n", j.Branch)
	fmt.Fprintf(w, "state\t%s\n", j.State)
	fmt.Fprintf(w, "annotation\t%s\n", orDash(util.Deref(j.Annotation)))
	fmt.Fprintf(w, "logs\t%s\n", orDash(util.Deref(j.LogRef)))
	if j.RetryOf != nil {
		fmt.Fprintf(w, "retry of\t%s\n", *j.RetryOf)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "STAGE\tSTATUS\tEXIT\tATTEMPTS\tDURATION\tANNOTATION")
	for _, s := range stages {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Stage, s.Status, s.ExitCode, s.Attempts,
			s.EndedOn.Sub(s.StartedOn).Round(time.Millisecond),
			orDash(util.Deref(s.Annotation)),
		)
	}
	return w.Flush()
}

func specCommand(out io.Writer, args []string) error {
	if len(args) < 2 || args[0] != "validate" {
		return errors.New("spec: expected validate and at least one file")
	}
	var errs []error
	for _, path := range args[1:] {
		b, err := os.ReadFile(path)
		if err == nil {
			_, err = types.ParseSpec(b)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(out, "%s: ok\n", path)
	}
	return errors.Join(errs...)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
