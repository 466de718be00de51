package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"benchkit/config"
	"benchkit/internal/gitrepo"
	"benchkit/internal/integrate"
	"benchkit/internal/registry"
	"benchkit/pkg/logger"
	"benchkit/pkg/telemetry"

	"github.com/jessevdk/go-flags"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type options struct {
	Project       string `short:"p" long:"project" description:"OSS-Fuzz project to integrate" required:"true"`
	FuzzTarget    string `short:"f" long:"fuzz-target" description:"name of the project's fuzz target" required:"true"`
	RepoPath      string `short:"r" long:"repo-path" description:"path of the project's main repo inside the builder image" required:"true"`
	Commit        string `short:"c" long:"commit" description:"project commit to integrate (defaults to the last commit before --date)"`
	Date          string `short:"d" long:"date" description:"integrate the project state as of this RFC3339 date" required:"true"`
	BenchmarkName string `short:"n" long:"benchmark-name" description:"override the generated benchmark name"`
}

func NewAppContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}

type runParams struct {
	fx.In

	Logger     *zap.Logger
	Integrator *integrate.Integrator
	AppContext context.Context
	Shutdowner fx.Shutdowner
}

func runIntegration(req integrate.Request) func(p runParams) {
	return func(p runParams) {
		go func() {
			if err := p.Integrator.Integrate(p.AppContext, req); err != nil {
				p.Logger.Error("Integration failed", zap.Error(err))
				p.Shutdowner.Shutdown(fx.ExitCode(1))
				return
			}
			p.Shutdowner.Shutdown()
		}()
	}
}

// parseRequest turns the command line into an integration request.
// go-flags prints its own usage errors; only the date error needs
// reporting by the caller.
func parseRequest(args []string) (integrate.Request, error) {
	var opts options
	if _, err := flags.ParseArgs(&opts, args); err != nil {
		return integrate.Request{}, err
	}

	date, err := time.Parse(time.RFC3339, opts.Date)
	if err != nil {
		return integrate.Request{}, fmt.Errorf("invalid --date, want RFC3339: %w", err)
	}

	return integrate.Request{
		Project:       opts.Project,
		FuzzTarget:    opts.FuzzTarget,
		Commit:        opts.Commit,
		Date:          date,
		RepoPath:      opts.RepoPath,
		BenchmarkName: opts.BenchmarkName,
	}, nil
}

func main() {
	req, err := parseRequest(os.Args[1:])
	if err != nil {
		if flags.WroteHelp(err) {
			return
		}
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	app := fx.New(
		fx.Provide(
			NewAppContext,              // inject app context
			config.LoadConfig,          // inject config
			logger.NewLogger,           // inject logger
			telemetry.NewTracerFactory, // inject telemetry tracer factory
			registry.NewGCloudClient,   // inject container registry client
			newUpstreamRepo,            // inject upstream source control
			integrate.NewIntegrator,    // inject integrator
		),
		fx.Invoke(
			runIntegration(req),
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	app.Run()
}

func newUpstreamRepo(cfg *config.AppConfig, log *zap.Logger) gitrepo.SourceControl {
	return gitrepo.NewRepo(cfg.OSSFuzzDir, log)
}
