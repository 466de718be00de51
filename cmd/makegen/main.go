package main

import (
	"os"

	"benchkit/config"
	"benchkit/internal/makegen"
	"benchkit/internal/scan"
	"benchkit/pkg/logger"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type generateParams struct {
	fx.In

	Logger     *zap.Logger
	Config     *config.AppConfig
	Shutdowner fx.Shutdowner
}

// generateRules scans the benchmark and fuzzer trees and streams the
// generated build rules to stdout.
func generateRules(p generateParams) {
	scanner := scan.NewScanner(p.Logger)

	standard, ossFuzz, err := scanner.Benchmarks(p.Config.BenchmarksDir)
	if err != nil {
		p.Logger.Fatal("Failed to scan benchmarks", zap.Error(err))
	}
	fuzzers, err := scanner.Fuzzers(p.Config.FuzzersDir)
	if err != nil {
		p.Logger.Fatal("Failed to scan fuzzers", zap.Error(err))
	}

	p.Logger.Info("Generating build rules",
		zap.Int("fuzzers", len(fuzzers)),
		zap.Int("benchmarks", len(standard)+len(ossFuzz)))

	generator := makegen.NewGenerator(p.Config.BaseTag)
	vars, targets := generator.Generate(fuzzers, standard, ossFuzz)
	if err := makegen.WriteRules(os.Stdout, vars, targets); err != nil {
		p.Logger.Fatal("Failed to write build rules", zap.Error(err))
	}

	p.Shutdowner.Shutdown()
}

func main() {
	app := fx.New(
		fx.Provide(
			config.LoadConfig, // inject config
			logger.NewLogger,  // inject logger
		),
		fx.Invoke(
			generateRules,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	app.Run()
}
