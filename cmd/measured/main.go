package main

import (
	"context"

	"benchkit/config"
	"benchkit/internal/measurer"
	"benchkit/pkg/database"
	"benchkit/pkg/logger"
	"benchkit/pkg/mq"
	"benchkit/pkg/telemetry"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

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

func main() {
	app := fx.New(
		fx.Provide(
			NewAppContext,              // inject app context
			config.LoadConfig,          // inject config
			logger.NewLogger,           // inject logger
			telemetry.NewTelemetry,     // inject telemetry
			telemetry.NewTracerFactory, // inject telemetry tracer factory
			database.NewDBConnection,   // inject db connection
			database.NewRedisClient,    // inject redis client
			mq.NewRabbitMQ,             // inject rabbitmq service
		),
		fx.Invoke(
			measurer.StartMeasurer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	app.Run()
}
