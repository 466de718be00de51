package measurer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"benchkit/config"
	"benchkit/internal/types"
	"benchkit/pkg/database"
	"benchkit/pkg/mq"
	"benchkit/pkg/telemetry"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MeasureQueueName = "measure_queue"

	// Redis keys shared across measurer replicas.
	crashingUnitsKey = "measure:crashing-units:%s"   // per benchmark
	measuredUnitsKey = "measure:measured-units:%d"   // per trial
	coveredBranchKey = "measure:covered-branches:%d" // per trial

	sweepInterval = 5 * time.Minute
)

// Measurer consumes measure requests from RabbitMQ, replays trial
// corpus snapshots through coverage binaries and persists the
// resulting coverage series. A periodic sweep re-enqueues trials
// whose snapshots are behind.
type Measurer struct {
	logger        *zap.Logger
	rabbitMQ      mq.RabbitMQ
	redisClient   *redis.Client
	db            *gorm.DB
	tracerFactory *telemetry.TracerFactory
	shutdowner    fx.Shutdowner

	// settings
	experiment          string
	workDir             string
	benchmarksDir       string
	coverageBinariesDir string
	snapshotPeriod      time.Duration
	maxCycle            int

	// state
	failedCount map[int]int // trial id -> failed count
}

type MeasurerParams struct {
	fx.In

	Logger        *zap.Logger
	RabbitMQ      mq.RabbitMQ
	RedisClient   *redis.Client
	DB            *gorm.DB
	Config        *config.AppConfig
	TracerFactory *telemetry.TracerFactory
	Shutdowner    fx.Shutdowner
}

func StartMeasurer(p MeasurerParams, ctx context.Context /* app context */) *Measurer {
	maxCycle := int(p.Config.MaxTotalTime / p.Config.SnapshotPeriod)
	if maxCycle < 1 {
		p.Logger.Fatal("MAX_TOTAL_TIME is shorter than SNAPSHOT_PERIOD",
			zap.Duration("max_total_time", p.Config.MaxTotalTime),
			zap.Duration("snapshot_period", p.Config.SnapshotPeriod))
	}

	m := &Measurer{
		logger:              p.Logger,
		rabbitMQ:            p.RabbitMQ,
		redisClient:         p.RedisClient,
		db:                  p.DB,
		tracerFactory:       p.TracerFactory,
		shutdowner:          p.Shutdowner,
		experiment:          p.Config.Experiment,
		workDir:             p.Config.WorkDir,
		benchmarksDir:       p.Config.BenchmarksDir,
		coverageBinariesDir: p.Config.CoverageBinariesDir,
		snapshotPeriod:      p.Config.SnapshotPeriod,
		maxCycle:            maxCycle,
		failedCount:         make(map[int]int),
	}

	go m.start(ctx)
	go m.sweepLoop(ctx)
	return m
}

func (m *Measurer) start(ctx context.Context) {
	const retryLimit = 3
	failCnt := 0

	for {
		errChan := make(chan error)

		go func() {
			errChan <- m.listen(ctx)
		}()

		select {
		case <-ctx.Done():
			return
		case err := <-errChan:
			if err != nil {
				m.logger.Warn("Measurer failed to listen for messages", zap.Error(err))
				failCnt++

				if failCnt >= retryLimit {
					m.logger.Warn("Retry limit reached, shutting down...", zap.Error(err))
					m.shutdowner.Shutdown()
					return
				}
			}
			m.logger.Warn("retrying...")
		}
	}
}

// listen declares the measure queue and consumes requests one at a time.
func (m *Measurer) listen(ctx context.Context) error {
	m.logger.Info("Starting measure listener")

	channel, err := m.rabbitMQ.GetChannel()
	if err != nil {
		m.logger.Error("failed to get RabbitMQ channel", zap.Error(err))
		return fmt.Errorf("failed to get RabbitMQ channel: %w", err)
	}
	defer channel.Close()

	// Set QoS to limit the number of unacknowledged messages
	if err := channel.Qos(1, 0, false); err != nil {
		m.logger.Error("failed to set QoS", zap.Error(err))
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	// declare the queue (idempotent)
	q, err := channel.QueueDeclare(
		MeasureQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		m.logger.Error("failed to declare queue", zap.Error(err))
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	m.logger.Info("Waiting for messages in queue", zap.String("queue", q.Name))
	msg, err := channel.Consume(
		q.Name,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		m.logger.Error("failed to register consumer", zap.Error(err))
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	errChan := make(chan error)

	go func() {
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Context done, stopping message consumer")
				return
			case message, ok := <-msg:
				if !ok {
					m.logger.Error("Channel closed, stopping message consumer")
					errChan <- fmt.Errorf("channel closed")
					return
				}
				if err := m.onMessage(ctx, message); err != nil {
					m.logger.Error("Failed to handle message", zap.Error(err))
					errChan <- err
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

func (m *Measurer) onMessage(ctx context.Context, message amqp.Delivery) error {
	m.logger.Info("Received message", zap.String("message", string(message.Body)))

	var req types.MeasureRequest
	if err := json.Unmarshal(message.Body, &req); err != nil {
		// poison message, drop it
		m.logger.Error("Failed to unmarshal message", zap.Error(err))
		if err := message.Nack(false, false); err != nil {
			m.logger.Error("Failed to nack message", zap.Error(err))
			m.shutdowner.Shutdown()
		}
		return nil
	}

	tracer := m.tracerFactory.NewTracer(ctx, "measure_trial")
	tracer.Start()
	tracer.SetAttribute("benchmark", req.Benchmark)
	tracer.SetAttribute("fuzzer", req.Fuzzer)
	tracer.SetAttribute("trial_id", fmt.Sprintf("%d", req.TrialID))
	defer tracer.End()

	if err := m.measureTrial(ctx, req); err != nil {
		m.logger.Error("Failed to measure trial",
			zap.Int("trial_id", req.TrialID), zap.Error(err))

		// If retried 3 times, we will not retry again
		m.failedCount[req.TrialID] += 1
		isRequeue := m.failedCount[req.TrialID] < 3
		if err := message.Nack(false, isRequeue); err != nil {
			m.logger.Error("Failed to nack message", zap.Error(err))
			m.shutdowner.Shutdown()
		}
		return nil
	}
	delete(m.failedCount, req.TrialID)

	if err := message.Ack(false); err != nil {
		m.logger.Error("Failed to ack message", zap.Error(err))
		return fmt.Errorf("failed to ack message: %w", err)
	}

	return nil
}

// sweepLoop periodically re-enqueues trials whose coverage series is
// behind the corpus archives the runners have written.
func (m *Measurer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sweep(ctx); err != nil {
				m.logger.Warn("Sweep failed", zap.Error(err))
			}
		}
	}
}

func (m *Measurer) sweep(ctx context.Context) error {
	requests := make([]types.MeasureRequest, 0)

	// Never-measured trials start at cycle 1.
	unmeasured, err := database.UnmeasuredTrials(ctx, m.db, m.experiment)
	if err != nil {
		return fmt.Errorf("failed to query unmeasured trials: %w", err)
	}
	for _, trial := range unmeasured {
		requests = append(requests, types.MeasureRequest{
			Experiment: m.experiment,
			Fuzzer:     trial.Fuzzer,
			Benchmark:  trial.Benchmark,
			TrialID:    trial.ID,
			Cycle:      1,
		})
	}

	// Measured trials resume right after their latest snapshot.
	latest, err := database.LatestSnapshotTimes(ctx, m.db, m.experiment)
	if err != nil {
		return fmt.Errorf("failed to query latest snapshot times: %w", err)
	}
	for _, row := range latest {
		cycle := row.Time/int(m.snapshotPeriod.Seconds()) + 1
		if cycle > m.maxCycle {
			continue
		}
		requests = append(requests, types.MeasureRequest{
			Experiment: m.experiment,
			Fuzzer:     row.Fuzzer,
			Benchmark:  row.Benchmark,
			TrialID:    row.TrialID,
			Cycle:      cycle,
		})
	}

	if len(requests) == 0 {
		return nil
	}

	channel, err := m.rabbitMQ.GetChannel()
	if err != nil {
		return fmt.Errorf("failed to get RabbitMQ channel: %w", err)
	}
	defer channel.Close()

	q, err := channel.QueueDeclare(MeasureQueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, req := range requests {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		err = channel.PublishWithContext(ctx,
			"",     // exchange
			q.Name, // routing key
			false,  // mandatory
			false,  // immediate
			amqp.Publishing{
				ContentType: "application/json",
				Body:        body,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to publish request: %w", err)
		}
	}

	m.logger.Info("Sweep enqueued measure requests", zap.Int("count", len(requests)))
	return nil
}
