package mq

import (
	"context"
	"errors"
	"sync"

	"benchkit/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RabbitMQ interface {
	GetChannel() (*amqp.Channel, error)
}

type rabbitMQImpl struct {
	logger      *zap.Logger
	rabbitmqURL string
	context     context.Context
	dial        func(url string) (*amqp.Connection, error)

	mu   sync.Mutex
	conn *amqp.Connection
}

type RabbitMQParams struct {
	fx.In

	Config    *config.AppConfig
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

func NewRabbitMQ(p RabbitMQParams) RabbitMQ {
	mqCtx, cancel := context.WithCancel(context.Background())

	svc := &rabbitMQImpl{
		logger:      p.Logger,
		rabbitmqURL: p.Config.RabbitMQURL,
		context:     mqCtx,
		dial:        amqp.Dial,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if svc.rabbitmqURL == "" {
				return errors.New("RABBITMQ_URL environment variable is required")
			}
			_, err := svc.connection()
			return err
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			svc.mu.Lock()
			defer svc.mu.Unlock()
			if svc.conn != nil {
				return svc.conn.Close()
			}
			return nil
		},
	})
	return svc
}

// connection returns the live connection, dialing a fresh one if the
// previous one was closed. The lock spans the liveness check and the
// redial so concurrent callers share a single connection instead of
// racing to replace it.
func (r *rabbitMQImpl) connection() (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}
	if r.conn != nil {
		r.logger.Warn("rabbitmq connection lost, redialing")
	}

	conn, err := r.dial(r.rabbitmqURL)
	if err != nil {
		return nil, err
	}

	closed := make(chan *amqp.Error, 1)
	conn.NotifyClose(closed)
	go func() {
		select {
		case err := <-closed:
			if err != nil {
				r.logger.Error("rabbitmq connection closed", zap.Error(err))
			}
		case <-r.context.Done():
			conn.Close()
		}
	}()

	r.conn = conn
	return conn, nil
}

func (r *rabbitMQImpl) GetChannel() (*amqp.Channel, error) {
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}
