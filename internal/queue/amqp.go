package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
)

// AMQP publishes tasks to a durable RabbitMQ queue and consumes them
// with manual acks. A failed delivery is requeued once; a redelivered
// failure is dropped so a poison task cannot loop forever.
type AMQP struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queue     string
	logger    *logging.Logger
	collector metrics.Collector

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewAMQP(cfg config.QueueConfig, logger *logging.Logger, collector metrics.Collector) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	if _, err := channel.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}
	return &AMQP{
		conn:      conn,
		channel:   channel,
		queue:     cfg.Queue,
		logger:    logger,
		collector: collector,
		done:      make(chan struct{}),
	}, nil
}

func (a *AMQP) Dispatch(ctx context.Context, task Task) (bool, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	err = a.channel.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		a.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "publish_failed")
		return false, fmt.Errorf("amqp publish: %w", err)
	}
	a.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "accepted")
	return true, nil
}

func (a *AMQP) Start(handler Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	deliveries, err := a.channel.Consume(a.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}
	a.started = true

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.done:
				return
			case delivery, ok := <-deliveries:
				if !ok {
					return
				}
				a.handle(handler, delivery)
			}
		}
	}()
	return nil
}

func (a *AMQP) handle(handler Handler, delivery amqp.Delivery) {
	var task Task
	if err := json.Unmarshal(delivery.Body, &task); err != nil {
		a.logger.WithError(err).Error("dropping undecodable task")
		_ = delivery.Nack(false, false)
		return
	}

	if err := handler(context.Background(), task); err != nil {
		log := a.logger.WithModule(task.ModuleID).WithError(err)
		if delivery.Redelivered {
			log.Error("task failed twice, dropping")
			a.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "dropped")
			_ = delivery.Nack(false, false)
			return
		}
		log.Warn("task failed, requeueing once")
		a.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "requeued")
		_ = delivery.Nack(false, true)
		return
	}

	a.collector.IncCounter(metrics.QueueTasks, "kind", task.Kind, "outcome", "ok")
	_ = delivery.Ack(false)
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.done:
	default:
		close(a.done)
	}
	a.wg.Wait()
	if err := a.channel.Close(); err != nil {
		a.conn.Close()
		return err
	}
	return a.conn.Close()
}
