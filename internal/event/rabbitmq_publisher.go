package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loan-workflow/internal/domain/loan"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
)

const publisherAppID = "loan-workflow"

// ErrDropped is returned while the breaker is open; the event is not sent.
var ErrDropped = errors.New("event dropped: publisher circuit open")

var _ loan.Notifier = (*RabbitMQPublisher)(nil)

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type channelOpener interface {
	Channel() (publishChannel, error)
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (publishChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

type RabbitMQPublisher struct {
	conn         channelOpener
	exchangeName string
	breaker      *gobreaker.CircuitBreaker
	logger       *slog.Logger
}

func NewRabbitMQPublisher(conn *amqp.Connection, exchangeName string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("RabbitMQ connection cannot be nil")
	}
	if exchangeName == "" {
		return nil, fmt.Errorf("RabbitMQ exchange name cannot be empty")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}

	tempCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open temporary channel for exchange declaration: %w", err)
	}
	defer tempCh.Close()

	err = tempCh.ExchangeDeclare(
		exchangeName,
		amqp.ExchangeTopic,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", exchangeName, err)
	}
	logger.Info("Ensured RabbitMQ exchange exists", "exchange", exchangeName, "type", amqp.ExchangeTopic)

	return newPublisher(amqpConnection{conn: conn}, exchangeName, logger), nil
}

func newPublisher(conn channelOpener, exchangeName string, logger *slog.Logger) *RabbitMQPublisher {
	l := logger.With("component", "RabbitMQPublisher", "exchange", exchangeName)
	settings := gobreaker.Settings{
		Name:        "rabbitmq-" + exchangeName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			l.Warn("Publisher circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &RabbitMQPublisher{
		conn:         conn,
		exchangeName: exchangeName,
		breaker:      gobreaker.NewCircuitBreaker(settings),
		logger:       l,
	}
}

// Notify publishes e with its type as the routing key.
func (p *RabbitMQPublisher) Notify(ctx context.Context, e loan.Event) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.publish(ctx, string(e.Type), e)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.logger.WarnContext(ctx, "Dropping event while circuit is open", "routingKey", e.Type, "loan_id", e.LoanID)
		return fmt.Errorf("%w: %w", ErrDropped, err)
	}
	return err
}

func (p *RabbitMQPublisher) publish(ctx context.Context, routingKey string, payload interface{}) error {
	logCtx := p.logger.With(slog.String("routingKey", routingKey))

	channel, err := p.conn.Channel()
	if err != nil {
		logCtx.ErrorContext(ctx, "Failed to open RabbitMQ channel", slog.Any("error", err))
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer channel.Close()

	body, err := json.Marshal(payload)
	if err != nil {
		logCtx.ErrorContext(ctx, "Failed to marshal event payload to JSON", slog.Any("error", err))
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	logCtx.DebugContext(ctx, "Publishing message", "bodySize", len(body))

	err = channel.PublishWithContext(
		ctx,
		p.exchangeName,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
			AppId:        publisherAppID,
		},
	)
	if err != nil {
		logCtx.ErrorContext(ctx, "Failed to publish message to RabbitMQ", slog.Any("error", err))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logCtx.InfoContext(ctx, "Successfully published message")
	return nil
}

// NoopNotifier logs events instead of delivering them.
type NoopNotifier struct {
	logger *slog.Logger
}

func NewNoopNotifier(logger *slog.Logger) *NoopNotifier {
	return &NoopNotifier{logger: logger.With("component", "NoopNotifier")}
}

func (n *NoopNotifier) Notify(ctx context.Context, e loan.Event) error {
	n.logger.DebugContext(ctx, "Event not published, messaging disabled", "type", e.Type, "loan_id", e.LoanID)
	return nil
}
