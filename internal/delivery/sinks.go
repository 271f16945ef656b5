package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nats-io/nats.go"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"servicechat/pkg/httputil"
)

// WebhookSink POSTs each event as JSON to a fixed URL.
type WebhookSink struct {
	client *resty.Client
	url    string
}

// NewWebhookSink creates a webhook sink for url.
func NewWebhookSink(url string, timeout time.Duration) (*WebhookSink, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook URL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		client: httputil.NewRestyClient("", "", timeout),
		url:    url,
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, event *Event) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Event-Type", event.EventType).
		SetBody(event).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook error: status %s, body: %s", resp.Status(), resp.String())
	}
	return nil
}

// RabbitSink publishes each event to a durable queue on the default
// exchange.
type RabbitSink struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
}

// NewRabbitSink dials url and declares queue.
func NewRabbitSink(url, queue string) (*RabbitSink, error) {
	if url == "" || queue == "" {
		return nil, fmt.Errorf("RabbitMQ URL and queue cannot be empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	_, err = channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not declare RabbitMQ queue %s: %w", queue, err)
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &RabbitSink{conn: conn, channel: channel, queue: queue}, nil
}

func (s *RabbitSink) Name() string { return "rabbitmq" }

func (s *RabbitSink) Deliver(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// amqp091 channels are not safe for concurrent publishing.
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.channel.PublishWithContext(ctx,
		"",      // default exchange
		s.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    event.ID,
			Type:         event.EventType,
			Timestamp:    event.CreatedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("could not publish to RabbitMQ queue %s: %w", s.queue, err)
	}
	return nil
}

// Close releases the AMQP connection.
func (s *RabbitSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel != nil {
		_ = s.channel.Close()
	}
	return s.conn.Close()
}

// NATSSink publishes each event on "<prefix>.<conversationId>".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to url.
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	if url == "" || prefix == "" {
		return nil, fmt.Errorf("NATS URL and subject prefix cannot be empty")
	}
	nc, err := nats.Connect(url, nats.Name("servicechat"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", url).Str("prefix", prefix).Msg("NATS connection established")
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := Subject(s.prefix, event.ConversationID)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush subject '%s': %w", subject, err)
	}
	return nil
}

// Close drains the NATS connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}

// Subject returns the NATS subject events of conversationID go to.
func Subject(prefix string, conversationID int64) string {
	return prefix + "." + strconv.FormatInt(conversationID, 10)
}
