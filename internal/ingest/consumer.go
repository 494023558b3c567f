package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/metrics"
	"github.com/JasonPaff/head-shakers/backend/internal/views"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultPrefetch    = 10
	consumerTag        = "headshakers-views"
	rejectReasonFormat = "malformed_message"
)

var (
	errMissingURL      = errors.New("ingest: amqp url required")
	errMissingQueue    = errors.New("ingest: queue name required")
	errMissingRecorder = errors.New("ingest: recorder required")
	// ErrDeliveriesClosed reports that the broker closed the delivery channel.
	ErrDeliveriesClosed = errors.New("ingest: delivery channel closed")
)

// Recorder persists a batch of views.
type Recorder interface {
	BatchRecordViews(ctx context.Context, requests []views.ViewRequest, options views.RecordOptions) (views.BatchResult, error)
}

// ViewMessage is one view inside a queued batch.
type ViewMessage struct {
	TargetType   string         `json:"targetType"`
	TargetID     string         `json:"targetId"`
	ViewerID     string         `json:"viewerId"`
	IPAddress    string         `json:"ipAddress"`
	ViewDuration *int           `json:"viewDuration"`
	Metadata     map[string]any `json:"metadata"`
	SessionID    string         `json:"sessionId"`
	ReferrerURL  string         `json:"referrerUrl"`
	UserAgent    string         `json:"userAgent"`
}

// Message is the body published to the view queue.
type Message struct {
	Views                     []ViewMessage `json:"views"`
	DedupWindowSeconds        int           `json:"dedupWindowSeconds"`
	SkipAnonymous             bool          `json:"skipAnonymous"`
	ExcludeAnonymousFromTotal bool          `json:"excludeAnonymousFromTotal"`
}

func (m Message) requests() []views.ViewRequest {
	requests := make([]views.ViewRequest, 0, len(m.Views))
	for _, view := range m.Views {
		requests = append(requests, views.ViewRequest{
			TargetType:   view.TargetType,
			TargetID:     view.TargetID,
			ViewerID:     view.ViewerID,
			IPAddress:    view.IPAddress,
			ViewDuration: view.ViewDuration,
			Metadata:     view.Metadata,
			SessionID:    view.SessionID,
			ReferrerURL:  view.ReferrerURL,
			UserAgent:    view.UserAgent,
		})
	}
	return requests
}

func (m Message) options() views.RecordOptions {
	return views.RecordOptions{
		DedupWindow:               time.Duration(m.DedupWindowSeconds) * time.Second,
		SkipAnonymous:             m.SkipAnonymous,
		ExcludeAnonymousFromTotal: m.ExcludeAnonymousFromTotal,
	}
}

type disposition int

const (
	dispositionAck disposition = iota
	dispositionDrop
	dispositionRequeue
)

type ConsumerConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Recorder Recorder
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Consumer feeds queued view batches into the recorder. Malformed messages are dropped and
// recorder failures are requeued.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	recorder Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		return nil, errMissingQueue
	}
	if cfg.Recorder == nil {
		return nil, errMissingRecorder
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	return &Consumer{
		url:      strings.TrimSpace(cfg.URL),
		queue:    strings.TrimSpace(cfg.Queue),
		prefetch: prefetch,
		recorder: cfg.Recorder,
		logger:   logger.With(zap.String("component", "view_consumer"), zap.String("queue", strings.TrimSpace(cfg.Queue))),
		metrics:  cfg.Metrics,
	}, nil
}

// Run consumes until ctx is done or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("ingest: dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("ingest: open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("ingest: declare queue: %w", err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("ingest: set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("ingest: consume: %w", err)
	}

	c.logger.Info("view consumer started", zap.Int("prefetch", c.prefetch))
	return c.consume(ctx, deliveries)
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("view consumer stopped")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.process(ctx, delivery)
		}
	}
}

func (c *Consumer) process(ctx context.Context, delivery amqp.Delivery) {
	var err error
	switch c.handleDelivery(ctx, delivery) {
	case dispositionAck:
		err = delivery.Ack(false)
	case dispositionDrop:
		err = delivery.Nack(false, false)
	case dispositionRequeue:
		err = delivery.Nack(false, true)
	}
	if err != nil {
		c.logger.Warn("delivery settlement failed", zap.Uint64("delivery_tag", delivery.DeliveryTag), zap.Error(err))
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) disposition {
	logger := c.logger.With(zap.String("message_id", delivery.MessageId))

	var message Message
	if err := json.Unmarshal(delivery.Body, &message); err != nil {
		c.metrics.ViewRejected(rejectReasonFormat)
		logger.Warn("invalid view message; dropping", zap.Error(err))
		return dispositionDrop
	}
	if len(message.Views) == 0 {
		c.metrics.ViewRejected(rejectReasonFormat)
		logger.Warn("empty view message; dropping")
		return dispositionDrop
	}

	result, err := c.recorder.BatchRecordViews(ctx, message.requests(), message.options())
	if err != nil {
		logger.Error("view batch failed; requeueing", zap.Error(err))
		return dispositionRequeue
	}
	logger.Info("view batch consumed",
		zap.String("batch_id", result.BatchID),
		zap.Int("recorded", result.RecordedViews),
		zap.Int("duplicates", result.DuplicateViews),
		zap.Int("skipped", result.SkippedViews),
		zap.Strings("errors", result.Errors))
	return dispositionAck
}
