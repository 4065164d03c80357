// Package worker provides async message processing over the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Trainer runs one training request. *training.Updater implements it.
type Trainer interface {
	Update(ctx context.Context, t domain.ModelType, batch domain.TrainingBatch) (string, error)
}

// CatalogListener reacts to artifacts published by other replicas.
// *registry.Registry implements it.
type CatalogListener interface {
	OnModelPublished(ctx context.Context, msg *domain.Message) error
}

// Worker consumes training requests and catalog announcements from the EventBus.
type Worker struct {
	bus      domain.EventBus
	trainer  Trainer
	listener CatalogListener

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Training subscribes to training requests.
	Training bool

	// CatalogSync subscribes to model published events.
	CatalogSync bool
}

// NewWorker creates a new async worker. trainer or listener may be nil when
// the matching subscription is not started.
func NewWorker(bus domain.EventBus, trainer Trainer, listener CatalogListener) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		trainer:  trainer,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the topics enabled in cfg.
func (w *Worker) Start(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cfg.Training {
		if w.trainer == nil {
			return fmt.Errorf("training worker requires a trainer")
		}
		sub, err := w.subscribeTraining()
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
		slog.Info("training worker started",
			"topic", domain.TopicTrainingRequested,
			"queue", domain.TrainingQueueGroup,
		)
	}

	if cfg.CatalogSync {
		if w.listener == nil {
			return fmt.Errorf("catalog sync requires a listener")
		}
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicModelPublished, w.listener.OnModelPublished)
		if err != nil {
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
		slog.Info("catalog sync started", "topic", domain.TopicModelPublished)
	}

	return nil
}

// subscribeTraining joins the training queue group so one replica handles
// each request. Buses without queue groups fall back to a plain subscription.
func (w *Worker) subscribeTraining() (domain.Subscription, error) {
	if qs, ok := w.bus.(domain.QueueSubscriber); ok {
		return qs.QueueSubscribe(w.ctx, domain.TopicTrainingRequested, domain.TrainingQueueGroup, w.processTraining)
	}
	slog.Warn("event bus has no queue groups, every training worker receives each request")
	return w.bus.Subscribe(w.ctx, domain.TopicTrainingRequested, w.processTraining)
}

// processTraining runs one training request and reports its outcome.
func (w *Worker) processTraining(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.TrainingRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse training request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	slog.Debug("processing training request",
		"request_id", req.RequestID,
		"type", req.Type,
		"records", len(req.Batch.Records),
	)

	id, err := w.trainer.Update(ctx, req.Type, req.Batch)

	done := domain.TrainingCompletedEvent{
		RequestID: req.RequestID,
		Type:      req.Type,
		ModelID:   id,
	}
	if err != nil {
		done.Error = err.Error()
	}

	payload, _ := json.Marshal(done)
	if perr := w.bus.Publish(ctx, domain.TopicTrainingCompleted, payload); perr != nil {
		slog.Error("failed to publish training result",
			"request_id", req.RequestID,
			"error", perr,
		)
	}

	if err != nil {
		return err
	}

	slog.Info("training request processed",
		"request_id", req.RequestID,
		"type", req.Type,
		"model_id", id,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops all subscriptions.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
