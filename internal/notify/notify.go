// Package notify delivers user-facing notifications as a fire-and-forget side
// effect. Delivery failures are logged and never reach the transactional path.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notification is the payload handed to a delivery sink.
type Notification struct {
	Type       string
	Title      string
	Message    string
	ActionLink string
}

// Sink performs the actual delivery (push provider, webhook, ...).
type Sink interface {
	Deliver(ctx context.Context, accountID string, notification Notification) error
}

// Notifier dispatches notifications without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, accountID string, notification Notification)
}

// AsyncNotifier delivers on a background goroutine per notification with a
// bounded delivery timeout.
type AsyncNotifier struct {
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsyncNotifier wires an AsyncNotifier.
func NewAsyncNotifier(sink Sink, logger *zap.Logger) *AsyncNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncNotifier{sink: sink, logger: logger, timeout: 5 * time.Second}
}

// Notify hands the notification to the sink asynchronously. The caller's
// context is deliberately not used for delivery: the request may already be
// finished by the time the sink runs.
func (notifier *AsyncNotifier) Notify(_ context.Context, accountID string, notification Notification) {
	if notifier.sink == nil {
		return
	}
	notifier.wg.Add(1)
	go func() {
		defer notifier.wg.Done()
		deliveryCtx, cancel := context.WithTimeout(context.Background(), notifier.timeout)
		defer cancel()
		if err := notifier.sink.Deliver(deliveryCtx, accountID, notification); err != nil {
			notifier.logger.Warn("notification delivery failed",
				zap.String("account_id", accountID),
				zap.String("type", notification.Type),
				zap.Error(err),
			)
		}
	}()
}

// Flush waits for in-flight deliveries; used on shutdown and in tests.
func (notifier *AsyncNotifier) Flush() {
	notifier.wg.Wait()
}

// LogSink writes notifications to the application log. It stands in when no
// external provider is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Deliver logs the notification payload.
func (sink *LogSink) Deliver(_ context.Context, accountID string, notification Notification) error {
	sink.logger.Info("notification",
		zap.String("account_id", accountID),
		zap.String("type", notification.Type),
		zap.String("title", notification.Title),
		zap.String("message", notification.Message),
		zap.String("action_link", notification.ActionLink),
	)
	return nil
}
