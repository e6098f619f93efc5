package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type captureSink struct {
	mu        sync.Mutex
	delivered []Notification
	err       error
}

func (sink *captureSink) Deliver(ctx context.Context, accountID string, notification Notification) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.err != nil {
		return sink.err
	}
	sink.delivered = append(sink.delivered, notification)
	return nil
}

func (sink *captureSink) count() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return len(sink.delivered)
}

func TestAsyncNotifierDelivers(test *testing.T) {
	test.Parallel()
	sink := &captureSink{}
	notifier := NewAsyncNotifier(sink, zap.NewNop())

	notifier.Notify(context.Background(), "user-1", Notification{Type: "marketplace_purchase", Title: "Purchase complete"})
	notifier.Flush()

	if sink.count() != 1 {
		test.Fatalf("expected 1 delivery, got %d", sink.count())
	}
}

func TestAsyncNotifierSwallowsDeliveryFailures(test *testing.T) {
	test.Parallel()
	sink := &captureSink{err: errors.New("provider down")}
	notifier := NewAsyncNotifier(sink, zap.NewNop())

	// Must not panic or propagate; the failure is only logged.
	notifier.Notify(context.Background(), "user-1", Notification{Type: "marketplace_purchase"})
	notifier.Flush()

	if sink.count() != 0 {
		test.Fatalf("expected no recorded deliveries, got %d", sink.count())
	}
}

func TestAsyncNotifierNilSink(test *testing.T) {
	test.Parallel()
	notifier := NewAsyncNotifier(nil, zap.NewNop())
	notifier.Notify(context.Background(), "user-1", Notification{Type: "noop"})
	notifier.Flush()
}

func TestLogSinkDeliver(test *testing.T) {
	test.Parallel()
	sink := NewLogSink(zap.NewNop())
	if err := sink.Deliver(context.Background(), "user-1", Notification{Type: "marketplace_purchase"}); err != nil {
		test.Fatalf("deliver: %v", err)
	}
}
