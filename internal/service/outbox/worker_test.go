package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/opc/internal/domain"
)

// recordingRepo отдаёт заранее подготовленный бэклог и записывает,
// какие события были закрыты и как.
type recordingRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (r *recordingRepo) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (r *recordingRepo) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(r.pending) {
		return append([]domain.OutboxMessage(nil), r.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), r.pending[:limit]...), nil
}

func (r *recordingRepo) Stats() (domain.OutboxStats, error) {
	stats := domain.OutboxStats{PendingCount: len(r.pending)}
	if len(r.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (r *recordingRepo) MarkSent(id string) error {
	r.sentIDs = append(r.sentIDs, id)
	return nil
}

func (r *recordingRepo) MarkFailed(id string) error {
	r.failedIDs = append(r.failedIDs, id)
	return nil
}

// fakeBroker имитирует Kafka-паблишер с управляемой последовательностью
// отказов и запоминает всё опубликованное.
type fakeBroker struct {
	mu        sync.Mutex
	failFirst int
	alwaysErr error
	published []domain.OutboxMessage
}

func (b *fakeBroker) Publish(msg domain.OutboxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.alwaysErr != nil {
		b.published = append(b.published, msg)
		return b.alwaysErr
	}
	if b.failFirst > 0 {
		b.failFirst--
		return errors.New("broker unavailable")
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBroker) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

var (
	_ domain.OutboxRepository = (*recordingRepo)(nil)
	_ domain.OutboxPublisher  = (*fakeBroker)(nil)
)

func settledEvent(id, paymentID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: "payment",
		AggregateID:   paymentID,
		EventType:     "payment.settled",
		Payload:       []byte(`{"payment_id":"` + paymentID + `","status":"SUCCESS"}`),
	}
}

func TestWorker_PublishesSettlementEvent(t *testing.T) {
	t.Parallel()

	repo := &recordingRepo{pending: []domain.OutboxMessage{settledEvent("evt-1", "PAY_1")}}
	broker := &fakeBroker{}

	worker := NewWorker(repo, broker, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	if got := broker.calls(); got != 1 {
		t.Fatalf("expected 1 publish, got %d", got)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "evt-1" {
		t.Fatalf("expected evt-1 marked sent, got %v", repo.sentIDs)
	}
	if len(repo.failedIDs) != 0 {
		t.Fatalf("expected no failed marks, got %v", repo.failedIDs)
	}
}

func TestWorker_RecoversAfterTransientBrokerFailure(t *testing.T) {
	t.Parallel()

	repo := &recordingRepo{pending: []domain.OutboxMessage{settledEvent("evt-2", "PAY_2")}}
	broker := &fakeBroker{failFirst: 2}

	worker := NewWorker(repo, broker, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	// Две неудачные попытки, третья успешна.
	if got := broker.calls(); got != 1 {
		t.Fatalf("expected 1 successful publish, got %d", got)
	}
	if len(repo.sentIDs) != 1 {
		t.Fatalf("expected event marked sent after retries, got %v", repo.sentIDs)
	}
	if len(repo.failedIDs) != 0 {
		t.Fatalf("expected no failed marks, got %v", repo.failedIDs)
	}
}

func TestWorker_DeadLettersAfterExhaustedRetries(t *testing.T) {
	t.Parallel()

	event := domain.OutboxMessage{
		ID:            "evt-3",
		AggregateType: "refund",
		AggregateID:   "REFUND_1",
		EventType:     "refund.resolved",
		Payload:       []byte(`{"refund_id":"REFUND_1","status":"COMPLETED"}`),
	}
	repo := &recordingRepo{pending: []domain.OutboxMessage{event}}
	broker := &fakeBroker{alwaysErr: errors.New("partition leader lost")}
	dlq := &fakeBroker{}

	worker := NewWorker(repo, broker,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)
	worker.ProcessOnce(context.Background())

	if got := broker.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != "evt-3" {
		t.Fatalf("expected evt-3 marked failed, got %v", repo.failedIDs)
	}
	if len(repo.sentIDs) != 0 {
		t.Fatalf("expected no sent marks, got %v", repo.sentIDs)
	}

	if got := dlq.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}

	// DLQ-конверт несёт исходное событие и причину отказа,
	// в формате, который разбирает cmd/dlq-reprocess.
	var envelope map[string]any
	if err := json.Unmarshal(dlq.published[0].Payload, &envelope); err != nil {
		t.Fatalf("decode dlq envelope: %v", err)
	}
	if envelope["outbox_id"] != "evt-3" {
		t.Fatalf("expected outbox_id evt-3, got %v", envelope["outbox_id"])
	}
	if envelope["event_type"] != "refund.resolved" {
		t.Fatalf("expected event_type refund.resolved, got %v", envelope["event_type"])
	}
	if envelope["publish_error"] != "partition leader lost" {
		t.Fatalf("expected publish_error to carry broker failure, got %v", envelope["publish_error"])
	}
	if _, ok := envelope["payload"]; !ok {
		t.Fatal("expected original payload inside dlq envelope")
	}
}

func TestWorker_Backoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&recordingRepo{}, &fakeBroker{}, WithRetryBaseDelay(10*time.Millisecond))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Millisecond},
		{2, 20 * time.Millisecond},
		{3, 40 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := worker.backoff(tt.attempt); got != tt.want {
			t.Fatalf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	noDelay := NewWorker(&recordingRepo{}, &fakeBroker{}, WithRetryBaseDelay(0))
	if got := noDelay.backoff(3); got != 0 {
		t.Fatalf("expected zero backoff without base delay, got %s", got)
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&recordingRepo{}, &fakeBroker{},
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
