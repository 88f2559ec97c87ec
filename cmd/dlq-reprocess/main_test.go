package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

func TestSplitList(t *testing.T) {
	brokers := splitList(" broker-1:9092, ,broker-2:9092 ")
	if len(brokers) != 2 {
		t.Fatalf("unexpected items count: got=%d want=2", len(brokers))
	}
	if brokers[0] != "broker-1:9092" || brokers[1] != "broker-2:9092" {
		t.Fatalf("unexpected items: %+v", brokers)
	}
	if got := splitList(""); len(got) != 0 {
		t.Fatalf("expected empty result, got %+v", got)
	}
}

func TestTopicForAggregate(t *testing.T) {
	tests := []struct {
		aggregate string
		want      string
	}{
		{"order", "opc.order.events"},
		{"payment", "opc.payment.events"},
		{"refund", "opc.payment.events"},
		{"shipment", "fallback"},
		{"", "fallback"},
	}
	for _, tt := range tests {
		if got := topicForAggregate(tt.aggregate, "fallback"); got != tt.want {
			t.Fatalf("topicForAggregate(%q) = %s, want %s", tt.aggregate, got, tt.want)
		}
	}
}

// Callback, который consumer не смог обработать, возвращается в
// исходный топик байт-в-байт.
func TestDecodeConsumerRecord_ReplaysCallbackAsIs(t *testing.T) {
	callback := `{"payment_id":"PAY_1","status":"SUCCESS","timestamp":"2026-01-14T10:00:00Z"}`
	raw, err := json.Marshal(consumerDLQRecord{
		OriginalTopic: "opc.payment.callbacks",
		OriginalKey:   "PAY_1",
		OriginalValue: callback,
		ErrorMessage:  "payment not found",
		RetryCount:    3,
	})
	if err != nil {
		t.Fatalf("marshal record failed: %v", err)
	}

	record, ok := decodeConsumerRecord(raw, "fallback-topic")
	if !ok {
		t.Fatal("expected consumer record to be recognized")
	}
	if record.topic != "opc.payment.callbacks" {
		t.Fatalf("unexpected topic: %s", record.topic)
	}
	if record.key != "PAY_1" {
		t.Fatalf("unexpected key: %s", record.key)
	}
	if string(record.value) != callback {
		t.Fatalf("callback must be replayed unchanged, got %s", record.value)
	}
}

func TestDecodeConsumerRecord_FallbackTopic(t *testing.T) {
	raw := []byte(`{"original_key":"PAY_2","original_value":"{}"}`)

	record, ok := decodeConsumerRecord(raw, "opc.payment.callbacks")
	if !ok {
		t.Fatal("expected consumer record to be recognized")
	}
	if record.topic != "opc.payment.callbacks" {
		t.Fatalf("expected fallback topic, got %s", record.topic)
	}
}

func outboxDeadLetter(t *testing.T, aggregateType, aggregateID, eventType string) []byte {
	t.Helper()

	inner, err := json.Marshal(outboxDLQRecord{
		OutboxID:      "evt-1",
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       json.RawMessage(`{"status":"terminal"}`),
		PublishError:  "partition leader lost",
	})
	if err != nil {
		t.Fatalf("marshal dead-letter record failed: %v", err)
	}

	raw, err := json.Marshal(outboxDLQEnvelope{
		ID:            "evt-1",
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       inner,
	})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}
	return raw
}

// Событие платежа из outbox-конверта возвращается в платёжный топик
// в свежем конверте публикации.
func TestDecodeOutboxRecord_RoutesPaymentEvent(t *testing.T) {
	raw := outboxDeadLetter(t, "payment", "PAY_1", "payment.settled")

	record, ok, err := decodeOutboxRecord(raw, "fallback-topic")
	if err != nil {
		t.Fatalf("decodeOutboxRecord failed: %v", err)
	}
	if !ok {
		t.Fatal("expected outbox record to be recognized")
	}
	if record.topic != "opc.payment.events" {
		t.Fatalf("expected payment topic, got %s", record.topic)
	}
	if record.key != "PAY_1" {
		t.Fatalf("expected aggregate id as key, got %s", record.key)
	}
	if record.eventType != "payment.settled" {
		t.Fatalf("unexpected event type: %s", record.eventType)
	}

	var envelope republishEnvelope
	if err := json.Unmarshal(record.value, &envelope); err != nil {
		t.Fatalf("decode republish envelope: %v", err)
	}
	if envelope.ID != "evt-1" || envelope.EventType != "payment.settled" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if string(envelope.Payload) != `{"status":"terminal"}` {
		t.Fatalf("original payload must survive replay, got %s", envelope.Payload)
	}
	if envelope.PublishedAt.IsZero() {
		t.Fatal("expected fresh published_at")
	}
}

func TestDecodeOutboxRecord_RoutesByAggregate(t *testing.T) {
	tests := []struct {
		aggregate string
		eventType string
		wantTopic string
	}{
		{"order", "order.cancelled", "opc.order.events"},
		{"refund", "refund.resolved", "opc.payment.events"},
	}
	for _, tt := range tests {
		raw := outboxDeadLetter(t, tt.aggregate, "AGG_1", tt.eventType)

		record, ok, err := decodeOutboxRecord(raw, "fallback-topic")
		if err != nil || !ok {
			t.Fatalf("decodeOutboxRecord(%s) failed: ok=%v err=%v", tt.aggregate, ok, err)
		}
		if record.topic != tt.wantTopic {
			t.Fatalf("aggregate %s routed to %s, want %s", tt.aggregate, record.topic, tt.wantTopic)
		}
	}
}

func TestDecodeOutboxRecord_MissingOriginalPayload(t *testing.T) {
	inner, err := json.Marshal(outboxDLQRecord{
		OutboxID:      "evt-1",
		AggregateType: "payment",
		AggregateID:   "PAY_1",
		EventType:     "payment.settled",
		PublishError:  "timeout",
	})
	if err != nil {
		t.Fatalf("marshal dead-letter record failed: %v", err)
	}
	raw, err := json.Marshal(outboxDLQEnvelope{ID: "evt-1", Payload: inner})
	if err != nil {
		t.Fatalf("marshal envelope failed: %v", err)
	}

	_, ok, err := decodeOutboxRecord(raw, "fallback-topic")
	if err == nil {
		t.Fatal("expected error for dead-letter without original payload")
	}
	if ok {
		t.Fatal("expected no replay record")
	}
}

func TestDecodeReplayRecord_UnknownSkipped(t *testing.T) {
	_, ok, err := decodeReplayRecord([]byte(`{"foo":"bar"}`), "fallback")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected unknown record to be skipped")
	}
}

func TestMatchesEventFilter(t *testing.T) {
	unfiltered := replayConfig{}
	if !matchesEventFilter(unfiltered, replayRecord{eventType: "payment.settled"}) {
		t.Fatal("empty filter must pass everything")
	}

	filtered := replayConfig{eventTypes: map[string]bool{"refund.resolved": true}}
	if !matchesEventFilter(filtered, replayRecord{eventType: "refund.resolved"}) {
		t.Fatal("expected listed event type to pass")
	}
	if matchesEventFilter(filtered, replayRecord{eventType: "payment.settled"}) {
		t.Fatal("expected unlisted event type to be filtered")
	}
	// Записи consumer'а без типа события отсеиваются фильтром.
	if matchesEventFilter(filtered, replayRecord{}) {
		t.Fatal("expected record without event type to be filtered")
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "x", "y"); got != "x" {
		t.Fatalf("unexpected first non-empty value: %q", got)
	}
	if got := firstNonEmpty("", " "); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestReadConfig_FromFlags(t *testing.T) {
	withFlagArgs(t, []string{
		"-brokers=broker-1:9092,broker-2:9092",
		"-dlq-topic=opc.dlq",
		"-fallback-topic=opc.payment.events",
		"-event-types=payment.settled, refund.resolved",
		"-limit=10",
		"-execute=true",
		"-from-newest=true",
		"-idle-timeout=3s",
	}, func() {
		cfg, err := readConfig()
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if len(cfg.brokers) != 2 {
			t.Fatalf("unexpected brokers count: %d", len(cfg.brokers))
		}
		if cfg.limit != 10 {
			t.Fatalf("unexpected limit: %d", cfg.limit)
		}
		if !cfg.execute || !cfg.fromNewest {
			t.Fatalf("unexpected mode flags: %+v", cfg)
		}
		if cfg.idleTimeout != 3*time.Second {
			t.Fatalf("unexpected idle-timeout: %s", cfg.idleTimeout)
		}
		if len(cfg.eventTypes) != 2 || !cfg.eventTypes["payment.settled"] || !cfg.eventTypes["refund.resolved"] {
			t.Fatalf("unexpected event filter: %+v", cfg.eventTypes)
		}
	})
}

func TestReadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		args    []string
		wantErr string
	}{
		{[]string{"-brokers="}, "kafka brokers are required"},
		{[]string{"-brokers=broker:9092", "-dlq-topic="}, "dlq-topic is required"},
		{[]string{"-brokers=broker:9092", "-fallback-topic="}, "fallback-topic is required"},
		{[]string{"-brokers=broker:9092", "-limit=0"}, "limit must be > 0"},
		{[]string{"-brokers=broker:9092", "-idle-timeout=0s"}, "idle-timeout must be > 0"},
	}
	for _, tt := range tests {
		withFlagArgs(t, tt.args, func() {
			_, err := readConfig()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("args %v: expected %q error, got: %v", tt.args, tt.wantErr, err)
			}
		})
	}
}

func TestNewProducerConfig_MatchesCoordinatorProducer(t *testing.T) {
	config := newProducerConfig()
	if !config.Producer.Idempotent {
		t.Fatal("expected idempotent producer")
	}
	if config.Net.MaxOpenRequests != 1 {
		t.Fatalf("unexpected MaxOpenRequests: %d", config.Net.MaxOpenRequests)
	}
	if config.Producer.RequiredAcks != sarama.WaitForAll {
		t.Fatalf("unexpected RequiredAcks: %v", config.Producer.RequiredAcks)
	}
}

func TestPublishReplay(t *testing.T) {
	if err := publishReplay(nil, replayRecord{}); err == nil {
		t.Fatal("expected error for nil producer")
	}

	producer := &fakeReplayProducer{}
	err := publishReplay(producer, replayRecord{topic: "opc.payment.events", key: "PAY_1", value: []byte(`{"x":1}`)})
	if err != nil {
		t.Fatalf("publishReplay failed: %v", err)
	}
	if producer.calls != 1 {
		t.Fatalf("unexpected producer calls: %d", producer.calls)
	}
	if producer.lastMsg == nil || producer.lastMsg.Topic != "opc.payment.events" {
		t.Fatalf("unexpected last message: %+v", producer.lastMsg)
	}

	producer.sendErr = errors.New("send failed")
	if err := publishReplay(producer, replayRecord{topic: "t"}); err == nil {
		t.Fatal("expected publishReplay error")
	}
}

func consumerDLQMessage(t *testing.T, offset int64, key string) *sarama.ConsumerMessage {
	t.Helper()

	raw, err := json.Marshal(consumerDLQRecord{
		OriginalTopic: "opc.payment.callbacks",
		OriginalKey:   key,
		OriginalValue: `{"payment_id":"` + key + `","status":"SUCCESS"}`,
		RetryCount:    3,
	})
	if err != nil {
		t.Fatalf("marshal dlq message failed: %v", err)
	}
	return &sarama.ConsumerMessage{Partition: 0, Offset: offset, Value: raw}
}

func TestDrainPartition_DryRun(t *testing.T) {
	client := &fakeOffsets{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: bufferedPartition(consumerDLQMessage(t, 0, "PAY_1")),
		},
	}

	cfg := replayConfig{dlqTopic: "opc.dlq", fallbackTopic: "opc.payment.events", idleTimeout: 20 * time.Millisecond}

	stats, err := drainPartition(context.Background(), cfg, client, consumer, nil, 0, 10)
	if err != nil {
		t.Fatalf("drainPartition failed: %v", err)
	}
	if stats.scanned != 1 || stats.replayed != 1 || stats.skipped != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(consumer.calls) != 1 || consumer.calls[0].offset != 0 {
		t.Fatalf("unexpected consume calls: %+v", consumer.calls)
	}
}

func TestDrainPartition_ExecuteRepublishesOutboxEvent(t *testing.T) {
	client := &fakeOffsets{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: bufferedPartition(&sarama.ConsumerMessage{
				Partition: 0,
				Offset:    0,
				Value:     outboxDeadLetter(t, "order", "ORDER_1", "order.cancelled"),
			}),
		},
	}
	producer := &fakeReplayProducer{}

	cfg := replayConfig{dlqTopic: "opc.dlq", fallbackTopic: "opc.payment.events", execute: true, idleTimeout: 20 * time.Millisecond}

	stats, err := drainPartition(context.Background(), cfg, client, consumer, producer, 0, 10)
	if err != nil {
		t.Fatalf("drainPartition failed: %v", err)
	}
	if stats.replayed != 1 {
		t.Fatalf("expected replayed=1, got %+v", stats)
	}
	if producer.calls != 1 {
		t.Fatalf("expected one producer call, got %d", producer.calls)
	}
	if producer.lastMsg.Topic != "opc.order.events" {
		t.Fatalf("order event must return to order topic, got %s", producer.lastMsg.Topic)
	}
}

func TestDrainPartition_EventFilter(t *testing.T) {
	client := &fakeOffsets{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: bufferedPartition(
				&sarama.ConsumerMessage{Partition: 0, Offset: 0, Value: outboxDeadLetter(t, "payment", "PAY_1", "payment.settled")},
				&sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: outboxDeadLetter(t, "refund", "REFUND_1", "refund.resolved")},
			),
		},
	}

	cfg := replayConfig{
		dlqTopic:      "opc.dlq",
		fallbackTopic: "opc.payment.events",
		eventTypes:    map[string]bool{"refund.resolved": true},
		idleTimeout:   20 * time.Millisecond,
	}

	stats, err := drainPartition(context.Background(), cfg, client, consumer, nil, 0, 10)
	if err != nil {
		t.Fatalf("drainPartition failed: %v", err)
	}
	if stats.scanned != 2 || stats.replayed != 1 || stats.filtered != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestDrainPartition_ErrorBranches(t *testing.T) {
	cfg := replayConfig{dlqTopic: "opc.dlq", fallbackTopic: "opc.payment.events", execute: true, idleTimeout: 20 * time.Millisecond}

	offsetErr := &fakeOffsets{offsetErr: map[int32]error{0: errors.New("offset")}}
	if _, err := drainPartition(context.Background(), cfg, offsetErr, &fakeConsumerSource{}, &fakeReplayProducer{}, 0, 1); err == nil {
		t.Fatal("expected offset error")
	}

	client := &fakeOffsets{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	consumeErr := &fakeConsumerSource{consumeErr: errors.New("consume")}
	if _, err := drainPartition(context.Background(), cfg, client, consumeErr, &fakeReplayProducer{}, 0, 1); err == nil {
		t.Fatal("expected consume error")
	}

	pcWithErr := &fakePartition{
		messages: make(chan *sarama.ConsumerMessage),
		errs:     make(chan *sarama.ConsumerError, 1),
	}
	pcWithErr.errs <- &sarama.ConsumerError{Err: errors.New("consumer boom")}
	close(pcWithErr.errs)
	consumer := &fakeConsumerSource{consumers: map[int32]partitionConsumer{0: pcWithErr}}
	if _, err := drainPartition(context.Background(), cfg, client, consumer, &fakeReplayProducer{}, 0, 1); err == nil {
		t.Fatal("expected consumer error branch")
	}
	close(pcWithErr.messages)

	// Нечитаемый outbox-конверт пропускается без остановки replay.
	badPayload := bufferedPartition(&sarama.ConsumerMessage{
		Partition: 0,
		Offset:    0,
		Value:     []byte(`{"id":"x","payload":"not-an-object"}`),
	})
	consumer = &fakeConsumerSource{consumers: map[int32]partitionConsumer{0: badPayload}}
	stats, err := drainPartition(context.Background(), cfg, client, consumer, &fakeReplayProducer{}, 0, 1)
	if err != nil {
		t.Fatalf("unexpected bad-payload error: %v", err)
	}
	if stats.skipped != 1 {
		t.Fatalf("expected skipped=1, got %+v", stats)
	}

	okPartition := bufferedPartition(consumerDLQMessage(t, 0, "PAY_1"))
	consumer = &fakeConsumerSource{consumers: map[int32]partitionConsumer{0: okPartition}}
	producer := &fakeReplayProducer{sendErr: errors.New("send fail")}
	if _, err := drainPartition(context.Background(), cfg, client, consumer, producer, 0, 1); err == nil {
		t.Fatal("expected producer send error")
	}
}

func TestDrainPartition_IdleTimeoutAndContext(t *testing.T) {
	client := &fakeOffsets{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	cfg := replayConfig{dlqTopic: "opc.dlq", fallbackTopic: "opc.payment.events", idleTimeout: 10 * time.Millisecond}

	idle := &fakePartition{
		messages: make(chan *sarama.ConsumerMessage),
		errs:     make(chan *sarama.ConsumerError),
	}
	consumer := &fakeConsumerSource{consumers: map[int32]partitionConsumer{0: idle}}

	stats, err := drainPartition(context.Background(), cfg, client, consumer, nil, 0, 1)
	if err != nil {
		t.Fatalf("unexpected idle-timeout error: %v", err)
	}
	if stats.scanned != 0 {
		t.Fatalf("expected scanned=0, got %+v", stats)
	}
	close(idle.messages)
	close(idle.errs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	canceled := &fakePartition{
		messages: make(chan *sarama.ConsumerMessage),
		errs:     make(chan *sarama.ConsumerError),
	}
	canceledConsumer := &fakeConsumerSource{consumers: map[int32]partitionConsumer{0: canceled}}
	if _, err := drainPartition(ctx, cfg, client, canceledConsumer, nil, 0, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	close(canceled.messages)
	close(canceled.errs)
}

func TestReplayFromDLQ(t *testing.T) {
	cfg := replayConfig{dlqTopic: "opc.dlq", fallbackTopic: "opc.payment.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	if err := replayFromDLQ(context.Background(), cfg, nil, nil, nil); err == nil {
		t.Fatal("expected missing deps error")
	}

	client := &fakeOffsets{
		partitions: []int32{2, 0},
		offsets: map[int32]offsetRange{
			0: {oldest: 0, newest: 2},
			2: {oldest: 0, newest: 2},
		},
	}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: bufferedPartition(consumerDLQMessage(t, 0, "PAY_1")),
			2: bufferedPartition(consumerDLQMessage(t, 0, "PAY_2")),
		},
	}

	if err := replayFromDLQ(context.Background(), cfg, client, consumer, nil); err != nil {
		t.Fatalf("replayFromDLQ failed: %v", err)
	}
	if len(consumer.calls) != 1 {
		t.Fatalf("expected one partition due limit=1, got calls=%d", len(consumer.calls))
	}
	if consumer.calls[0].partition != 0 {
		t.Fatalf("expected first sorted partition=0, got %d", consumer.calls[0].partition)
	}

	executeCfg := cfg
	executeCfg.execute = true
	if err := replayFromDLQ(context.Background(), executeCfg, client, consumer, nil); err == nil {
		t.Fatal("expected execute mode to require producer")
	}

	empty := &fakeOffsets{partitions: nil}
	if err := replayFromDLQ(context.Background(), cfg, empty, consumer, nil); err != nil {
		t.Fatalf("expected nil error for empty partitions, got %v", err)
	}
}

func TestRun_UsesDependencies(t *testing.T) {
	oldDeps := newReplayDependencies
	defer func() { newReplayDependencies = oldDeps }()

	cfg := replayConfig{dlqTopic: "opc.dlq", fallbackTopic: "opc.payment.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	newReplayDependencies = func(replayConfig) (partitionOffsets, partitionConsumerSource, replayProducer, error) {
		return nil, nil, nil, errors.New("deps failed")
	}
	if err := run(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "deps failed") {
		t.Fatalf("expected deps error, got %v", err)
	}

	client := &fakeOffsets{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 2}},
	}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: bufferedPartition(consumerDLQMessage(t, 0, "PAY_1")),
		},
	}
	producer := &fakeReplayProducer{}

	newReplayDependencies = func(replayConfig) (partitionOffsets, partitionConsumerSource, replayProducer, error) {
		return client, consumer, producer, nil
	}
	if err := run(context.Background(), cfg); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !client.closed || !consumer.closed || !producer.closed {
		t.Fatalf("expected all deps to be closed: client=%v consumer=%v producer=%v", client.closed, consumer.closed, producer.closed)
	}
}

func TestMain_SuccessWithStubbedDeps(t *testing.T) {
	oldDeps := newReplayDependencies
	oldArgs := os.Args
	oldCommandLine := flag.CommandLine
	defer func() {
		newReplayDependencies = oldDeps
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	client := &fakeOffsets{
		partitions: []int32{0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 2}},
	}
	consumer := &fakeConsumerSource{
		consumers: map[int32]partitionConsumer{
			0: bufferedPartition(consumerDLQMessage(t, 0, "PAY_1")),
		},
	}
	newReplayDependencies = func(replayConfig) (partitionOffsets, partitionConsumerSource, replayProducer, error) {
		return client, consumer, nil, nil
	}

	os.Args = []string{"dlq-reprocess", "-brokers=broker:9092", "-limit=1", "-idle-timeout=50ms"}
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	main()
}

func TestFailExits(t *testing.T) {
	if os.Getenv("DLQ_TEST_FAIL_EXIT") == "1" {
		fail("boom")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "DLQ_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}

func withFlagArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldCommandLine := flag.CommandLine

	os.Args = append([]string{"dlq-reprocess"}, args...)
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldCommandLine
	}()

	fn()
}

type offsetRange struct {
	oldest int64
	newest int64
}

type fakeOffsets struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     map[int32]error
	closed        bool
}

func (f *fakeOffsets) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if err, ok := f.offsetErr[partition]; ok {
		return 0, err
	}

	r := f.offsets[partition]
	switch marker {
	case sarama.OffsetOldest:
		return r.oldest, nil
	case sarama.OffsetNewest:
		return r.newest, nil
	default:
		return 0, fmt.Errorf("unsupported marker %d", marker)
	}
}

func (f *fakeOffsets) Partitions(string) ([]int32, error) {
	if f.partitionsErr != nil {
		return nil, f.partitionsErr
	}
	return append([]int32(nil), f.partitions...), nil
}

func (f *fakeOffsets) Close() error {
	f.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type fakeConsumerSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (f *fakeConsumerSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	f.calls = append(f.calls, consumeCall{partition: partition, offset: offset})
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	pc, ok := f.consumers[partition]
	if !ok {
		return nil, fmt.Errorf("partition %d not configured", partition)
	}
	return pc, nil
}

func (f *fakeConsumerSource) Close() error {
	f.closed = true
	return nil
}

type fakePartition struct {
	messages chan *sarama.ConsumerMessage
	errs     chan *sarama.ConsumerError
	closed   bool
}

func (f *fakePartition) Messages() <-chan *sarama.ConsumerMessage { return f.messages }
func (f *fakePartition) Errors() <-chan *sarama.ConsumerError     { return f.errs }
func (f *fakePartition) Close() error {
	f.closed = true
	return nil
}

// bufferedPartition отдаёт заранее подготовленные сообщения и
// закрывает оба канала.
func bufferedPartition(messages ...*sarama.ConsumerMessage) *fakePartition {
	msgCh := make(chan *sarama.ConsumerMessage, len(messages))
	errCh := make(chan *sarama.ConsumerError)
	for _, msg := range messages {
		msgCh <- msg
	}
	close(msgCh)
	close(errCh)
	return &fakePartition{messages: msgCh, errs: errCh}
}

type fakeReplayProducer struct {
	sendErr error
	calls   int
	closed  bool
	lastMsg *sarama.ProducerMessage
}

func (f *fakeReplayProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.calls++
	f.lastMsg = msg
	if f.sendErr != nil {
		return 0, 0, f.sendErr
	}
	return 0, int64(f.calls), nil
}

func (f *fakeReplayProducer) Close() error {
	f.closed = true
	return nil
}
