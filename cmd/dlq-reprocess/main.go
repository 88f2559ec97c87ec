package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/opc/internal/messaging/kafka"
)

// Утилита перечитывает opc.dlq и возвращает застрявшие сообщения в
// рабочие топики. В opc.dlq попадают записи двух видов: сырые
// callback'и, которые не смог обработать consumer, и конверты
// outbox-воркера с событиями, не дошедшими до Kafka. У каждого вида
// свой формат и свой маршрут повторной публикации.
const (
	defaultScanLimit   = 100
	defaultIdleTimeout = 2 * time.Second
)

type replayConfig struct {
	brokers       []string
	dlqTopic      string
	fallbackTopic string
	eventTypes    map[string]bool
	limit         int
	execute       bool
	fromNewest    bool
	idleTimeout   time.Duration
}

// replayRecord — готовое к повторной публикации сообщение.
type replayRecord struct {
	topic     string
	key       string
	value     []byte
	eventType string
}

// consumerDLQRecord пишет kafka.Consumer после исчерпания ретраев
// обработки callback'а. original_value — исходное сообщение как есть.
type consumerDLQRecord struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
	ErrorMessage  string `json:"error_message"`
	RetryCount    int    `json:"retry_count"`
}

// outboxDLQEnvelope — внешний конверт, в котором outbox-воркер
// публикует dead-letter: стандартная обёртка OutboxTopicPublisher,
// внутри payload лежит dead-letter запись.
type outboxDLQEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// outboxDLQRecord — сама dead-letter запись: исходное событие плюс
// причина отказа публикации.
type outboxDLQRecord struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

// republishEnvelope повторяет формат OutboxTopicPublisher, чтобы
// consumer'ы не отличали replay от обычной публикации.
type republishEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// topicForAggregate выбирает рабочий топик по типу агрегата.
// События refund идут в платёжный топик вместе с payment:
// их обрабатывает тот же consumer.
func topicForAggregate(aggregateType, fallback string) string {
	switch aggregateType {
	case "order":
		return kafka.TopicOrderEvents
	case "payment", "refund":
		return kafka.TopicPaymentEvents
	}
	return fallback
}

// decodeConsumerRecord распознаёт запись consumer'а. Признак формата —
// непустой original_value; replay идёт в исходный топик без изменений.
func decodeConsumerRecord(value []byte, fallback string) (replayRecord, bool) {
	var record consumerDLQRecord
	if err := json.Unmarshal(value, &record); err != nil || record.OriginalValue == "" {
		return replayRecord{}, false
	}

	topic := strings.TrimSpace(record.OriginalTopic)
	if topic == "" {
		topic = fallback
	}

	return replayRecord{
		topic: topic,
		key:   record.OriginalKey,
		value: []byte(record.OriginalValue),
	}, true
}

// decodeOutboxRecord распознаёт конверт outbox-воркера и собирает из
// него свежий конверт публикации. Топик выбирается по типу агрегата,
// ключ — aggregate_id, чтобы replay попал в ту же партицию, что и
// остальные события агрегата.
func decodeOutboxRecord(value []byte, fallback string) (replayRecord, bool, error) {
	var envelope outboxDLQEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayRecord{}, false, nil
	}

	var record outboxDLQRecord
	if err := json.Unmarshal(envelope.Payload, &record); err != nil {
		return replayRecord{}, false, fmt.Errorf("decode outbox dead-letter record: %w", err)
	}
	if len(record.Payload) == 0 {
		return replayRecord{}, false, fmt.Errorf("outbox dead-letter record has no original event payload")
	}

	republish := republishEnvelope{
		ID:            firstNonEmpty(record.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(record.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(record.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(record.EventType, envelope.EventType),
		Payload:       record.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(republish)
	if err != nil {
		return replayRecord{}, false, fmt.Errorf("encode republish envelope: %w", err)
	}

	key := republish.AggregateID
	if key == "" {
		key = republish.ID
	}

	return replayRecord{
		topic:     topicForAggregate(republish.AggregateType, fallback),
		key:       key,
		value:     encoded,
		eventType: republish.EventType,
	}, true, nil
}

// decodeReplayRecord пробует оба формата opc.dlq по очереди.
// Нераспознанные сообщения пропускаются без ошибки.
func decodeReplayRecord(value []byte, fallback string) (replayRecord, bool, error) {
	if record, ok := decodeConsumerRecord(value, fallback); ok {
		return record, true, nil
	}
	return decodeOutboxRecord(value, fallback)
}

// matchesEventFilter проверяет запись против -event-types. Записи
// consumer'а не несут тип события и при включённом фильтре отсеиваются.
func matchesEventFilter(cfg replayConfig, record replayRecord) bool {
	if len(cfg.eventTypes) == 0 {
		return true
	}
	return cfg.eventTypes[record.eventType]
}

type partitionOffsets interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type replayProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var newReplayDependencies = func(cfg replayConfig) (partitionOffsets, partitionConsumerSource, replayProducer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	// Dry-run обходится без продюсера.
	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producer, err := sarama.NewSyncProducer(cfg.brokers, newProducerConfig())
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

// newProducerConfig совпадает с настройками основного продюсера
// координатора: идемпотентная запись, ack от всех реплик.
func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	return config
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig() (replayConfig, error) {
	var (
		brokersRaw    string
		eventTypesRaw string
		cfg           replayConfig
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: OPC_KAFKA_BROKERS)")
	flag.StringVar(&cfg.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	flag.StringVar(&cfg.fallbackTopic, "fallback-topic", kafka.TopicPaymentEvents, "target topic for records without a routable aggregate")
	flag.StringVar(&eventTypesRaw, "event-types", "", "replay only listed event types, comma-separated (e.g. payment.settled,refund.resolved)")
	flag.IntVar(&cfg.limit, "limit", defaultScanLimit, "max number of messages to scan")
	flag.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("OPC_KAFKA_BROKERS")
	}

	cfg.brokers = splitList(brokersRaw)
	if len(cfg.brokers) == 0 {
		return replayConfig{}, fmt.Errorf("kafka brokers are required (-brokers or OPC_KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.dlqTopic) == "" {
		return replayConfig{}, fmt.Errorf("dlq-topic is required")
	}
	if strings.TrimSpace(cfg.fallbackTopic) == "" {
		return replayConfig{}, fmt.Errorf("fallback-topic is required")
	}
	if cfg.limit <= 0 {
		return replayConfig{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return replayConfig{}, fmt.Errorf("idle-timeout must be > 0")
	}

	if types := splitList(eventTypesRaw); len(types) > 0 {
		cfg.eventTypes = make(map[string]bool, len(types))
		for _, eventType := range types {
			cfg.eventTypes[eventType] = true
		}
	}

	return cfg, nil
}

func splitList(raw string) []string {
	chunks := strings.Split(raw, ",")
	items := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		item := strings.TrimSpace(chunk)
		if item == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

func run(ctx context.Context, cfg replayConfig) error {
	log.WithFields(log.Fields{
		"dlq_topic":      cfg.dlqTopic,
		"fallback_topic": cfg.fallbackTopic,
		"limit":          cfg.limit,
		"execute":        cfg.execute,
		"from_newest":    cfg.fromNewest,
	}).Info("starting dlq replay")

	client, consumer, producer, err := newReplayDependencies(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	return replayFromDLQ(ctx, cfg, client, consumer, producer)
}

func replayFromDLQ(ctx context.Context, cfg replayConfig, client partitionOffsets, consumer partitionConsumerSource, producer replayProducer) error {
	if client == nil || consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.dlqTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.dlqTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.dlqTopic).Warn("dlq topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	var total replayStats
	for _, partition := range partitions {
		if total.scanned >= cfg.limit {
			break
		}

		stats, err := drainPartition(ctx, cfg, client, consumer, producer, partition, cfg.limit-total.scanned)
		if err != nil {
			return err
		}
		total.add(stats)
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}

	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  total.scanned,
		"replayed": total.replayed,
		"filtered": total.filtered,
		"skipped":  total.skipped,
	}).Info("dlq replay finished")

	return nil
}

type replayStats struct {
	scanned  int
	replayed int
	filtered int
	skipped  int
}

func (s *replayStats) add(other replayStats) {
	s.scanned += other.scanned
	s.replayed += other.replayed
	s.filtered += other.filtered
	s.skipped += other.skipped
}

func drainPartition(
	ctx context.Context,
	cfg replayConfig,
	client partitionOffsets,
	consumer partitionConsumerSource,
	producer replayProducer,
	partition int32,
	limit int,
) (replayStats, error) {
	var stats replayStats
	if limit <= 0 {
		return stats, nil
	}

	oldest, err := client.GetOffset(cfg.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(cfg.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	startOffset := oldest
	if cfg.fromNewest {
		startOffset = newest - int64(limit)
		if startOffset < oldest {
			startOffset = oldest
		}
	}

	pc, err := consumer.ConsumePartition(cfg.dlqTopic, partition, startOffset)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.scanned < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.idleTimeout)

			if msg.Offset >= newest {
				return stats, nil
			}

			if err := handleMessage(cfg, producer, msg, &stats); err != nil {
				return stats, err
			}

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

// handleMessage декодирует одно сообщение opc.dlq и, в execute-режиме,
// публикует его обратно. Нечитаемые записи только логируются.
func handleMessage(cfg replayConfig, producer replayProducer, msg *sarama.ConsumerMessage, stats *replayStats) error {
	stats.scanned++

	record, ok, err := decodeReplayRecord(msg.Value, cfg.fallbackTopic)
	if err != nil {
		stats.skipped++
		log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip unreadable dlq record")
		return nil
	}
	if !ok {
		stats.skipped++
		return nil
	}
	if !matchesEventFilter(cfg, record) {
		stats.filtered++
		return nil
	}

	if !cfg.execute {
		log.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": record.topic,
			"key":          record.key,
			"event_type":   record.eventType,
		}).Info("dlq replay candidate")
		stats.replayed++
		return nil
	}

	if err := publishReplay(producer, record); err != nil {
		return fmt.Errorf("publish replay record: %w", err)
	}
	stats.replayed++
	return nil
}

func publishReplay(producer replayProducer, record replayRecord) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}

	_, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic:     record.topic,
		Key:       sarama.StringEncoder(record.key),
		Value:     sarama.ByteEncoder(record.value),
		Timestamp: time.Now().UTC(),
	})
	return err
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
