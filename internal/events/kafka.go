package events

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers  []string
	ClientID string
	// Timeout bounds one produce request.
	Timeout time.Duration
}

// KafkaPublisher publishes synchronously and waits for every in-sync replica.
type KafkaPublisher struct {
	client   sarama.Client
	producer sarama.SyncProducer
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher connects to the brokers.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Retry.Max = 5
	if cfg.ClientID != "" {
		sc.ClientID = cfg.ClientID
	}
	if cfg.Timeout > 0 {
		sc.Producer.Timeout = cfg.Timeout
	}

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return &KafkaPublisher{client: client, producer: producer}, nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(p sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		batch = append(batch, &sarama.ProducerMessage{
			Topic: m.Topic,
			Key:   sarama.StringEncoder(m.Key),
			Value: sarama.ByteEncoder(m.Value),
		})
	}
	if err := p.producer.SendMessages(batch); err != nil {
		return errors.Wrap(err, "send messages")
	}
	return nil
}

// Ping reports whether any broker is reachable. Publishers built from a bare
// producer have no client to inspect and always pass.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	if p.client.Closed() {
		return errors.New("kafka client closed")
	}
	for _, b := range p.client.Brokers() {
		if ok, _ := b.Connected(); ok {
			return nil
		}
	}
	if err := p.client.RefreshMetadata(); err != nil {
		return errors.Wrap(err, "refresh kafka metadata")
	}
	return ctx.Err()
}

// Close flushes and closes the producer and its client.
func (p *KafkaPublisher) Close() error {
	if err := p.producer.Close(); err != nil {
		return errors.Wrap(err, "close producer")
	}
	if p.client != nil && !p.client.Closed() {
		return p.client.Close()
	}
	return nil
}
