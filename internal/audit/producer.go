// Package audit publishes channel lifecycle events (join, leave, crash)
// to Kafka for downstream analytics. Publishing is fire-and-forget: the
// multiplexer hands an event to a bounded queue and moves on; a full
// queue drops the event rather than block the connection.
package audit

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Event is one audit record published to the Kafka topic.
type Event struct {
	Kind         string    `json:"kind"` // joined | left | crashed
	ConnectionID string    `json:"connectionId,omitempty"`
	Topic        string    `json:"topic"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// NewSyncProducer builds a sarama.SyncProducer with the producer settings
// this service ships with.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = "channelmux"
	config.Producer.MaxMessageBytes = 1000000

	return sarama.NewSyncProducer(brokers, config)
}

// Producer drains a bounded queue into Kafka on a single background
// goroutine. Events are keyed by topic so one topic's audit trail stays
// ordered within a partition.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan Event
	done     chan struct{}
	logger   *slog.Logger
}

func NewProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Producer{
		producer: producer,
		topic:    topic,
		queue:    make(chan Event, 1024),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go p.drain()
	return p
}

// Publish enqueues one audit event. Never blocks.
func (p *Producer) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("audit: queue full, dropping event", "topic", ev.Topic, "kind", ev.Kind)
	}
}

// Close stops the background publisher after the queue drains, then
// closes the underlying sarama producer.
func (p *Producer) Close() error {
	close(p.queue)
	<-p.done
	return p.producer.Close()
}

func (p *Producer) drain() {
	defer close(p.done)
	for ev := range p.queue {
		value, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("audit: marshal failed", "error", err)
			continue
		}
		msg := &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(ev.Topic),
			Value: sarama.ByteEncoder(value),
		}
		if _, _, err := p.producer.SendMessage(msg); err != nil {
			p.logger.Error("audit: send failed", "topic", ev.Topic, "kind", ev.Kind, "error", err)
		}
	}
}
