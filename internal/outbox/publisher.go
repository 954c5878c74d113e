package outbox

import (
	"github.com/IBM/sarama"
)

// Publisher sends drained outbox messages to Kafka. The sync producer
// waits for all in-sync replicas so a marked-sent message is durably
// published.
type Publisher struct {
	producer sarama.SyncProducer
}

func NewPublisher(brokers []string) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{producer: producer}, nil
}

func (p *Publisher) Publish(topic, key string, value []byte) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	return err
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
