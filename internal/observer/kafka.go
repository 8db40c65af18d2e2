package observer

import (
	"encoding/json"

	"github.com/Shopify/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaSink mirrors every published event onto a Kafka topic as JSON,
// for out-of-process consumers (§6.2's "optional event mirror"). It is
// opt-in: callers only construct one when PublishEvents is configured.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink dials brokers with sarama's default sync-producer config
// (required acks = local, no compression) and returns a Sink that publishes
// to topic.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// Notify implements Sink. Marshal failures and publish failures are logged
// and swallowed -- a broken mirror must never block or fail controller
// operations, since it is a best-effort side channel.
func (k *KafkaSink) Notify(evt Event) {
	payload, err := json.Marshal(struct {
		Kind     string `json:"kind"`
		EntityID string `json:"entityId"`
	}{Kind: evt.Kind.String(), EntityID: evt.EntityID.String()})
	if err != nil {
		observerLogger.WithError(err).Warn("failed to marshal event for kafka mirror")
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(evt.EntityID.String()),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		observerLogger.WithFields(logrus.Fields{"topic": k.topic}).WithError(err).Warn("failed to publish event to kafka mirror")
	}
}

// Close releases the underlying sarama producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
