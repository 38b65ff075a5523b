// Package ingest publishes driver pings and notifications to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/tow-matching/internal/dispatch"
	"github.com/example/tow-matching/internal/models"
)

const writeTimeout = 2 * time.Second

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations     MessageWriter
	notifications MessageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, notifyTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations:     kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
		notifications: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: notifyTopic, Balancer: &kafka.Hash{}}),
	}
}

// NewKafkaProducerWithWriters is used by tests.
func NewKafkaProducerWithWriters(locations, notifications MessageWriter) *KafkaProducer {
	return &KafkaProducer{locations: locations, notifications: notifications}
}

// PublishLocation writes a ping keyed by driver so one driver's pings stay
// ordered within a partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("ingest.PublishLocation.Marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(p.DriverID), Value: b}); err != nil {
		return fmt.Errorf("ingest.PublishLocation: %w", err)
	}
	return nil
}

// Notify implements dispatch.Notifier on the notification topic, where the
// notification storage service consumes it.
func (k *KafkaProducer) Notify(ctx context.Context, n dispatch.Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("ingest.Notify.Marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := k.notifications.WriteMessages(ctx, kafka.Message{Key: []byte(n.UserID), Value: b}); err != nil {
		return fmt.Errorf("ingest.Notify: %w", err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []MessageWriter{k.locations, k.notifications} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
