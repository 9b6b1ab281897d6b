// Package events публикует события жизненного цикла транзакций во внешнюю шину.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mmeshcher/paywallet/internal/model"
)

// Типы событий.
const (
	TypeTransactionCreated   = "transaction.created"
	TypeTransactionSucceeded = "transaction.succeeded"
	TypeTransactionFailed    = "transaction.failed"
	TypeTransactionReversed  = "transaction.reversed"
)

// Event описывает изменение состояния транзакции.
type Event struct {
	Type              string    `json:"event_type"`
	Reference         string    `json:"reference"`
	OwnerID           string    `json:"owner_id"`
	TransactionType   string    `json:"transaction_type"`
	Status            string    `json:"status"`
	Provider          string    `json:"provider,omitempty"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	Amount            int64     `json:"amount"`
	Timestamp         time.Time `json:"timestamp"`
}

// FromTransaction строит событие по текущему состоянию транзакции.
func FromTransaction(eventType string, t *model.Transaction) Event {
	return Event{
		Type:              eventType,
		Reference:         t.Reference,
		OwnerID:           t.OwnerID,
		TransactionType:   string(t.Type),
		Status:            string(t.Status),
		Provider:          t.Provider,
		ProviderReference: t.ProviderReference,
		Amount:            t.Amount,
		Timestamp:         time.Now().UTC(),
	}
}

// Publisher отправляет события.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// NopPublisher отбрасывает события. Используется, когда брокер не настроен.
type NopPublisher struct{}

// Publish ничего не делает.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// KafkaPublisher публикует события в топик Kafka с ключом reference,
// чтобы события одной транзакции попадали в одну партицию.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher создаёт издателя для указанных брокеров и топика.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			MaxAttempts:  3,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Debug(fmt.Sprintf(msg, args...))
			}),
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
				logger.Warn(fmt.Sprintf(msg, args...))
			}),
		},
	}
}

// Publish сериализует событие и записывает его в топик.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s: %w", e.Type, err)
	}
	return nil
}

// Close закрывает соединения с брокерами.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encode(e Event) (kafka.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.Reference),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}
