package notify

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// Summary is the payload handed to the push pipeline. It is advisory: the
// notification service decides whether the recipient is offline-eligible.
type Summary struct {
	ConversationID int64     `json:"conversation_id"`
	MessageID      int64     `json:"message_id"`
	SenderID       int64     `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sent_at"`
}

// Notifier delivers "you have a new message" hints, fire-and-forget. A
// notifier failure never fails the send that triggered it.
type Notifier interface {
	Notify(ctx context.Context, userID int64, summary Summary)
	Close() error
}

// NewKafkaNotifier builds a Kafka-backed notifier, or a noop one when brokers
// are unconfigured or unreachable.
func NewKafkaNotifier(brokers []string, topic string) Notifier {
	if len(brokers) == 0 {
		log.Printf("push notifier disabled, using noop: no brokers configured")
		return noopNotifier{}
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		log.Printf("push notifier disabled, using noop: %v", err)
		return noopNotifier{}
	}

	n := &kafkaNotifier{producer: producer, topic: topic}
	go n.drainErrors()
	return n
}

type kafkaNotifier struct {
	producer sarama.AsyncProducer
	topic    string
}

type envelope struct {
	UserID int64   `json:"user_id"`
	Event  string  `json:"event"`
	Data   Summary `json:"data"`
}

func (n *kafkaNotifier) Notify(ctx context.Context, userID int64, summary Summary) {
	body, err := json.Marshal(envelope{UserID: userID, Event: "new_message", Data: summary})
	if err != nil {
		log.Printf("push notify marshal failed: %v", err)
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(userID, 10)),
		Value: sarama.ByteEncoder(body),
	}

	select {
	case n.producer.Input() <- msg:
	case <-ctx.Done():
	}
}

func (n *kafkaNotifier) drainErrors() {
	for err := range n.producer.Errors() {
		log.Printf("push notify publish failed: %v", err)
	}
}

func (n *kafkaNotifier) Close() error {
	return n.producer.Close()
}

type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, userID int64, summary Summary) {
	log.Printf("push notify noop user_id=%d conversation_id=%d", userID, summary.ConversationID)
}

func (noopNotifier) Close() error { return nil }
