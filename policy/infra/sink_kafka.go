package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"modoboa-policyd/policy/domain"
)

// ExhaustionEvent é o formato publicado no tópico de avisos.
//
// Exemplo:
//
//	{"identity": "user@test.com", "kind": "account", "at": "2024-01-15T10:30:00Z"}
type ExhaustionEvent struct {
	Identity string    `json:"identity"`
	Kind     string    `json:"kind"`
	At       time.Time `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publica o aviso para que o sistema administrativo resolva os
// destinatários e envie a mensagem.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink requires brokers")
	}
	if topic == "" {
		return nil, errors.New("kafka sink requires a topic")
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}, nil
}

func (s *KafkaSink) Send(ctx context.Context, ev domain.Exhaustion) error {
	value, err := encodeExhaustion(ev)
	if err != nil {
		return err
	}
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Identity.Key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("publish exhaustion event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}

func encodeExhaustion(ev domain.Exhaustion) ([]byte, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return json.Marshal(ExhaustionEvent{
		Identity: string(ev.Identity.Key),
		Kind:     string(ev.Identity.Kind),
		At:       at.UTC(),
	})
}
