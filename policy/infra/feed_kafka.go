package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"modoboa-policyd/policy/domain"
)

// LimitMessage é o formato das alterações publicadas pelo sistema
// administrativo.
//
// Exemplo:
//
//	{"identity": "test.com", "kind": "domain", "limit": 100}
//	{"identity": "user@test.com", "limit": null}
type LimitMessage struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind,omitempty"`
	Limit    *int64 `json:"limit"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type LimitApplier interface {
	Apply(ctx context.Context, up domain.LimitUpdate) error
}

// KafkaLimitFeed consome as alterações de message_limit e aplica no store.
type KafkaLimitFeed struct {
	reader  messageReader
	applier LimitApplier
	log     logrus.FieldLogger
	backoff time.Duration
}

type KafkaFeedConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaLimitFeed(cfg KafkaFeedConfig, applier LimitApplier, log logrus.FieldLogger) (*KafkaLimitFeed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("group_id is required")
	}
	if applier == nil {
		return nil, errors.New("limit applier is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    kafka.LastOffset,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		CommitInterval: time.Second,
		MaxWait:        time.Second,
	})
	return newKafkaLimitFeed(reader, applier, log), nil
}

func newKafkaLimitFeed(reader messageReader, applier LimitApplier, log logrus.FieldLogger) *KafkaLimitFeed {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &KafkaLimitFeed{reader: reader, applier: applier, log: log, backoff: 5 * time.Second}
}

// Run bloqueia até o ctx encerrar.
func (f *KafkaLimitFeed) Run(ctx context.Context) error {
	f.log.Info("limit feed started")
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.WithError(err).Error("failed to fetch limit update")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.backoff):
				continue
			}
		}

		if err := f.handleWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.WithError(err).WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("failed to apply limit update")
		}

		// mensagem inválida também é confirmada: repetir não ajudaria
		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			f.log.WithError(err).Error("failed to commit limit update")
		}
	}
}

// handleWithRetry repete enquanto o store estiver fora: a mensagem só é
// confirmada depois de aplicada ou rejeitada em definitivo.
func (f *KafkaLimitFeed) handleWithRetry(ctx context.Context, msg kafka.Message) error {
	for {
		err := f.handle(ctx, msg)
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}
		f.log.WithError(err).WithField("offset", msg.Offset).Warn("counter store unavailable, retrying limit update")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.backoff):
		}
	}
}

func (f *KafkaLimitFeed) handle(ctx context.Context, msg kafka.Message) error {
	up, err := decodeLimitMessage(msg.Value)
	if err != nil {
		return err
	}
	return f.applier.Apply(ctx, up)
}

func (f *KafkaLimitFeed) Close() error {
	if f.reader == nil {
		return nil
	}
	reader := f.reader
	f.reader = nil
	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}

func decodeLimitMessage(raw []byte) (domain.LimitUpdate, error) {
	var m LimitMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return domain.LimitUpdate{}, fmt.Errorf("failed to parse limit update: %w", err)
	}
	key := domain.NormalizeKey(m.Identity)
	if key == "" {
		return domain.LimitUpdate{}, errors.New("limit update without identity")
	}

	kind := domain.Kind(m.Kind)
	switch kind {
	case domain.KindDomain, domain.KindAccount:
	case "":
		kind = domain.KindOf(key)
	default:
		return domain.LimitUpdate{}, fmt.Errorf("unknown identity kind %q", m.Kind)
	}

	return domain.LimitUpdate{
		Identity: domain.Identity{Key: key, Kind: kind},
		Limit:    m.Limit,
	}, nil
}
