package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modoboa-policyd/policy/domain"
)

// ─── SMTP ───

type mailbox struct {
	mu   sync.Mutex
	from string
	to   []string
	data []byte
}

func (m *mailbox) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &mailSession{box: m}, nil
}

type mailSession struct {
	box *mailbox
}

func (s *mailSession) Mail(from string, _ *smtp.MailOptions) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	s.box.from = from
	return nil
}

func (s *mailSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	s.box.to = append(s.box.to, to)
	return nil
}

func (s *mailSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	s.box.data = b
	return nil
}

func (s *mailSession) Reset()        {}
func (s *mailSession) Logout() error { return nil }

func startSMTPServer(t *testing.T) (*mailbox, string) {
	t.Helper()
	box := &mailbox{}
	srv := smtp.NewServer(box)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return box, ln.Addr().String()
}

func TestSMTPSink_Send(t *testing.T) {
	box, addr := startSMTPServer(t)
	sink, err := NewSMTPSink(addr, "policyd@example.com", []string{"postmaster@test.com"})
	require.NoError(t, err)

	ev := domain.Exhaustion{
		Identity: domain.Identity{Key: "user@test.com", Kind: domain.KindAccount},
		At:       time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	box.mu.Lock()
	defer box.mu.Unlock()
	assert.Equal(t, "policyd@example.com", box.from)
	assert.Equal(t, []string{"postmaster@test.com"}, box.to)
	assert.Contains(t, string(box.data), "Subject: Daily message limit reached for user@test.com")
	assert.Contains(t, string(box.data), "Daily message limit reached for account user@test.com.")
}

func TestSMTPSink_Validation(t *testing.T) {
	_, err := NewSMTPSink("", "a@b.c", []string{"x@y.z"})
	assert.Error(t, err)
	_, err = NewSMTPSink("localhost:25", "", []string{"x@y.z"})
	assert.Error(t, err)
	_, err = NewSMTPSink("localhost:25", "a@b.c", nil)
	assert.Error(t, err)
}

func TestSMTPSink_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	sink, err := NewSMTPSink(addr, "policyd@example.com", []string{"postmaster@test.com"})
	require.NoError(t, err)
	assert.Error(t, sink.Send(context.Background(), domain.Exhaustion{Identity: domain.Identity{Key: "test.com"}}))
}

// ─── Kafka ───

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Send(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	at := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	err := sink.Send(context.Background(), domain.Exhaustion{
		Identity: domain.Identity{Key: "test.com", Kind: domain.KindDomain},
		At:       at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("test.com"), w.msgs[0].Key)

	var ev ExhaustionEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, ExhaustionEvent{Identity: "test.com", Kind: "domain", At: at}, ev)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_Errors(t *testing.T) {
	sink := &KafkaSink{writer: &fakeWriter{err: errors.New("broker down")}}
	err := sink.Send(context.Background(), domain.Exhaustion{Identity: domain.Identity{Key: "test.com"}})
	assert.ErrorContains(t, err, "broker down")

	_, err = NewKafkaSink(nil, "topic")
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

// ─── Log ───

func TestLogSink_Send(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := LogSink{Log: logger}

	require.NoError(t, sink.Send(context.Background(), domain.Exhaustion{
		Identity: domain.Identity{Key: "test.com", Kind: domain.KindDomain},
	}))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, domain.Key("test.com"), entry.Data["identity"])

	assert.NoError(t, LogSink{}.Send(context.Background(), domain.Exhaustion{}))
}

func TestLimitReachedMessage_UsesCRLF(t *testing.T) {
	msg := limitReachedMessage("a@b.c", []string{"x@y.z", "w@y.z"}, domain.Exhaustion{
		Identity: domain.Identity{Key: "test.com", Kind: domain.KindDomain},
	})
	assert.True(t, bytes.Contains(msg, []byte("To: x@y.z, w@y.z\r\n")))
	assert.True(t, bytes.Contains(msg, []byte("\r\n\r\n")))
}
