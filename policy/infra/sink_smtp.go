package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"modoboa-policyd/policy/domain"
)

// SMTPSink envia o aviso por e-mail para os administradores configurados.
type SMTPSink struct {
	addr string
	from string
	to   []string
}

func NewSMTPSink(addr, from string, to []string) (*SMTPSink, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("smtp sink requires an address")
	}
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("smtp sink requires a sender")
	}
	if len(to) == 0 {
		return nil, errors.New("smtp sink requires at least one recipient")
	}
	return &SMTPSink{addr: addr, from: from, to: to}, nil
}

func (s *SMTPSink) Send(ctx context.Context, ev domain.Exhaustion) error {
	msg := limitReachedMessage(s.from, s.to, ev)

	// smtp.SendMail não recebe contexto; o envio corre em paralelo e o ctx
	// só encerra a espera.
	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(s.addr, nil, s.from, s.to, bytes.NewReader(msg))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("send notification to %s: %w", s.addr, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func limitReachedMessage(from string, to []string, ev domain.Exhaustion) []byte {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: Daily message limit reached for %s\r\n", ev.Identity.Key)
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Daily message limit reached for %s %s.\r\n", ev.Identity.Kind, ev.Identity.Key)
	b.WriteString("Further messages are deferred until the counters are reset.\r\n")
	return b.Bytes()
}
