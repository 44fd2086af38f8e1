package domain

import (
	"context"
	"time"
)

// Exhaustion sinaliza que um contador acabou de chegar a zero.
type Exhaustion struct {
	Identity Identity
	At       time.Time
}

// Notifier é fire-and-forget: Notify não pode bloquear o caminho da resposta.
type Notifier interface {
	Notify(ctx context.Context, ev Exhaustion)
}

// NotificationSink entrega de fato o aviso (e-mail, fila, log).
type NotificationSink interface {
	Send(ctx context.Context, ev Exhaustion) error
}

type NotifierFunc func(ctx context.Context, ev Exhaustion)

func (f NotifierFunc) Notify(ctx context.Context, ev Exhaustion) { f(ctx, ev) }
