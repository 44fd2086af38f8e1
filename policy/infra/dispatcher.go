package infra

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"modoboa-policyd/policy/domain"
)

// Dispatcher implementa domain.Notifier: Notify só enfileira, um worker
// entrega para todos os sinks respeitando um limite de taxa.
type Dispatcher struct {
	sinks   []domain.NotificationSink
	queue   chan domain.Exhaustion
	limiter *rate.Limiter
	timeout time.Duration
	log     logrus.FieldLogger
	onSent  func(ev domain.Exhaustion, err error)

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

var _ domain.Notifier = (*Dispatcher)(nil)

type DispatcherOption func(*Dispatcher)

func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan domain.Exhaustion, n)
		}
	}
}

// WithRate limita quantos avisos por segundo saem para os sinks.
// perSecond <= 0 desliga o limite.
func WithRate(perSecond float64, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

func WithDispatcherLogger(l logrus.FieldLogger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithResultHook é chamado após cada tentativa de entrega (err nil = sucesso),
// inclusive quando o aviso é descartado por fila cheia.
func WithResultHook(fn func(ev domain.Exhaustion, err error)) DispatcherOption {
	return func(d *Dispatcher) { d.onSent = fn }
}

func NewDispatcher(sinks []domain.NotificationSink, opts ...DispatcherOption) *Dispatcher {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan domain.Exhaustion, 256),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		timeout: 10 * time.Second,
		log:     discard,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Notify nunca bloqueia: com a fila cheia o aviso é descartado.
func (d *Dispatcher) Notify(_ context.Context, ev domain.Exhaustion) {
	select {
	case d.queue <- ev:
	default:
		d.log.WithError(domain.ErrQueueFull).WithField("identity", ev.Identity.Key).Warn("notification dropped")
		d.result(ev, domain.ErrQueueFull)
	}
}

// Start inicia o worker. Pare com Close ou cancelando o contexto.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(ctx)
	})
}

// Close entrega o que ainda estiver na fila (sem limite de taxa) e espera o
// worker terminar, ou até o ctx expirar.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })
	d.Start(context.Background())
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	// a espera do limiter também termina no Close
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	for {
		select {
		case <-d.stop:
			d.drain(ctx)
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			d.drain(ctx)
			return
		case ev := <-d.queue:
			if err := d.limiter.Wait(waitCtx); err != nil && ctx.Err() != nil {
				d.result(ev, err)
				return
			}
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev domain.Exhaustion) {
	var errs []error
	for _, sink := range d.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := sink.Send(sendCtx, ev)
		cancel()
		if err != nil {
			d.log.WithError(err).WithField("identity", ev.Identity.Key).Error("notification sink failed")
			errs = append(errs, err)
		}
	}
	d.result(ev, errors.Join(errs...))
}

func (d *Dispatcher) result(ev domain.Exhaustion, err error) {
	if d.onSent != nil {
		d.onSent(ev, err)
	}
}
