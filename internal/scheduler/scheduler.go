// Package scheduler executa tarefas periódicas a partir de expressões cron.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// JobFunc recebe um ctx cancelado no Stop. Erro é apenas registrado.
type JobFunc func(ctx context.Context) error

type Scheduler struct {
	cron *cron.Cron
	log  logrus.FieldLogger

	mu      sync.RWMutex
	entries map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

func New(loc *time.Location, log logrus.FieldLogger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			// uma execução lenta não empilha outra do mesmo job
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registra um job com expressão cron de 5 campos (ou descritores como
// "@daily"). Nome repetido substitui o job anterior.
func (s *Scheduler) Add(name, spec string, job JobFunc) error {
	log := s.log.WithFields(logrus.Fields{"job": name, "schedule": spec})
	id, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(s.ctx); err != nil {
			log.WithError(err).Error("scheduled job failed")
			return
		}
		log.WithField("elapsed", time.Since(start)).Info("scheduled job finished")
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	s.mu.Lock()
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	s.mu.Unlock()
	return nil
}

// Next devolve a próxima execução prevista (zero se o job não existe ou o
// scheduler ainda não iniciou).
func (s *Scheduler) Next(name string) time.Time {
	s.mu.RLock()
	id, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.RLock()
	for name, id := range s.entries {
		s.log.WithFields(logrus.Fields{"job": name, "next": s.cron.Entry(id).Next}).Info("job scheduled")
	}
	s.mu.RUnlock()
}

// Stop impede novas execuções e espera as que estão rodando até o ctx
// expirar.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// cronLogger adapta logrus à interface de log do cron.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(toFields(keysAndValues)).Error(msg)
}

func toFields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
