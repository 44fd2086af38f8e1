package application

import (
	"context"
	"sync/atomic"
	"time"

	"modoboa-policyd/policy/domain"
)

// Admission concentra a regra de aquisição/liberação de vagas de avaliação
// com timeout, sem saber nada sobre conexões.
type Admission struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration

	rejected atomic.Int64
}

// Admit tenta adquirir uma vaga.
// - Se `AcquireTimeout <= 0`, espera até o ctx encerrar.
// - Se `AcquireTimeout > 0`, espera até o timeout.
// Retorna (release, ok). Se ok=false, nenhuma vaga foi adquirida.
func (a *Admission) Admit(ctx context.Context) (func(), bool) {
	if a == nil || a.Pool == nil {
		return func() {}, true
	}

	if a.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.AcquireTimeout)
		defer cancel()
	}

	release, ok := a.Pool.Acquire(ctx)
	if !ok {
		a.rejected.Add(1)
		return func() {}, false
	}
	return release, true
}

// Rejected conta quantas vezes Admit falhou desde o início.
func (a *Admission) Rejected() int64 {
	if a == nil {
		return 0
	}
	return a.rejected.Load()
}
