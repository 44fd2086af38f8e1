package domain

import (
	"context"
	"time"
)

// StatsEvent representa a decisão tomada para uma identidade.
//
// Cuidado com cardinalidade: gravar toda identidade pode explodir o número de
// chaves no Redis em servidores com muitas contas.
type StatsEvent struct {
	Identity Identity
	Allowed  bool

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas das decisões.
//
// O avaliador trata erro como best-effort (não altera a resposta ao MTA).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
