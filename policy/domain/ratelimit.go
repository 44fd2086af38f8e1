package domain

// Camada de domínio do limite diário.
//
// Regras e contratos (interfaces/tipos) sem dependência de rede.

import "context"

// Ações devolvidas ao MTA.
const (
	ActionDunno      = "dunno"
	ActionDeferLimit = "defer_if_permit Daily limit reached, retry later"
)

// Consumption é o resultado de um test-and-decrement atômico.
//
// Found=false significa que a chave não existe no store (ilimitada).
// Accepted indica que o contador era positivo e foi decrementado; Remaining
// é o valor depois da operação (ou o valor atual, quando negado).
type Consumption struct {
	Found     bool
	Accepted  bool
	Remaining int64
}

// Exhausted informa se esta operação consumiu a última unidade.
func (c Consumption) Exhausted() bool {
	return c.Found && c.Accepted && c.Remaining == 0
}

// CounterStore é o mapa compartilhado chave -> mensagens restantes no dia.
//
// A implementação precisa ser atômica no servidor para DecrementIfPositive:
// ler e depois escrever pelo cliente não serve.
type CounterStore interface {
	DecrementIfPositive(ctx context.Context, key Key) (Consumption, error)
	Set(ctx context.Context, key Key, value int64) error
	SetIfAbsent(ctx context.Context, key Key, value int64) (bool, error)
	Exists(ctx context.Context, key Key) (bool, error)
	Get(ctx context.Context, key Key) (value int64, found bool, err error)
	Delete(ctx context.Context, key Key) error
	ResetAll(ctx context.Context, limits []Limit) error
}

type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDenied    Outcome = "denied"
	OutcomeUnlimited Outcome = "unlimited"
	OutcomeError     Outcome = "error"
)

type Check struct {
	Identity  Identity
	Outcome   Outcome
	Remaining int64
}

type Decision struct {
	Allowed bool
	// Reason explica curtos-circuitos ("not rcpt", "no sasl_username", "store error").
	Reason string
	Checks []Check
}

// Action traduz a decisão para a ação do protocolo.
func (d Decision) Action() string {
	if d.Allowed {
		return ActionDunno
	}
	return ActionDeferLimit
}
