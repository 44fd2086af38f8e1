package domain

import "context"

// Limit é o message_limit configurado para uma identidade.
// Identidade sem limite (ilimitada) simplesmente não aparece.
type Limit struct {
	Identity Identity
	Value    int64
}

// LimitSource lista todos os limites configurados pelo sistema administrativo.
type LimitSource interface {
	Limits(ctx context.Context) ([]Limit, error)
}

// LimitUpdate vem do feed de alterações. Limit nil significa que a
// identidade passou a ser ilimitada (ou foi removida).
type LimitUpdate struct {
	Identity Identity
	Limit    *int64
}
