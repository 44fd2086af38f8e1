package application

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"modoboa-policyd/policy/domain"
)

// Evaluator concentra a regra do limite diário.
//
// Ele não sabe nada sobre o protocolo, apenas retorna uma decisão. Nunca
// retorna erro: falha no store vira allow (fail-open).
type Evaluator struct {
	Store    domain.CounterStore
	Notifier domain.Notifier
	Stats    domain.StatsStore
	Log      logrus.FieldLogger
	// Timeout limita cada ida ao store; 0 usa apenas o ctx recebido.
	Timeout time.Duration
	Now     func() time.Time
}

func (e Evaluator) Evaluate(ctx context.Context, req domain.Request) domain.Decision {
	if req.Get(domain.AttrProtocolState) != domain.StateRCPT {
		return domain.Decision{Allowed: true, Reason: "not rcpt"}
	}

	ids := domain.IdentitiesFor(req.Get(domain.AttrSASLUsername))
	if len(ids) == 0 {
		return domain.Decision{Allowed: true, Reason: "no sasl_username"}
	}
	if e.Store == nil {
		return domain.Decision{Allowed: true, Reason: "no store"}
	}

	log := e.logger()
	dec := domain.Decision{Allowed: true, Checks: make([]domain.Check, 0, len(ids))}

	// domínio primeiro, depois a conta; cada chave é consumida de forma independente
	for _, id := range ids {
		c, err := e.consume(ctx, id.Key)
		if err != nil {
			dec.Checks = append(dec.Checks, domain.Check{Identity: id, Outcome: domain.OutcomeError})
			// uma negação já obtida vale; só a falta de resposta libera
			if !dec.Allowed {
				log.WithError(err).WithField("identity", id.Key).Warn("counter store failed after a denial, deferring")
				dec.Reason = "daily limit reached"
				return dec
			}
			log.WithError(err).WithField("identity", id.Key).Warn("counter store failed, allowing")
			return domain.Decision{Allowed: true, Reason: "store error", Checks: dec.Checks}
		}

		check := domain.Check{Identity: id, Remaining: c.Remaining}
		switch {
		case !c.Found:
			check.Outcome = domain.OutcomeUnlimited
		case c.Accepted:
			check.Outcome = domain.OutcomeAccepted
		default:
			check.Outcome = domain.OutcomeDenied
			dec.Allowed = false
		}
		dec.Checks = append(dec.Checks, check)

		log.WithFields(logrus.Fields{
			"identity":  id.Key,
			"kind":      id.Kind,
			"outcome":   check.Outcome,
			"remaining": c.Remaining,
		}).Debug("counter checked")

		if check.Outcome != domain.OutcomeUnlimited {
			e.record(ctx, id, check.Outcome == domain.OutcomeAccepted)
		}
		if c.Exhausted() && e.Notifier != nil {
			e.Notifier.Notify(ctx, domain.Exhaustion{Identity: id, At: e.now()})
		}
	}

	if !dec.Allowed {
		dec.Reason = "daily limit reached"
	}
	return dec
}

func (e Evaluator) consume(ctx context.Context, key domain.Key) (domain.Consumption, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	return e.Store.DecrementIfPositive(ctx, key)
}

func (e Evaluator) record(ctx context.Context, id domain.Identity, allowed bool) {
	if e.Stats == nil {
		return
	}
	err := e.Stats.Record(ctx, domain.StatsEvent{Identity: id, Allowed: allowed, At: e.now()})
	if err != nil {
		e.logger().WithError(err).Debug("stats record failed")
	}
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Evaluator) logger() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return discardLogger()
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
