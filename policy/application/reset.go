package application

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"modoboa-policyd/policy/domain"
)

// Resetter reescreve os contadores a partir dos limites configurados.
//
// Reset é a única operação que aumenta um contador.
type Resetter struct {
	Source domain.LimitSource
	Store  domain.CounterStore
	Log    logrus.FieldLogger
}

// Reset sobrescreve incondicionalmente cada contador com seu limite.
func (r Resetter) Reset(ctx context.Context) (int, error) {
	limits, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.Store.ResetAll(ctx, limits); err != nil {
		return 0, fmt.Errorf("reset counters: %w", err)
	}
	r.logger().WithField("count", len(limits)).Info("counters reset")
	return len(limits), nil
}

// Seed cria apenas os contadores ausentes; contadores já existentes (de um
// processo anterior ou de outra instância) são preservados.
func (r Resetter) Seed(ctx context.Context) (int, error) {
	limits, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, l := range limits {
		ok, err := r.Store.SetIfAbsent(ctx, l.Identity.Key, l.Value)
		if err != nil {
			return created, fmt.Errorf("seed counter %s: %w", l.Identity.Key, err)
		}
		if ok {
			created++
		}
	}
	r.logger().WithFields(logrus.Fields{"created": created, "total": len(limits)}).Info("counters seeded")
	return created, nil
}

func (r Resetter) load(ctx context.Context) ([]domain.Limit, error) {
	if r.Source == nil || r.Store == nil {
		return nil, errors.New("resetter requires a limit source and a counter store")
	}
	limits, err := r.Source.Limits(ctx)
	if err != nil {
		return nil, fmt.Errorf("load limits: %w", err)
	}
	return limits, nil
}

func (r Resetter) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return discardLogger()
}
