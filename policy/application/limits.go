package application

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"modoboa-policyd/policy/domain"
)

// LimitUpdater aplica no store as alterações de message_limit vindas do
// sistema administrativo.
type LimitUpdater struct {
	Store domain.CounterStore
	Log   logrus.FieldLogger
}

func (u LimitUpdater) Apply(ctx context.Context, up domain.LimitUpdate) error {
	key := domain.NormalizeKey(string(up.Identity.Key))
	if key == "" {
		return fmt.Errorf("limit update without identity")
	}

	log := u.Log
	if log == nil {
		log = discardLogger()
	}
	log = log.WithField("identity", key)

	if up.Limit == nil {
		if err := u.Store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete counter %s: %w", key, err)
		}
		log.Info("counter removed, identity is unlimited")
		return nil
	}

	if *up.Limit < 0 {
		return fmt.Errorf("invalid limit %d for %s", *up.Limit, key)
	}
	if err := u.Store.Set(ctx, key, *up.Limit); err != nil {
		return fmt.Errorf("set counter %s: %w", key, err)
	}
	log.WithField("limit", *up.Limit).Info("counter updated")
	return nil
}
