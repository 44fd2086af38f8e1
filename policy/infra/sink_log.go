package infra

import (
	"context"

	"github.com/sirupsen/logrus"

	"modoboa-policyd/policy/domain"
)

// LogSink apenas registra o aviso; sempre habilitado como rastro mínimo.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Send(_ context.Context, ev domain.Exhaustion) error {
	if s.Log == nil {
		return nil
	}
	s.Log.WithFields(logrus.Fields{
		"identity": ev.Identity.Key,
		"kind":     ev.Identity.Kind,
		"at":       ev.At,
	}).Warn("daily message limit reached")
	return nil
}
