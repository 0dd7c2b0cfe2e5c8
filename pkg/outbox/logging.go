package outbox

import (
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/taskflow/pkg/logging"
)

func logrusNop() *logrus.Entry {
	return logging.Nop()
}

func envelopeFields(env Envelope) logrus.Fields {
	return logrus.Fields{
		"event_id":       env.ID.String(),
		"event_type":     env.EventType,
		"aggregate_type": env.AggregateType,
		"aggregate_id":   env.AggregateID,
		"attempts":       env.AttemptCount,
	}
}
