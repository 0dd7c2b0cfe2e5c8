package controllers

import (
	"github.com/iota-uz/taskflow/pkg/outbox"
)

type eventListResponse struct {
	Events []outbox.Envelope `json:"events"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

type stuckEventResponse struct {
	Event   outbox.Envelope      `json:"event"`
	Reasons []outbox.StuckReason `json:"reasons"`
}

func nonNil(envs []outbox.Envelope) []outbox.Envelope {
	if envs == nil {
		return []outbox.Envelope{}
	}
	return envs
}
