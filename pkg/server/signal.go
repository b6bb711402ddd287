package server

import (
	"encoding/json"

	"github.com/NicolasHaas/huddle/pkg/protocol"
	"github.com/NicolasHaas/huddle/pkg/protocol/pb"
)

// SignalKind distinguishes the two legs of a peer negotiation.
type SignalKind int

const (
	SignalOffer SignalKind = iota
	SignalAnswer
)

func (k SignalKind) String() string {
	if k == SignalAnswer {
		return "answer"
	}
	return "offer"
}

// SignalRelay forwards opaque negotiation payloads between two connections.
// Delivery is best effort: a payload for a connection that is gone is
// dropped without telling the sender.
type SignalRelay struct {
	router  *RoomRouter
	metrics *Metrics
}

func NewSignalRelay(router *RoomRouter, metrics *Metrics) *SignalRelay {
	return &SignalRelay{router: router, metrics: metrics}
}

// Relay sends signal from one connection to another, tagged with the
// sender's id. It reports whether the frame was handed to the target.
func (r *SignalRelay) Relay(kind SignalKind, from, to string, signal json.RawMessage) bool {
	var delivered bool
	switch kind {
	case SignalOffer:
		delivered = r.router.SendTo(to, protocol.EvtUserJoinedVoice, pb.UserJoinedVoiceEvent{
			Signal:   signal,
			CallerID: from,
		})
	case SignalAnswer:
		delivered = r.router.SendTo(to, protocol.EvtReturnedSignal, pb.ReturnedSignalEvent{
			Signal: signal,
			ID:     from,
		})
	}

	if r.metrics != nil {
		if delivered {
			r.metrics.SignalsRelayed.Add(1)
		} else {
			r.metrics.SignalsDropped.Add(1)
		}
	}
	return delivered
}
