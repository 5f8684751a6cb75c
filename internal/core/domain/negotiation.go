package domain

// NegotiationState is the local view of the offer/answer exchange
type NegotiationState string

const (
	NegotiationIdle          NegotiationState = "idle"
	NegotiationOffering      NegotiationState = "offering"
	NegotiationOfferSent     NegotiationState = "offer-sent"
	NegotiationOfferReceived NegotiationState = "offer-received"
	NegotiationAnswering     NegotiationState = "answering"
	NegotiationAnswerSent    NegotiationState = "answer-sent"
	NegotiationStable        NegotiationState = "stable"
	NegotiationFailed        NegotiationState = "failed"
)

// Outstanding reports whether an exchange is in flight
func (s NegotiationState) Outstanding() bool {
	switch s {
	case NegotiationOffering, NegotiationOfferSent, NegotiationOfferReceived,
		NegotiationAnswering, NegotiationAnswerSent:
		return true
	}
	return false
}

// CanOffer reports whether a new local offer may start from this state
func (s NegotiationState) CanOffer() bool {
	return s == NegotiationIdle || s == NegotiationStable || s == NegotiationFailed
}

type NegotiationTransition struct {
	From NegotiationState
	To   NegotiationState
}

// SessionRole fixes which side creates the direct channel. The offerer is
// the only side that ever sends an offer, so offers cannot collide.
type SessionRole string

const (
	RoleOfferer  SessionRole = "offerer"
	RoleAnswerer SessionRole = "answerer"
)

func (r SessionRole) Valid() bool {
	return r == RoleOfferer || r == RoleAnswerer
}

// Offers reports whether this side creates offers
func (r SessionRole) Offers() bool {
	return r == RoleOfferer
}
