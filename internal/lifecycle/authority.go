package lifecycle

// DenyReason explains why a transition was refused.
type DenyReason string

const (
	ReasonInvalidStatus DenyReason = "invalid_status"
	ReasonNotAllowed    DenyReason = "not_allowed"
)

// Decision is the outcome of Decide.
type Decision struct {
	Allowed bool
	// Noop is set when the requested status equals the current one.
	Noop   bool
	Result Status
	// Override is set when only the admin role admitted the move.
	Override bool
	Reason   DenyReason
}

// Decide applies the transition rules. It has no side effects.
//
// Rules are evaluated in order: unknown statuses are denied, a request for
// the current status is a no-op, admins may set any status, and otherwise
// only the source may cancel and only the receiver may deliver or reject a
// document that is still in transit.
func Decide(actor Actor, doc Document, requested Status) Decision {
	if !requested.Valid() {
		return Decision{Reason: ReasonInvalidStatus}
	}
	if requested == doc.Status {
		return Decision{Allowed: true, Noop: true, Result: doc.Status}
	}

	permitted := partyMayMove(actor.ID, doc, requested)
	if actor.IsAdmin {
		return Decision{Allowed: true, Result: requested, Override: !permitted}
	}
	if permitted {
		return Decision{Allowed: true, Result: requested}
	}
	return Decision{Reason: ReasonNotAllowed}
}

func partyMayMove(actorID string, doc Document, requested Status) bool {
	if actorID == "" || doc.Status != StatusInTransit {
		return false
	}
	switch requested {
	case StatusCancelled:
		return actorID == doc.SourceOffice
	case StatusDelivered, StatusRejected:
		return actorID == doc.ReceiverOffice
	}
	return false
}
