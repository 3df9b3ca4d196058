package leave

import "time"

// =============================================================================
// TRANSITIONS - Static table of who may do what from where
// =============================================================================

type Transition string

const (
	TransitionApproveManager Transition = "approve_manager"
	TransitionRejectManager  Transition = "reject_manager"
	TransitionApproveRH      Transition = "approve_rh"
	TransitionRejectRH       Transition = "reject_rh"
	TransitionCancel         Transition = "cancel"
)

type rule struct {
	from           []Status
	to             Status
	roles          []Role // actor needs at least one
	requiresReason bool
	debits         bool // the only transition with a ledger side effect
}

var rules = map[Transition]rule{
	TransitionApproveManager: {
		from:  []Status{StatusPending},
		to:    StatusManagerApproved,
		roles: []Role{RoleManager},
	},
	TransitionRejectManager: {
		from:           []Status{StatusPending},
		to:             StatusRejected,
		roles:          []Role{RoleManager},
		requiresReason: true,
	},
	TransitionApproveRH: {
		from:   []Status{StatusManagerApproved},
		to:     StatusRHApproved,
		roles:  []Role{RoleHR},
		debits: true,
	},
	TransitionRejectRH: {
		from:           []Status{StatusManagerApproved},
		to:             StatusRejected,
		roles:          []Role{RoleHR},
		requiresReason: true,
	},
	TransitionCancel: {
		from:  []Status{StatusPending, StatusManagerApproved},
		to:    StatusCancelled,
		roles: []Role{RoleEmployee, RoleAdmin},
	},
}

func (t Transition) Valid() bool {
	_, ok := rules[t]
	return ok
}

// RequiredRoles returns the roles of which an actor needs at least one.
func (t Transition) RequiredRoles() []Role {
	return append([]Role(nil), rules[t].roles...)
}

// AllowedFrom reports whether t may be taken from status s.
func (t Transition) AllowedFrom(s Status) bool {
	return containsStatus(rules[t].from, s)
}

// Target returns the status a successful t leads to.
func (t Transition) Target() Status { return rules[t].to }

func (t Transition) RequiresReason() bool { return rules[t].requiresReason }

// Permits reports whether the actor holds a role required by t. It does not
// look at any request, so callers without the role learn nothing about state.
func (a Actor) Permits(t Transition) bool {
	r, ok := rules[t]
	return ok && a.HasAnyRole(r.roles...)
}

// apply returns the request as it looks after t, decided by actor at now.
func (t Transition) apply(req Request, actor Actor, reason string, now time.Time) Request {
	next := req
	next.Status = rules[t].to
	next.UpdatedAt = now

	switch t {
	case TransitionApproveManager, TransitionRejectManager:
		next.ManagerDecidedBy = actor.ID
		next.ManagerDecisionAt = &now
	case TransitionApproveRH, TransitionRejectRH:
		next.RHDecidedBy = actor.ID
		next.RHDecisionAt = &now
	}
	if rules[t].requiresReason {
		next.RejectionReason = reason
	}
	return next
}
