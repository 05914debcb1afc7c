package job

// allowedTransitions encodes §4.2's state diagram as an explicit
// table: `pending → planning → validating → {awaiting_approval, executing,
// planning} → {completed, failed}`, plus `any non-terminal → cancelled`.
// Scheduler.Transition checks this table before issuing its conditional
// UPDATE ... WHERE status=from and rejects any pair not present here with a
// ConflictError; an UPDATE that affects zero rows is surfaced the same way.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusPlanning:  true,
		StatusCancelled: true,
	},
	StatusPlanning: {
		StatusValidating: true,
		StatusFailed:     true, // replan/attempt bound exceeded
		StatusCancelled:  true,
	},
	StatusValidating: {
		StatusAwaitingApproval: true,
		StatusExecuting:        true,
		StatusPlanning:         true, // needs_revision verdict
		StatusFailed:           true, // rejected verdict, or revision bound exceeded
		StatusCancelled:        true,
	},
	StatusAwaitingApproval: {
		StatusExecuting: true, // approval granted
		StatusCancelled: true, // rejected, or operator cancel
	},
	StatusExecuting: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// CanTransition reports whether from → to appears in the allowed-transition
// table.
func CanTransition(from, to Status) bool {
	if Terminal[from] {
		return false
	}
	return allowedTransitions[from][to]
}
