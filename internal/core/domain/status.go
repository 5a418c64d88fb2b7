package domain

// statusApplies is the shared update rule of the transfer state machines.
// A transition is taken when the new status is the invalid marker, when the
// current status is the invalid marker, or when it moves strictly forward.
// Replaying an older event after a newer one is therefore a no-op.
func statusApplies[S ~int](current, next, invalid S) bool {
	return next == invalid || current == invalid || next > current
}
