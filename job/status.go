package job

// transitions lists every status edge the lifecycle may take. Terminal
// states (paid, cancelled) have no outgoing edge except paid -> disputed,
// which reopens a settled job for a dispute.
var transitions = map[Status][]Status{
	StatusPosted:     {StatusBidding, StatusCancelled},
	StatusBidding:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusScheduled, StatusCancelled},
	StatusScheduled:  {StatusScheduled, StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusDisputed},
	StatusCompleted:  {StatusPaid, StatusDisputed},
	StatusPaid:       {StatusDisputed},
	StatusDisputed:   {StatusPaid, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPosted, StatusBidding, StatusAccepted, StatusScheduled, StatusInProgress,
		StatusCompleted, StatusPaid, StatusDisputed, StatusCancelled:
		return true
	}
	return false
}

// RequiresMechanic reports whether a job in status s must have a mechanic
// assigned.
func (s Status) RequiresMechanic() bool {
	switch s {
	case StatusAccepted, StatusScheduled, StatusInProgress, StatusCompleted, StatusPaid, StatusDisputed:
		return true
	}
	return false
}

// Biddable reports whether bids may be placed or accepted in status s.
func (s Status) Biddable() bool {
	return s == StatusPosted || s == StatusBidding
}

// Cancellable reports whether an explicit cancel command applies to s.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPosted, StatusBidding, StatusAccepted, StatusScheduled:
		return true
	}
	return false
}

func (u Urgency) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}
