package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned when a stored status value is not recognised
var ErrInvalidStatus = errors.New("invalid status")

// Status is the lifecycle state of a tracked combination
type Status string

const (
	StatusNew       Status = "NEW"
	StatusChecked   Status = "CHECKED"
	StatusUnchecked Status = "UNCHECKED"
	// StatusGone is terminal
	StatusGone Status = "GONE"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []Status{StatusNew, StatusChecked, StatusUnchecked, StatusGone}

// allowedTransitions maps each status to the statuses it may move to.
// NEW may also fall straight to UNCHECKED (full-processing removal) or GONE/removal
// (minimal-processing disappearance before the first sweep).
var allowedTransitions = map[Status]map[Status]bool{
	StatusNew: {
		StatusChecked:   true,
		StatusUnchecked: true,
		StatusGone:      true,
	},
	StatusChecked: {
		StatusUnchecked: true,
		StatusGone:      true,
	},
	StatusUnchecked: {
		StatusChecked: true,
		StatusGone:    true,
	},
	StatusGone: {},
}

// ParseStatus strictly decodes a stored status
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := allowedTransitions[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return st, nil
}

// IsTerminal reports whether no transitions leave this status
func (s Status) IsTerminal() bool {
	return s == StatusGone
}

// CanTransition reports whether moving from -> to is permitted
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// ApplyTransition returns the resulting status and whether the move was applied.
// Disallowed moves (including anything out of GONE) leave the status unchanged.
func ApplyTransition(from, to Status) (Status, bool) {
	if !CanTransition(from, to) {
		return from, false
	}
	return to, true
}
