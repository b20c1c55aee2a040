package model

import "errors"

var (
	ErrInvalidEvent     = errors.New("invalid clock event")
	ErrInvalidEventType = errors.New("invalid event type")
	ErrEventNotFound    = errors.New("clock event not found")
	ErrEventExists      = errors.New("clock event already exists")
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

// IssueKind classifies a validator finding.
type IssueKind string

const (
	// HardViolation always rejects the event.
	HardViolation IssueKind = "HARD_VIOLATION"
	// SoftWarning is surfaced to the caller but never rejects.
	SoftWarning IssueKind = "SOFT_WARNING"
	// ConfigDrift means verify-time inclusion config differs from seal time.
	ConfigDrift IssueKind = "CONFIG_DRIFT"
)

type Issue struct {
	Kind    IssueKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

func (i Issue) String() string {
	return i.Message
}

func Hard(code, message string) Issue {
	return Issue{Kind: HardViolation, Code: code, Message: message}
}

func Soft(code, message string) Issue {
	return Issue{Kind: SoftWarning, Code: code, Message: message}
}

func Drift(code, message string) Issue {
	return Issue{Kind: ConfigDrift, Code: code, Message: message}
}

// Messages flattens issues into their human-readable reasons.
func Messages(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Message)
	}
	return out
}

func Codes(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}
