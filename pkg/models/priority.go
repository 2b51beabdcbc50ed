package models

// Priority is one of the four tiers governing dequeue order in both the
// task queue and the message queue. Within a tier, entries are handled in
// enqueue order (FIFO); across tiers, CRITICAL > HIGH > MEDIUM > LOW.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Rank returns the numeric ordering weight of the priority.
// Higher rank dequeues first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// ParsePriority returns the Priority for a label, or MEDIUM if unknown.
func ParsePriority(s string) Priority {
	p := Priority(s)
	if p.Valid() {
		return p
	}
	return PriorityMedium
}
