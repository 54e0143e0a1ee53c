package wall

import "fmt"

// UnknownPolicy is the reaction to a merged record naming predecessors this
// peer has not seen.
type UnknownPolicy int

const (
	UnknownLog UnknownPolicy = iota
	UnknownIgnore
	// UnknownSync asks the sender for an anti-entropy exchange.
	UnknownSync
)

func (p UnknownPolicy) String() string {
	switch p {
	case UnknownIgnore:
		return "ignore"
	case UnknownLog:
		return "log"
	case UnknownSync:
		return "sync"
	}
	return fmt.Sprintf("UnknownPolicy(%d)", int(p))
}

func ParseUnknownPolicy(s string) (UnknownPolicy, error) {
	switch s {
	case "", "log":
		return UnknownLog, nil
	case "ignore":
		return UnknownIgnore, nil
	case "sync":
		return UnknownSync, nil
	}
	return 0, fmt.Errorf("wall: unknown predecessor policy %q", s)
}
