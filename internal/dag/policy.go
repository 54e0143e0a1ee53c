package dag

import (
	"fmt"
	"strings"
)

// MergePolicy decides which predecessors a remote record is inserted under.
type MergePolicy int

const (
	// MergeClaimed keeps the sender's claimed parents, falling back to the
	// local frontier only when the claim is empty. Peers holding the same
	// records then hold the same edges regardless of arrival order.
	MergeClaimed MergePolicy = iota
	// MergeUnion lists the claimed parents first, then this peer's frontier,
	// truncated to MaxPredecessors.
	MergeUnion
)

func (p MergePolicy) String() string {
	switch p {
	case MergeClaimed:
		return "claimed"
	case MergeUnion:
		return "union"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// ParseMergePolicy accepts "claimed" or "union"; empty means claimed.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "claimed":
		return MergeClaimed, nil
	case "union":
		return MergeUnion, nil
	default:
		return 0, fmt.Errorf("unknown merge policy %q", s)
	}
}
