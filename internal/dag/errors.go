package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidID = errors.New("dag: invalid path id")
	ErrCycle     = errors.New("dag: cycle detected")
	ErrSnapshot  = errors.New("dag: malformed snapshot")
)

// InconsistencyError marks a graph that violates its own invariants. The
// graph stays usable; only the failing call is aborted.
type InconsistencyError struct {
	Op  string
	IDs []string
	Err error
}

func (e *InconsistencyError) Error() string {
	ids := e.IDs
	more := ""
	if len(ids) > 5 {
		more = fmt.Sprintf(" (+%d more)", len(ids)-5)
		ids = ids[:5]
	}
	return fmt.Sprintf("%s: %v at [%s]%s", e.Op, e.Err, strings.Join(ids, ", "), more)
}

func (e *InconsistencyError) Unwrap() error {
	return e.Err
}
