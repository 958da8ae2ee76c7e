package version

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMissingBranch is matched by MissingBranchError.
var ErrMissingBranch = errors.New("missing branch")

// MissingBranchError is returned when the birth certificate of a branch is
// not known. It is not retried: the certificate was either garbage
// collected prematurely or never replicated to this node.
type MissingBranchError struct {
	Branch uuid.UUID
}

func (err MissingBranchError) Error() string {
	return fmt.Sprintf("missing branch %s", err.Branch)
}

// Is allows errors.Is(err, ErrMissingBranch).
func (err MissingBranchError) Is(target error) bool {
	return target == ErrMissingBranch
}
