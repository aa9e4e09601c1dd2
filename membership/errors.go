package membership

import (
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
)

// errMemberNotFound reports that no member with the given id exists in the
// table, in the same style as the teacher's GetEntry errors (wrapping
// cerrdefs.ErrNotFound so callers can test with cerrdefs.IsNotFound).
func errMemberNotFound(id string) error {
	return fmt.Errorf("membership: member %q not found: %w", id, cerrdefs.ErrNotFound)
}

// errStopped reports an operation attempted on a Service that already
// completed stop().
var errStopped = fmt.Errorf("membership: service stopped: %w", cerrdefs.ErrFailedPrecondition)
