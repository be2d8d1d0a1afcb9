package op

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Operation IDs are ULIDs: lexicographic order matches creation order, which
// lets logs, snapshots, and traces sort operations by ID alone. The shared
// monotonic entropy source keeps IDs strictly increasing even when several
// operations are created within the same millisecond.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns the next globally unique, time-sortable operation ID.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Now(), idEntropy).String()
}
