// Package ids generates time-sortable delivery identifiers used to tag
// transport messages and log lines for one processing attempt.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewDeliveryID returns a ULID encoded as a 26-character string. IDs created
// by one process sort in creation order.
func NewDeliveryID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
