package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Used for message ids and consumer tags.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewUUID returns a random RFC 4122 UUID. Correlation ids, reply routing keys
// and broadcast queue suffixes use this form since other nameko
// implementations generate uuid4 values for them.
func NewUUID() string {
	return uuid.NewString()
}

// ConsumerTag returns a unique consumer tag carrying the given prefix.
func ConsumerTag(prefix string) string {
	if prefix == "" {
		return "ctag-" + CreateULID()
	}
	return prefix + "-" + CreateULID()
}
