package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Entity prefixes keep identifiers self-describing in logs and audit rows.
const (
	PrefixIdentity  = "idn"
	PrefixTenant    = "ten"
	PrefixSession   = "ses"
	PrefixEmergency = "emg"
	PrefixChallenge = "otp"
	PrefixAudit     = "aud"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewFor returns a prefixed identifier, e.g. "ses_01J...".
func NewFor(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}

// Prefix reports the entity prefix of an identifier, or "" when unprefixed.
func Prefix(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 {
		return ""
	}
	return id[:i]
}
