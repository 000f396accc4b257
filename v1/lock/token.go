package lock

import (
	"encoding/hex"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// Signer generates lock tokens that are unique per process. A token embeds
// the host, the pid, a random nonce chosen once per Signer, the wall clock
// and a monotonically increasing counter.
type Signer struct {
	host  string
	pid   int
	nonce string
	count atomic.Uint64
	now   func() time.Time
}

// NewSigner returns a Signer seeded with a fresh random nonce.
func NewSigner() *Signer {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	raw, err := uuid.GenerateRandomBytes(8)
	if err != nil {
		// crypto/rand failing is unrecoverable for the rest of the process
		// as well; the counter still keeps tokens unique locally.
		raw = make([]byte, 8)
	}
	return &Signer{
		host:  host,
		pid:   os.Getpid(),
		nonce: hex.EncodeToString(raw),
		now:   time.Now,
	}
}

// Next returns a new token. Two calls on the same Signer never return the
// same value.
func (s *Signer) Next() string {
	n := s.count.Add(1)
	return fmt.Sprintf("locked:host=%s:pid=%d:random=%s:time=%d:count=%d",
		s.host, s.pid, s.nonce, s.now().UnixMilli(), n)
}
