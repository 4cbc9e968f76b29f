package bucketing

import (
	"github.com/spaolacci/murmur3"
)

// Manager maps phone numbers onto a fixed set of buckets so that the
// OTP table partitions stay bounded regardless of per-phone traffic.
type Manager struct {
	buckets uint32
}

func NewManager(buckets int) *Manager {
	if buckets <= 0 {
		buckets = 64
	}
	return &Manager{buckets: uint32(buckets)}
}

// BucketFor returns the stable bucket for a normalized phone number.
func (m *Manager) BucketFor(phoneNumber string) int {
	return int(murmur3.Sum32([]byte(phoneNumber)) % m.buckets)
}

// Buckets returns the configured bucket count.
func (m *Manager) Buckets() int {
	return int(m.buckets)
}
