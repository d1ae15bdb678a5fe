package db

import (
	"context"
	"hash/fnv"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LockDomain namespaces transaction-scoped advisory locks so user locks and
// copy locks can never collide.
type LockDomain int32

const (
	LockDomainUser          LockDomain = 1
	LockDomainInventoryItem LockDomain = 2
)

// AdvisoryLocker acquires transaction-scoped advisory locks. Locks release
// automatically on commit or rollback; there is no unlock call.
type AdvisoryLocker interface {
	Lock(ctx context.Context, tx *gorm.DB, domain LockDomain, key int32) error
}

type pgAdvisoryLocker struct{}

// NewAdvisoryLocker returns the Postgres pg_advisory_xact_lock implementation.
func NewAdvisoryLocker() AdvisoryLocker {
	return pgAdvisoryLocker{}
}

func (pgAdvisoryLocker) Lock(ctx context.Context, tx *gorm.DB, domain LockDomain, key int32) error {
	return tx.WithContext(ctx).Exec(
		"SELECT pg_advisory_xact_lock(?::int, ?::int)", int32(domain), key,
	).Error
}

// LockKeyForUUID folds a uuid into the 32-bit advisory lock key space. All
// coordinators hash the same way, so equal ids always contend on the same key.
func LockKeyForUUID(id uuid.UUID) int32 {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return int32(h.Sum32())
}

// SortUUIDs orders ids ascending by their canonical byte representation. The
// deadlock-avoidance protocol requires every coordinator to acquire item locks
// in this one global order.
func SortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
}
