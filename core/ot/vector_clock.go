package ot

import "sort"

type UserID = string

// VectorClock maps each user to the number of operations they have authored.
type VectorClock map[UserID]uint64

func NewVectorClock() VectorClock {
	return make(VectorClock)
}

func (vc VectorClock) Increment(user UserID) VectorClock {
	result := vc.writable()
	result[user]++
	return result
}

func (vc VectorClock) Merge(other VectorClock) VectorClock {
	result := vc.writable()
	for user, count := range other {
		if count > result[user] {
			result[user] = count
		}
	}
	return result
}

// HappensBefore reports whether every entry of vc is <= the matching entry of
// other, with at least one strictly less. Missing entries count as zero.
func (vc VectorClock) HappensBefore(other VectorClock) bool {
	lessOrEqual, strictlyLess := vc.compareEntries(other)
	if !lessOrEqual {
		return false
	}
	return strictlyLess || vc.hasNewUsers(other)
}

func (vc VectorClock) compareEntries(other VectorClock) (allLessOrEqual, someStrictlyLess bool) {
	for user, count := range vc {
		otherCount := other[user]
		if count > otherCount {
			return false, false
		}
		if count < otherCount {
			someStrictlyLess = true
		}
	}
	return true, someStrictlyLess
}

func (vc VectorClock) hasNewUsers(other VectorClock) bool {
	for user, count := range other {
		if _, exists := vc[user]; !exists && count > 0 {
			return true
		}
	}
	return false
}

// Concurrent is true when neither clock happens before the other. Equal
// clocks are concurrent.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.HappensBefore(other) && !other.HappensBefore(vc)
}

// Clone preserves nil so that copies compare equal to their source.
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return nil
	}
	result := make(VectorClock, len(vc))
	for k, v := range vc {
		result[k] = v
	}
	return result
}

func (vc VectorClock) writable() VectorClock {
	if vc == nil {
		return NewVectorClock()
	}
	return vc.Clone()
}

func (vc VectorClock) Get(user UserID) uint64 {
	return vc[user]
}

func (vc VectorClock) Equal(other VectorClock) bool {
	for user, count := range vc {
		if other[user] != count {
			return false
		}
	}
	for user, count := range other {
		if vc[user] != count {
			return false
		}
	}
	return true
}

func (vc VectorClock) Users() []UserID {
	users := make([]UserID, 0, len(vc))
	for user := range vc {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// UpdateVectorClock returns a copy of clock with the author of op advanced by one.
func UpdateVectorClock(clock VectorClock, op Operation) VectorClock {
	return clock.Increment(op.UserID)
}

// ConcurrentOperations returns the pending operations, in context order, that
// are causally concurrent with op. op itself is skipped by id.
func ConcurrentOperations(op Operation, ctx Context) []Operation {
	concurrent := make([]Operation, 0, len(ctx.PendingOperations))
	for _, pending := range ctx.PendingOperations {
		if pending.ID == op.ID {
			continue
		}
		if op.Clock.Concurrent(pending.Clock) {
			concurrent = append(concurrent, pending)
		}
	}
	return concurrent
}
