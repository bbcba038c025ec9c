package database

import (
	"sync"
	"time"
)

// Snowflake generates time-ordered 64-bit IDs:
// 41 bits of milliseconds since epoch | 10 bits worker | 12 bits sequence
type Snowflake struct {
	epoch    int64 // Unix milliseconds
	workerID int64

	mu       sync.Mutex
	lastTime int64
	sequence int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake creates an ID generator. Out-of-range worker IDs become 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns the next ID. IDs from one generator strictly increase,
// even if the wall clock steps backwards.
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.lastTime {
		now = s.lastTime
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// 4096 IDs in one millisecond; borrow the next one
			now++
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return ((now - s.epoch) << timestampShift) | (s.workerID << workerIDShift) | s.sequence
}

// Time returns the creation time encoded in id
func (s *Snowflake) Time(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + s.epoch)
}
