package database

import (
	"sync"
	"time"
)

// Snowflake ids pack a millisecond timestamp, a worker id and a per-millisecond
// sequence into 63 bits:
//
//	41 bits timestamp (since epoch) | 10 bits worker | 12 bits sequence
//
// Ids from one generator are strictly increasing, which keeps message ids in
// creation order.
type Snowflake struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastMs   int64
	sequence int64
	now      func() int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// snowflakeEpoch is 2024-01-01 UTC
var snowflakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// NewSnowflake creates a generator. Out-of-range worker ids become 0.
func NewSnowflake(epoch, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns the next id
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now()
	if ms < s.lastMs {
		// clock went backwards, keep counting on the last millisecond
		ms = s.lastMs
	}

	if ms == s.lastMs {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			for ms <= s.lastMs {
				ms = s.now()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = ms

	return (ms-s.epoch)<<timestampShift | s.workerID<<workerIDShift | s.sequence
}

// SnowflakeTime extracts the creation time encoded in an id
func SnowflakeTime(id int64) time.Time {
	return time.UnixMilli(id>>timestampShift + snowflakeEpoch)
}
