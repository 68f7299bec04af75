package chaincfg

import (
	"sort"
	"time"

	"github.com/ethdn/beaconcore/types"
)

// SlotToEpoch returns the epoch number for a given slot.
func SlotToEpoch(slot types.Slot, slotsPerEpoch uint64) types.Epoch {
	if slotsPerEpoch == 0 {
		return 0
	}
	return types.Epoch(uint64(slot) / slotsPerEpoch)
}

// EpochStartSlot returns the first slot of a given epoch.
func EpochStartSlot(epoch types.Epoch, slotsPerEpoch uint64) types.Slot {
	return types.Slot(uint64(epoch) * slotsPerEpoch)
}

// SlotClock computes the current slot from genesis time and slot duration.
type SlotClock struct {
	genesisTime    uint64
	secondsPerSlot uint64
	slotsPerEpoch  uint64
}

// NewSlotClock creates a SlotClock with the given genesis time and config.
func NewSlotClock(genesisTime uint64, cfg *Config) *SlotClock {
	return &SlotClock{
		genesisTime:    genesisTime,
		secondsPerSlot: cfg.SecondsPerSlot,
		slotsPerEpoch:  cfg.SlotsPerEpoch,
	}
}

// CurrentSlot returns the current slot for the given timestamp. Returns 0 if
// the timestamp is before genesis.
func (sc *SlotClock) CurrentSlot(now uint64) types.Slot {
	if now < sc.genesisTime {
		return 0
	}
	elapsed := now - sc.genesisTime
	return types.Slot(elapsed / sc.secondsPerSlot)
}

// CurrentEpoch returns the current epoch for the given timestamp.
func (sc *SlotClock) CurrentEpoch(now uint64) types.Epoch {
	return SlotToEpoch(sc.CurrentSlot(now), sc.slotsPerEpoch)
}

// SlotStartTime returns the absolute timestamp when a slot begins.
func (sc *SlotClock) SlotStartTime(slot types.Slot) uint64 {
	return sc.genesisTime + uint64(slot)*sc.secondsPerSlot
}

// TimeInSlot returns how many seconds into the slot the given timestamp is.
func (sc *SlotClock) TimeInSlot(now uint64) uint64 {
	if now < sc.genesisTime {
		return 0
	}
	elapsed := now - sc.genesisTime
	return elapsed % sc.secondsPerSlot
}

// NextSlotIn returns the duration until the next slot boundary.
func (sc *SlotClock) NextSlotIn(now uint64) time.Duration {
	if now < sc.genesisTime {
		return time.Duration(sc.genesisTime-now) * time.Second
	}
	inSlot := sc.TimeInSlot(now)
	remaining := sc.secondsPerSlot - inSlot
	return time.Duration(remaining) * time.Second
}

// GenesisTime returns the genesis timestamp.
func (sc *SlotClock) GenesisTime() uint64 { return sc.genesisTime }

// SecondsPerSlot returns the slot duration.
func (sc *SlotClock) SecondsPerSlot() uint64 { return sc.secondsPerSlot }

// SlotsPerEpoch returns the number of slots per epoch.
func (sc *SlotClock) SlotsPerEpoch() uint64 { return sc.slotsPerEpoch }

// forkEntry maps a fork activation timestamp to a slot duration.
type forkEntry struct {
	Timestamp      uint64
	SecondsPerSlot uint64
}

// SlotSchedule maps fork timestamps to slot durations, supporting a change in
// slot duration across a hard fork (e.g. 12s slots to 6s slots).
type SlotSchedule struct {
	genesisTime uint64
	forks       []forkEntry // sorted by timestamp ascending
}

// NewSlotSchedule creates a schedule with a base slot duration from genesis.
func NewSlotSchedule(genesisTime, baseSecondsPerSlot uint64) *SlotSchedule {
	return &SlotSchedule{
		genesisTime: genesisTime,
		forks: []forkEntry{
			{Timestamp: genesisTime, SecondsPerSlot: baseSecondsPerSlot},
		},
	}
}

// SlotDurationAtTime returns the slot duration in effect at the given
// timestamp.
func (ss *SlotSchedule) SlotDurationAtTime(t uint64) uint64 {
	idx := sort.Search(len(ss.forks), func(i int) bool {
		return ss.forks[i].Timestamp > t
	})
	if idx == 0 {
		return ss.forks[0].SecondsPerSlot
	}
	return ss.forks[idx-1].SecondsPerSlot
}
