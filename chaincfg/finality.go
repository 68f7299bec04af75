package chaincfg

import (
	"github.com/ethdn/beaconcore/types"
	"github.com/holiman/uint256"
)

// JustificationBits tracks justification status of recent epochs. Bit 0 is
// the current epoch, bit 1 the previous epoch, and so on.
type JustificationBits uint8

// IsJustified returns whether the epoch at the given offset is justified.
func (j JustificationBits) IsJustified(offset uint) bool {
	if offset > 7 {
		return false
	}
	return j&(1<<offset) != 0
}

// Set marks the epoch at the given offset as justified.
func (j *JustificationBits) Set(offset uint) {
	if offset > 7 {
		return
	}
	*j |= 1 << offset
}

// Shift ages the bitfield by shifting bits left by n positions.
func (j *JustificationBits) Shift(n uint) {
	*j <<= n
}

// WeighJustification reports whether voteWeight meets the 2/3 supermajority
// of totalWeight required for justification. Stake is carried in Gwei, so
// totalWeight*2 can approach the uint64 range for a large validator set;
// the comparison is done in 256-bit arithmetic to stay overflow-safe.
func WeighJustification(totalWeight, voteWeight uint64) bool {
	if totalWeight == 0 {
		return false
	}
	lhs := new(uint256.Int).Mul(uint256.NewInt(voteWeight), uint256.NewInt(3))
	rhs := new(uint256.Int).Mul(uint256.NewInt(totalWeight), uint256.NewInt(2))
	return lhs.Cmp(rhs) >= 0
}

// FinalityTracker tracks justification and finalization across epochs using
// the Casper FFG rules. It is a diagnostic convenience over the three
// checkpoints already carried on types.State; the Block Tree Store is the
// authority for which checkpoints are actually in effect.
type FinalityTracker struct {
	config          *Config
	epoch           types.Epoch
	bits            JustificationBits
	justified       types.Checkpoint
	previousJustifd types.Checkpoint
	finalized       types.Checkpoint
	singleEpochMode bool
}

// NewFinalityTracker creates a tracker with the given config.
func NewFinalityTracker(cfg *Config) *FinalityTracker {
	return &FinalityTracker{
		config:          cfg,
		singleEpochMode: cfg.IsSingleEpochFinality(),
	}
}

// FinalizedEpoch returns the finalized epoch.
func (ft *FinalityTracker) FinalizedEpoch() types.Epoch { return ft.finalized.Epoch }

// JustifiedEpoch returns the justified epoch.
func (ft *FinalityTracker) JustifiedEpoch() types.Epoch { return ft.justified.Epoch }

// IsFinalizedAt returns true if the given epoch is finalized.
func (ft *FinalityTracker) IsFinalizedAt(epoch types.Epoch) bool {
	return epoch <= ft.finalized.Epoch
}

// FinalityDelay returns how many epochs behind finalization the tracked
// epoch is.
func (ft *FinalityTracker) FinalityDelay() uint64 {
	if uint64(ft.epoch) <= uint64(ft.finalized.Epoch) {
		return 0
	}
	return uint64(ft.epoch) - uint64(ft.finalized.Epoch)
}

// ProcessEpoch runs justification and finalization logic at an epoch
// boundary. currentEpoch is the epoch that just ended, epochRoot the block
// root at its boundary slot, totalWeight/voteWeight the attesting stake.
// Returns the finalized checkpoint after processing.
func (ft *FinalityTracker) ProcessEpoch(currentEpoch types.Epoch, epochRoot types.Root, totalWeight, voteWeight uint64) types.Checkpoint {
	ft.previousJustifd = ft.justified
	ft.bits.Shift(1)
	ft.epoch = currentEpoch

	if WeighJustification(totalWeight, voteWeight) {
		ft.justified = types.Checkpoint{Epoch: currentEpoch, Root: epochRoot}
		ft.bits.Set(0)
	}

	if ft.singleEpochMode {
		if ft.justified.Epoch == currentEpoch {
			ft.finalized = ft.justified
		}
		return ft.finalized
	}

	ft.tryDualEpochFinality(currentEpoch)
	return ft.finalized
}

// tryDualEpochFinality implements the four standard Casper FFG finality
// conditions (2-epoch finalization).
func (ft *FinalityTracker) tryDualEpochFinality(currentEpoch types.Epoch) {
	bits := ft.bits
	justified := ft.justified
	prev := ft.previousJustifd

	if currentEpoch >= 2 && bits.IsJustified(1) && bits.IsJustified(2) {
		if prev.Epoch+2 == currentEpoch {
			ft.finalized = prev
		}
	}
	if currentEpoch >= 1 && bits.IsJustified(0) && bits.IsJustified(1) {
		if justified.Epoch == currentEpoch && prev.Epoch+1 == currentEpoch {
			ft.finalized = prev
		}
	}
	if currentEpoch >= 3 && bits.IsJustified(1) && bits.IsJustified(2) && bits.IsJustified(3) {
		if prev.Epoch+3 == currentEpoch {
			ft.finalized = prev
		}
	}
	if currentEpoch >= 2 && bits.IsJustified(0) && bits.IsJustified(1) && bits.IsJustified(2) {
		if prev.Epoch+2 == currentEpoch {
			ft.finalized = prev
		}
	}
}
