// Package types defines the core data model of the beacon chain validation
// and fork-choice core: slots, epochs, roots, checkpoints, peer status
// summaries, blocks, and votes, per the consensus-layer data model.
package types

import (
	"encoding/hex"
	"fmt"
)

const (
	// RootLength is the width of a tree-hash root in bytes.
	RootLength = 32
	// ForkDigestLength is the width of a fork digest tag in bytes.
	ForkDigestLength = 4
)

// Slot is a monotonic nonnegative slot number. Time is partitioned into
// slots of fixed wall-clock duration.
type Slot uint64

// Epoch is slot / SLOTS_PER_EPOCH. Genesis epoch is 0.
type Epoch uint64

// GenesisEpoch is the epoch in effect before the first finalization.
const GenesisEpoch Epoch = 0

// GenesisSlot is the first slot of the chain.
const GenesisSlot Slot = 0

// ValidatorIndex identifies a validator in the registry.
type ValidatorIndex uint64

// Root is the 32-byte hash-tree-root of a block or state.
type Root [RootLength]byte

// Bytes returns the byte representation of the root.
func (r Root) Bytes() []byte { return r[:] }

// Hex returns the 0x-prefixed hex representation of the root.
func (r Root) Hex() string { return "0x" + hex.EncodeToString(r[:]) }

// String implements fmt.Stringer.
func (r Root) String() string { return r.Hex() }

// IsZero reports whether the root is the zero value.
func (r Root) IsZero() bool { return r == Root{} }

// Less reports whether r sorts before other under the canonical total
// order used to break LMD-GHOST ties (bytewise, higher root wins so this
// is used as "r < other").
func (r Root) Less(other Root) bool {
	for i := 0; i < RootLength; i++ {
		if r[i] != other[i] {
			return r[i] < other[i]
		}
	}
	return false
}

// BytesToRoot left-pads or truncates b into a Root.
func BytesToRoot(b []byte) Root {
	var r Root
	if len(b) > RootLength {
		b = b[len(b)-RootLength:]
	}
	copy(r[RootLength-len(b):], b)
	return r
}

// ForkDigest is a 4-byte protocol-version identifier; a mismatch between
// two peers' digests means an incompatible chain.
type ForkDigest [ForkDigestLength]byte

// Hex returns the 0x-prefixed hex representation.
func (d ForkDigest) Hex() string { return "0x" + hex.EncodeToString(d[:]) }

// String implements fmt.Stringer.
func (d ForkDigest) String() string { return d.Hex() }

// Checkpoint is a (epoch, root) pair identifying the block in effect at
// an epoch's start slot.
type Checkpoint struct {
	Epoch Epoch
	Root  Root
}

// String implements fmt.Stringer.
func (c Checkpoint) String() string {
	return fmt.Sprintf("(epoch=%d root=%s)", c.Epoch, c.Root.Hex())
}

// PeerStatus is the status summary a remote peer advertises at handshake
// time and on subsequent re-status. Not trusted.
type PeerStatus struct {
	ForkDigest     ForkDigest
	FinalizedRoot  Root
	FinalizedEpoch Epoch
	HeadRoot       Root
	HeadSlot       Slot
}

// Vote is a validator's latest-message target, updated monotonically by
// epoch (LMD: higher target epoch always wins).
type Vote struct {
	ValidatorIndex ValidatorIndex
	TargetRoot     Root
	TargetEpoch    Epoch
}

// Attestation is a signed vote by a validator on a checkpoint pair,
// carried inside a block body or gossiped standalone.
type Attestation struct {
	ValidatorIndices []ValidatorIndex
	Source           Checkpoint
	Target           Checkpoint
	InclusionSlot    Slot
}

// BlockBody carries the attestations a block proposes for inclusion.
type BlockBody struct {
	Attestations []Attestation
}

// Block is the consensus-layer block header plus body. A block's identity
// is its hash-tree-root (Root), computed externally by the SSZ layer and
// supplied by the caller; this package never computes it.
type Block struct {
	Slot           Slot
	ProposerIndex  ValidatorIndex
	ParentRoot     Root
	StateRoot      Root
	Body           BlockBody
}

// SignedBlock pairs a Block with its root, as returned by a BlockBySlot
// lookup (local or remote). The root is supplied, not recomputed, because
// SSZ tree-hashing is an external collaborator (out of scope, see spec).
type SignedBlock struct {
	Root  Root
	Block Block
}

// State is the full beacon state at a given slot. Body fields beyond
// finality tracking (validator registry, balances, randao, slashings) are
// owned by the state-transition collaborator and are opaque here; the
// core only reads the three checkpoints and pending attestations.
type State struct {
	Slot                Slot
	PreviousJustified   Checkpoint
	CurrentJustified    Checkpoint
	Finalized           Checkpoint
	JustificationBits   uint8
	PendingAttestations []Attestation
	ForkDigest          ForkDigest
}
