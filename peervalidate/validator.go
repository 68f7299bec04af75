// Package peervalidate implements the Peer Chain Validator: the decision
// procedure that accepts or rejects a peer's advertised chain status against
// the local view, and initiates a clean disconnect on rejection.
package peervalidate

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethdn/beaconcore/beaconmetrics"
	"github.com/ethdn/beaconcore/chaincfg"
	"github.com/ethdn/beaconcore/futures"
	"github.com/ethdn/beaconcore/p2prpc"
	"github.com/ethdn/beaconcore/types"
)

// ErrStoreCorruption marks a local lookup failure that should never happen
// in a healthy node: a historical block the store claims to have finalized
// through is missing. Distinct from a peer-caused rejection.
var ErrStoreCorruption = errors.New("peervalidate: local store corruption")

// StatusSource is the local chain view the validator consults, implemented
// by chaindata.Client.
type StatusSource interface {
	ForkDigest() types.ForkDigest
	FinalizedCheckpoint() types.Checkpoint
	CurrentEpoch() types.Epoch
	HotBlock(root types.Root) (types.Block, bool)
	BlockInEffectAtSlot(slot types.Slot) (types.Root, types.Block, bool)
}

// BlockFetcher requests a peer's canonical block at a given slot,
// implemented by p2prpc.Client.
type BlockFetcher interface {
	RequestBlockBySlot(ctx context.Context, peer string, slot types.Slot) (types.SignedBlock, bool, error)
}

// Disconnector sends a peer a disconnect notice, implemented by
// p2prpc.Client.
type Disconnector interface {
	SendGoodbye(ctx context.Context, peer string, reason p2prpc.DisconnectReason) error
}

// Outcome classifies a validation result.
type Outcome int

const (
	Valid Outcome = iota
	Invalid
	Error
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case Valid:
		return "Valid"
	case Invalid:
		return "Invalid"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the outcome of one Validate call.
type Result struct {
	Outcome          Outcome
	Accepted         bool
	DisconnectReason p2prpc.DisconnectReason
	Reason           string
	Err              error
}

// Config wires a Validator's collaborators.
type Config struct {
	Source       StatusSource
	Fetcher      BlockFetcher
	Disconnector Disconnector
	// SlotsPerEpoch is needed to translate the remote finalized epoch into
	// its start slot for the local-ahead lookup (step 5).
	SlotsPerEpoch uint64
}

// Validator implements the Peer Chain Validator decision procedure (spec
// §4.1): six numbered steps comparing local and remote finalized
// checkpoints, falling back to a local or remote block-by-slot lookup when
// the two checkpoints sit at different epochs.
type Validator struct {
	source        StatusSource
	fetcher       BlockFetcher
	disconnector  Disconnector
	slotsPerEpoch uint64
}

// NewValidator constructs a Validator from its collaborators.
func NewValidator(cfg Config) *Validator {
	return &Validator{
		source:        cfg.Source,
		fetcher:       cfg.Fetcher,
		disconnector:  cfg.Disconnector,
		slotsPerEpoch: cfg.SlotsPerEpoch,
	}
}

// Validate resolves whether peer's advertised status is compatible with the
// local chain. A false result has already initiated a clean disconnect with
// the appropriate reason by the time the future resolves.
func (v *Validator) Validate(ctx context.Context, peer string, status types.PeerStatus) *futures.Future[Result] {
	return futures.New(ctx, func(ctx context.Context) (Result, error) {
		return v.validate(ctx, peer, status), nil
	})
}

func (v *Validator) validate(ctx context.Context, peer string, status types.PeerStatus) Result {
	beaconmetrics.RecordValidationAttempt()

	// Step 1: digest mismatch.
	if status.ForkDigest != v.source.ForkDigest() {
		return v.reject(ctx, peer, "fork digest mismatch")
	}

	// Step 2: only genesis finalized remotely -- digest match suffices.
	if status.FinalizedEpoch == types.GenesisEpoch {
		return v.accept()
	}

	// Step 3: remote advertises future finality.
	currentEpoch := v.source.CurrentEpoch()
	if status.FinalizedEpoch > currentEpoch ||
		(status.FinalizedEpoch == currentEpoch && currentEpoch != types.GenesisEpoch) {
		return v.reject(ctx, peer, "remote advertises future finality")
	}

	local := v.source.FinalizedCheckpoint()

	// Step 4: equal epochs, compare roots directly.
	if local.Epoch == status.FinalizedEpoch {
		if local.Root == status.FinalizedRoot {
			return v.accept()
		}
		return v.reject(ctx, peer, "finalized root mismatch at equal finalized epoch")
	}

	// Step 5: we are ahead of the remote.
	if local.Epoch > status.FinalizedEpoch {
		return v.validateLocalAhead(ctx, peer, status)
	}

	// Step 6: the remote is ahead of us.
	return v.validateRemoteAhead(ctx, peer, status, local)
}

func (v *Validator) validateLocalAhead(ctx context.Context, peer string, status types.PeerStatus) Result {
	startSlot := chaincfg.EpochStartSlot(status.FinalizedEpoch, v.slotsPerEpoch)
	root, _, ok := v.source.BlockInEffectAtSlot(startSlot)
	if !ok {
		return v.fail(ctx, peer, fmt.Errorf("%w: no local block in effect at slot %d", ErrStoreCorruption, startSlot))
	}
	if root == status.FinalizedRoot {
		return v.accept()
	}
	return v.reject(ctx, peer, "local block in effect at remote's finalized epoch start does not match remote's finalized root")
}

func (v *Validator) validateRemoteAhead(ctx context.Context, peer string, status types.PeerStatus, local types.Checkpoint) Result {
	localFinalizedBlock, ok := v.source.HotBlock(local.Root)
	if !ok {
		return v.fail(ctx, peer, fmt.Errorf("%w: local finalized block %s not hot", ErrStoreCorruption, local.Root.Hex()))
	}

	if localFinalizedBlock.Slot == types.GenesisSlot {
		// The digest check already covers genesis compatibility.
		return v.accept()
	}

	remoteBlock, found, err := v.fetcher.RequestBlockBySlot(ctx, peer, localFinalizedBlock.Slot)
	if err != nil {
		return v.fail(ctx, peer, fmt.Errorf("peervalidate: block_by_slot lookup failed: %w", err))
	}
	if !found || remoteBlock.Block.Slot != localFinalizedBlock.Slot {
		return v.reject(ctx, peer, "peer returned no block, or wrong slot, for block_by_slot")
	}
	if remoteBlock.Root != local.Root {
		return v.reject(ctx, peer, "peer's block_by_slot root does not match our finalized root")
	}
	return v.accept()
}

func (v *Validator) accept() Result {
	beaconmetrics.RecordValidationOutcome(beaconmetrics.StatusValid)
	return Result{Outcome: Valid, Accepted: true}
}

func (v *Validator) reject(ctx context.Context, peer string, reason string) Result {
	beaconmetrics.RecordValidationOutcome(beaconmetrics.StatusInvalid)
	v.sendGoodbye(ctx, peer, p2prpc.DisconnectIrrelevantNetwork)
	return Result{
		Outcome:          Invalid,
		Accepted:         false,
		DisconnectReason: p2prpc.DisconnectIrrelevantNetwork,
		Reason:           reason,
	}
}

func (v *Validator) fail(ctx context.Context, peer string, err error) Result {
	beaconmetrics.RecordValidationOutcome(beaconmetrics.StatusError)
	v.sendGoodbye(ctx, peer, p2prpc.DisconnectUnableToVerifyNetwork)
	return Result{
		Outcome:          Error,
		Accepted:         false,
		DisconnectReason: p2prpc.DisconnectUnableToVerifyNetwork,
		Err:              err,
	}
}

func (v *Validator) sendGoodbye(ctx context.Context, peer string, reason p2prpc.DisconnectReason) {
	if v.disconnector == nil {
		return
	}
	// Errors sending Goodbye are not actionable; the connection is being
	// torn down regardless.
	_ = v.disconnector.SendGoodbye(ctx, peer, reason)
}
