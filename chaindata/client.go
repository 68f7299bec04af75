// Package chaindata implements the Chain Data Client: a thin, read-only view
// over the Block Tree Store and the Fork Choice Engine's current head, used
// by the Peer Chain Validator and by anything else that just needs to ask
// "what does our chain look like right now" without taking a dependency on
// either component's mutation surface.
package chaindata

import (
	"github.com/ethdn/beaconcore/chaincfg"
	"github.com/ethdn/beaconcore/forkchoice"
	"github.com/ethdn/beaconcore/store"
	"github.com/ethdn/beaconcore/types"
)

// Client is a read-only composite view over the store and the fork choice
// engine. Its own fork digest is fixed at construction: a digest change only
// happens across a hard fork, which is out of scope here (the validator only
// ever compares against it, per the digest-check Non-goal).
type Client struct {
	store      *store.Store
	engine     *forkchoice.Engine
	clock      *chaincfg.SlotClock
	now        func() uint64
	forkDigest types.ForkDigest

	// checkpoints is a diagnostic history of finalized/justified checkpoints
	// observed over time, backing weak subjectivity and checkpoint-chain
	// validation queries. It never feeds back into fork choice or peer
	// validation -- see SPEC_FULL.md §9.
	checkpoints *store.CheckpointPersistenceStore
}

// NewClient constructs a Chain Data Client over the given store, engine, and
// slot clock. now reports the current wall-clock unix timestamp; it is a
// parameter (rather than time.Now directly) so tests can fix it.
func NewClient(s *store.Store, e *forkchoice.Engine, clock *chaincfg.SlotClock, now func() uint64, forkDigest types.ForkDigest) *Client {
	return &Client{
		store:       s,
		engine:      e,
		clock:       clock,
		now:         now,
		forkDigest:  forkDigest,
		checkpoints: store.NewCheckpointPersistenceStore(store.DefaultCheckpointPersistenceConfig()),
	}
}

// ForkDigest returns the local fork digest.
func (c *Client) ForkDigest() types.ForkDigest { return c.forkDigest }

// Head returns the current canonical head root.
func (c *Client) Head() types.Root { return c.engine.Head() }

// FinalizedCheckpoint returns the store's finalized checkpoint.
func (c *Client) FinalizedCheckpoint() types.Checkpoint { return c.store.FinalizedCheckpoint() }

// JustifiedCheckpoint returns the store's justified checkpoint.
func (c *Client) JustifiedCheckpoint() types.Checkpoint { return c.store.JustifiedCheckpoint() }

// CurrentSlot returns the current wall-clock slot.
func (c *Client) CurrentSlot() types.Slot { return c.clock.CurrentSlot(c.now()) }

// CurrentEpoch returns the current wall-clock epoch.
func (c *Client) CurrentEpoch() types.Epoch { return c.clock.CurrentEpoch(c.now()) }

// HotBlock returns the block for root if it is currently hot.
func (c *Client) HotBlock(root types.Root) (types.Block, bool) { return c.store.HotBlock(root) }

// BlockInEffectAtSlot returns the root and block in effect at slot, walking
// back from the current head along canonical ancestry. See the "block in
// effect at slot" edge policy: an empty slot resolves to the latest prior
// block.
func (c *Client) BlockInEffectAtSlot(slot types.Slot) (types.Root, types.Block, bool) {
	return c.store.BlockInEffectAtSlot(c.engine.Head(), slot)
}

// Status builds the PeerStatus this node would advertise to a peer.
func (c *Client) Status() types.PeerStatus {
	finalized := c.store.FinalizedCheckpoint()
	head := c.engine.Head()
	headBlock, _ := c.store.HotBlock(head)
	return types.PeerStatus{
		ForkDigest:     c.forkDigest,
		FinalizedRoot:  finalized.Root,
		FinalizedEpoch: finalized.Epoch,
		HeadRoot:       head,
		HeadSlot:       headBlock.Slot,
	}
}

// observeCheckpoints records the store's current finalized and justified
// checkpoints into the diagnostic checkpoint history, if not already
// present. Best effort: a race against a concurrent observation just means
// whichever write lands first wins, which is fine for a diagnostic.
func (c *Client) observeCheckpoints() {
	finalized := c.store.FinalizedCheckpoint()
	justified := c.store.JustifiedCheckpoint()

	if !c.checkpoints.HasCheckpoint(finalized.Epoch) {
		c.checkpoints.StoreCheckpoint(&store.StoredCheckpoint{
			Epoch:     finalized.Epoch,
			Root:      finalized.Root,
			Justified: finalized.Epoch == justified.Epoch,
			Finalized: true,
		}, false)
	}
	if justified.Epoch != finalized.Epoch && !c.checkpoints.HasCheckpoint(justified.Epoch) {
		c.checkpoints.StoreCheckpoint(&store.StoredCheckpoint{
			Epoch:     justified.Epoch,
			Root:      justified.Root,
			Justified: true,
		}, false)
	}
}

// CheckpointChainHistory reports the diagnostic validation status of the
// finalized/justified checkpoint history observed so far. Read-only
// tooling: it never gates peer validation or fork choice decisions.
func (c *Client) CheckpointChainHistory() store.CheckpointChainStatus {
	c.observeCheckpoints()
	return c.checkpoints.ValidateChain()
}

// WeakSubjectivityStatus reports whether the current wall-clock epoch falls
// within the weak subjectivity safety window of the last observed finalized
// checkpoint. Read-only tooling: it never gates peer validation or fork
// choice decisions.
func (c *Client) WeakSubjectivityStatus() store.WeakSubjectivityCheck {
	c.observeCheckpoints()
	return c.checkpoints.CheckWeakSubjectivity(c.CurrentEpoch())
}
