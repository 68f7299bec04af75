// Package store implements the Block Tree Store: the in-memory tree of hot
// (post-finalization) blocks and their post-states, mutated only through
// Transactions that stage changes privately and apply them atomically on
// commit. A commit publishes a StorageUpdate event on the actor mesh for the
// durable backend (an external collaborator, see SPEC_FULL.md §6) to persist
// asynchronously and idempotently.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethdn/beaconcore/actormesh"
	"github.com/ethdn/beaconcore/metrics"
	"github.com/ethdn/beaconcore/types"
)

// Store errors.
var (
	ErrUnknownBlock     = errors.New("store: unknown block")
	ErrMissingPostState = errors.New("store: staged block has no post-state")
	ErrUnknownParent    = errors.New("store: staged block's parent is neither hot nor the finalized block")
	ErrTransactionSpent = errors.New("store: transaction already committed")
)

// FinalizedData is the new finalized checkpoint plus the block and state it
// identifies, as staged by a commit that advances finality.
type FinalizedData struct {
	Checkpoint types.Checkpoint
	Block      types.SignedBlock
	State      types.State
}

// StorageUpdate is emitted on actormesh.EventStorageUpdate after a
// transaction commits. Fields are pointers/nil-maps when the commit did not
// touch that aspect of state; the durable backend applies only what is set,
// idempotently and in order.
type StorageUpdate struct {
	Time                    *uint64
	GenesisTime             *uint64
	FinalizedData           *FinalizedData
	JustifiedCheckpoint     *types.Checkpoint
	BestJustifiedCheckpoint *types.Checkpoint
	HotBlocks               map[types.Root]types.Block
	HotStatesToPersist      map[types.Root]types.State
	PrunedHotBlockRoots     []types.Root
	Votes                   map[types.ValidatorIndex]types.Vote
	StateRoots              map[types.Root]types.Root
}

// Store holds the hot block tree and its post-states. The tree is rooted at
// the finalized block; every hot block's post-state is cached alongside it.
// Single writer via Transaction.Commit, many concurrent readers via the
// snapshot accessors below.
type Store struct {
	mu sync.RWMutex

	hotBlocks map[types.Root]types.Block
	hotStates map[types.Root]types.State
	children  map[types.Root][]types.Root
	parent    map[types.Root]types.Root
	stateRoots map[types.Root]types.Root

	finalized      types.Checkpoint
	finalizedBlock types.SignedBlock
	justified      types.Checkpoint
	bestJustified  types.Checkpoint

	genesisTime uint64
	time        uint64

	bus *actormesh.Bus
}

// NewStore seeds the store with a genesis (or checkpoint-sync) block and
// state, both finalized and justified at epoch 0 of that block's root.
func NewStore(genesisTime uint64, genesis types.SignedBlock, genesisState types.State, bus *actormesh.Bus) *Store {
	cp := types.Checkpoint{Epoch: types.GenesisEpoch, Root: genesis.Root}
	s := &Store{
		hotBlocks:      map[types.Root]types.Block{genesis.Root: genesis.Block},
		hotStates:      map[types.Root]types.State{genesis.Root: genesisState},
		children:       make(map[types.Root][]types.Root),
		parent:         make(map[types.Root]types.Root),
		stateRoots:     map[types.Root]types.Root{genesis.Root: genesis.Block.StateRoot},
		finalized:      cp,
		finalizedBlock: genesis,
		justified:      cp,
		bestJustified:  cp,
		genesisTime:    genesisTime,
		time:           genesisTime,
		bus:            bus,
	}
	return s
}

// FinalizedCheckpoint returns the current finalized checkpoint.
func (s *Store) FinalizedCheckpoint() types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized
}

// JustifiedCheckpoint returns the current justified checkpoint.
func (s *Store) JustifiedCheckpoint() types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.justified
}

// BestJustifiedCheckpoint returns the best justified checkpoint observed,
// monotone non-decreasing in epoch.
func (s *Store) BestJustifiedCheckpoint() types.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestJustified
}

// HotBlock returns a hot block by root.
func (s *Store) HotBlock(root types.Root) (types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.hotBlocks[root]
	return b, ok
}

// HotState returns a hot block's cached post-state by root.
func (s *Store) HotState(root types.Root) (types.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.hotStates[root]
	return st, ok
}

// IsHot reports whether root is a hot (non-pruned) block.
func (s *Store) IsHot(root types.Root) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hotBlocks[root]
	return ok
}

// ParentOf returns the parent root of a hot block. ok is false for the
// finalized root itself (it has no tracked parent) or an unknown root.
func (s *Store) ParentOf(root types.Root) (types.Root, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parent[root]
	return p, ok
}

// IsAncestor reports whether candidate is on of's ancestry (or equals it),
// walking parent links within the hot range.
func (s *Store) IsAncestor(candidate, of types.Root) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current := of
	for {
		if current == candidate {
			return true
		}
		p, ok := s.parent[current]
		if !ok {
			return current == candidate
		}
		current = p
	}
}

// BlockInEffectAtSlot walks back from start along parent links to the most
// recent block with slot <= S, per the "block in effect at slot" edge
// policy: an empty slot resolves to the latest prior block. ok is false when
// start is not hot or the walk runs out of hot ancestry before reaching S.
func (s *Store) BlockInEffectAtSlot(start types.Root, slot types.Slot) (types.Root, types.Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	current := start
	for {
		b, ok := s.hotBlocks[current]
		if !ok {
			return types.Root{}, types.Block{}, false
		}
		if b.Slot <= slot {
			return current, b, true
		}
		parent, ok := s.parent[current]
		if !ok {
			return types.Root{}, types.Block{}, false
		}
		current = parent
	}
}

// Transaction accumulates staged mutations privately; nothing is visible to
// the store until Commit. An abandoned Transaction has no effect.
type Transaction struct {
	store *Store

	blocks     map[types.Root]types.Block
	parents    map[types.Root]types.Root
	states     map[types.Root]types.State
	toPersist  map[types.Root]bool
	votes      map[types.ValidatorIndex]types.Vote
	stateRoots map[types.Root]types.Root

	time                    *uint64
	genesisTime             *uint64
	justifiedCheckpoint     *types.Checkpoint
	bestJustifiedCheckpoint *types.Checkpoint
	finalized               *FinalizedData

	committed bool
}

// StartTransaction begins a new staged transaction against the store.
func (s *Store) StartTransaction() *Transaction {
	return &Transaction{
		store:      s,
		blocks:     make(map[types.Root]types.Block),
		parents:    make(map[types.Root]types.Root),
		states:     make(map[types.Root]types.State),
		toPersist:  make(map[types.Root]bool),
		votes:      make(map[types.ValidatorIndex]types.Vote),
		stateRoots: make(map[types.Root]types.Root),
	}
}

// StageBlock stages a new hot block. parentRoot must already be hot, staged
// earlier in this same transaction, or equal to the store's current (or
// this transaction's staged) finalized root.
func (tx *Transaction) StageBlock(root, parentRoot types.Root, block types.Block) {
	tx.blocks[root] = block
	tx.parents[root] = parentRoot
}

// StageState stages the post-state for a staged (or existing hot) block.
func (tx *Transaction) StageState(root types.Root, state types.State) {
	tx.states[root] = state
}

// MarkPersist flags a staged block's state for durable persistence, rather
// than being kept hot-only.
func (tx *Transaction) MarkPersist(root types.Root) {
	tx.toPersist[root] = true
}

// StageVote stages a latest-message vote update for the storage event
// stream; the fork-choice engine is still the authority for head selection.
func (tx *Transaction) StageVote(idx types.ValidatorIndex, vote types.Vote) {
	tx.votes[idx] = vote
}

// StageStateRoot stages a block-root -> state-root index entry.
func (tx *Transaction) StageStateRoot(blockRoot, stateRoot types.Root) {
	tx.stateRoots[blockRoot] = stateRoot
}

// SetTime overrides the store's notion of wall-clock time.
func (tx *Transaction) SetTime(t uint64) { tx.time = &t }

// SetGenesisTime overrides the store's genesis time (checkpoint sync).
func (tx *Transaction) SetGenesisTime(t uint64) { tx.genesisTime = &t }

// SetJustifiedCheckpoint stages a justified checkpoint update.
func (tx *Transaction) SetJustifiedCheckpoint(cp types.Checkpoint) { tx.justifiedCheckpoint = &cp }

// SetBestJustifiedCheckpoint stages a best-justified checkpoint update. The
// caller is responsible for only ever supplying non-decreasing epochs.
func (tx *Transaction) SetBestJustifiedCheckpoint(cp types.Checkpoint) {
	tx.bestJustifiedCheckpoint = &cp
}

// SetFinalized stages a new finalized checkpoint, block and state. Commit
// will prune every hot block that is not the finalized block or one of its
// descendants (its ancestors and competing branches included), and re-root
// the tree at it.
func (tx *Transaction) SetFinalized(data FinalizedData) { tx.finalized = &data }

// Commit atomically applies every staged mutation and returns the
// StorageUpdate describing what changed. Returns an error (leaving the
// store unchanged) if an invariant would be violated: a staged block with
// no post-state, or a staged block whose parent is neither hot nor staged
// in this same transaction nor the (possibly newly staged) finalized root.
func (tx *Transaction) Commit() (StorageUpdate, error) {
	if tx.committed {
		return StorageUpdate{}, ErrTransactionSpent
	}

	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	finalizedRoot := s.finalized.Root
	if tx.finalized != nil {
		finalizedRoot = tx.finalized.Checkpoint.Root
	}

	for root, parentRoot := range tx.parents {
		if _, staged := tx.states[root]; !staged {
			if _, hot := s.hotStates[root]; !hot {
				return StorageUpdate{}, fmt.Errorf("%w: %s", ErrMissingPostState, root.Hex())
			}
		}
		if parentRoot == finalizedRoot {
			continue
		}
		if _, staged := tx.blocks[parentRoot]; staged {
			continue
		}
		if _, hot := s.hotBlocks[parentRoot]; hot {
			continue
		}
		return StorageUpdate{}, fmt.Errorf("%w: block %s parent %s", ErrUnknownParent, root.Hex(), parentRoot.Hex())
	}

	for root, block := range tx.blocks {
		s.hotBlocks[root] = block
		parentRoot := tx.parents[root]
		s.parent[root] = parentRoot
		s.children[parentRoot] = append(s.children[parentRoot], root)
	}
	for root, state := range tx.states {
		s.hotStates[root] = state
	}
	for blockRoot, stateRoot := range tx.stateRoots {
		s.stateRoots[blockRoot] = stateRoot
	}

	if tx.time != nil {
		s.time = *tx.time
	}
	if tx.genesisTime != nil {
		s.genesisTime = *tx.genesisTime
	}
	if tx.justifiedCheckpoint != nil {
		s.justified = *tx.justifiedCheckpoint
	}
	if tx.bestJustifiedCheckpoint != nil {
		s.bestJustified = *tx.bestJustifiedCheckpoint
	}

	var pruned []types.Root
	if tx.finalized != nil {
		s.finalized = tx.finalized.Checkpoint
		s.finalizedBlock = tx.finalized.Block
		s.hotStates[tx.finalized.Checkpoint.Root] = tx.finalized.State
		pruned = s.pruneBelowLocked(tx.finalized.Checkpoint.Root)
		metrics.BlocksPruned.Add(int64(len(pruned)))
	}
	metrics.HotBlocksTracked.Set(int64(len(s.hotBlocks)))

	update := StorageUpdate{
		Time:                    tx.time,
		GenesisTime:             tx.genesisTime,
		JustifiedCheckpoint:     tx.justifiedCheckpoint,
		BestJustifiedCheckpoint: tx.bestJustifiedCheckpoint,
		HotBlocks:               tx.blocks,
		HotStatesToPersist:      persistedStates(tx),
		PrunedHotBlockRoots:     pruned,
		Votes:                   tx.votes,
		StateRoots:              tx.stateRoots,
	}
	if tx.finalized != nil {
		update.FinalizedData = tx.finalized
	}

	tx.committed = true
	if s.bus != nil {
		s.bus.PublishAsync(actormesh.EventStorageUpdate, update)
	}
	return update, nil
}

func persistedStates(tx *Transaction) map[types.Root]types.State {
	if len(tx.toPersist) == 0 {
		return nil
	}
	out := make(map[types.Root]types.State, len(tx.toPersist))
	for root := range tx.toPersist {
		if st, ok := tx.states[root]; ok {
			out[root] = st
		}
	}
	return out
}

// pruneBelowLocked removes every hot block whose slot is less than the new
// finalized block's slot, and every competing branch at any slot: it keeps
// only the finalized block and its descendants (so its ancestors are pruned
// as well), and re-roots the tree at newFinalizedRoot. Must be called with
// s.mu held.
func (s *Store) pruneBelowLocked(newFinalizedRoot types.Root) []types.Root {
	if _, ok := s.hotBlocks[newFinalizedRoot]; !ok {
		return nil
	}

	keep := make(map[types.Root]bool)
	s.collectDescendantsLocked(newFinalizedRoot, keep)

	var prunedRoots []types.Root
	for root := range s.hotBlocks {
		if keep[root] {
			continue
		}
		prunedRoots = append(prunedRoots, root)
	}
	for _, root := range prunedRoots {
		delete(s.hotBlocks, root)
		delete(s.hotStates, root)
		delete(s.parent, root)
		delete(s.children, root)
		delete(s.stateRoots, root)
	}
	delete(s.parent, newFinalizedRoot)
	return prunedRoots
}

func (s *Store) collectDescendantsLocked(root types.Root, keep map[types.Root]bool) {
	keep[root] = true
	for _, child := range s.children[root] {
		if keep[child] {
			continue
		}
		s.collectDescendantsLocked(child, keep)
	}
}

// FinalizedBlock returns the finalized checkpoint's block and its root.
func (s *Store) FinalizedBlock() types.SignedBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalizedBlock
}

// Time returns the store's current notion of wall-clock time.
func (s *Store) Time() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.time
}

// GenesisTime returns the store's genesis time.
func (s *Store) GenesisTime() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.genesisTime
}

// MustHotBlock returns a hot block by root, or ErrUnknownBlock. Callers that
// expect a historical block to always exist (e.g. chain data lookups tied
// to a checkpoint) should treat this error as the fatal local-invariant
// violation it signals, not an ordinary miss.
func (s *Store) MustHotBlock(root types.Root) (types.Block, error) {
	if b, ok := s.HotBlock(root); ok {
		return b, nil
	}
	return types.Block{}, fmt.Errorf("%w: %s", ErrUnknownBlock, root.Hex())
}

// HotBlockCount returns the number of hot blocks, for diagnostics and tests.
func (s *Store) HotBlockCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.hotBlocks)
}
