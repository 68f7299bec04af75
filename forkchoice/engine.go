// Package forkchoice implements the Fork Choice Engine: LMD-GHOST head
// selection over a tree of imported blocks, reorg detection, and block
// import. It maintains its own lightweight block/vote tree (root, parent,
// children, slot) separate from the Block Tree Store's full block+state
// map -- the store owns durable hot data, this package owns the weighted
// tree walk and the validator latest-message table.
package forkchoice

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethdn/beaconcore/actormesh"
	"github.com/ethdn/beaconcore/beaconmetrics"
	"github.com/ethdn/beaconcore/futures"
	"github.com/ethdn/beaconcore/metrics"
	"github.com/ethdn/beaconcore/store"
	"github.com/ethdn/beaconcore/types"
)

// ImportResultKind enumerates the possible outcomes of OnBlock.
type ImportResultKind int

const (
	ImportSuccessful ImportResultKind = iota
	ImportInvalidBlock
	ImportFailedStateTransition
	ImportBlockIsFromFuture
	ImportParentUnknown
)

func (k ImportResultKind) String() string {
	switch k {
	case ImportSuccessful:
		return "Successful"
	case ImportInvalidBlock:
		return "InvalidBlock"
	case ImportFailedStateTransition:
		return "FailedStateTransition"
	case ImportBlockIsFromFuture:
		return "BlockIsFromFuture"
	case ImportParentUnknown:
		return "ParentUnknown"
	default:
		return fmt.Sprintf("ImportResultKind(%d)", int(k))
	}
}

// ImportResult is the outcome of importing one block via OnBlock.
type ImportResult struct {
	Kind ImportResultKind

	// NewHeadRoot is set only when Kind == ImportSuccessful; it is the
	// engine's head immediately after import (which may still change on the
	// next ProcessHead call -- import only fast-paths a direct extension).
	NewHeadRoot types.Root

	// Reason explains an InvalidBlock result.
	Reason string

	// Cause is the underlying state-transition error for
	// FailedStateTransition.
	Cause error
}

// ReorgEvent is emitted on actormesh.EventReorg whenever ProcessHead moves
// the canonical head off the previous head's ancestry.
type ReorgEvent struct {
	BestBlockRoot types.Root
	BestSlot      types.Slot
}

// StateTransitionFunc applies slot and block processing to produce a
// block's post-state. An external collaborator: full validator-balance and
// randao bookkeeping live outside this package's scope.
type StateTransitionFunc func(parentState types.State, block types.Block) (types.State, error)

// WeightFunc returns a validator's attesting weight (effective balance).
// An external collaborator over the validator registry.
type WeightFunc func(types.ValidatorIndex) uint64

type node struct {
	root       types.Root
	parentRoot types.Root
	slot       types.Slot
	children   []types.Root
}

type vote struct {
	validatorIndex types.ValidatorIndex
	targetRoot     types.Root
	targetEpoch    types.Epoch
	weight         uint64
}

// Config wires the engine's external collaborators.
type Config struct {
	Store      *store.Store
	Bus        *actormesh.Bus
	Transition StateTransitionFunc
	WeightOf   WeightFunc
	// CurrentSlot reports the wall-clock slot; a block with a later slot is
	// rejected as BlockIsFromFuture.
	CurrentSlot func() types.Slot
}

// Engine implements the Fork Choice Engine contract: OnBlock, ProcessHead,
// OnAttestation.
type Engine struct {
	mu sync.Mutex

	store       *store.Store
	bus         *actormesh.Bus
	transition  StateTransitionFunc
	weightOf    WeightFunc
	currentSlot func() types.Slot

	blocks         map[types.Root]*node
	latestMessages map[types.ValidatorIndex]*vote

	justifiedCheckpoint types.Checkpoint
	finalizedCheckpoint types.Checkpoint

	fcSlot types.Slot
	// head is the engine's current notion of the canonical head: the
	// authoritative value returned by Head() and reported by OnBlock's fast
	// path. prevProcessedHead is the baseline ProcessHead reorg-detection
	// compares against, and is only ever updated at the end of
	// ProcessHead -- kept distinct from head so that OnBlock's fast-path
	// optimization (which may move head between ProcessHead calls) cannot
	// mask a reorg that ProcessHead still needs to detect and report.
	head                  types.Root
	prevProcessedHead     types.Root
	prevProcessedNodeSlot types.Slot
	hasProcessedHead      bool
}

// NewEngine constructs an Engine seeded from the store's current finalized
// and justified checkpoints. The store must already hold the finalized (and,
// if different, justified) block hot.
func NewEngine(cfg Config) *Engine {
	finalized := cfg.Store.FinalizedCheckpoint()
	justified := cfg.Store.JustifiedCheckpoint()

	weightOf := cfg.WeightOf
	if weightOf == nil {
		weightOf = func(types.ValidatorIndex) uint64 { return 1 }
	}
	transition := cfg.Transition
	if transition == nil {
		transition = func(parentState types.State, block types.Block) (types.State, error) {
			return types.State{Slot: block.Slot, ForkDigest: parentState.ForkDigest}, nil
		}
	}

	e := &Engine{
		store:               cfg.Store,
		bus:                 cfg.Bus,
		transition:          transition,
		weightOf:            weightOf,
		currentSlot:         cfg.CurrentSlot,
		blocks:              make(map[types.Root]*node),
		latestMessages:      make(map[types.ValidatorIndex]*vote),
		justifiedCheckpoint: justified,
		finalizedCheckpoint: finalized,
		head:                finalized.Root,
		prevProcessedHead:   finalized.Root,
	}

	finalizedBlock := cfg.Store.FinalizedBlock()
	e.blocks[finalized.Root] = &node{root: finalized.Root, slot: finalizedBlock.Block.Slot}
	if justified.Root != finalized.Root {
		if b, ok := cfg.Store.HotBlock(justified.Root); ok {
			e.blocks[justified.Root] = &node{root: justified.Root, parentRoot: finalized.Root, slot: b.Slot}
			e.blocks[finalized.Root].children = append(e.blocks[finalized.Root].children, justified.Root)
		}
	}
	return e
}

// OnBlock imports block (identified by root) asynchronously. See the
// package doc and SPEC_FULL.md §4.2 for the full contract.
func (e *Engine) OnBlock(ctx context.Context, root types.Root, block types.Block, preStateHint *types.State) *futures.Future[ImportResult] {
	return futures.New(ctx, func(ctx context.Context) (ImportResult, error) {
		return e.importBlock(root, block, preStateHint), nil
	})
}

func (e *Engine) importBlock(root types.Root, block types.Block, preStateHint *types.State) ImportResult {
	beaconmetrics.ImportsTotal.Inc()
	timer := metrics.NewTimer(metrics.BlockImportTime)
	result := e.doImportBlock(root, block, preStateHint)
	timer.Stop()
	if result.Kind == ImportSuccessful {
		metrics.BlocksImported.Inc()
	}
	return result
}

func (e *Engine) doImportBlock(root types.Root, block types.Block, preStateHint *types.State) ImportResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if root == block.ParentRoot || root.IsZero() {
		return ImportResult{Kind: ImportInvalidBlock, Reason: "block root equals parent root or is zero"}
	}

	if _, ok := e.blocks[root]; ok {
		// Re-importing the same block is idempotent: same head, no new
		// reorg event, no second state transition.
		return ImportResult{Kind: ImportSuccessful, NewHeadRoot: e.head}
	}

	if e.currentSlot != nil && block.Slot > e.currentSlot() {
		return ImportResult{Kind: ImportBlockIsFromFuture}
	}

	parentNode, parentKnown := e.blocks[block.ParentRoot]
	if !parentKnown {
		return ImportResult{Kind: ImportParentUnknown}
	}

	var parentState types.State
	if preStateHint != nil {
		parentState = *preStateHint
	} else {
		st, ok := e.store.HotState(block.ParentRoot)
		if !ok {
			return ImportResult{Kind: ImportFailedStateTransition, Cause: fmt.Errorf("forkchoice: no post-state cached for parent %s", block.ParentRoot.Hex())}
		}
		parentState = st
	}

	postState, err := e.transition(parentState, block)
	if err != nil {
		return ImportResult{Kind: ImportFailedStateTransition, Cause: err}
	}

	tx := e.store.StartTransaction()
	tx.StageBlock(root, block.ParentRoot, block)
	tx.StageState(root, postState)
	tx.StageStateRoot(root, block.StateRoot)

	for _, att := range block.Body.Attestations {
		for _, idx := range att.ValidatorIndices {
			tx.StageVote(idx, types.Vote{ValidatorIndex: idx, TargetRoot: att.Target.Root, TargetEpoch: att.Target.Epoch})
		}
	}

	if _, err := tx.Commit(); err != nil {
		return ImportResult{Kind: ImportFailedStateTransition, Cause: err}
	}

	e.blocks[root] = &node{root: root, parentRoot: block.ParentRoot, slot: block.Slot}
	parentNode.children = append(parentNode.children, root)

	// Attestations inside the block are fed through vote processing after
	// the block is staged and before the transaction commits conceptually;
	// since this engine's own vote table is independent of the store
	// transaction, applying them here (post-commit) has the same observable
	// effect on head selection going forward.
	for _, att := range block.Body.Attestations {
		e.applyAttestationLocked(att)
	}

	if e.bus != nil {
		e.bus.PublishAsync(actormesh.EventNewBlock, root)
	}

	result := ImportResult{Kind: ImportSuccessful, NewHeadRoot: e.head}

	// Fast path: a child of the current head becomes the new head without a
	// full tree walk, unless fork choice has already advanced its slot
	// counter past this block (in which case ProcessHead must still see a
	// reorg).
	if block.ParentRoot == e.head && e.fcSlot <= block.Slot {
		prevHead := e.head
		prevHeadSlot := e.blocks[prevHead].slot
		e.head = root
		result.NewHeadRoot = root
		if block.Slot < prevHeadSlot {
			e.publishReorgLocked(root, block.Slot)
		}
	}

	return result
}

// OnAttestation updates latest-message votes for the attesting indices.
func (e *Engine) OnAttestation(att types.Attestation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyAttestationLocked(att)
}

func (e *Engine) applyAttestationLocked(att types.Attestation) {
	for _, idx := range att.ValidatorIndices {
		existing, ok := e.latestMessages[idx]
		if ok && existing.targetEpoch >= att.Target.Epoch {
			continue
		}
		e.latestMessages[idx] = &vote{
			validatorIndex: idx,
			targetRoot:     att.Target.Root,
			targetEpoch:    att.Target.Epoch,
			weight:         e.weightOf(idx),
		}
	}
}

// ProcessHead runs LMD-GHOST with the current votes as of nodeSlot, updates
// the engine's head, and emits a ReorgEvent iff the new head is not a
// descendant of the previous head at the same slot.
func (e *Engine) ProcessHead(nodeSlot types.Slot) types.Root {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.fcSlot = nodeSlot
	prevHead := e.prevProcessedHead
	prevNodeSlot := e.prevProcessedNodeSlot
	newHead := e.computeHeadLocked()
	e.head = newHead
	if n, ok := e.blocks[newHead]; ok {
		metrics.ChainHeadSlot.Set(int64(n.slot))
	}

	if e.reorgedLocked(prevHead, newHead, prevNodeSlot, nodeSlot) {
		e.publishReorgLocked(newHead, e.blocks[newHead].slot)
	}
	e.prevProcessedHead = newHead
	e.prevProcessedNodeSlot = nodeSlot
	e.hasProcessedHead = true
	return newHead
}

// reorgedLocked reports whether moving from prevHead to newHead counts as a
// reorg: either newHead is not a descendant of prevHead (the chain
// genuinely switched branches), or this call re-decides the same nodeSlot
// an earlier call already settled and arrives at a different block -- the
// "empty slot advance, later filled" case, where the previous decision's
// head (possibly several slots back, since the slot was empty) is
// superseded without newHead ever being off prevHead's branch.
func (e *Engine) reorgedLocked(prevHead, newHead types.Root, prevNodeSlot, nodeSlot types.Slot) bool {
	if !e.hasProcessedHead || prevHead == newHead {
		return false
	}
	sameSlotRedecided := nodeSlot == prevNodeSlot
	return sameSlotRedecided || !e.isDescendantOfLocked(newHead, prevHead)
}

func (e *Engine) publishReorgLocked(root types.Root, slot types.Slot) {
	beaconmetrics.ReorgsTotal.Inc()
	metrics.ReorgsDetected.Inc()
	if e.bus == nil {
		return
	}
	e.bus.PublishAsync(actormesh.EventReorg, ReorgEvent{BestBlockRoot: root, BestSlot: slot})
}

// computeHeadLocked walks from the justified checkpoint's block, at each
// fork choosing the child with the greatest attesting weight. Ties are
// broken lexicographically by root, greater root wins (the canonical
// choice this engine adopts per the open tie-break question).
func (e *Engine) computeHeadLocked() types.Root {
	start := e.justifiedCheckpoint.Root
	if _, ok := e.blocks[start]; !ok {
		start = e.findAnyRootLocked()
	}

	weights := e.computeWeightsLocked()

	current := start
	for {
		n, ok := e.blocks[current]
		if !ok || len(n.children) == 0 {
			break
		}
		viable := e.filterViableChildrenLocked(n.children)
		if len(viable) == 0 {
			break
		}
		best := viable[0]
		bestW := weights[best]
		for _, child := range viable[1:] {
			w := weights[child]
			if w > bestW || (w == bestW && best.Less(child)) {
				best = child
				bestW = w
			}
		}
		current = best
	}
	return current
}

func (e *Engine) computeWeightsLocked() map[types.Root]uint64 {
	weights := make(map[types.Root]uint64, len(e.blocks))

	for _, msg := range e.latestMessages {
		if _, ok := e.blocks[msg.targetRoot]; ok {
			weights[msg.targetRoot] += msg.weight
		}
	}

	ordered := make([]types.Root, 0, len(e.blocks))
	for root := range e.blocks {
		ordered = append(ordered, root)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return e.blocks[ordered[i]].slot > e.blocks[ordered[j]].slot
	})

	for _, root := range ordered {
		n := e.blocks[root]
		if _, ok := e.blocks[n.parentRoot]; ok {
			weights[n.parentRoot] += weights[root]
		}
	}
	return weights
}

func (e *Engine) filterViableChildrenLocked(children []types.Root) []types.Root {
	finalizedRoot := e.finalizedCheckpoint.Root
	if finalizedRoot.IsZero() {
		return children
	}
	if _, ok := e.blocks[finalizedRoot]; !ok {
		return children
	}
	var viable []types.Root
	for _, child := range children {
		if child == finalizedRoot || e.isDescendantOfLocked(child, finalizedRoot) {
			viable = append(viable, child)
		}
	}
	if len(viable) == 0 {
		return children
	}
	return viable
}

func (e *Engine) isDescendantOfLocked(node, ancestor types.Root) bool {
	current := node
	visited := make(map[types.Root]bool)
	for {
		if current == ancestor {
			return true
		}
		if visited[current] {
			return false
		}
		visited[current] = true
		n, ok := e.blocks[current]
		if !ok {
			return false
		}
		current = n.parentRoot
	}
}

func (e *Engine) findAnyRootLocked() types.Root {
	for root, n := range e.blocks {
		if _, ok := e.blocks[n.parentRoot]; !ok {
			return root
		}
	}
	return types.Root{}
}

// OnJustify records a new justified checkpoint; the next head walk starts
// from it. Called by whichever epoch-processing collaborator derives it.
func (e *Engine) OnJustify(cp types.Checkpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.justifiedCheckpoint = cp
}

// OnFinalize records a new finalized checkpoint and re-roots the engine's
// own tree at it, mirroring the Block Tree Store's pruning.
func (e *Engine) OnFinalize(cp types.Checkpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalizedCheckpoint = cp

	if _, ok := e.blocks[cp.Root]; !ok {
		return
	}
	keep := make(map[types.Root]bool)
	e.collectDescendantsLocked(cp.Root, keep)
	for root := range e.blocks {
		if !keep[root] {
			delete(e.blocks, root)
		}
	}
	e.blocks[cp.Root].parentRoot = types.Root{}
}

func (e *Engine) collectDescendantsLocked(root types.Root, keep map[types.Root]bool) {
	keep[root] = true
	n, ok := e.blocks[root]
	if !ok {
		return
	}
	for _, child := range n.children {
		if !keep[child] {
			e.collectDescendantsLocked(child, keep)
		}
	}
}

// Head returns the engine's current head root.
func (e *Engine) Head() types.Root {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.head
}

// JustifiedCheckpoint returns the engine's current justified checkpoint.
func (e *Engine) JustifiedCheckpoint() types.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.justifiedCheckpoint
}

// FinalizedCheckpoint returns the engine's current finalized checkpoint.
func (e *Engine) FinalizedCheckpoint() types.Checkpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalizedCheckpoint
}

// HasBlock reports whether root is known to the engine's tree.
func (e *Engine) HasBlock(root types.Root) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blocks[root]
	return ok
}

// BlockCount returns the number of blocks tracked by the engine's tree.
func (e *Engine) BlockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.blocks)
}
