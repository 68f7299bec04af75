package forkchoice

import (
	"context"
	"testing"

	"github.com/ethdn/beaconcore/actormesh"
	"github.com/ethdn/beaconcore/store"
	"github.com/ethdn/beaconcore/types"
)

func testRoot(b byte) types.Root {
	var r types.Root
	r[31] = b
	return r
}

func newTestEngine(t *testing.T) (*Engine, types.Root, *store.Store) {
	t.Helper()
	gRoot := testRoot(0)
	genesis := types.SignedBlock{Root: gRoot, Block: types.Block{Slot: 0}}
	st := store.NewStore(0, genesis, types.State{Slot: 0}, nil)
	e := NewEngine(Config{
		Store:       st,
		CurrentSlot: func() types.Slot { return 1000 },
	})
	return e, gRoot, st
}

func importBlock(t *testing.T, e *Engine, root types.Root, block types.Block) ImportResult {
	t.Helper()
	res, err := e.OnBlock(context.Background(), root, block, nil).Get(context.Background())
	if err != nil {
		t.Fatalf("unexpected future error: %v", err)
	}
	return res
}

func TestOnBlockSuccessfulImport(t *testing.T) {
	e, gRoot, _ := newTestEngine(t)
	b1 := testRoot(1)
	res := importBlock(t, e, b1, types.Block{Slot: 1, ParentRoot: gRoot})
	if res.Kind != ImportSuccessful {
		t.Fatalf("expected Successful, got %v (%s, %v)", res.Kind, res.Reason, res.Cause)
	}
	if !e.HasBlock(b1) {
		t.Fatal("expected block to be tracked after import")
	}
}

func TestOnBlockParentUnknown(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := importBlock(t, e, testRoot(9), types.Block{Slot: 1, ParentRoot: testRoot(8)})
	if res.Kind != ImportParentUnknown {
		t.Fatalf("expected ParentUnknown, got %v", res.Kind)
	}
}

func TestOnBlockFromFuture(t *testing.T) {
	gRoot := testRoot(0)
	genesis := types.SignedBlock{Root: gRoot, Block: types.Block{Slot: 0}}
	st := store.NewStore(0, genesis, types.State{Slot: 0}, nil)
	e := NewEngine(Config{Store: st, CurrentSlot: func() types.Slot { return 5 }})

	res := importBlock(t, e, testRoot(1), types.Block{Slot: 100, ParentRoot: gRoot})
	if res.Kind != ImportBlockIsFromFuture {
		t.Fatalf("expected BlockIsFromFuture, got %v", res.Kind)
	}
}

func TestOnBlockIdempotent(t *testing.T) {
	e, gRoot, _ := newTestEngine(t)
	b1 := testRoot(1)
	first := importBlock(t, e, b1, types.Block{Slot: 1, ParentRoot: gRoot})
	head1 := e.ProcessHead(1)

	second := importBlock(t, e, b1, types.Block{Slot: 1, ParentRoot: gRoot})
	head2 := e.ProcessHead(1)

	if first.Kind != ImportSuccessful || second.Kind != ImportSuccessful {
		t.Fatalf("expected both imports successful, got %v, %v", first.Kind, second.Kind)
	}
	if head1 != head2 {
		t.Fatalf("expected same head on reimport, got %x then %x", head1, head2)
	}
}

func TestProcessHeadTieBreakGreaterRootWins(t *testing.T) {
	e, gRoot, _ := newTestEngine(t)

	lo := testRoot(0x01)
	hi := testRoot(0xff)
	// Import in an order that would expose an unintended dependency on
	// insertion order if the tie-break were implemented wrong.
	importBlock(t, e, lo, types.Block{Slot: 1, ParentRoot: gRoot})
	importBlock(t, e, hi, types.Block{Slot: 1, ParentRoot: gRoot})

	head := e.ProcessHead(1)
	if head != hi {
		t.Fatalf("expected greater root %x to win an equal-weight tie, got %x", hi, head)
	}
}

func TestProcessHeadWeightBreaksTie(t *testing.T) {
	e, gRoot, _ := newTestEngine(t)

	hi := testRoot(0xff)
	lo := testRoot(0x01)
	importBlock(t, e, hi, types.Block{Slot: 1, ParentRoot: gRoot})
	importBlock(t, e, lo, types.Block{Slot: 1, ParentRoot: gRoot})

	// Vote weight should dominate the root tie-break.
	e.OnAttestation(types.Attestation{
		ValidatorIndices: []types.ValidatorIndex{1},
		Target:           types.Checkpoint{Root: lo, Epoch: 1},
	})

	head := e.ProcessHead(1)
	if head != lo {
		t.Fatalf("expected heavier block %x to win regardless of root order, got %x", lo, head)
	}
}

func TestEmptySlotReorgOnFill(t *testing.T) {
	e, gRoot, _ := newTestEngine(t)

	// Advance fork-choice to slot 1 with no block there yet: head stays at
	// genesis, and the first ProcessHead call never counts as a reorg.
	head := e.ProcessHead(1)
	if head != gRoot {
		t.Fatalf("expected head to remain genesis, got %x", head)
	}

	bus := actormesh.NewBus(4)
	defer bus.Close()
	e.bus = bus
	sub := bus.Subscribe(actormesh.EventReorg)
	defer sub.Unsubscribe()

	b1 := testRoot(1)
	importBlock(t, e, b1, types.Block{Slot: 1, ParentRoot: gRoot})
	head = e.ProcessHead(1)
	if head != b1 {
		t.Fatalf("expected new head %x, got %x", b1, head)
	}

	select {
	case ev := <-sub.Chan():
		reorg, ok := ev.Data.(ReorgEvent)
		if !ok || reorg.BestBlockRoot != b1 || reorg.BestSlot != 1 {
			t.Fatalf("unexpected reorg event: %+v", ev.Data)
		}
	default:
		t.Fatal("expected exactly one ReorgEvent for the empty-slot-filled case")
	}

	select {
	case ev := <-sub.Chan():
		t.Fatalf("expected no second ReorgEvent, got %+v", ev)
	default:
	}
}

func TestNoReorgOnStrictExtension(t *testing.T) {
	e, gRoot, _ := newTestEngine(t)
	bus := actormesh.NewBus(4)
	defer bus.Close()
	e.bus = bus
	sub := bus.Subscribe(actormesh.EventReorg)
	defer sub.Unsubscribe()

	b1 := testRoot(1)
	importBlock(t, e, b1, types.Block{Slot: 1, ParentRoot: gRoot})
	e.ProcessHead(1)

	b2 := testRoot(2)
	importBlock(t, e, b2, types.Block{Slot: 2, ParentRoot: b1})
	e.ProcessHead(2)

	select {
	case ev := <-sub.Chan():
		t.Fatalf("expected no reorg event for a strict chain extension, got %+v", ev)
	default:
	}
}

func TestOnFinalizeReRootsTree(t *testing.T) {
	e, gRoot, _ := newTestEngine(t)
	a, b := testRoot(0xa), testRoot(0xb)
	importBlock(t, e, a, types.Block{Slot: 1, ParentRoot: gRoot})
	importBlock(t, e, b, types.Block{Slot: 1, ParentRoot: gRoot})

	e.OnFinalize(types.Checkpoint{Epoch: 1, Root: a})

	if e.HasBlock(b) {
		t.Fatal("expected non-finalized sibling branch to be pruned from the engine's tree")
	}
	if !e.HasBlock(a) {
		t.Fatal("expected finalized branch to remain")
	}
}
