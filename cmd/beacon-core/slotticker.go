package main

import (
	"time"

	"github.com/ethdn/beaconcore/actormesh"
	"github.com/ethdn/beaconcore/chaincfg"
)

// slotTicker is a noderuntime.Service that publishes EventNewSlot on the
// mesh at the start of every slot, for anything scheduled off the slot
// clock. Nothing in this module subscribes to it; the Fork Choice Engine's
// ProcessHead is not called from the tick.
type slotTicker struct {
	clock *chaincfg.SlotClock
	cfg   *chaincfg.Config
	bus   *actormesh.Bus
	now   func() uint64

	stop chan struct{}
	done chan struct{}
}

func newSlotTicker(clock *chaincfg.SlotClock, cfg *chaincfg.Config, bus *actormesh.Bus, now func() uint64) *slotTicker {
	return &slotTicker{clock: clock, cfg: cfg, bus: bus, now: now}
}

func (t *slotTicker) Name() string { return "slot-ticker" }

func (t *slotTicker) Start() error {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run()
	return nil
}

func (t *slotTicker) Stop() error {
	close(t.stop)
	<-t.done
	return nil
}

func (t *slotTicker) run() {
	defer close(t.done)

	ticker := time.NewTicker(time.Duration(t.cfg.SecondsPerSlot) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			slot := t.clock.CurrentSlot(t.now())
			t.bus.PublishAsync(actormesh.EventNewSlot, slot)
		}
	}
}
