package metrics

// Pre-defined metrics for the beacon chain validation and fork-choice core.
// All metrics live in DefaultRegistry so they are globally accessible
// without passing a registry around. The labelled, Prometheus-native
// counters (peer validation outcomes, per-status breakdowns) live in
// beaconmetrics instead -- this registry is for the simple scalar
// gauges/counters/histograms every component reaches for ambiently.

var (
	// ---- Chain metrics ----

	// ChainHeadSlot tracks the current canonical head slot.
	ChainHeadSlot = DefaultRegistry.Gauge("chain.head_slot")
	// BlockImportTime records block import duration in milliseconds.
	BlockImportTime = DefaultRegistry.Histogram("chain.block_import_ms")
	// BlocksImported counts blocks successfully imported into the fork
	// choice tree.
	BlocksImported = DefaultRegistry.Counter("chain.blocks_imported")
	// ReorgsDetected counts canonical-head reorganisation events.
	ReorgsDetected = DefaultRegistry.Counter("chain.reorgs")

	// ---- Block Tree Store metrics ----

	// HotBlocksTracked tracks the number of blocks currently held hot
	// (between finalization and head).
	HotBlocksTracked = DefaultRegistry.Gauge("store.hot_blocks")
	// BlocksPruned counts blocks pruned from the store on finalization.
	BlocksPruned = DefaultRegistry.Counter("store.blocks_pruned")

	// ---- P2P metrics ----

	// PeersConnected tracks the current number of connected peers.
	PeersConnected = DefaultRegistry.Gauge("p2p.peers")
	// PeersDisconnected counts peers dropped for any reason.
	PeersDisconnected = DefaultRegistry.Counter("p2p.disconnects")
	// RPCRequestLatency records Req/Resp round-trip latency in milliseconds.
	RPCRequestLatency = DefaultRegistry.Histogram("p2p.rpc_latency_ms")
)
