package metrics

import (
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"
)

// PrometheusConfig configures a PrometheusExporter.
type PrometheusConfig struct {
	// Namespace prefixes every exported metric name, e.g. "beaconcore"
	// turns "chain.head_slot" into "beaconcore_chain_head_slot".
	Namespace string
	// EnableRuntime adds goroutine/memory/GC gauges to the scrape.
	EnableRuntime bool
	// Path is the HTTP path the exporter listens on. Defaults to
	// "/metrics".
	Path string
}

// DefaultPrometheusConfig returns this core's default exporter settings.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace:     "beaconcore",
		EnableRuntime: true,
		Path:          "/metrics",
	}
}

// PrometheusExporter renders a Registry's contents in Prometheus text
// exposition format over HTTP.
type PrometheusExporter struct {
	config   PrometheusConfig
	registry *Registry
}

// NewPrometheusExporter builds an exporter reading from registry.
func NewPrometheusExporter(registry *Registry, config PrometheusConfig) *PrometheusExporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &PrometheusExporter{config: config, registry: registry}
}

// Handler returns an http.Handler serving the exporter's configured path.
func (pe *PrometheusExporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(pe.config.Path, pe.scrape)
	return mux
}

func (pe *PrometheusExporter) scrape(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var out strings.Builder
	pe.appendRegistry(&out)
	if pe.config.EnableRuntime {
		pe.appendRuntime(&out)
	}
	w.Write([]byte(out.String()))
}

// appendRegistry formats every counter, gauge, and histogram currently in
// the registry. Histograms are typed as a summary and exposed as _count and
// _sum lines, plus _min, _max and _mean once at least one value has been
// observed, since this registry has no notion of buckets or quantiles.
func (pe *PrometheusExporter) appendRegistry(out *strings.Builder) {
	pe.registry.mu.RLock()
	defer pe.registry.mu.RUnlock()

	for _, name := range sortedKeys(pe.registry.counters) {
		c := pe.registry.counters[name]
		q := pe.qualify(name)
		line(out, q, "counter", name, func() { fmt.Fprintf(out, "%s %d\n", q, c.Value()) })
	}
	for _, name := range sortedKeys(pe.registry.gauges) {
		g := pe.registry.gauges[name]
		q := pe.qualify(name)
		line(out, q, "gauge", name, func() { fmt.Fprintf(out, "%s %d\n", q, g.Value()) })
	}
	for _, name := range sortedKeys(pe.registry.histograms) {
		h := pe.registry.histograms[name]
		qualified := pe.qualify(name)
		annotate(out, qualified, "summary", name)
		fmt.Fprintf(out, "%s_count %d\n", qualified, h.Count())
		fmt.Fprintf(out, "%s_sum %s\n", qualified, formatFloat(h.Sum()))
		if h.Count() > 0 {
			fmt.Fprintf(out, "%s_min %s\n", qualified, formatFloat(h.Min()))
			fmt.Fprintf(out, "%s_max %s\n", qualified, formatFloat(h.Max()))
			fmt.Fprintf(out, "%s_mean %s\n", qualified, formatFloat(h.Mean()))
		}
	}
}

// appendRuntime adds a handful of Go process gauges: goroutine count,
// heap/alloc memory, GC cycle count and pause time, and process start
// time -- enough to spot a leaking goroutine or a stalled GC without a
// separate process exporter.
func (pe *PrometheusExporter) appendRuntime(out *strings.Builder) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	prefix := pe.config.Namespace
	if prefix != "" {
		prefix += "_"
	}

	gauge(out, prefix+"go_goroutines", "Number of active goroutines", float64(runtime.NumGoroutine()))
	gauge(out, prefix+"go_threads", "GOMAXPROCS", float64(runtime.GOMAXPROCS(0)))
	gauge(out, prefix+"go_memstats_heap_alloc_bytes", "Bytes of allocated heap objects", float64(mem.HeapAlloc))
	gauge(out, prefix+"go_memstats_heap_inuse_bytes", "Bytes in in-use heap spans", float64(mem.HeapInuse))
	gauge(out, prefix+"go_memstats_heap_objects", "Number of allocated heap objects", float64(mem.HeapObjects))
	counter(out, prefix+"go_gc_cycles_total", "Total number of completed GC cycles", float64(mem.NumGC))
	counter(out, prefix+"go_gc_pause_seconds_total", "Cumulative GC pause time in seconds", float64(mem.PauseTotalNs)/1e9)
	gauge(out, prefix+"process_start_time_seconds", "Process start time, seconds since epoch", float64(processStartTime.Unix()))
}

// qualify turns a dot/dash-separated metric name into a Prometheus-legal
// identifier under the exporter's namespace.
func (pe *PrometheusExporter) qualify(name string) string {
	id := strings.NewReplacer(".", "_", "-", "_").Replace(name)
	if pe.config.Namespace == "" {
		return id
	}
	return pe.config.Namespace + "_" + id
}

// line writes the HELP/TYPE header for name followed by whatever write
// appends as the value line.
func line(out *strings.Builder, qualified, kind, help string, write func()) {
	annotate(out, qualified, kind, help)
	write()
}

func annotate(out *strings.Builder, qualified, kind, help string) {
	fmt.Fprintf(out, "# HELP %s %s\n", qualified, help)
	fmt.Fprintf(out, "# TYPE %s %s\n", qualified, kind)
}

func gauge(out *strings.Builder, name, help string, v float64) {
	annotate(out, name, "gauge", help)
	fmt.Fprintf(out, "%s %s\n", name, formatFloat(v))
}

func counter(out *strings.Builder, name, help string, v float64) {
	annotate(out, name, "counter", help)
	fmt.Fprintf(out, "%s %s\n", name, formatFloat(v))
}

// formatFloat renders v the way Prometheus expects, including its
// spellings for the non-finite cases.
func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	default:
		return fmt.Sprintf("%g", v)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// processStartTime anchors process_start_time_seconds.
var processStartTime = time.Now()
