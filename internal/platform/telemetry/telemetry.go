// Package telemetry records request traces and service metrics for the
// clinical notes server and serves them in Prometheus text format. Spans
// and metric names follow OpenTelemetry naming so the output maps cleanly
// onto a collector later, but the package itself has no SDK dependency.
package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/labstack/echo/v4"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName     string        `json:"service_name"`
	ServiceVersion  string        `json:"service_version"`
	OTLPEndpoint    string        `json:"otlp_endpoint"`   // collector gRPC endpoint
	MetricsEnabled  *bool         `json:"metrics_enabled"` // nil means on
	TracingEnabled  *bool         `json:"tracing_enabled"` // nil means on
	MetricsInterval time.Duration `json:"metrics_interval"`
	Environment     string        `json:"environment"`
	SampleRate      float64       `json:"sample_rate"` // 0.0 to 1.0
}

func (c *TelemetryConfig) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "notes-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = 15 * time.Second
	}
}

// BoolPtr returns a pointer to b, for the optional TelemetryConfig toggles.
func BoolPtr(b bool) *bool {
	return &b
}

// SpanStatus is the terminal status of a recorded span.
type SpanStatus int

const (
	SpanStatusUnset SpanStatus = iota
	SpanStatusOK
	SpanStatusError
)

// Span is one completed request trace.
type Span struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	Duration   time.Duration     `json:"duration_ns"`
	StatusCode SpanStatus        `json:"status_code"`
	Attributes map[string]string `json:"attributes"`
}

// JSON renders the span for structured log output.
func (s *Span) JSON() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// histogram accumulates observations into fixed buckets. Stored counts are
// per-bucket; the Prometheus exporter converts them to cumulative form.
type histogram struct {
	boundaries   []float64
	mu           sync.Mutex
	bucketCounts []int64
	count        int64
	sum          float64
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// Beyond the last boundary the observation lands only in +Inf,
	// which the exporter derives from count.
}

func (h *histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// labeledHistogramStore holds one histogram per label-set key.
type labeledHistogramStore struct {
	mu    sync.Mutex
	items map[string]*histogram
}

func newLabeledHistogramStore() *labeledHistogramStore {
	return &labeledHistogramStore{items: make(map[string]*histogram)}
}

func (s *labeledHistogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.items[key]
	if !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *labeledHistogramStore) get(key string) *histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[key]
}

func (s *labeledHistogramStore) snapshot() map[string]*histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// LabelsKey builds the labeled-histogram key for a (method, route, status)
// triple. Exported so callers can look histograms back up.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// intStore backs both counters and gauges: a named set of int64 values.
// Counters only ever add, gauges also set, the storage is the same.
type intStore struct {
	mu     sync.Mutex
	values map[string]int64
}

func newIntStore() *intStore {
	return &intStore{values: make(map[string]int64)}
}

func (s *intStore) add(key string, delta int64) {
	s.mu.Lock()
	s.values[key] += delta
	s.mu.Unlock()
}

func (s *intStore) set(key string, val int64) {
	s.mu.Lock()
	s.values[key] = val
	s.mu.Unlock()
}

func (s *intStore) get(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

func (s *intStore) snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]int64, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return cp
}

// Request duration buckets in seconds.
var defaultDurationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Request and response body size buckets in bytes.
var defaultSizeBuckets = []float64{
	100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000,
}

// TelemetryProvider owns all recorded spans and metric series.
type TelemetryProvider struct {
	cfg TelemetryConfig

	spansMu sync.Mutex
	spans   []*Span

	histMu            sync.Mutex
	histograms        map[string]*histogram
	labeledHistograms map[string]*labeledHistogramStore

	counters *intStore
	gauges   *intStore

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewTelemetryProvider builds a provider with defaults applied to cfg.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	return &TelemetryProvider{
		cfg:               cfg,
		histograms:        make(map[string]*histogram),
		labeledHistograms: make(map[string]*labeledHistogramStore),
		counters:          newIntStore(),
		gauges:            newIntStore(),
		done:              make(chan struct{}),
	}
}

// Shutdown stops the provider. Safe to call more than once.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error {
	tp.shutdownOnce.Do(func() {
		close(tp.done)
	})
	return nil
}

// Resource returns the provider's OTel resource attributes.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

// GetRecordedSpans returns a copy of every span recorded so far.
func (tp *TelemetryProvider) GetRecordedSpans() []*Span {
	tp.spansMu.Lock()
	defer tp.spansMu.Unlock()
	cp := make([]*Span, len(tp.spans))
	copy(cp, tp.spans)
	return cp
}

func (tp *TelemetryProvider) recordSpan(s *Span) {
	tp.spansMu.Lock()
	tp.spans = append(tp.spans, s)
	tp.spansMu.Unlock()
}

// GetHistogram returns the named unlabeled histogram, or nil.
func (tp *TelemetryProvider) GetHistogram(name string) *histogram {
	tp.histMu.Lock()
	defer tp.histMu.Unlock()
	return tp.histograms[name]
}

// GetLabeledHistogram returns the histogram for one label-set of a named
// metric, or nil if neither exists.
func (tp *TelemetryProvider) GetLabeledHistogram(name, key string) *histogram {
	tp.histMu.Lock()
	store := tp.labeledHistograms[name]
	tp.histMu.Unlock()
	if store == nil {
		return nil
	}
	return store.get(key)
}

func (tp *TelemetryProvider) observe(name string, boundaries []float64, v float64) {
	tp.histMu.Lock()
	h, ok := tp.histograms[name]
	if !ok {
		h = newHistogram(boundaries)
		tp.histograms[name] = h
	}
	tp.histMu.Unlock()
	h.Observe(v)
}

func (tp *TelemetryProvider) observeLabeled(name, key string, boundaries []float64, v float64) {
	tp.histMu.Lock()
	store, ok := tp.labeledHistograms[name]
	if !ok {
		store = newLabeledHistogramStore()
		tp.labeledHistograms[name] = store
	}
	tp.histMu.Unlock()
	store.getOrCreate(key, boundaries).Observe(v)
}

// GetGauge returns the current value of the named gauge.
func (tp *TelemetryProvider) GetGauge(name string) int64 {
	return tp.gauges.get(name)
}

// GetCounter returns the current value of a counter for one
// (note_type, operation) label pair.
func (tp *TelemetryProvider) GetCounter(name, noteType, operation string) int64 {
	return tp.counters.get(name + "|" + noteType + "|" + operation)
}

// NoteOperationCounter increments note.operation.count for one lifecycle
// verb (create, sign, cosign, return, resubmit, amend, finalize, revoke)
// against a note type.
func (tp *TelemetryProvider) NoteOperationCounter(noteType, operation string) {
	tp.counters.add("note.operation.count|"+noteType+"|"+operation, 1)
}

// HealthMetricsRecorder updates the service-level gauges reported on /metrics.
type HealthMetricsRecorder struct {
	tp *TelemetryProvider
}

// HealthMetrics returns the recorder for health gauges.
func (tp *TelemetryProvider) HealthMetrics() *HealthMetricsRecorder {
	return &HealthMetricsRecorder{tp: tp}
}

// SetDBPoolActive sets the db.pool.active_connections gauge.
func (h *HealthMetricsRecorder) SetDBPoolActive(n int64) {
	h.tp.gauges.set("db.pool.active_connections", n)
}

// SetDBPoolIdle sets the db.pool.idle_connections gauge.
func (h *HealthMetricsRecorder) SetDBPoolIdle(n int64) {
	h.tp.gauges.set("db.pool.idle_connections", n)
}

// SetNotesTotal sets the notes.total gauge.
func (h *HealthMetricsRecorder) SetNotesTotal(n int64) {
	h.tp.gauges.set("notes.total", n)
}

// TracingMiddleware records a span per request, named
// "HTTP {method} {route}".
func (tp *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.tracingOn() {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			end := time.Now()

			req := c.Request()
			status := c.Response().Status

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			attrs := map[string]string{
				"http.method":      req.Method,
				"http.route":       route,
				"http.status_code": strconv.Itoa(status),
				"http.url":         req.URL.String(),
			}
			if resource := extractAPIResource(req.URL.Path); resource != "" {
				attrs["api.resource"] = resource
			}
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				attrs["request.id"] = rid
			}

			spanStatus := SpanStatusOK
			if status >= http.StatusInternalServerError {
				spanStatus = SpanStatusError
			}

			tp.recordSpan(&Span{
				TraceID:    randHex(16),
				SpanID:     randHex(8),
				Name:       "HTTP " + req.Method + " " + route,
				StartTime:  start,
				EndTime:    end,
				Duration:   end.Sub(start),
				StatusCode: spanStatus,
				Attributes: attrs,
			})

			return err
		}
	}
}

// MetricsMiddleware records request duration, in-flight count, and body
// sizes for every request.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.gauges.add("http.server.active_requests", 1)
			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()
			tp.gauges.add("http.server.active_requests", -1)

			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			tp.observe("http.server.request.duration", defaultDurationBuckets, elapsed)
			key := LabelsKey(req.Method, route, strconv.Itoa(c.Response().Status))
			tp.observeLabeled("http.server.request.duration", key, defaultDurationBuckets, elapsed)

			if req.ContentLength > 0 {
				tp.observe("http.server.request.size", defaultSizeBuckets, float64(req.ContentLength))
			}
			if size := c.Response().Size; size > 0 {
				tp.observe("http.server.response.size", defaultSizeBuckets, float64(size))
			}

			return err
		}
	}
}

// PrometheusHandler serves all recorded metrics in Prometheus text
// exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		tp.histMu.Lock()
		durations := tp.histograms["http.server.request.duration"]
		labeledDurations := tp.labeledHistograms["http.server.request.duration"]
		requestSizes := tp.histograms["http.server.request.size"]
		responseSizes := tp.histograms["http.server.response.size"]
		tp.histMu.Unlock()

		promHeader(&b, "http_server_request_duration_seconds", "histogram",
			"Duration of HTTP requests in seconds.")
		if labeledDurations != nil {
			for key, h := range labeledDurations.snapshot() {
				parts := strings.SplitN(key, "|", 3)
				if len(parts) != 3 {
					continue
				}
				labels := fmt.Sprintf("method=%q,route=%q,status_code=%q",
					parts[0], parts[1], parts[2])
				promHistogram(&b, "http_server_request_duration_seconds", labels, h)
			}
		} else if durations != nil {
			promHistogram(&b, "http_server_request_duration_seconds", "", durations)
		}
		b.WriteByte('\n')

		promHeader(&b, "http_server_active_requests", "gauge",
			"Number of in-flight HTTP requests.")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n",
			tp.gauges.get("http.server.active_requests"))

		promHeader(&b, "http_server_request_size_bytes", "histogram",
			"Size of HTTP request bodies in bytes.")
		if requestSizes != nil {
			promHistogram(&b, "http_server_request_size_bytes", "", requestSizes)
		}
		b.WriteByte('\n')

		promHeader(&b, "http_server_response_size_bytes", "histogram",
			"Size of HTTP response bodies in bytes.")
		if responseSizes != nil {
			promHistogram(&b, "http_server_response_size_bytes", "", responseSizes)
		}
		b.WriteByte('\n')

		promHeader(&b, "note_operation_count", "counter",
			"Clinical note operations by note type and operation.")
		for key, val := range tp.counters.snapshot() {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) == 3 && parts[0] == "note.operation.count" {
				fmt.Fprintf(&b, "note_operation_count{note_type=%q,operation=%q} %d\n",
					parts[1], parts[2], val)
			}
		}
		b.WriteByte('\n')

		for _, g := range []struct {
			promName, gaugeName, help string
		}{
			{"db_pool_active_connections", "db.pool.active_connections", "Active database pool connections."},
			{"db_pool_idle_connections", "db.pool.idle_connections", "Idle database pool connections."},
			{"notes_total", "notes.total", "Total number of clinical notes."},
		} {
			promHeader(&b, g.promName, "gauge", g.help)
			fmt.Fprintf(&b, "%s %d\n\n", g.promName, tp.gauges.get(g.gaugeName))
		}

		return c.String(http.StatusOK, b.String())
	}
}

func promHeader(b *strings.Builder, name, typ, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

// promHistogram writes one histogram series. labels, when non-empty, is a
// pre-rendered label body without braces.
func promHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	bucketLabels := func(le string) string {
		if labels == "" {
			return fmt.Sprintf("{le=%q}", le)
		}
		return fmt.Sprintf("{%s,le=%q}", labels, le)
	}

	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket%s %d\n", name, bucketLabels(strconv.FormatFloat(boundary, 'g', -1, 64)), cum[i])
	}
	fmt.Fprintf(b, "%s_bucket%s %d\n", name, bucketLabels("+Inf"), total)

	suffix := ""
	if labels != "" {
		suffix = "{" + labels + "}"
	}
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}

// extractAPIResource pulls the top-level collection name out of a versioned
// API path ("/api/v1/clinical-notes/123" yields "clinical-notes"). Paths
// outside the API prefix, and segments that do not start with a lowercase
// letter, yield "".
func extractAPIResource(path string) string {
	const prefix = "/api/v1/"
	idx := strings.Index(path, prefix)
	if idx < 0 {
		return ""
	}
	segment := path[idx+len(prefix):]
	if cut := strings.IndexByte(segment, '/'); cut >= 0 {
		segment = segment[:cut]
	}
	if segment == "" || !unicode.IsLower(rune(segment[0])) {
		return ""
	}
	return segment
}

// randHex returns a random hex string of n bytes (2n characters).
func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
