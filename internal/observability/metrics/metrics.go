package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// ReplayJobLabel keys replay assembly job counters by terminal status.
type ReplayJobLabel struct {
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, session lifecycle events, segment throughput, eviction sweeps,
// and replay assembly jobs. It coordinates concurrent writers via a RWMutex
// while exposing thread-safe gauges for active session and job tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	hookActions     map[string]uint64
	hookRejections  map[string]uint64
	segmentsTotal   uint64
	segmentBytes    uint64
	evictedSegments uint64
	removedEpochs   uint64
	replayJobs      map[ReplayJobLabel]uint64
	replayRetries   uint64
	activeSessions  atomic.Int64
	activeReplays   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		hookActions:     make(map[string]uint64),
		hookRejections:  make(map[string]uint64),
		replayJobs:      make(map[ReplayJobLabel]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a session start event and increments the active
// session gauge atomically so concurrent sessions remain consistent.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionStopped records a stop event labeled with the stop cause and
// decrements the active session gauge, guarding against negative counts.
func (r *Recorder) SessionStopped(cause string) {
	r.incrementSessionEvent("stop_" + normalizeName(cause))
	r.decrementGauge(&r.activeSessions)
}

func (r *Recorder) incrementSessionEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.sessionEvents[normalized]++
	r.mu.Unlock()
}

// ObserveHookAction records an ingest hook invocation keyed by action name
// (e.g. "publish", "unpublish").
func (r *Recorder) ObserveHookAction(action string) {
	name := normalizeName(action)
	r.mu.Lock()
	r.hookActions[name]++
	r.mu.Unlock()
}

// ObserveHookRejection records a rejected ingest hook keyed by action name.
// The caller should also record the attempt separately.
func (r *Recorder) ObserveHookRejection(action string) {
	name := normalizeName(action)
	r.mu.Lock()
	r.hookRejections[name]++
	r.mu.Unlock()
}

// ObserveSegmentAppended accumulates segment count and byte throughput.
func (r *Recorder) ObserveSegmentAppended(sizeBytes int) {
	r.mu.Lock()
	r.segmentsTotal++
	if sizeBytes > 0 {
		r.segmentBytes += uint64(sizeBytes)
	}
	r.mu.Unlock()
}

// ObserveSweep accumulates the results of one eviction pass.
func (r *Recorder) ObserveSweep(segmentsEvicted, epochsRemoved int) {
	r.mu.Lock()
	if segmentsEvicted > 0 {
		r.evictedSegments += uint64(segmentsEvicted)
	}
	if epochsRemoved > 0 {
		r.removedEpochs += uint64(epochsRemoved)
	}
	r.mu.Unlock()
}

// ReplayJobStarted records the beginning of a replay assembly job and
// increments the active job gauge.
func (r *Recorder) ReplayJobStarted() {
	r.recordReplayEvent("start")
	r.activeReplays.Add(1)
}

// ReplayJobCompleted records a successfully assembled replay and decrements
// the active job gauge.
func (r *Recorder) ReplayJobCompleted() {
	r.recordReplayEvent("complete")
	r.decrementGauge(&r.activeReplays)
}

// ReplayJobFailed records a job whose retry budget was exhausted and
// decrements the active job gauge (without allowing it to go negative if the
// job never started).
func (r *Recorder) ReplayJobFailed() {
	r.recordReplayEvent("fail")
	r.decrementGauge(&r.activeReplays)
}

// ReplayJobRetried counts internal retry attempts across all jobs.
func (r *Recorder) ReplayJobRetried() {
	r.mu.Lock()
	r.replayRetries++
	r.mu.Unlock()
}

func (r *Recorder) recordReplayEvent(status string) {
	label := ReplayJobLabel{Status: normalizeName(status)}
	r.mu.Lock()
	r.replayJobs[label]++
	r.mu.Unlock()
}

// ActiveSessions exposes the current gauge of concurrently published sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveReplayJobs exposes the current number of in-flight replay assemblies.
func (r *Recorder) ActiveReplayJobs() int64 {
	return r.activeReplays.Load()
}

// SegmentCounts returns copies of the segment throughput counters for tests
// and reporting.
func (r *Recorder) SegmentCounts() (segments, bytes uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.segmentsTotal, r.segmentBytes
}

// ReplayJobCounts returns copies of replay job event counters and the current
// active job gauge value.
func (r *Recorder) ReplayJobCounts() (events map[ReplayJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[ReplayJobLabel]uint64, len(r.replayJobs))
	for k, v := range r.replayJobs {
		events[k] = v
	}
	return events, r.activeReplays.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.hookActions = make(map[string]uint64)
	r.hookRejections = make(map[string]uint64)
	r.segmentsTotal = 0
	r.segmentBytes = 0
	r.evictedSegments = 0
	r.removedEpochs = 0
	r.replayJobs = make(map[ReplayJobLabel]uint64)
	r.replayRetries = 0
	r.activeSessions.Store(0)
	r.activeReplays.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := r.sortedSessionEvents()
	hookActions := r.sortedHookActions()
	replayLabels := r.sortedReplayJobLabels()

	fmt.Fprintln(w, "# HELP driftcast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE driftcast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "driftcast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE driftcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "driftcast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP driftcast_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE driftcast_session_events_total counter")
	for _, event := range sessionEvents {
		value := r.sessionEvents[event]
		fmt.Fprintf(w, "driftcast_session_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP driftcast_active_sessions Current number of published ingest sessions")
	fmt.Fprintln(w, "# TYPE driftcast_active_sessions gauge")
	fmt.Fprintf(w, "driftcast_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP driftcast_hook_actions_total Ingest hook invocations by action")
	fmt.Fprintln(w, "# TYPE driftcast_hook_actions_total counter")
	for _, action := range hookActions {
		fmt.Fprintf(w, "driftcast_hook_actions_total{action=\"%s\"} %d\n", action, r.hookActions[action])
	}

	fmt.Fprintln(w, "# HELP driftcast_hook_rejections_total Rejected ingest hooks by action")
	fmt.Fprintln(w, "# TYPE driftcast_hook_rejections_total counter")
	for _, action := range hookActions {
		fmt.Fprintf(w, "driftcast_hook_rejections_total{action=\"%s\"} %d\n", action, r.hookRejections[action])
	}

	fmt.Fprintln(w, "# HELP driftcast_segments_total Total media segments accepted")
	fmt.Fprintln(w, "# TYPE driftcast_segments_total counter")
	fmt.Fprintf(w, "driftcast_segments_total %d\n", r.segmentsTotal)

	fmt.Fprintln(w, "# HELP driftcast_segment_bytes_total Total media segment payload bytes accepted")
	fmt.Fprintln(w, "# TYPE driftcast_segment_bytes_total counter")
	fmt.Fprintf(w, "driftcast_segment_bytes_total %d\n", r.segmentBytes)

	fmt.Fprintln(w, "# HELP driftcast_evicted_segments_total Segments removed by the eviction sweep")
	fmt.Fprintln(w, "# TYPE driftcast_evicted_segments_total counter")
	fmt.Fprintf(w, "driftcast_evicted_segments_total %d\n", r.evictedSegments)

	fmt.Fprintln(w, "# HELP driftcast_removed_epochs_total Whole epochs removed by the eviction sweep")
	fmt.Fprintln(w, "# TYPE driftcast_removed_epochs_total counter")
	fmt.Fprintf(w, "driftcast_removed_epochs_total %d\n", r.removedEpochs)

	fmt.Fprintln(w, "# HELP driftcast_replay_jobs_total Replay assembly job events by status")
	fmt.Fprintln(w, "# TYPE driftcast_replay_jobs_total counter")
	for _, label := range replayLabels {
		fmt.Fprintf(w, "driftcast_replay_jobs_total{status=\"%s\"} %d\n", label.Status, r.replayJobs[label])
	}

	fmt.Fprintln(w, "# HELP driftcast_replay_retries_total Internal retry attempts across replay jobs")
	fmt.Fprintln(w, "# TYPE driftcast_replay_retries_total counter")
	fmt.Fprintf(w, "driftcast_replay_retries_total %d\n", r.replayRetries)

	fmt.Fprintln(w, "# HELP driftcast_active_replay_jobs Current number of in-flight replay assemblies")
	fmt.Fprintln(w, "# TYPE driftcast_active_replay_jobs gauge")
	fmt.Fprintf(w, "driftcast_active_replay_jobs %d\n", r.activeReplays.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSessionEvents() []string {
	events := make([]string, 0, len(r.sessionEvents))
	for event := range r.sessionEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedHookActions() []string {
	seen := make(map[string]struct{}, len(r.hookActions)+len(r.hookRejections))
	for action := range r.hookActions {
		seen[action] = struct{}{}
	}
	for action := range r.hookRejections {
		seen[action] = struct{}{}
	}
	actions := make([]string, 0, len(seen))
	for action := range seen {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

func (r *Recorder) sortedReplayJobLabels() []ReplayJobLabel {
	labels := make([]ReplayJobLabel, 0, len(r.replayJobs))
	for label := range r.replayJobs {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
