package metrics

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	recorder.ObserveRequest("get", "/", 200, 50*time.Millisecond)
	recorder.ObserveRequest("GET", "", 200, 25*time.Millisecond)
	recorder.ObserveRequest("post", "/api/lives/0123456789abcdef0123456789abcdef/sessions", 200, 10*time.Millisecond)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	if !strings.Contains(body, `driftcast_http_requests_total{method="GET",path="/",status="200"} 2`) {
		t.Fatalf("root path requests not merged:\n%s", body)
	}
	if !strings.Contains(body, `driftcast_http_requests_total{method="POST",path="/api/lives/:id/sessions",status="200"} 1`) {
		t.Fatalf("identifier segment not normalized:\n%s", body)
	}
}

func TestSessionGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()

	recorder.SessionStopped("normal")
	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("gauge went negative: %d", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.SessionStarted()
			recorder.SessionStopped("publisherDisconnected")
		}()
	}
	wg.Wait()
	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("expected settled gauge 0, got %d", got)
	}
}

func TestSegmentAndSweepCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveSegmentAppended(1024)
	recorder.ObserveSegmentAppended(2048)
	recorder.ObserveSweep(3, 1)

	segments, bytesTotal := recorder.SegmentCounts()
	if segments != 2 || bytesTotal != 3072 {
		t.Fatalf("unexpected segment counters: %d segments, %d bytes", segments, bytesTotal)
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()
	for _, want := range []string{
		"driftcast_segments_total 2",
		"driftcast_segment_bytes_total 3072",
		"driftcast_evicted_segments_total 3",
		"driftcast_removed_epochs_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestReplayJobLifecycle(t *testing.T) {
	recorder := New()
	recorder.ReplayJobStarted()
	recorder.ReplayJobRetried()
	recorder.ReplayJobCompleted()
	recorder.ReplayJobStarted()
	recorder.ReplayJobFailed()

	events, active := recorder.ReplayJobCounts()
	if active != 0 {
		t.Fatalf("expected settled active gauge, got %d", active)
	}
	expected := map[ReplayJobLabel]uint64{
		{Status: "start"}:    2,
		{Status: "complete"}: 1,
		{Status: "fail"}:     1,
	}
	for label, want := range expected {
		if events[label] != want {
			t.Fatalf("label %+v: expected %d, got %d", label, want, events[label])
		}
	}

	var buf bytes.Buffer
	recorder.Write(&buf)
	if !strings.Contains(buf.String(), "driftcast_replay_retries_total 1") {
		t.Fatalf("retry counter missing:\n%s", buf.String())
	}
}

func TestWriteIsStable(t *testing.T) {
	recorder := New()
	for i := 0; i < 3; i++ {
		recorder.ObserveRequest("GET", fmt.Sprintf("/api/lives/%032d", i), 200, time.Millisecond)
		recorder.ObserveHookAction("publish")
		recorder.ObserveHookRejection("publish")
	}

	var first, second bytes.Buffer
	recorder.Write(&first)
	recorder.Write(&second)
	if first.String() != second.String() {
		t.Fatal("metric output is not stable between writes")
	}
}
