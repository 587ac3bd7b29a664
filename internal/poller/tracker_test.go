package poller

import (
	"errors"
	"testing"
	"time"

	"extract-bench/internal/model"
	"extract-bench/internal/storage"
)

func TestTrackerTrackAndStatus(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	src.set([]model.ExtractionJob{{UUID: "j1", Status: model.StatusProcessing}})

	tr := NewTracker(src, Config{Interval: "1h"})
	defer tr.StopAll()

	tr.Track("d1", storage.JobQueryOptions{})

	st := waitForStatusJobs(t, tr, "d1", 1)
	if !st.Watching {
		t.Fatal("session with a non-terminal job must still be watching")
	}
	if st.Jobs[0].UUID != "j1" {
		t.Fatalf("unexpected snapshot: %+v", st.Jobs)
	}
}

func TestTrackerStatusWithoutSession(t *testing.T) {
	t.Parallel()

	tr := NewTracker(&stubSource{}, Config{Interval: "1h"})
	if _, ok := tr.Status("missing"); ok {
		t.Fatal("expected no status for an untracked document")
	}
}

func TestTrackerReportsWatchingFalseAfterTerminal(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	src.set([]model.ExtractionJob{{UUID: "j1", Status: model.StatusSuccess}})

	tr := NewTracker(src, Config{Interval: "1h"})
	defer tr.StopAll()

	tr.Track("d1", storage.JobQueryOptions{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := tr.Status("d1")
		if !ok {
			t.Fatal("session disappeared")
		}
		if !st.Watching && len(st.Jobs) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never reported watching=false after terminal snapshot")
}

func TestTrackerRetrackReplacesSession(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	src.set([]model.ExtractionJob{{UUID: "j1", Status: model.StatusProcessing}})

	tr := NewTracker(src, Config{Interval: "1h"})
	defer tr.StopAll()

	tr.Track("d1", storage.JobQueryOptions{})
	first := waitForStatusJobs(t, tr, "d1", 1)
	if !first.Watching {
		t.Fatal("first session not watching")
	}

	tr.Track("d1", storage.JobQueryOptions{FilterByUser: true, UserName: "alice"})
	second := waitForStatusJobs(t, tr, "d1", 1)
	if !second.Watching {
		t.Fatal("replacement session not watching")
	}
}

func TestTrackerPokeTriggersRefresh(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	src.set([]model.ExtractionJob{{UUID: "j1", Status: model.StatusProcessing}})

	tr := NewTracker(src, Config{Interval: "1h"})
	defer tr.StopAll()

	tr.Track("d1", storage.JobQueryOptions{})
	waitForStatusJobs(t, tr, "d1", 1)

	src.set([]model.ExtractionJob{
		{UUID: "j1", Status: model.StatusProcessing},
		{UUID: "j2", Status: model.StatusProcessing},
	})
	tr.Poke("d1")

	waitForStatusJobs(t, tr, "d1", 2)

	// 空操作：未跟踪的文档不触发任何事。
	tr.Poke("missing")
}

func TestTrackerStopRemovesSession(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	src.set([]model.ExtractionJob{{UUID: "j1", Status: model.StatusProcessing}})

	tr := NewTracker(src, Config{Interval: "1h"})
	tr.Track("d1", storage.JobQueryOptions{})
	waitForStatusJobs(t, tr, "d1", 1)

	tr.Stop("d1")
	if _, ok := tr.Status("d1"); ok {
		t.Fatal("stopped session must be removed")
	}
}

func TestTrackerSurfacesFetchError(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	src.fail(errors.New("store unavailable"))

	tr := NewTracker(src, Config{Interval: "1h"})
	defer tr.StopAll()

	tr.Track("d1", storage.JobQueryOptions{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := tr.Status("d1")
		if ok && st.FetchError != "" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("fetch error never surfaced in status")
}

func waitForStatusJobs(t *testing.T, tr *Tracker, documentUUID string, want int) WatchStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, ok := tr.Status(documentUUID)
		if ok && len(st.Jobs) == want {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	st, ok := tr.Status(documentUUID)
	t.Fatalf("status never reached %d jobs (ok=%v, have %d)", want, ok, len(st.Jobs))
	return WatchStatus{}
}
