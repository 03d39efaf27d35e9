package observability

import (
	"testing"
	"time"
)

func TestLatencyWindowSnapshotStats(t *testing.T) {
	w := NewLatencyWindow(16)
	for _, ms := range []int{100, 200, 300, 400} {
		w.Observe(StageFirstAudio, time.Duration(ms)*time.Millisecond)
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(snap.Stages))
	}
	st := snap.Stages[0]
	if st.Stage != StageFirstAudio {
		t.Fatalf("unexpected stage %q", st.Stage)
	}
	if st.Samples != 4 {
		t.Fatalf("expected 4 samples, got %d", st.Samples)
	}
	if st.LastMS != 400 {
		t.Fatalf("expected last 400, got %v", st.LastMS)
	}
	if st.AvgMS != 250 {
		t.Fatalf("expected avg 250, got %v", st.AvgMS)
	}
	if st.P50MS != 250 {
		t.Fatalf("expected p50 250, got %v", st.P50MS)
	}
	if st.TargetP95MS != 1400 {
		t.Fatalf("expected first-audio target 1400, got %v", st.TargetP95MS)
	}
}

func TestLatencyWindowRingOverwrite(t *testing.T) {
	w := NewLatencyWindow(3)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		w.Observe(StageTurnDrain, time.Duration(ms)*time.Millisecond)
	}

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(snap.Stages))
	}
	st := snap.Stages[0]
	if st.Samples != 3 {
		t.Fatalf("expected window of 3 samples, got %d", st.Samples)
	}
	// 10 and 20 were overwritten, only 30/40/50 remain.
	if st.AvgMS != 40 {
		t.Fatalf("expected avg 40 after overwrite, got %v", st.AvgMS)
	}
	if st.LastMS != 50 {
		t.Fatalf("expected last 50, got %v", st.LastMS)
	}
}

func TestLatencyWindowIgnoresInvalidObservations(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe("", time.Second)
	w.Observe(StageFirstAudio, -time.Second)

	snap := w.Snapshot()
	if len(snap.Stages) != 0 {
		t.Fatalf("expected no stages, got %d", len(snap.Stages))
	}
}

func TestLatencyWindowIndicatorsSortedAndCounted(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Mark("fallback_activation")
	w.Mark("dropped_audio_frame")
	w.Mark("fallback_activation")
	w.Mark("  ")

	snap := w.Snapshot()
	if len(snap.Indicators) != 2 {
		t.Fatalf("expected 2 indicators, got %d", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "dropped_audio_frame" || snap.Indicators[0].Count != 1 {
		t.Fatalf("unexpected first indicator %+v", snap.Indicators[0])
	}
	if snap.Indicators[1].Name != "fallback_activation" || snap.Indicators[1].Count != 2 {
		t.Fatalf("unexpected second indicator %+v", snap.Indicators[1])
	}
}

func TestLatencyWindowReset(t *testing.T) {
	w := NewLatencyWindow(8)
	w.Observe(StageBilateralWait, 100*time.Millisecond)
	w.Mark("fallback_activation")
	w.Reset()

	snap := w.Snapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("expected empty snapshot after reset, got %+v", snap)
	}
}

func TestLatencyWindowNilSafe(t *testing.T) {
	var w *LatencyWindow
	w.Observe(StageFirstAudio, time.Second)
	w.Mark("fallback_activation")
}
