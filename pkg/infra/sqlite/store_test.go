package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "recon.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMatchingResultRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := &matching.MatchingResult{
		ResultID:       "sha256:abc",
		TransactionID:  "TX-1",
		Score:          0.62,
		ConfidenceLow:  0.4,
		ConfidenceHigh: 0.8,
		Classification: matching.ClassBreak,
		Decision:       matching.DecisionException,
		ReasonCodes:    []string{"IDENTIFIER_MISMATCH"},
		Details:        []string{"trade_id differs"},
		PrimaryRef:     "P-1",
		CounterRef:     "C-1",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
	}
	if err := s.SaveMatchingResult(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	// 重复写入忽略
	dup := *r
	dup.Score = 0.1
	if err := s.SaveMatchingResult(ctx, &dup); err != nil {
		t.Fatalf("save duplicate: %v", err)
	}

	got, err := s.GetMatchingResult(ctx, r.ResultID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Score != 0.62 || got.Details[0] != "trade_id differs" || !got.CreatedAt.Equal(r.CreatedAt) {
		t.Fatalf("got %+v", got)
	}

	if _, err := s.GetMatchingResult(ctx, "sha256:none"); !errors.Is(err, matching.ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestExceptionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	score := 0.84
	rec := &triage.ExceptionRecord{
		ID:            "exc-1",
		Type:          triage.TypeMatchingException,
		Stage:         "matching",
		TransactionID: "TX-1",
		ReasonCodes:   []string{"CURRENCY_MISMATCH"},
		MatchScore:    &score,
		RetryCount:    1,
		StateVector:   []float64{1, 0, 0, 0, 0.84, 0.25, 0.1, 0},
		Metadata:      triage.Metadata{"desk": "fx"},
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.SaveException(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetException(ctx, "exc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MatchScore == nil || *got.MatchScore != 0.84 || got.Metadata["desk"] != "fx" || len(got.StateVector) != 8 {
		t.Fatalf("got %+v", got)
	}

	noScore := &triage.ExceptionRecord{ID: "exc-2", Type: triage.TypeSystemError, Stage: "delegation", CreatedAt: time.Now()}
	if err := s.SaveException(ctx, noScore); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.GetException(ctx, "exc-2")
	if err != nil || got.MatchScore != nil || got.Metadata != nil {
		t.Fatalf("got %+v, %v", got, err)
	}

	if _, err := s.GetException(ctx, "missing"); !errors.Is(err, triage.ErrExceptionNotFound) {
		t.Fatalf("expected ErrExceptionNotFound, got %v", err)
	}
}

func TestTriageStateUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := &triage.TriageState{
		ExceptionID:       "exc-1",
		Category:          triage.CategoryCompliance,
		SeverityScore:     0.85,
		SeverityLevel:     triage.LevelCritical,
		Destination:       triage.DestCompliance,
		StaticDestination: triage.DestCompliance,
		Priority:          1,
		SLADeadline:       now.Add(2 * time.Hour),
		Status:            triage.StatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.SaveTriageState(ctx, st); err != nil {
		t.Fatalf("save: %v", err)
	}

	assigned := now.Add(time.Minute)
	st.Status = triage.StatusAssigned
	st.AssignedTo = string(triage.DestCompliance)
	st.AssignedAt = &assigned
	st.PolicyOverride = true
	st.UpdatedAt = assigned
	if err := s.SaveTriageState(ctx, st); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := s.GetTriageState(ctx, "exc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != triage.StatusAssigned || got.AssignedAt == nil || !got.AssignedAt.Equal(assigned) {
		t.Fatalf("got %+v", got)
	}
	if !got.PolicyOverride || got.ResolvedAt != nil || !got.SLADeadline.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("got %+v", got)
	}

	if _, err := s.GetTriageState(ctx, "missing"); !errors.Is(err, triage.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestPolicyRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	data, err := s.LoadPolicy(ctx, "default")
	if err != nil || data != nil {
		t.Fatalf("empty store: %q, %v", data, err)
	}
	if err := s.SavePolicy(ctx, "default", []byte(`{"version":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SavePolicy(ctx, "default", []byte(`{"version":1,"entries":{}}`)); err != nil {
		t.Fatalf("save again: %v", err)
	}
	data, err = s.LoadPolicy(ctx, "default")
	if err != nil || string(data) != `{"version":1,"entries":{}}` {
		t.Fatalf("load: %q, %v", data, err)
	}
}
