package mysql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
)

func newMockStore(t *testing.T) (*ReconStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return NewReconStoreWithDB(db), mock
}

func TestSaveMatchingResultIgnoresDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO `matching_results`.*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := &matching.MatchingResult{
		ResultID:       "sha256:abc",
		TransactionID:  "TX-1",
		Score:          0.6,
		Classification: matching.ClassBreak,
		Decision:       matching.DecisionException,
		ReasonCodes:    []string{"IDENTIFIER_MISMATCH"},
		PrimaryRef:     "P-1",
		CounterRef:     "C-1",
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.SaveMatchingResult(context.Background(), r); err != nil {
		t.Fatalf("SaveMatchingResult() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetMatchingResultNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM `matching_results` WHERE result_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"result_id"}))

	_, err := store.GetMatchingResult(context.Background(), "sha256:missing")
	if !errors.Is(err, matching.ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestGetMatchingResultDecodesJSONColumns(t *testing.T) {
	store, mock := newMockStore(t)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"result_id", "transaction_id", "score", "confidence_low", "confidence_high",
		"classification", "decision", "reason_codes", "details", "primary_ref", "counter_ref",
		"prior_result_id", "created_at",
	}).AddRow("sha256:abc", "TX-1", 0.6, 0.4, 0.8, "BREAK", "EXCEPTION",
		[]byte(`["IDENTIFIER_MISMATCH","DATE_MISMATCH"]`), []byte(`[]`), "P-1", "C-1", "", created)
	mock.ExpectQuery("SELECT \\* FROM `matching_results`").WillReturnRows(rows)

	r, err := store.GetMatchingResult(context.Background(), "sha256:abc")
	if err != nil {
		t.Fatalf("GetMatchingResult() error = %v", err)
	}
	if len(r.ReasonCodes) != 2 || r.ReasonCodes[1] != "DATE_MISMATCH" {
		t.Fatalf("reason codes = %v", r.ReasonCodes)
	}
	if r.Details != nil {
		t.Fatalf("empty details should decode to nil, got %v", r.Details)
	}
	if r.Decision != matching.DecisionException || !r.CreatedAt.Equal(created) {
		t.Fatalf("result = %+v", r)
	}
}

func TestSaveTriageStateUpserts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO `triage_states`.*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(1, 2))

	now := time.Now().UTC()
	st := &triage.TriageState{
		ExceptionID:   "exc-1",
		Category:      triage.CategoryOperational,
		SeverityScore: 0.55,
		SeverityLevel: triage.LevelMedium,
		Destination:   triage.DestOpsDesk,
		Priority:      3,
		SLADeadline:   now.Add(8 * time.Hour),
		Status:        triage.StatusAssigned,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.SaveTriageState(context.Background(), st); err != nil {
		t.Fatalf("SaveTriageState() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSaveTriageStateWrapsDriverError(t *testing.T) {
	store, mock := newMockStore(t)

	driverErr := errors.New("connection reset")
	mock.ExpectExec("INSERT INTO `triage_states`").WillReturnError(driverErr)

	err := store.SaveTriageState(context.Background(), &triage.TriageState{ExceptionID: "exc-1"})
	if !errors.Is(err, driverErr) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
}

func TestGetTriageStateNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM `triage_states` WHERE exception_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"exception_id"}))

	_, err := store.GetTriageState(context.Background(), "exc-missing")
	if !errors.Is(err, triage.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestLoadPolicyMissingReturnsNil(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM `policies` WHERE policy_key = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"policy_key", "data", "updated_at"}))

	data, err := store.LoadPolicy(context.Background(), "default")
	if err != nil || data != nil {
		t.Fatalf("LoadPolicy() = %q, %v; want nil, nil", data, err)
	}
}

func TestLoadPolicyReturnsDocument(t *testing.T) {
	store, mock := newMockStore(t)

	doc := []byte(`{"version":1,"entries":{}}`)
	mock.ExpectQuery("SELECT \\* FROM `policies`").
		WillReturnRows(sqlmock.NewRows([]string{"policy_key", "data", "updated_at"}).AddRow("default", doc, time.Now()))

	data, err := store.LoadPolicy(context.Background(), "default")
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if string(data) != string(doc) {
		t.Fatalf("LoadPolicy() = %s", data)
	}
}

func TestSavePolicyUpserts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO `policies`.*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.SavePolicy(context.Background(), "default", []byte(`{}`)); err != nil {
		t.Fatalf("SavePolicy() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
