package routers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"oip/recon/internal/api/handlers/recon"
	"oip/recon/internal/business"
	"oip/recon/internal/business/matching"
	"oip/recon/internal/business/triage"
	"oip/recon/pkg/errorutil"
	"oip/recon/pkg/logger"
)

type published struct {
	queue string
	data  []byte
}

type fakePublisher struct {
	fail bool
	sent []published
}

func (p *fakePublisher) Publish(ctx context.Context, queue string, data []byte) error {
	if p.fail {
		return errors.New("lmstfy down")
	}
	p.sent = append(p.sent, published{queue: queue, data: data})
	return nil
}

type fakeQuery struct{}

func (fakeQuery) GetResult(ctx context.Context, id string) (*matching.MatchingResult, error) {
	switch id {
	case "sha256:abc":
		return &matching.MatchingResult{ResultID: id, TransactionID: "TX-1", Decision: matching.DecisionAutoMatch}, nil
	case "sha256:down":
		return nil, errorutil.SystemIssue("load matching result", errors.New("timeout"))
	}
	return nil, matching.ErrResultNotFound
}

func (fakeQuery) GetException(ctx context.Context, id string) (*business.ExceptionView, error) {
	if id != "exc-1" {
		return nil, triage.ErrExceptionNotFound
	}
	return &business.ExceptionView{
		Exception: &triage.ExceptionRecord{ID: id, Type: triage.TypeDataError, Stage: "matching"},
		State:     &triage.TriageState{ExceptionID: id, Status: triage.StatusAssigned, Destination: triage.DestOpsDesk},
	}, nil
}

func newTestRouter(pub *fakePublisher) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := recon.NewReconHandler(pub, fakeQuery{}, recon.Queues{
		Match: "recon.match", Exception: "recon.exception", Feedback: "recon.feedback",
	}, logger.NewNop())
	return SetupRoutes(h, logger.NewNop())
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const pairBody = `{"transaction_id":"TX-1",
 "primary":{"id":"P-1","category":"FX","partition":"FX","fields":[{"name":"trade_id","value":"T-1"}]},
 "counter":{"id":"C-1","category":"FX","partition":"FX","fields":[{"name":"trade_id","value":"T-1"}]}}`

func TestHealth(t *testing.T) {
	w := do(newTestRouter(&fakePublisher{}), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSubmitPairQueuesJob(t *testing.T) {
	pub := &fakePublisher{}
	w := do(newTestRouter(pub), http.MethodPost, "/api/v1/pairs", pairBody)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(pub.sent) != 1 || pub.sent[0].queue != "recon.match" {
		t.Fatalf("sent = %+v", pub.sent)
	}

	var job struct {
		Payload struct {
			Data struct {
				RequestID  string `json:"request_id"`
				ActionType string `json:"action_type"`
				ID         string `json:"id"`
			} `json:"data"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(pub.sent[0].data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	d := job.Payload.Data
	if d.ActionType != "match_pair" || d.ID != "TX-1" || d.RequestID == "" {
		t.Fatalf("job = %+v", d)
	}
	if w.Header().Get("X-Request-ID") != d.RequestID {
		t.Fatalf("request id header %q != job request id %q", w.Header().Get("X-Request-ID"), d.RequestID)
	}
}

func TestSubmitPairRejectsInvalid(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestRouter(pub)

	if w := do(r, http.MethodPost, "/api/v1/pairs", `{"transaction_id":"TX-1"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing records: status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/v1/pairs", `{`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: status = %d", w.Code)
	}
	if len(pub.sent) != 0 {
		t.Fatalf("invalid requests must not be queued")
	}
}

func TestSubmitPairQueueDown(t *testing.T) {
	w := do(newTestRouter(&fakePublisher{fail: true}), http.MethodPost, "/api/v1/pairs", pairBody)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestReportExceptionValidation(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestRouter(pub)

	w := do(r, http.MethodPost, "/api/v1/exceptions", `{"type":"UNKNOWN","stage":"ingest"}`)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "must be one of") {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPost, "/api/v1/exceptions", `{"type":"DATA_ERROR","stage":"ingest","reason_codes":["DATA_MISSING_FIELD"]}`)
	if w.Code != http.StatusAccepted || len(pub.sent) != 1 || pub.sent[0].queue != "recon.exception" {
		t.Fatalf("status = %d, sent = %+v", w.Code, pub.sent)
	}
}

func TestFeedbackEndpoints(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestRouter(pub)

	w := do(r, http.MethodPost, "/api/v1/exceptions/exc-1/resolution", `{"event_id":"ev-1","resolved_by":"ops"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("resolution: status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(string(pub.sent[0].data), `"exception_id":"exc-1"`) {
		t.Fatalf("exception id from path not carried: %s", pub.sent[0].data)
	}

	w = do(r, http.MethodPost, "/api/v1/exceptions/exc-1/override", `{"event_id":"ev-2","actor":"lead"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty override: status = %d", w.Code)
	}
	w = do(r, http.MethodPost, "/api/v1/exceptions/exc-1/override", `{"event_id":"ev-2","exception_id":"exc-9","actor":"lead","destination":"SENIOR_OPS"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("mismatched id: status = %d", w.Code)
	}
	w = do(r, http.MethodPost, "/api/v1/exceptions/exc-1/override", `{"event_id":"ev-2","actor":"lead","destination":"SENIOR_OPS"}`)
	if w.Code != http.StatusAccepted || len(pub.sent) != 2 || pub.sent[1].queue != "recon.feedback" {
		t.Fatalf("override: status = %d, sent = %d", w.Code, len(pub.sent))
	}
}

func TestQueries(t *testing.T) {
	r := newTestRouter(&fakePublisher{})

	cases := []struct {
		path string
		code int
	}{
		{"/api/v1/results/sha256:abc", http.StatusOK},
		{"/api/v1/results/sha256:none", http.StatusNotFound},
		{"/api/v1/results/sha256:down", http.StatusServiceUnavailable},
		{"/api/v1/exceptions/exc-1", http.StatusOK},
		{"/api/v1/exceptions/exc-2", http.StatusNotFound},
	}
	for _, tc := range cases {
		if w := do(r, http.MethodGet, tc.path, ""); w.Code != tc.code {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.code)
		}
	}
}
