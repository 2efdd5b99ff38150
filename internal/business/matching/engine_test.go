package matching

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e
}

func mustDecimal(t *testing.T, s string) Value {
	t.Helper()
	v, err := DecimalFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return v
}

func mustDate(t *testing.T, s string) Value {
	t.Helper()
	v, err := DateFromString(s)
	if err != nil {
		t.Fatalf("date %q: %v", s, err)
	}
	return v
}

// scenarioPair 标识一致、名义金额差 0.005%、日期一致、对手方相似度 0.95、币种一致
func scenarioPair(t *testing.T) *Pair {
	t.Helper()
	return &Pair{
		TransactionID: "TX-1",
		Primary: &Record{
			ID: "P-1", Category: "FX", Partition: "FX",
			Fields: []Field{
				{Name: "trade_id", Value: String("T-100")},
				{Name: "notional", Value: mustDecimal(t, "1000000.00")},
				{Name: "trade_date", Value: mustDate(t, "2026-01-02")},
				{Name: "counterparty", Value: String("ABCDEFGHIJKLMNOPQRST")},
				{Name: "currency", Value: String("USD")},
			},
		},
		Counter: &Record{
			ID: "C-1", Category: "FX", Partition: "FX",
			Fields: []Field{
				{Name: "trade_id", Value: String(" t-100 ")},
				{Name: "notional", Value: mustDecimal(t, "1000050.00")},
				{Name: "trade_date", Value: mustDate(t, "2026-01-02")},
				{Name: "counterparty", Value: String("abcdefghijklmnopqrsx")},
				{Name: "currency", Value: String("usd")},
			},
		},
	}
}

func TestEvaluateScenarioMatched(t *testing.T) {
	e := newTestEngine(t)

	res, mr, err := e.Evaluate(scenarioPair(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	if math.Abs(res.Score-0.9925) > 1e-9 {
		t.Fatalf("score = %v, want 0.9925", res.Score)
	}
	if res.Classification != ClassMatched || res.Decision != DecisionAutoMatch {
		t.Fatalf("got %s/%s, want MATCHED/AUTO_MATCH", res.Classification, res.Decision)
	}
	want := []string{"WITHIN_NOTIONAL_TOLERANCE", "FUZZY_COUNTERPARTY_MATCH"}
	if !reflect.DeepEqual(res.ReasonCodes, want) {
		t.Fatalf("reason codes = %v, want %v", res.ReasonCodes, want)
	}
	if !mr.IdentifierMatch || !mr.AmountWithinTolerance || !mr.DateWithinTolerance || !mr.CurrencyMatch {
		t.Fatalf("unexpected sub flags: %+v", mr)
	}
	if math.Abs(mr.CounterpartySimilarity-0.95) > 1e-12 {
		t.Fatalf("counterparty similarity = %v", mr.CounterpartySimilarity)
	}
	if res.PrimaryRef != "P-1" || res.CounterRef != "C-1" {
		t.Fatalf("records must be referenced by id, got %s/%s", res.PrimaryRef, res.CounterRef)
	}
}

func TestEvaluateIdentifierMismatchNeverMatched(t *testing.T) {
	e := newTestEngine(t)
	pair := scenarioPair(t)
	pair.Counter.Fields[0].Value = String("T-101")

	res, mr, err := e.Evaluate(pair)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if mr.IdentifierMatch {
		t.Fatalf("identifier should not match")
	}
	if res.Score > 0.70 {
		t.Fatalf("score = %v, want <= 0.70", res.Score)
	}
	if res.Classification == ClassMatched {
		t.Fatalf("identifier mismatch must never be MATCHED")
	}
	if res.ReasonCodes[0] != "IDENTIFIER_MISMATCH" {
		t.Fatalf("first reason code = %s, want IDENTIFIER_MISMATCH", res.ReasonCodes[0])
	}
}

func TestThresholdBoundary(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	if cls, dec := c.Threshold(0.85); cls != ClassMatched || dec != DecisionAutoMatch {
		t.Fatalf("0.85 -> %s/%s, want MATCHED/AUTO_MATCH", cls, dec)
	}
	if cls, dec := c.Threshold(0.8499999999); cls != ClassProbableMatch || dec != DecisionEscalate {
		t.Fatalf("0.8499.. -> %s/%s, want PROBABLE_MATCH/ESCALATE", cls, dec)
	}
	if cls, _ := c.Threshold(0.70); cls != ClassProbableMatch {
		t.Fatalf("0.70 -> %s", cls)
	}
	if cls, dec := c.Threshold(0.50); cls != ClassReviewRequired || dec != DecisionException {
		t.Fatalf("0.50 -> %s/%s", cls, dec)
	}
	if cls, _ := c.Threshold(0.4999); cls != ClassBreak {
		t.Fatalf("0.4999 -> %s", cls)
	}
}

func TestScoreExactlyAtThresholdFromWeights(t *testing.T) {
	e := newTestEngine(t)
	pair := scenarioPair(t)
	// 对手方完全不同：0.30+0.25+0.20+0.10 = 0.85
	pair.Counter.Fields[3].Value = String("ZZZZZZZZZZZZZZZZZZZZ")

	res, _, err := e.Evaluate(pair)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Score != 0.85 {
		t.Fatalf("score = %.17f, want exactly 0.85", res.Score)
	}
	if res.Classification != ClassMatched {
		t.Fatalf("classification = %s, want MATCHED", res.Classification)
	}
}

func TestReasonCodeOrdering(t *testing.T) {
	e := newTestEngine(t)
	pair := scenarioPair(t)
	// 完整性、不匹配、容差内各制造一个
	pair.Counter.Partition = "EQ"
	pair.Counter.Fields[4].Value = String("EUR")
	pair.Counter.Fields[2].Value = mustDate(t, "2026-01-03")

	res, _, err := e.Evaluate(pair)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Classification != ClassDataError || res.Decision != DecisionException {
		t.Fatalf("got %s/%s, want DATA_ERROR/EXCEPTION", res.Classification, res.Decision)
	}

	rank := func(code string) int {
		switch code {
		case CodeDataError, CodePartitionMismatch, CodeMandatoryFieldMissing, CodeMalformedField:
			return 0
		case "CURRENCY_MISMATCH":
			return 1
		default:
			return 2
		}
	}
	last := -1
	for _, c := range res.ReasonCodes {
		r := rank(c)
		if r < last {
			t.Fatalf("reason codes out of order: %v", res.ReasonCodes)
		}
		last = r
	}
	want := []string{"DATA_ERROR", "DATA_PARTITION_MISMATCH", "CURRENCY_MISMATCH",
		"WITHIN_NOTIONAL_TOLERANCE", "WITHIN_DATE_TOLERANCE", "FUZZY_COUNTERPARTY_MATCH"}
	if !reflect.DeepEqual(res.ReasonCodes, want) {
		t.Fatalf("reason codes = %v, want %v", res.ReasonCodes, want)
	}
	if len(res.Details) != 1 {
		t.Fatalf("expected one partition detail, got %v", res.Details)
	}
}

func TestMandatoryFieldAbsentOnBothSides(t *testing.T) {
	e := newTestEngine(t)
	pair := scenarioPair(t)
	pair.Primary.Fields = pair.Primary.Fields[1:]
	pair.Counter.Fields = pair.Counter.Fields[1:]

	res, mr, err := e.Evaluate(pair)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Classification != ClassDataError {
		t.Fatalf("classification = %s, want DATA_ERROR", res.Classification)
	}
	if !reflect.DeepEqual(mr.MissingMandatory, []string{"trade_id"}) {
		t.Fatalf("missing mandatory = %v", mr.MissingMandatory)
	}
	if res.ReasonCodes[0] != CodeDataError || res.ReasonCodes[1] != CodeMandatoryFieldMissing {
		t.Fatalf("reason codes = %v", res.ReasonCodes)
	}
	for _, d := range mr.Differences {
		if d.Field == "trade_id" {
			t.Fatalf("field absent on both sides must not produce a difference entry")
		}
	}
}

func TestMissingOnOneSideIsDistinct(t *testing.T) {
	e := newTestEngine(t)
	pair := scenarioPair(t)
	pair.Counter.Fields[1].Value = Null()

	res, mr, err := e.Evaluate(pair)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var notional *FieldDifference
	for i := range mr.Differences {
		if mr.Differences[i].Field == "notional" {
			notional = &mr.Differences[i]
		}
	}
	if notional == nil || notional.Missing != MissingCounter || notional.Match {
		t.Fatalf("unexpected notional difference: %+v", notional)
	}
	if res.ReasonCodes[0] != "NOTIONAL_MISSING" {
		t.Fatalf("reason codes = %v, want NOTIONAL_MISSING first", res.ReasonCodes)
	}
	if math.Abs(res.Score-0.7425) > 1e-9 {
		t.Fatalf("score = %v, want 0.7425", res.Score)
	}
}

func TestMalformedNumericIsDataError(t *testing.T) {
	e := newTestEngine(t)
	pair := scenarioPair(t)
	pair.Counter.Fields[1].Value = String("one million")

	res, _, err := e.Evaluate(pair)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Classification != ClassDataError {
		t.Fatalf("classification = %s, want DATA_ERROR", res.Classification)
	}
	want := []string{CodeDataError, CodeMalformedField, "FUZZY_COUNTERPARTY_MATCH"}
	if !reflect.DeepEqual(res.ReasonCodes, want) {
		t.Fatalf("reason codes = %v, want %v", res.ReasonCodes, want)
	}
}

func TestScoreMonotonicInMatchingFields(t *testing.T) {
	e := newTestEngine(t)
	agg := NewAggregator()

	base := scenarioPair(t)
	mr := e.matcher.Match(base.Primary, base.Counter)
	prev := agg.Aggregate(mr).Value

	// 依次破坏一个匹配字段，匹配字段集合严格缩小，得分不得上升
	breakers := []Value{String("X"), mustDecimal(t, "1"), mustDate(t, "2020-01-01"), String("###"), String("JPY")}
	counter := *base.Counter
	counter.Fields = append([]Field(nil), base.Counter.Fields...)
	for i, v := range breakers {
		counter.Fields[i].Value = v
		next := agg.Aggregate(e.matcher.Match(base.Primary, &counter)).Value
		if next > prev {
			t.Fatalf("score increased from %v to %v after breaking field %d", prev, next, i)
		}
		prev = next
	}
	if prev != 0 {
		t.Fatalf("all fields broken, score = %v, want 0", prev)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	r1, m1, err := e.Evaluate(scenarioPair(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	e.now = func() time.Time { return time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC) }
	r2, m2, err := e.Evaluate(scenarioPair(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	j1, _ := json.Marshal(m1)
	j2, _ := json.Marshal(m2)
	if string(j1) != string(j2) {
		t.Fatalf("match results differ:\n%s\n%s", j1, j2)
	}
	if r1.ResultID != r2.ResultID {
		t.Fatalf("result ids differ: %s vs %s", r1.ResultID, r2.ResultID)
	}
	r2.CreatedAt = r1.CreatedAt
	if !reflect.DeepEqual(r1, r2) {
		t.Fatalf("matching results differ beyond timestamp")
	}
}

func TestCorrectionReferencesPriorResult(t *testing.T) {
	e := newTestEngine(t)
	first, _, err := e.Evaluate(scenarioPair(t))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	pair := scenarioPair(t)
	pair.PriorResultID = first.ResultID
	second, _, err := e.Evaluate(pair)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if second.PriorResultID != first.ResultID {
		t.Fatalf("prior result id = %s", second.PriorResultID)
	}
	if second.ResultID == first.ResultID {
		t.Fatalf("a correction must produce a new result id")
	}
}

func TestEvaluateRejectsInvalidPair(t *testing.T) {
	e := newTestEngine(t)
	if _, _, err := e.Evaluate(&Pair{Primary: &Record{}, Counter: &Record{}}); err != ErrMissingTransactionID {
		t.Fatalf("expected ErrMissingTransactionID, got %v", err)
	}
	if _, _, err := e.Evaluate(&Pair{TransactionID: "x", Primary: &Record{}}); err != ErrMissingRecord {
		t.Fatalf("expected ErrMissingRecord, got %v", err)
	}
}

func TestConfigValidateRejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules[0].Weight = 0.5
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected weight sum error")
	}

	cfg = DefaultConfig()
	cfg.Thresholds = Thresholds{AutoMatch: 0.6, Probable: 0.7, Review: 0.5}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected threshold order error")
	}
}

func TestConfigValidateRejectsNaN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules[0].Weight = math.NaN()
	if err := cfg.Validate(); err == nil {
		t.Errorf("NaN weight accepted")
	}

	cfg = DefaultConfig()
	for i := range cfg.Rules {
		if cfg.Rules[i].Kind == RuleFuzzyString {
			cfg.Rules[i].MinSimilarity = math.NaN()
		}
	}
	if err := cfg.Validate(); err == nil {
		t.Errorf("NaN min_similarity accepted")
	}

	cfg = DefaultConfig()
	cfg.Epsilon = math.NaN()
	if err := cfg.Validate(); err == nil {
		t.Errorf("NaN epsilon accepted")
	}
}
