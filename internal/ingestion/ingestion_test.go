package ingestion

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/compliance-ledger/backend/internal/alerts"
	"github.com/compliance-ledger/backend/internal/analytics"
	"github.com/compliance-ledger/backend/internal/llm"
	"github.com/compliance-ledger/backend/internal/storage/models"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
)

var now = time.Date(2026, 5, 4, 15, 30, 0, 0, time.UTC)

func TestNormalizeRequiredFields(t *testing.T) {
	_, err := Normalize(RawEvent{FieldDescription: "no ids"}, now)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, f := range []string{FieldChannelID, FieldSourceMessageID} {
		if _, ok := verr.Fields[f]; !ok {
			t.Errorf("missing field error for %s: %v", f, verr.Fields)
		}
	}
}

func TestNormalizeDefaults(t *testing.T) {
	e, err := Normalize(RawEvent{FieldChannelID: "C1", FieldSourceMessageID: "m1"}, now)
	if err != nil {
		t.Fatal(err)
	}
	if e.ProjectID != "C1" {
		t.Errorf("project_id = %q, want channel id", e.ProjectID)
	}
	if e.ConfidenceScore != 1 {
		t.Errorf("confidence = %v", e.ConfidenceScore)
	}
	if e.RiskLevel != models.RiskLow || e.EventType != models.EventTypeOther || e.Regulation != models.RegulationGeneral {
		t.Errorf("defaults not applied: %+v", e)
	}
	if e.Status != models.StatusPendingReview || !e.CreatedAt.Equal(now) {
		t.Errorf("status/created_at: %+v", e)
	}
	if e.Stakeholders == nil || len(e.Stakeholders) != 0 {
		t.Errorf("stakeholders = %#v", e.Stakeholders)
	}
}

func TestNormalizeFields(t *testing.T) {
	tests := []struct {
		name  string
		raw   RawEvent
		check func(t *testing.T, e models.Event)
	}{
		{
			name: "percent confidence",
			raw:  RawEvent{FieldConfidence: "85"},
			check: func(t *testing.T, e models.Event) {
				if e.ConfidenceScore != 0.85 {
					t.Fatalf("confidence = %v", e.ConfidenceScore)
				}
			},
		},
		{
			name: "confidence clamped",
			raw:  RawEvent{FieldConfidence: -2.0},
			check: func(t *testing.T, e models.Event) {
				if e.ConfidenceScore != 0 {
					t.Fatalf("confidence = %v", e.ConfidenceScore)
				}
			},
		},
		{
			name: "regulation canonicalized",
			raw:  RawEvent{FieldRegulation: "pci_dss"},
			check: func(t *testing.T, e models.Event) {
				if e.Regulation != "PCI-DSS" {
					t.Fatalf("regulation = %q", e.Regulation)
				}
			},
		},
		{
			name: "unknown regulation marker",
			raw:  RawEvent{FieldRegulation: "Unknown"},
			check: func(t *testing.T, e models.Event) {
				if e.Regulation != models.RegulationGeneral {
					t.Fatalf("regulation = %q", e.Regulation)
				}
			},
		},
		{
			name: "free-form regulation kept",
			raw:  RawEvent{FieldRegulation: "DORA"},
			check: func(t *testing.T, e models.Event) {
				if e.Regulation != "DORA" {
					t.Fatalf("regulation = %q", e.Regulation)
				}
			},
		},
		{
			name: "event type synonym",
			raw:  RawEvent{FieldEventType: "Sign-Off"},
			check: func(t *testing.T, e models.Event) {
				if e.EventType != models.EventTypeApproval {
					t.Fatalf("event_type = %q", e.EventType)
				}
			},
		},
		{
			name: "risk level",
			raw:  RawEvent{FieldRiskLevel: "critical"},
			check: func(t *testing.T, e models.Event) {
				if e.RiskLevel != models.RiskCritical {
					t.Fatalf("risk = %v", e.RiskLevel)
				}
			},
		},
		{
			name: "date-only deadline",
			raw:  RawEvent{FieldDeadline: "2026-06-01"},
			check: func(t *testing.T, e models.Event) {
				want := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
				if e.Deadline == nil || !e.Deadline.Equal(want) {
					t.Fatalf("deadline = %v", e.Deadline)
				}
			},
		},
		{
			name: "stakeholders cleaned",
			raw:  RawEvent{FieldStakeholders: "<@bob>, @alice bob"},
			check: func(t *testing.T, e models.Event) {
				if !reflect.DeepEqual(e.Stakeholders, []string{"alice", "bob"}) {
					t.Fatalf("stakeholders = %v", e.Stakeholders)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.raw[FieldChannelID] = "C1"
			tt.raw[FieldSourceMessageID] = "m1"
			e, err := Normalize(tt.raw, now)
			if err != nil {
				t.Fatal(err)
			}
			tt.check(t, e)
		})
	}
}

func TestNormalizeRejectsBadValues(t *testing.T) {
	_, err := Normalize(RawEvent{
		FieldChannelID:       "C1",
		FieldSourceMessageID: "m1",
		FieldConfidence:      "very",
		FieldDeadline:        "next tuesday",
	}, now)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Fields) != 2 {
		t.Fatalf("fields = %v", verr.Fields)
	}
}

func TestNormalizeEpochDeadlines(t *testing.T) {
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, v := range []any{
		float64(1767225600),
		float64(1767225600000),
		"1767225600",
		"1767225600000",
	} {
		e, err := Normalize(RawEvent{FieldChannelID: "C1", FieldSourceMessageID: "m1", FieldDeadline: v}, now)
		if err != nil {
			t.Errorf("%v: %v", v, err)
			continue
		}
		if e.Deadline == nil || !e.Deadline.Equal(want) {
			t.Errorf("%v: deadline = %v, want %v", v, e.Deadline, want)
		}
	}
}

func TestNormalizeRejectsUnstorableDeadline(t *testing.T) {
	for _, v := range []any{"3000-01-01", float64(9e15), "-9e15", float64(1e300)} {
		_, err := Normalize(RawEvent{FieldChannelID: "C1", FieldSourceMessageID: "m1", FieldDeadline: v}, now)

		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%v: expected ValidationError, got %v", v, err)
			continue
		}
		if verr.Fields[FieldDeadline] != "timestamp out of range" {
			t.Errorf("%v: fields = %v", v, verr.Fields)
		}
	}
}

func TestJSONAndFormDecodeToSameEvent(t *testing.T) {
	jsonBody := []byte(`{
		"channelId": "C42",
		"message_id": "1714836000.0001",
		"project": "atlas",
		"type": "approval",
		"regulation_type": "gdpr",
		"risk": "High",
		"confidence": 0.9,
		"deadline": "2026-05-10T00:00:00Z",
		"stakeholders": ["@dana", "<@eli>"],
		"text": "DPA approved"
	}`)
	formBody := []byte("channel=C42&ts=1714836000.0001&project_id=atlas&event_type=approval" +
		"&regulation=GDPR&risk_level=high&confidence_score=0.9&due_date=2026-05-10T00%3A00%3A00Z" +
		"&stakeholders=dana&stakeholders=eli&description=DPA+approved")

	r := NewRegistry()
	fromJSON, err := r.DecodeEvent("application/json", jsonBody, now)
	if err != nil {
		t.Fatal(err)
	}
	fromForm, err := r.DecodeEvent("application/x-www-form-urlencoded", formBody, now)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fromJSON, fromForm) {
		t.Fatalf("encodings disagree:\njson: %+v\nform: %+v", fromJSON, fromForm)
	}
	if fromJSON.SourceMessageID != "1714836000.0001" || fromJSON.Regulation != "GDPR" {
		t.Fatalf("unexpected event %+v", fromJSON)
	}
}

func TestJSONDecoderUnwrapsEnvelope(t *testing.T) {
	raw, err := JSONDecoder{}.Decode([]byte(`{"channel_id":"C1","event":{"message_id":"m9","risk_level":"Medium"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if raw[FieldChannelID] != "C1" || raw[FieldSourceMessageID] != "m9" {
		t.Fatalf("raw = %v", raw)
	}
}

func TestEncodingFor(t *testing.T) {
	tests := []struct {
		contentType string
		body        string
		want        string
		wantErr     bool
	}{
		{"application/json; charset=utf-8", "{}", EncodingJSON, false},
		{"application/vnd.ledger+json", "{}", EncodingJSON, false},
		{"application/x-www-form-urlencoded", "a=b", EncodingForm, false},
		{"", `  {"a":1}`, EncodingJSON, false},
		{"", "a=b", EncodingForm, false},
		{"text/csv", "a,b", "", true},
	}
	for _, tt := range tests {
		got, err := EncodingFor(tt.contentType, []byte(tt.body))
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("EncodingFor(%q) = %q, %v", tt.contentType, got, err)
		}
	}
}

func TestMalformedBodyIsValidationError(t *testing.T) {
	_, _, err := NewRegistry().Decode("application/json", []byte(`{"channel_id":`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCleanText(t *testing.T) {
	tests := []struct{ in, want string }{
		{"  plain   text\n", "plain text"},
		{"<p>GDPR <b>approved</b></p><script>x</script>", "GDPR approved"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanText(tt.in); got != tt.want {
			t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type recorder struct {
	mu  sync.Mutex
	got []alerts.Alert
}

func (r *recorder) Notify(_ context.Context, a ...alerts.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, a...)
}

type invalidations struct {
	mu       sync.Mutex
	projects []string
}

func (i *invalidations) InvalidateProject(_ context.Context, projectID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.projects = append(i.projects, projectID)
	return nil
}

func newProcessor(t *testing.T, opts ...Option) (*Processor, *sqlite.Client) {
	t.Helper()
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "ledger.db"), 5000)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatal(err)
	}
	clock := func() time.Time { return now }
	agg := analytics.NewAggregator(store).WithClock(clock)
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewProcessor(store, agg, opts...), store
}

func TestIngestIsIdempotent(t *testing.T) {
	rec := &recorder{}
	inv := &invalidations{}
	p, store := newProcessor(t, WithNotifier(rec, 3), WithCacheInvalidator(inv))
	ctx := context.Background()

	body := []byte(`{"channel_id":"C1","source_message_id":"m1","project_id":"atlas","event_type":"approval","risk_level":"High","regulation":"HIPAA"}`)

	first, err := p.Ingest(ctx, "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	if first.Duplicate || first.EventID == 0 {
		t.Fatalf("first ingest: %+v", first)
	}

	second, err := p.Ingest(ctx, "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Duplicate || second.EventID != first.EventID {
		t.Fatalf("redelivery: %+v, first id %d", second, first.EventID)
	}

	events, err := store.QueryEvents(ctx, sqlite.EventQuery{ProjectID: "atlas"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("stored %d events, want 1", len(events))
	}

	rollup, err := store.GetRollup(ctx, "atlas", now.Format(models.DateLayout))
	if err != nil {
		t.Fatal(err)
	}
	if rollup.TotalEvents != 1 || rollup.HighRiskCount != 1 || rollup.PendingApprovals != 1 {
		t.Fatalf("rollup = %+v", rollup)
	}

	if len(rec.got) != 1 || rec.got[0].Kind != alerts.KindHighRiskEvent {
		t.Fatalf("alerts = %+v", rec.got)
	}
	if len(inv.projects) != 1 || inv.projects[0] != "atlas" {
		t.Fatalf("invalidations = %v", inv.projects)
	}
}

func TestConcurrentRedeliveryStoresOnce(t *testing.T) {
	p, store := newProcessor(t)
	ctx := context.Background()
	body := []byte("channel_id=C1&source_message_id=race&event_type=decision")

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := p.Ingest(ctx, "application/x-www-form-urlencoded", body)
			errs[i] = err
			if err == nil {
				ids[i] = res.EventID
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("ids differ: %v", ids)
		}
	}
	rollup, err := store.GetRollup(ctx, "C1", now.Format(models.DateLayout))
	if err != nil {
		t.Fatal(err)
	}
	if rollup.TotalEvents != 1 {
		t.Fatalf("rollup total = %d", rollup.TotalEvents)
	}
}

func TestIngestValidationFailureStoresNothing(t *testing.T) {
	p, store := newProcessor(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, "application/json", []byte(`{"channel_id":"C1"}`))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	events, err := store.QueryEvents(ctx, sqlite.EventQuery{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("stored %d events", len(events))
	}
}

// stalledNotifier blocks until released, like a sink stuck on a slow network.
type stalledNotifier struct {
	recorder
	release chan struct{}
}

func (n *stalledNotifier) Notify(ctx context.Context, a ...alerts.Alert) {
	<-n.release
	n.recorder.Notify(ctx, a...)
}

func TestIngestDoesNotWaitOnAlertDelivery(t *testing.T) {
	sink := &stalledNotifier{release: make(chan struct{})}
	queue := alerts.NewQueue(sink, 4, 1)
	p, _ := newProcessor(t, WithNotifier(queue, 3))

	done := make(chan error, 1)
	go func() {
		_, err := p.Ingest(context.Background(), "application/json",
			[]byte(`{"channel_id":"C1","source_message_id":"slow1","project_id":"atlas","risk_level":"Critical"}`))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ingest blocked on alert delivery")
	}

	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := queue.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sink.got) != 1 || sink.got[0].Kind != alerts.KindHighRiskEvent {
		t.Fatalf("alerts = %+v", sink.got)
	}
}

func TestMillisecondDeadlineSurvivesStorage(t *testing.T) {
	p, store := newProcessor(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, "application/json",
		[]byte(`{"channel_id":"C1","source_message_id":"ms1","deadline":1767225600000}`))
	if err != nil {
		t.Fatal(err)
	}
	stored, err := store.GetEvent(ctx, res.EventID)
	if err != nil {
		t.Fatal(err)
	}

	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if res.Event.Deadline == nil || !res.Event.Deadline.Equal(want) {
		t.Errorf("response deadline = %v", res.Event.Deadline)
	}
	if stored.Deadline == nil || !stored.Deadline.Equal(want) {
		t.Errorf("stored deadline = %v", stored.Deadline)
	}
}

func TestUpdateStatus(t *testing.T) {
	p, store := newProcessor(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, "application/json", []byte(`{"channel_id":"C1","source_message_id":"m1","event_type":"approval"}`))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.UpdateStatus(ctx, res.EventID, "archived"); err == nil {
		t.Fatal("expected invalid status error")
	} else {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	}

	if _, err := p.UpdateStatus(ctx, 12345, "completed"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	e, err := p.UpdateStatus(ctx, res.EventID, "completed")
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != models.StatusCompleted || e.StatusUpdatedAt == nil {
		t.Fatalf("event = %+v", e)
	}

	rollup, err := store.GetRollup(ctx, "C1", now.Format(models.DateLayout))
	if err != nil {
		t.Fatal(err)
	}
	if rollup.PendingApprovals != 0 {
		t.Fatalf("pending approvals = %d after completion", rollup.PendingApprovals)
	}
}

type stubExtractor struct {
	ext *llm.Extraction
	err error
}

func (s stubExtractor) Name() string { return "stub" }
func (s stubExtractor) Extract(context.Context, string) (*llm.Extraction, error) {
	return s.ext, s.err
}

func TestProcessMessage(t *testing.T) {
	ext := &llm.Extraction{
		Entities:   llm.Entities{ComplianceEvent: "other", RegulationType: "sox", RiskLevel: "Medium", DecisionType: "rejected"},
		Confidence: 0.8,
	}
	p, _ := newProcessor(t, WithExtractor(stubExtractor{ext: ext}))
	ctx := context.Background()

	res, err := p.ProcessMessage(ctx, Message{
		ChannelID: "C7",
		MessageID: "m1",
		Text:      "<p>We <b>rejected</b> the vendor</p>",
		ProjectID: "ledger",
	})
	if err != nil {
		t.Fatal(err)
	}
	e := res.Event
	if e.EventType != models.EventTypeDecision || e.Regulation != "SOX" || e.RiskLevel != models.RiskMedium {
		t.Fatalf("event = %+v", e)
	}
	if e.Description != "We rejected the vendor" || e.ConfidenceScore != 0.8 || e.ProjectID != "ledger" {
		t.Fatalf("event = %+v", e)
	}
}

func TestProcessMessageSkipsNonCompliance(t *testing.T) {
	ext := &llm.Extraction{Entities: llm.Entities{ComplianceEvent: "none"}}
	p, store := newProcessor(t, WithExtractor(stubExtractor{ext: ext}))
	ctx := context.Background()

	res, err := p.ProcessMessage(ctx, Message{ChannelID: "C7", MessageID: "m2", Text: "lunch?"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatalf("expected skip, got %+v", res)
	}
	events, _ := store.QueryEvents(ctx, sqlite.EventQuery{})
	if len(events) != 0 {
		t.Fatalf("stored %d events", len(events))
	}
}

func TestProcessMessageErrors(t *testing.T) {
	p, _ := newProcessor(t)
	if _, err := p.ProcessMessage(context.Background(), Message{Text: "x"}); !errors.Is(err, ErrNoExtractor) {
		t.Fatalf("expected ErrNoExtractor, got %v", err)
	}

	boom := errors.New("boom")
	p, _ = newProcessor(t, WithExtractor(stubExtractor{err: boom}))
	if _, err := p.ProcessMessage(context.Background(), Message{ChannelID: "C", MessageID: "m", Text: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped extractor error, got %v", err)
	}
}
