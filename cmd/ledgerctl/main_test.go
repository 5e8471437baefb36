package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/compliance-ledger/backend/internal/analytics"
	"github.com/compliance-ledger/backend/internal/ingestion"
	"github.com/compliance-ledger/backend/internal/prediction"
	"github.com/compliance-ledger/backend/internal/storage/sqlite"
)

var seedTime = time.Date(2026, 5, 4, 15, 30, 0, 0, time.UTC)

func seedStore(t *testing.T) (*sqlite.Client, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := sqlite.NewClient(path, 5000)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatal(err)
	}

	clock := func() time.Time { return seedTime }
	p := ingestion.NewProcessor(store, analytics.NewAggregator(store).WithClock(clock), ingestion.WithClock(clock))
	for _, body := range []string{
		`{"channel_id":"C1","source_message_id":"m1","project_id":"atlas","regulation":"GDPR","event_type":"approval"}`,
		`{"channel_id":"C1","source_message_id":"m2","project_id":"atlas","regulation":"GDPR","event_type":"approval"}`,
		`{"channel_id":"C1","source_message_id":"m3","project_id":"atlas","regulation":"GDPR","event_type":"approval"}`,
		`{"channel_id":"C2","source_message_id":"m1","project_id":"zeus","regulation":"SOX","event_type":"decision"}`,
	} {
		if _, err := p.Ingest(context.Background(), "application/json", []byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	return store, path
}

func TestExportThenVerify(t *testing.T) {
	store, _ := seedStore(t)
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "export")

	var out bytes.Buffer
	if err := runExport(ctx, store, "2026-05-04", 24*time.Hour, dir, &out); err != nil {
		t.Fatal(err)
	}
	var summary map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if summary["new_records"] != float64(2) || summary["exported"] != float64(2) {
		t.Errorf("summary = %v", summary)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("export dir has %d files", len(entries))
	}

	// A second export of the same day adds nothing.
	out.Reset()
	if err := runExport(ctx, store, "2026-05-04", 24*time.Hour, dir, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"new_records": 0`) {
		t.Errorf("re-export output %s", out.String())
	}

	out.Reset()
	if err := runVerify(ctx, store, &out); err != nil {
		t.Fatalf("verify: %v, output %s", err, out.String())
	}
	if !strings.Contains(out.String(), `"valid": true`) {
		t.Errorf("verify output %s", out.String())
	}
}

func TestVerifyDetectsTamperedEvent(t *testing.T) {
	store, path := seedStore(t)
	ctx := context.Background()

	if err := runExport(ctx, store, "2026-05-04", 24*time.Hour, t.TempDir(), &bytes.Buffer{}); err != nil {
		t.Fatal(err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE events SET description = 'edited' WHERE project_id = 'zeus'`); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err = runVerify(ctx, store, &out)
	if !errors.Is(err, errChainInvalid) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(out.String(), `"first_invalid_record"`) {
		t.Errorf("verify output %s", out.String())
	}
}

func TestExportRejectsBadDate(t *testing.T) {
	store, _ := seedStore(t)
	if err := runExport(context.Background(), store, "May 4", 24*time.Hour, t.TempDir(), &bytes.Buffer{}); err == nil {
		t.Error("expected date error")
	}
}

func TestExportDefaultsToConfiguredPeriod(t *testing.T) {
	store, _ := seedStore(t)
	now = func() time.Time { return time.Date(2026, 5, 4, 18, 10, 0, 0, time.UTC) }
	t.Cleanup(func() { now = time.Now })

	var out bytes.Buffer
	if err := runExport(context.Background(), store, "", 6*time.Hour, t.TempDir(), &out); err != nil {
		t.Fatal(err)
	}
	var summary struct {
		Period struct {
			Start time.Time `json:"period_start"`
			End   time.Time `json:"period_end"`
		} `json:"period"`
		NewRecords int `json:"new_records"`
	}
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	wantStart := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	if !summary.Period.Start.Equal(wantStart) || !summary.Period.End.Equal(wantStart.Add(6*time.Hour)) {
		t.Errorf("period = %+v", summary.Period)
	}
	if summary.NewRecords != 2 {
		t.Errorf("new_records = %d, want 2", summary.NewRecords)
	}
}

func TestPredictPrintsResult(t *testing.T) {
	store, _ := seedStore(t)
	svc := prediction.NewService(store, prediction.WithClock(func() time.Time { return seedTime }))

	var out bytes.Buffer
	if err := runPredict(context.Background(), svc, "atlas", 14, &out); err != nil {
		t.Fatal(err)
	}
	var res prediction.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.ProjectID != "atlas" || res.EventsAnalyzed != 3 || res.HorizonDays != 14 {
		t.Errorf("result = %+v", res)
	}
}

func TestPredictRequiresProject(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"predict"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--project") {
		t.Errorf("err = %v", err)
	}
}

func TestVerifyCommandUsesDBFlag(t *testing.T) {
	_, path := seedStore(t)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs([]string{"verify", "--db", path})
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"records_checked": 0`) {
		t.Errorf("output %s", out.String())
	}
}
