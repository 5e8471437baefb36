package audit

import (
	"fmt"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

// ChainIntegrityError identifies the first record that fails verification.
// It is never repaired automatically.
type ChainIntegrityError struct {
	Sequence int64  `json:"sequence"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain invalid at record %d (%s): %s", e.Sequence, e.RecordID, e.Reason)
}

// VerifyReport summarizes a chain walk.
type VerifyReport struct {
	Valid              bool                 `json:"valid"`
	RecordsChecked     int                  `json:"records_checked"`
	TailHash           string               `json:"tail_hash"`
	FirstInvalidRecord *ChainIntegrityError `json:"first_invalid_record,omitempty"`
}

// Err returns the integrity error, or nil for a valid chain.
func (r VerifyReport) Err() error {
	if r.FirstInvalidRecord == nil {
		return nil
	}
	return r.FirstInvalidRecord
}

// VerifyRecords walks records in sequence order and recomputes every
// report_hash from the covered events looked up in events. It stops at the
// first mismatch.
func VerifyRecords(records []models.AuditRecord, events map[int64]models.Event) VerifyReport {
	report := VerifyReport{Valid: true, TailHash: GenesisHash}
	expectedPrev := GenesisHash

	fail := func(r models.AuditRecord, reason string) VerifyReport {
		report.Valid = false
		report.FirstInvalidRecord = &ChainIntegrityError{Sequence: r.Sequence, RecordID: r.ID, Reason: reason}
		return report
	}

	for i, r := range records {
		if r.Sequence != int64(i+1) {
			return fail(r, fmt.Sprintf("sequence %d, expected %d", r.Sequence, i+1))
		}
		if r.PreviousHash != expectedPrev {
			return fail(r, "previous_hash does not match the prior record")
		}
		if len(r.EventIDs) == 0 {
			return fail(r, "record covers no events")
		}

		covered := make([]models.Event, 0, len(r.EventIDs))
		for _, id := range r.EventIDs {
			e, ok := events[id]
			if !ok {
				return fail(r, fmt.Sprintf("covered event %d is missing", id))
			}
			covered = append(covered, e)
		}

		computed, err := ComputeReportHash(covered, r.PreviousHash)
		if err != nil {
			return fail(r, err.Error())
		}
		if computed != r.ReportHash {
			return fail(r, "report_hash mismatch")
		}

		report.RecordsChecked++
		report.TailHash = r.ReportHash
		expectedPrev = r.ReportHash
	}
	return report
}
