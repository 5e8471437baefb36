package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/compliance-ledger/backend/internal/storage/models"
)

// FileExporter writes each record as an immutable JSON object under
// <dir>/records and appends a line per record to <dir>/chain.jsonl.
type FileExporter struct {
	dir string
	mu  sync.Mutex
	// Record IDs present in the manifest, loaded on first export.
	listed map[string]bool
}

type manifestEntry struct {
	Sequence     int64  `json:"sequence"`
	RecordID     string `json:"record_id"`
	ProjectID    string `json:"project_id"`
	Regulation   string `json:"regulation"`
	ReportHash   string `json:"report_hash"`
	PreviousHash string `json:"previous_hash"`
	Object       string `json:"object"`
}

func NewFileExporter(dir string) (*FileExporter, error) {
	if err := os.MkdirAll(filepath.Join(dir, "records"), 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &FileExporter{dir: dir}, nil
}

func objectName(r models.AuditRecord) string {
	return fmt.Sprintf("%010d-%s.json", r.Sequence, r.ID)
}

// Export is idempotent: an object that already exists is left untouched, and
// a manifest line is appended only if the record has none yet.
func (x *FileExporter) Export(_ context.Context, r models.AuditRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.listed == nil {
		listed, err := x.readManifest()
		if err != nil {
			return err
		}
		x.listed = listed
	}

	name := filepath.Join("records", objectName(r))
	payload, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(x.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	switch {
	case errors.Is(err, fs.ErrExist):
		if x.listed[r.ID] {
			return nil
		}
	case err != nil:
		return fmt.Errorf("create object: %w", err)
	default:
		if err := writeObject(f, payload); err != nil {
			return err
		}
	}
	return x.appendManifest(r, name)
}

func writeObject(f *os.File, payload []byte) error {
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync object: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}
	return nil
}

func (x *FileExporter) appendManifest(r models.AuditRecord, name string) error {
	line, err := StableJSON(manifestEntry{
		Sequence:     r.Sequence,
		RecordID:     r.ID,
		ProjectID:    r.ProjectID,
		Regulation:   r.Regulation,
		ReportHash:   r.ReportHash,
		PreviousHash: r.PreviousHash,
		Object:       filepath.ToSlash(name),
	})
	if err != nil {
		return err
	}

	m, err := os.OpenFile(filepath.Join(x.dir, "chain.jsonl"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer m.Close()
	if _, err := m.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append manifest: %w", err)
	}
	x.listed[r.ID] = true
	return nil
}

func (x *FileExporter) readManifest() (map[string]bool, error) {
	listed := make(map[string]bool)
	f, err := os.Open(filepath.Join(x.dir, "chain.jsonl"))
	if errors.Is(err, fs.ErrNotExist) {
		return listed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry manifestEntry
		// Unparsable lines count as missing.
		if err := json.Unmarshal(scanner.Bytes(), &entry); err == nil && entry.RecordID != "" {
			listed[entry.RecordID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return listed, nil
}

// ExportAll exports records in order and stops at the first failure.
func (x *FileExporter) ExportAll(ctx context.Context, records []models.AuditRecord) (int, error) {
	for i, r := range records {
		if err := x.Export(ctx, r); err != nil {
			return i, fmt.Errorf("export record %d: %w", r.Sequence, err)
		}
	}
	return len(records), nil
}
