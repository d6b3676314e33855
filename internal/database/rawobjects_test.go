package database

import (
	"fmt"
	"testing"
	"time"
)

// fakeRows feeds scanRawObjects canned rows in the column order the
// raw-object SELECTs produce.
type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (f *fakeRows) Next() bool {
	if f.pos >= len(f.rows) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeRows) Scan(dest ...any) error {
	row := f.rows[f.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d targets for %d columns", len(dest), len(row))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int64:
			*d = v.(int64)
		case **string:
			if v == nil {
				*d = nil
			} else {
				s := v.(string)
				*d = &s
			}
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported target %T", d)
		}
	}
	return nil
}

func (f *fakeRows) Err() error { return f.err }

func TestScanRawObjects(t *testing.T) {
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rows := &fakeRows{rows: [][]any{
		{"raw/u1/devA/a.bin", "u1", "devA", int64(100), int64(500), int64(2048), nil, created},
		{"raw/u1/devA/b.bin", "u1", "devA", int64(600), int64(900), int64(1024), "3f0e8f3a-0000-0000-0000-000000000001", created},
	}}

	got, err := scanRawObjects(rows)
	if err != nil {
		t.Fatalf("scanRawObjects() = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("scanned %d rows, want 2", len(got))
	}

	first := got[0]
	if first.ObjectID != "raw/u1/devA/a.bin" || first.UserID != "u1" || first.DeviceID != "devA" {
		t.Errorf("identity = %+v", first)
	}
	if first.StartTimeDevice != 100 || first.EndTimeDevice != 500 {
		t.Errorf("device times = [%d, %d], want [100, 500]", first.StartTimeDevice, first.EndTimeDevice)
	}
	if first.SessionID != nil {
		t.Errorf("session_id = %v, want nil for an unattributed object", *first.SessionID)
	}

	second := got[1]
	if second.SessionID == nil || *second.SessionID != "3f0e8f3a-0000-0000-0000-000000000001" {
		t.Errorf("session_id = %v, want the producer-supplied session", second.SessionID)
	}
}
