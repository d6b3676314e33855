package corrector

import (
	"fmt"
	"sort"

	"github.com/synaptiq/biopipe/internal/database"
	"github.com/synaptiq/biopipe/internal/devclock"
)

// align matches a session's events to the trigger pulses recorded on
// the device clock. triggers is the concatenation of per-object trigger
// lists in device-start order; events are ordered by onset ascending.
//
// The window filter discards pulses recorded outside the session. The
// match is positional and gated on count equality: if the number of
// in-window pulses differs from the number of events there is no safe
// assignment, and guessing would silently corrupt every onset.
func align(events []database.EventRow, triggers []uint32, w devclock.Window) ([]database.EventCorrection, error) {
	sorted := append([]uint32(nil), triggers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	filtered := w.Filter(sorted)
	if len(filtered) != len(events) {
		return nil, fmt.Errorf("trigger count mismatch: %d in-window triggers for %d events",
			len(filtered), len(events))
	}

	corrections := make([]database.EventCorrection, len(events))
	for i, e := range events {
		corrections[i] = database.EventCorrection{
			EventID:          e.EventID,
			OnsetCorrectedUs: int64(filtered[i]),
		}
	}
	return corrections, nil
}
