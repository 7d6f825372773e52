package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/telhawk-systems/telhawk-triage/processor/internal/models"
)

// ExportNDJSON scrolls every event matching q and writes one JSON document per
// line to w. It returns the number of events written.
func ExportNDJSON(ctx context.Context, idx Index, q models.EventQuery, w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	var n int64
	err := idx.Scroll(ctx, q, func(ev *models.NormalizedEvent) error {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flush export: %w", err)
	}
	return n, nil
}
