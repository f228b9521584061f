package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"traceline/internal/domain"
	"traceline/internal/ledger"
	"traceline/internal/repo"
)

// Writer appends custody events to a batch's hash chain. Append must run
// inside the caller's transaction and under the caller's per-batch lock so
// that reading the last event and inserting its successor is one atomic step.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append chains a new event onto the batch. The timestamp is assigned here,
// never taken from the caller. Sequence numbers are dense: last seq + 1, or 0
// for the genesis event with the sentinel prev digest.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, batchID, kind, actorID, location string, payload EventPayload) (domain.CustodyEvent, error) {
	var seq int64
	prev := ledger.Sentinel
	last, err := w.Repo.LastEventTx(ctx, tx, batchID)
	switch {
	case err == nil:
		seq = last.Seq + 1
		prev = last.Digest
	case errors.Is(err, repo.ErrNotFound):
		// genesis
	default:
		return domain.CustodyEvent{}, err
	}

	payloadJSON := ""
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return domain.CustodyEvent{}, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	e := domain.CustodyEvent{
		BatchID:    batchID,
		Seq:        seq,
		Kind:       kind,
		ActorID:    actorID,
		Location:   location,
		Payload:    payloadJSON,
		TS:         w.now().UTC().Format(time.RFC3339),
		PrevDigest: prev,
	}
	e.Digest = ledger.Digest(ledger.EventContent{
		BatchID:    e.BatchID,
		Seq:        e.Seq,
		Kind:       e.Kind,
		ActorID:    e.ActorID,
		Location:   e.Location,
		Payload:    e.Payload,
		TS:         e.TS,
		PrevDigest: e.PrevDigest,
	})
	if err := w.Repo.InsertEvent(ctx, tx, e); err != nil {
		return domain.CustodyEvent{}, err
	}
	return e, nil
}
