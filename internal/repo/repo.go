package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"traceline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const batchColumns = `id,commodity,COALESCE(variety,'') AS variety,quantity,unit,COALESCE(origin,'') AS origin,COALESCE(harvest_date,'') AS harvest_date,COALESCE(notes,'') AS notes,certifications_json,custodian,status,created_at`

func scanBatch(scan func(dest ...any) error) (domain.Batch, error) {
	var b domain.Batch
	var certs sql.NullString
	err := scan(&b.ID, &b.Commodity, &b.Variety, &b.Quantity, &b.Unit, &b.Origin, &b.HarvestDate, &b.Notes, &certs, &b.Custodian, &b.Status, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if certs.Valid && certs.String != "" {
		if err := json.Unmarshal([]byte(certs.String), &b.Certifications); err != nil {
			return b, err
		}
	}
	return b, nil
}

func (r Repo) InsertBatch(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	certs, err := marshalStringSlice(b.Certifications)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO batches(id,commodity,variety,quantity,unit,origin,harvest_date,notes,certifications_json,custodian,status,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Commodity, nullable(b.Variety), b.Quantity, b.Unit, nullable(b.Origin), nullable(b.HarvestDate), nullable(b.Notes), certs, b.Custodian, b.Status, b.CreatedAt)
	return err
}

func (r Repo) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

// GetBatchTx reads a batch inside a transaction so that custody checks and the
// appends they gate observe the same state.
func (r Repo) GetBatchTx(ctx context.Context, tx *sql.Tx, id string) (domain.Batch, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

// BatchExists reports whether an identifier is already taken.
func (r Repo) BatchExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM batches WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateBatchCustody sets custodian and status together; batches are never
// deleted and no other column is mutable after registration.
func (r Repo) UpdateBatchCustody(ctx context.Context, tx *sql.Tx, id, custodian, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET custodian=?, status=? WHERE id=?`, custodian, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type BatchFilters struct {
	Status          string
	Custodian       string
	Commodity       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListBatches(ctx context.Context, f BatchFilters) ([]domain.Batch, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Custodian != "" {
		clauses = append(clauses, "custodian=?")
		args = append(args, f.Custodian)
	}
	if f.Commodity != "" {
		clauses = append(clauses, "commodity=?")
		args = append(args, f.Commodity)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + batchColumns + ` FROM batches ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

const eventColumns = `batch_id,seq,kind,actor_id,COALESCE(location,'') AS location,COALESCE(payload_json,'') AS payload_json,ts,digest,prev_digest`

func scanEvent(scan func(dest ...any) error) (domain.CustodyEvent, error) {
	var e domain.CustodyEvent
	err := scan(&e.BatchID, &e.Seq, &e.Kind, &e.ActorID, &e.Location, &e.Payload, &e.TS, &e.Digest, &e.PrevDigest)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEvent(ctx context.Context, tx *sql.Tx, e domain.CustodyEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO custody_events(batch_id,seq,kind,actor_id,location,payload_json,ts,digest,prev_digest)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.BatchID, e.Seq, e.Kind, e.ActorID, nullable(e.Location), nullable(e.Payload), e.TS, e.Digest, e.PrevDigest)
	return err
}

// LastEventTx returns the highest-seq event for a batch within the caller's
// transaction, or ErrNotFound for a batch with no events yet.
func (r Repo) LastEventTx(ctx context.Context, tx *sql.Tx, batchID string) (domain.CustodyEvent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM custody_events WHERE batch_id=? ORDER BY seq DESC LIMIT 1`, batchID)
	return scanEvent(row.Scan)
}

// ListEvents returns all events for a batch in ascending sequence order.
func (r Repo) ListEvents(ctx context.Context, batchID string) ([]domain.CustodyEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM custody_events WHERE batch_id=? ORDER BY seq ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CustodyEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventRecord pairs a custody event with its ledger-wide rowid, the cursor
// used by consumers that tail the whole ledger rather than one batch.
type EventRecord struct {
	ID int64
	domain.CustodyEvent
}

// EventsAfter returns events with rowids greater than the cursor in insertion
// order, across all batches. Used by the webhook dispatcher.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,`+eventColumns+` FROM custody_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.ID, &rec.BatchID, &rec.Seq, &rec.Kind, &rec.ActorID, &rec.Location, &rec.Payload, &rec.TS, &rec.Digest, &rec.PrevDigest); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest rowid in the ledger, or zero when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM custody_events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// LatestEvents returns the most recent events across all batches, optionally
// filtered, newest first. Used by `tl log tail`.
func (r Repo) LatestEvents(ctx context.Context, limit int, batchID, kind, actorID string) ([]domain.CustodyEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if batchID != "" {
		clauses = append(clauses, "batch_id=?")
		args = append(args, batchID)
	}
	if kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, kind)
	}
	if actorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, actorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + eventColumns + ` FROM custody_events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CustodyEvent
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountBatchesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM batches GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
