package engine

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/repo"
)

// Error kinds callers can distinguish with errors.Is. TransferInProgress is
// the only one presentation layers should retry after backoff.
var (
	ErrDuplicateBatch      = errors.New("batch already exists")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrBatchClosed         = errors.New("batch closed")
	ErrNotCurrentCustodian = errors.New("actor is not the current custodian")
	ErrTransferInProgress  = errors.New("transfer already in progress")
	ErrInvalidReference    = errors.New("invalid batch reference")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	locks *batchLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}.withLocks()
}

func (e Engine) withLocks() Engine {
	e.locks = newBatchLocks()
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

// RegisterOptions are parameters for registering a batch.
type RegisterOptions struct {
	IDHint         string
	Commodity      string
	Variety        string
	Quantity       float64
	Unit           string
	Origin         string
	HarvestDate    string
	Notes          string
	Certifications []string
	ActorID        string
}

// RegisterBatch creates a batch and its genesis `created` event in one
// transaction: after a successful call exactly one genesis event exists.
func (e Engine) RegisterBatch(ctx context.Context, opts RegisterOptions) (domain.Batch, error) {
	if e.Config == nil {
		return domain.Batch{}, errors.New("config not loaded")
	}
	if opts.Commodity == "" {
		return domain.Batch{}, errors.New("commodity is required")
	}
	if opts.ActorID == "" {
		return domain.Batch{}, errors.New("actor is required")
	}
	if opts.Quantity < 0 {
		return domain.Batch{}, errors.New("quantity must not be negative")
	}
	if !e.Config.KnownCommodity(opts.Commodity) {
		return domain.Batch{}, fmt.Errorf("commodity %s missing from catalog", opts.Commodity)
	}
	for _, cert := range opts.Certifications {
		if !e.Config.KnownCertification(cert) {
			return domain.Batch{}, fmt.Errorf("certification %s missing from catalog", cert)
		}
	}
	if opts.Unit == "" {
		opts.Unit = "kg"
	}

	id := strings.TrimSpace(opts.IDHint)
	if id == "" {
		generated, err := e.generateBatchID(ctx, opts.Commodity)
		if err != nil {
			return domain.Batch{}, err
		}
		id = generated
	} else if exists, err := e.Repo.BatchExists(ctx, id); err != nil {
		return domain.Batch{}, err
	} else if exists {
		return domain.Batch{}, fmt.Errorf("%w: %s", ErrDuplicateBatch, id)
	}

	b := domain.Batch{
		ID:             id,
		Commodity:      opts.Commodity,
		Variety:        opts.Variety,
		Quantity:       opts.Quantity,
		Unit:           opts.Unit,
		Origin:         opts.Origin,
		HarvestDate:    opts.HarvestDate,
		Notes:          opts.Notes,
		Certifications: opts.Certifications,
		Custodian:      opts.ActorID,
		Status:         "registered",
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}

	unlock := e.locks.acquire(id)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBatch(ctx, tx, b); err != nil {
		if isUniqueViolation(err) {
			return domain.Batch{}, fmt.Errorf("%w: %s", ErrDuplicateBatch, id)
		}
		return domain.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	if _, err := e.writer().Append(ctx, tx, b.ID, "created", opts.ActorID, b.Origin, events.EventPayload{
		"commodity": b.Commodity,
		"quantity":  b.Quantity,
		"unit":      b.Unit,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// GetBatch is a read-only lookup.
func (e Engine) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	return e.Repo.GetBatch(ctx, id)
}

// History returns the batch's events in ascending sequence order.
func (e Engine) History(ctx context.Context, batchID string) ([]domain.CustodyEvent, error) {
	if _, err := e.Repo.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvents(ctx, batchID)
}

// RecordTest appends a `tested` event (lab results, temperature readings) by
// the current custodian.
func (e Engine) RecordTest(ctx context.Context, batchID, actorID, location string, results map[string]any) (domain.CustodyEvent, error) {
	if actorID == "" {
		return domain.CustodyEvent{}, errors.New("actor is required")
	}
	unlock := e.locks.acquire(batchID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CustodyEvent{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return domain.CustodyEvent{}, err
	}
	if b.Custodian != actorID {
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s", ErrNotCurrentCustodian, actorID)
	}
	if b.Status == "closed" {
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s", ErrBatchClosed, batchID)
	}
	ev, err := e.writer().Append(ctx, tx, batchID, "tested", actorID, location, results)
	if err != nil {
		return domain.CustodyEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CustodyEvent{}, err
	}
	return ev, nil
}

func ensureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "registered":
		if newStatus == "in_transit" {
			return nil
		}
	case "in_transit":
		if newStatus == "delivered" {
			return nil
		}
	case "delivered":
		if newStatus == "in_transit" || newStatus == "closed" {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// generateBatchID builds IDs like TOM-789123: a commodity prefix plus a
// uuid-derived six digit suffix, collision-checked against existing batches.
func (e Engine) generateBatchID(ctx context.Context, commodity string) (string, error) {
	prefix := batchIDPrefix(commodity)
	for attempt := 0; attempt < 10; attempt++ {
		u := uuid.New()
		n := binary.BigEndian.Uint32(u[0:4]) % 1000000
		id := fmt.Sprintf("%s-%06d", prefix, n)
		exists, err := e.Repo.BatchExists(ctx, id)
		if err != nil {
			return "", err
		}
		if !exists {
			return id, nil
		}
	}
	return "", errors.New("could not generate unique batch id")
}

func batchIDPrefix(commodity string) string {
	var letters []rune
	for _, r := range strings.ToUpper(commodity) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
		if len(letters) == 3 {
			break
		}
	}
	if len(letters) == 0 {
		return "BAT"
	}
	return string(letters)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
