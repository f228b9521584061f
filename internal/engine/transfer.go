package engine

import (
	"context"
	"errors"
	"fmt"

	"traceline/internal/domain"
	"traceline/internal/events"
)

// TransferConditions describe the declared handling terms of a handoff. They
// are carried as opaque payload data; the ledger does not reject out-of-range
// values.
type TransferConditions struct {
	Destination      string  `json:"destination,omitempty"`
	DestinationType  string  `json:"destination_type,omitempty"`
	TemperatureC     *string `json:"temperature_c,omitempty"`
	ExpectedDelivery string  `json:"expected_delivery,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

// Transfer moves custody of a batch to another actor. It is the only
// operation that changes the custodian, and at most one transfer per batch
// may be committing at a time; a concurrent attempt fails with
// ErrTransferInProgress so the caller can retry after backoff.
func (e Engine) Transfer(ctx context.Context, batchID, fromActor, toActor string, conditions TransferConditions) (domain.CustodyEvent, error) {
	if fromActor == "" || toActor == "" {
		return domain.CustodyEvent{}, errors.New("from and to actors are required")
	}
	if fromActor == toActor {
		return domain.CustodyEvent{}, errors.New("cannot transfer a batch to its current custodian")
	}
	unlock, ok := e.locks.tryAcquire(batchID)
	if !ok {
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s", ErrTransferInProgress, batchID)
	}
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
	if b.Custodian != fromActor {
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s holds %s", ErrNotCurrentCustodian, b.Custodian, batchID)
	}
	if b.Status == "closed" {
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s", ErrBatchClosed, batchID)
	}
	if err := ensureStatusTransition(b.Status, "in_transit"); err != nil {
		return domain.CustodyEvent{}, err
	}

	payload := events.EventPayload{"to_actor": toActor}
	if conditions != (TransferConditions{}) {
		payload["conditions"] = conditions
	}
	ev, err := e.writer().Append(ctx, tx, batchID, "transferred", fromActor, conditions.Destination, payload)
	if err != nil {
		return domain.CustodyEvent{}, err
	}
	if err := e.Repo.UpdateBatchCustody(ctx, tx, batchID, toActor, "in_transit"); err != nil {
		return domain.CustodyEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CustodyEvent{}, err
	}
	return ev, nil
}

// Acknowledge records receipt by the party the batch was transferred to and
// moves the batch to delivered.
func (e Engine) Acknowledge(ctx context.Context, batchID, actorID, location string) (domain.CustodyEvent, error) {
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
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s holds %s", ErrNotCurrentCustodian, b.Custodian, batchID)
	}
	if b.Status == "closed" {
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s", ErrBatchClosed, batchID)
	}
	if err := ensureStatusTransition(b.Status, "delivered"); err != nil {
		return domain.CustodyEvent{}, err
	}
	ev, err := e.writer().Append(ctx, tx, batchID, "received", actorID, location, nil)
	if err != nil {
		return domain.CustodyEvent{}, err
	}
	if err := e.Repo.UpdateBatchCustody(ctx, tx, batchID, actorID, "delivered"); err != nil {
		return domain.CustodyEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CustodyEvent{}, err
	}
	return ev, nil
}

// Close appends the terminal `closed` event. Allowed only from delivered;
// closed batches accept no further appends.
func (e Engine) Close(ctx context.Context, batchID, actorID string) (domain.CustodyEvent, error) {
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
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s holds %s", ErrNotCurrentCustodian, b.Custodian, batchID)
	}
	if b.Status == "closed" {
		return domain.CustodyEvent{}, fmt.Errorf("%w: %s", ErrBatchClosed, batchID)
	}
	if err := ensureStatusTransition(b.Status, "closed"); err != nil {
		return domain.CustodyEvent{}, err
	}
	ev, err := e.writer().Append(ctx, tx, batchID, "closed", actorID, "", nil)
	if err != nil {
		return domain.CustodyEvent{}, err
	}
	if err := e.Repo.UpdateBatchCustody(ctx, tx, batchID, actorID, "closed"); err != nil {
		return domain.CustodyEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CustodyEvent{}, err
	}
	return ev, nil
}
