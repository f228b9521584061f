package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/engine"
	"traceline/internal/ledger"
	"traceline/internal/migrate"
	"traceline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func registerTomato(t *testing.T, env testEnv) string {
	t.Helper()
	b, err := env.Engine.RegisterBatch(env.Ctx, engine.RegisterOptions{
		IDHint:         "TOM-789123",
		Commodity:      "Tomato",
		Variety:        "Cherry Tomato",
		Quantity:       500,
		Unit:           "kg",
		Origin:         "Nashik",
		Certifications: []string{"organic.certified"},
		ActorID:        "farmer-1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return b.ID
}

func TestRegisterCreatesGenesis(t *testing.T) {
	env := newTestEnv(t)
	id := registerTomato(t, env)

	b, err := env.Engine.GetBatch(env.Ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != "registered" || b.Custodian != "farmer-1" {
		t.Fatalf("unexpected batch state: %s %s", b.Status, b.Custodian)
	}

	history, err := env.Engine.History(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected exactly one genesis event, got %d", len(history))
	}
	genesis := history[0]
	if genesis.Seq != 0 || genesis.Kind != "created" || genesis.ActorID != "farmer-1" {
		t.Fatalf("unexpected genesis: %+v", genesis)
	}
	if genesis.PrevDigest != ledger.Sentinel {
		t.Fatalf("genesis prev digest must be the sentinel")
	}

	res, err := env.Engine.Verify(env.Ctx, id)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.Events != 1 {
		t.Fatalf("fresh batch should verify: %+v", res)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	env := newTestEnv(t)
	registerTomato(t, env)
	_, err := env.Engine.RegisterBatch(env.Ctx, engine.RegisterOptions{
		IDHint:    "TOM-789123",
		Commodity: "Tomato",
		ActorID:   "farmer-2",
	})
	if !errors.Is(err, engine.ErrDuplicateBatch) {
		t.Fatalf("expected ErrDuplicateBatch, got %v", err)
	}
}

func TestGeneratedBatchID(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.RegisterBatch(env.Ctx, engine.RegisterOptions{
		Commodity: "Rice",
		Quantity:  100,
		ActorID:   "farmer-1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(b.ID) != len("RIC-000000") || b.ID[:4] != "RIC-" {
		t.Fatalf("unexpected generated id %q", b.ID)
	}
	if _, err := env.Engine.GetBatch(env.Ctx, b.ID); err != nil {
		t.Fatalf("generated batch not stored: %v", err)
	}
}

func TestRegisterRejectsUnknownCommodity(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterBatch(env.Ctx, engine.RegisterOptions{
		Commodity: "Durian",
		ActorID:   "farmer-1",
	})
	if err == nil {
		t.Fatalf("expected catalog rejection")
	}
}

func TestTransferLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := registerTomato(t, env)

	temp := "4C"
	ev, err := env.Engine.Transfer(env.Ctx, id, "farmer-1", "dist-1", engine.TransferConditions{
		Destination:     "Mumbai DC",
		DestinationType: "distributor",
		TemperatureC:    &temp,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if ev.Kind != "transferred" || ev.Seq != 1 {
		t.Fatalf("unexpected transfer event: %+v", ev)
	}
	b, _ := env.Engine.GetBatch(env.Ctx, id)
	if b.Status != "in_transit" || b.Custodian != "dist-1" {
		t.Fatalf("after transfer: %s %s", b.Status, b.Custodian)
	}

	// prior custodian can no longer move the batch
	_, err = env.Engine.Transfer(env.Ctx, id, "farmer-1", "dist-2", engine.TransferConditions{})
	if !errors.Is(err, engine.ErrNotCurrentCustodian) {
		t.Fatalf("expected ErrNotCurrentCustodian, got %v", err)
	}

	if _, err := env.Engine.Acknowledge(env.Ctx, id, "dist-1", "Mumbai DC"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	b, _ = env.Engine.GetBatch(env.Ctx, id)
	if b.Status != "delivered" {
		t.Fatalf("expected delivered, got %s", b.Status)
	}

	// a delivered batch may move again
	if _, err := env.Engine.Transfer(env.Ctx, id, "dist-1", "retail-1", engine.TransferConditions{DestinationType: "retailer"}); err != nil {
		t.Fatalf("second hop: %v", err)
	}
	if _, err := env.Engine.Acknowledge(env.Ctx, id, "retail-1", "Pune Store"); err != nil {
		t.Fatalf("second ack: %v", err)
	}

	if _, err := env.Engine.Close(env.Ctx, id, "retail-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, _ = env.Engine.GetBatch(env.Ctx, id)
	if b.Status != "closed" {
		t.Fatalf("expected closed, got %s", b.Status)
	}

	// terminal: no appends of any kind
	if _, err := env.Engine.Transfer(env.Ctx, id, "retail-1", "someone", engine.TransferConditions{}); !errors.Is(err, engine.ErrBatchClosed) {
		t.Fatalf("expected ErrBatchClosed on transfer, got %v", err)
	}
	if _, err := env.Engine.RecordTest(env.Ctx, id, "retail-1", "", nil); !errors.Is(err, engine.ErrBatchClosed) {
		t.Fatalf("expected ErrBatchClosed on test, got %v", err)
	}

	res, err := env.Engine.Verify(env.Ctx, id)
	if err != nil || !res.Valid {
		t.Fatalf("full lifecycle should verify: %+v %v", res, err)
	}
	history, _ := env.Engine.History(env.Ctx, id)
	for i, ev := range history {
		if ev.Seq != int64(i) {
			t.Fatalf("sequence gap at %d: %+v", i, ev)
		}
	}
}

func TestCloseRequiresDelivered(t *testing.T) {
	env := newTestEnv(t)
	id := registerTomato(t, env)
	_, err := env.Engine.Close(env.Ctx, id, "farmer-1")
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAcknowledgeWrongActor(t *testing.T) {
	env := newTestEnv(t)
	id := registerTomato(t, env)
	if _, err := env.Engine.Transfer(env.Ctx, id, "farmer-1", "dist-1", engine.TransferConditions{}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	_, err := env.Engine.Acknowledge(env.Ctx, id, "dist-2", "")
	if !errors.Is(err, engine.ErrNotCurrentCustodian) {
		t.Fatalf("expected ErrNotCurrentCustodian, got %v", err)
	}
}

func TestRecordTestByNonCustodian(t *testing.T) {
	env := newTestEnv(t)
	id := registerTomato(t, env)
	_, err := env.Engine.RecordTest(env.Ctx, id, "lab-1", "", map[string]any{"ph": 4.2})
	if !errors.Is(err, engine.ErrNotCurrentCustodian) {
		t.Fatalf("expected ErrNotCurrentCustodian, got %v", err)
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetBatch(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get: %v", err)
	}
	if _, err := env.Engine.Verify(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("verify: %v", err)
	}
	if _, err := env.Engine.Transfer(env.Ctx, "missing", "a", "b", engine.TransferConditions{}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("transfer: %v", err)
	}
}

func TestConcurrentAppendsKeepSequenceDense(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = time.Now
	id := registerTomato(t, env)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.RecordTest(env.Ctx, id, "farmer-1", "", map[string]any{"sample": i})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	history, err := env.Engine.History(env.Ctx, id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != n+1 {
		t.Fatalf("expected %d events, got %d", n+1, len(history))
	}
	for i, ev := range history {
		if ev.Seq != int64(i) {
			t.Fatalf("sequence not dense at %d: got %d", i, ev.Seq)
		}
	}
	res, err := env.Engine.Verify(env.Ctx, id)
	if err != nil || !res.Valid {
		t.Fatalf("chain should verify after concurrent appends: %+v %v", res, err)
	}
}

func TestConcurrentTransfersExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Now = time.Now
	id := registerTomato(t, env)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Transfer(env.Ctx, id, "farmer-1", "dist-1", engine.TransferConditions{})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrTransferInProgress):
		case errors.Is(err, engine.ErrNotCurrentCustodian):
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning transfer, got %d", wins)
	}
	b, _ := env.Engine.GetBatch(env.Ctx, id)
	if b.Custodian != "dist-1" || b.Status != "in_transit" {
		t.Fatalf("after race: %s %s", b.Status, b.Custodian)
	}
}

func TestVerifyDetectsTamperedPayload(t *testing.T) {
	env := newTestEnv(t)
	id := registerTomato(t, env)
	if _, err := env.Engine.RecordTest(env.Ctx, id, "farmer-1", "Nashik", map[string]any{"brix": 5.1}); err != nil {
		t.Fatalf("test event: %v", err)
	}

	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE custody_events SET payload_json='{"brix":9.9}' WHERE batch_id=? AND seq=1`, id); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	res, err := env.Engine.Verify(env.Ctx, id)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid {
		t.Fatalf("tampered chain reported valid")
	}
	if res.FailedSeq == nil || *res.FailedSeq != 1 {
		t.Fatalf("wrong offending seq: %+v", res)
	}
	if res.Reason != "digest_mismatch" {
		t.Fatalf("expected digest_mismatch, got %s", res.Reason)
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	env := newTestEnv(t)
	id := registerTomato(t, env)
	if _, err := env.Engine.RecordTest(env.Ctx, id, "farmer-1", "", nil); err != nil {
		t.Fatalf("test event: %v", err)
	}

	bogus := "deadbeef" + ledger.Sentinel[8:]
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE custody_events SET prev_digest=? WHERE batch_id=? AND seq=1`, bogus, id); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	res, err := env.Engine.Verify(env.Ctx, id)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid {
		t.Fatalf("broken chain reported valid")
	}
	if res.FailedSeq == nil || *res.FailedSeq != 1 {
		t.Fatalf("wrong offending seq: %+v", res)
	}
	if res.Reason != "broken_link" {
		t.Fatalf("expected broken_link, got %s", res.Reason)
	}
}

func TestResolveQRRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id := registerTomato(t, env)

	direct, err := env.Engine.Resolve(env.Ctx, id)
	if err != nil {
		t.Fatalf("resolve id: %v", err)
	}
	payload := env.Engine.TracePayload(id)
	viaQR, err := env.Engine.Resolve(env.Ctx, payload)
	if err != nil {
		t.Fatalf("resolve payload %q: %v", payload, err)
	}
	if viaQR.Batch.ID != direct.Batch.ID || len(viaQR.Events) != len(direct.Events) {
		t.Fatalf("qr round trip mismatch: %+v vs %+v", viaQR.Batch, direct.Batch)
	}
	if !viaQR.Verification.Valid {
		t.Fatalf("expected valid verification in trace view")
	}
}

func TestResolveInvalidReference(t *testing.T) {
	env := newTestEnv(t)
	for _, ref := range []string{"", "   ", "https://trace.annyatra.example/other/TOM-1", "bad id with spaces"} {
		if _, err := env.Engine.Resolve(env.Ctx, ref); !errors.Is(err, engine.ErrInvalidReference) {
			t.Fatalf("ref %q: expected ErrInvalidReference, got %v", ref, err)
		}
	}
	if _, err := env.Engine.Resolve(env.Ctx, "TOM-000000"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown id: expected ErrNotFound, got %v", err)
	}
}
