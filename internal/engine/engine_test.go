package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cargosure/internal/config"
	"cargosure/internal/db"
	"cargosure/internal/domain"
	"cargosure/internal/engine"
	"cargosure/internal/ledger"
	"cargosure/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ledger *ledger.Memory
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetMaxOpenConns(1)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	mem := ledger.NewMemory("rPLATFORMxxxxxxxxxxxxxxxxxxxxx")
	eng := engine.New(conn, mem, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	env := &testEnv{Engine: eng, Ledger: mem, Ctx: context.Background()}
	env.Engine.Telemetry.Now = eng.Now
	return env
}

func validOpts() engine.CreateShipmentOptions {
	return engine.CreateShipmentOptions{
		OwnerID:       "uid1",
		Name:          "Vaccine pallet",
		DeviceID:      "SQT-2808",
		Premium:       10,
		Payout:        100,
		Condition:     domain.ConditionShock,
		Destination:   "rDESTxxxxxxxxxxxxxxxxxxxxxxxxx",
		ReturnAccount: "rRETURNxxxxxxxxxxxxxxxxxxxxxxx",
		CustomerSeed:  "sCUSTOMERSEEDxxxx",
	}
}

func (env *testEnv) createShipment(t *testing.T) domain.Shipment {
	t.Helper()
	s, err := env.Engine.CreateShipment(env.Ctx, validOpts())
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	return s
}

func (env *testEnv) append(t *testing.T, shipmentID string, shock, temp, hum float64) {
	t.Helper()
	err := env.Engine.Telemetry.Append(env.Ctx, domain.TelemetryReading{
		ShipmentID: shipmentID,
		Shock:      shock,
		Temp:       temp,
		Humidity:   hum,
		Lat:        1.3521,
		Lng:        103.8198,
	})
	if err != nil {
		t.Fatalf("append reading: %v", err)
	}
}

func TestCreateShipmentValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []func(*engine.CreateShipmentOptions){
		func(o *engine.CreateShipmentOptions) { o.Premium = 0 },
		func(o *engine.CreateShipmentOptions) { o.Payout = -5 },
		func(o *engine.CreateShipmentOptions) { o.Condition = 9 },
		func(o *engine.CreateShipmentOptions) { o.Destination = "not-an-account" },
		func(o *engine.CreateShipmentOptions) { o.CustomerSeed = "tooshort" },
		func(o *engine.CreateShipmentOptions) { o.Name = " " },
	}
	for i, mutate := range cases {
		opts := validOpts()
		mutate(&opts)
		_, err := env.Engine.CreateShipment(env.Ctx, opts)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected ValidationError, got %v", i, err)
		}
	}
}

func TestNoOrphanShipmentOnLedgerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.FailCreates = 1
	env.Ledger.FailWith = ledger.ErrRejected
	if _, err := env.Engine.CreateShipment(env.Ctx, validOpts()); !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ledger rejection, got %v", err)
	}
	shipments, err := env.Engine.Repo.ListShipments(env.Ctx, "uid1")
	if err != nil {
		t.Fatal(err)
	}
	if len(shipments) != 0 {
		t.Fatalf("expected no shipment after ledger failure, got %d", len(shipments))
	}
}

func TestCreateShipmentRetriesTransientLedgerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.FailCreates = 2
	s := env.createShipment(t)
	esc, err := env.Engine.Repo.GetEscrow(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("escrow not committed: %v", err)
	}
	if esc.Sequence == 0 {
		t.Fatalf("expected ledger-assigned sequence")
	}
}

func TestFirstReadingMovesClaimToMonitoring(t *testing.T) {
	env := newTestEnv(t)
	s := env.createShipment(t)
	if s.ClaimStatus != domain.ClaimCreated {
		t.Fatalf("expected created, got %s", s.ClaimStatus)
	}
	env.append(t, s.ID, 1, 0, 0)
	got, err := env.Engine.Repo.GetShipment(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClaimStatus != domain.ClaimMonitoring {
		t.Fatalf("expected monitoring after first reading, got %s", got.ClaimStatus)
	}
}

func TestEvaluateShockBreachApproves(t *testing.T) {
	env := newTestEnv(t)
	s := env.createShipment(t)
	env.append(t, s.ID, 1, 0, 0)
	env.append(t, s.ID, 2, 0, 0)

	res, err := env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.ClaimStatus != domain.ClaimMonitoring || res.TxRef != nil {
		t.Fatalf("under-threshold shocks must stay monitoring, got %+v", res)
	}
	if env.Ledger.SettleCalls() != 0 {
		t.Fatalf("no ledger call expected while undetermined")
	}

	env.append(t, s.ID, 4, 0, 0)
	res, err = env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate after breach: %v", err)
	}
	if res.ClaimStatus != domain.ClaimApproved {
		t.Fatalf("expected approved, got %s", res.ClaimStatus)
	}
	if res.TxRef == nil || *res.TxRef == "" {
		t.Fatalf("approved settlement must carry tx ref")
	}
	if res.Dimension != "shock" {
		t.Fatalf("expected shock dimension, got %q", res.Dimension)
	}
}

func TestEvaluateIdempotentAfterSettlement(t *testing.T) {
	env := newTestEnv(t)
	s := env.createShipment(t)
	env.append(t, s.ID, 4, 0, 0)

	first, err := env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("first evaluate: %v", err)
	}
	second, err := env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if first.ClaimStatus != second.ClaimStatus {
		t.Fatalf("status changed: %s vs %s", first.ClaimStatus, second.ClaimStatus)
	}
	if first.TxRef == nil || second.TxRef == nil || *first.TxRef != *second.TxRef {
		t.Fatalf("tx ref changed between calls")
	}
	if env.Ledger.FinishCalls != 1 {
		t.Fatalf("expected exactly one finish call, got %d", env.Ledger.FinishCalls)
	}
}

func TestConcurrentEvaluationsSettleOnce(t *testing.T) {
	env := newTestEnv(t)
	s := env.createShipment(t)
	env.append(t, s.ID, 4, 0, 0)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	results := make([]engine.ClaimResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
		}(i)
	}
	wg.Wait()

	settled := 0
	for i := 0; i < n; i++ {
		switch {
		case errs[i] == nil && results[i].ClaimStatus == domain.ClaimApproved:
			settled++
		case errors.Is(errs[i], engine.ErrEvaluationInProgress):
		case errs[i] != nil:
			t.Fatalf("call %d: unexpected error %v", i, errs[i])
		}
	}
	if settled == 0 {
		t.Fatalf("expected at least one caller to observe the settled outcome")
	}
	if env.Ledger.SettleCalls() != 1 {
		t.Fatalf("expected exactly one settlement call, got %d", env.Ledger.SettleCalls())
	}
}

func TestEvaluateRejectsAfterObservationWindow(t *testing.T) {
	env := newTestEnv(t)
	s := env.createShipment(t)
	env.append(t, s.ID, 1, 1, 1)

	res, err := env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate inside window: %v", err)
	}
	if res.ClaimStatus != domain.ClaimMonitoring {
		t.Fatalf("expected monitoring inside window, got %s", res.ClaimStatus)
	}

	env.Engine.Now = func() time.Time { return time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC) }
	res, err = env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate past window: %v", err)
	}
	if res.ClaimStatus != domain.ClaimRejected {
		t.Fatalf("expected rejected past window, got %s", res.ClaimStatus)
	}
	if res.TxRef == nil {
		t.Fatalf("rejection must carry the cancel tx ref")
	}
	if env.Ledger.CancelCalls != 1 {
		t.Fatalf("expected one cancel call, got %d", env.Ledger.CancelCalls)
	}
}

func TestEvaluateEmptyEvidenceNeverSettles(t *testing.T) {
	env := newTestEnv(t)
	s := env.createShipment(t)
	// Past the window but with zero readings: defer, do not cancel.
	env.Engine.Now = func() time.Time { return time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC) }
	res, err := env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.ClaimStatus != domain.ClaimMonitoring {
		t.Fatalf("expected monitoring on empty evidence, got %s", res.ClaimStatus)
	}
	if env.Ledger.SettleCalls() != 0 {
		t.Fatalf("empty evidence must not contact the ledger")
	}
}

func TestEvaluateAnyOfAllZeroStaysMonitoring(t *testing.T) {
	env := newTestEnv(t)
	opts := validOpts()
	opts.Condition = domain.ConditionAny
	s, err := env.Engine.CreateShipment(env.Ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	env.append(t, s.ID, 0, 0, 0)
	res, err := env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.ClaimStatus != domain.ClaimMonitoring {
		t.Fatalf("expected monitoring, got %s", res.ClaimStatus)
	}
	if env.Ledger.SettleCalls() != 0 {
		t.Fatalf("no ledger call expected")
	}
}

func TestEvaluateRecoversFromTransientSettleFailure(t *testing.T) {
	env := newTestEnv(t)
	s := env.createShipment(t)
	env.append(t, s.ID, 4, 0, 0)

	env.Ledger.FailSettles = 10
	if _, err := env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester"); !errors.Is(err, ledger.ErrUnavailable) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	got, err := env.Engine.Repo.GetShipment(env.Ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClaimStatus != domain.ClaimMonitoring {
		t.Fatalf("shipment must not stay stuck in evaluating, got %s", got.ClaimStatus)
	}

	env.Ledger.FailSettles = 0
	res, err := env.Engine.EvaluateClaim(env.Ctx, s.ID, "tester")
	if err != nil {
		t.Fatalf("evaluate after recovery: %v", err)
	}
	if res.ClaimStatus != domain.ClaimApproved {
		t.Fatalf("expected approved after recovery, got %s", res.ClaimStatus)
	}
}

func TestEvaluateUnknownShipment(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EvaluateClaim(env.Ctx, "nope", "tester"); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestInitUserDefaults(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.InitUserDefaults(env.Ctx, "uid1", "", "")
	if err != nil {
		t.Fatalf("init defaults: %v", err)
	}
	if u.Account == "" || u.ReturnAccount == "" {
		t.Fatalf("expected generated accounts, got %+v", u)
	}
	again, err := env.Engine.InitUserDefaults(env.Ctx, "uid1", "", "")
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if again.Account != u.Account {
		t.Fatalf("generated account must be stable per owner")
	}
}
