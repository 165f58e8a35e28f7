package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"cargosure/internal/config"
	"cargosure/internal/domain"
	"cargosure/internal/events"
	"cargosure/internal/ledger"
	"cargosure/internal/policy"
	"cargosure/internal/repo"
	"cargosure/internal/telemetry"
)

// ErrEvaluationInProgress is returned when another evaluation holds the
// shipment's evaluating state; the caller should retry shortly.
var ErrEvaluationInProgress = errors.New("evaluation already in progress")

// ValidationError marks user-fixable bad input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Telemetry telemetry.Store
	Ledger    ledger.Ledger
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, l ledger.Ledger, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Telemetry: telemetry.Store{DB: db},
		Ledger:    l,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) retryPolicy() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		Attempts:  e.Config.Retry.Attempts,
		BaseDelay: e.Config.Retry.BaseDelay,
		MaxDelay:  e.Config.Retry.MaxDelay,
	}
}

// CreateShipmentOptions are parameters for opening a shipment with its
// escrow-backed policy.
type CreateShipmentOptions struct {
	OwnerID       string
	Name          string
	DeviceID      string
	Premium       float64
	Payout        float64
	Condition     int
	Destination   string
	ReturnAccount string
	CustomerSeed  string
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func validAccount(addr string) bool {
	if len(addr) < 25 || len(addr) > 35 || !strings.HasPrefix(addr, "r") {
		return false
	}
	for _, c := range addr {
		if !strings.ContainsRune("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz", c) {
			return false
		}
	}
	return true
}

func validSeed(seed string) bool {
	return len(seed) >= 12 && strings.HasPrefix(seed, "s")
}

func (opts CreateShipmentOptions) validate() error {
	if opts.OwnerID == "" {
		return validationErrorf("owner is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return validationErrorf("shipment_name is required")
	}
	if strings.TrimSpace(opts.DeviceID) == "" {
		return validationErrorf("device_id is required")
	}
	if !positiveFinite(opts.Premium) {
		return validationErrorf("premium must be a positive finite amount")
	}
	if !positiveFinite(opts.Payout) {
		return validationErrorf("payout must be a positive finite amount")
	}
	if !domain.ValidCondition(opts.Condition) {
		return validationErrorf("condition %d outside defined range 0-%d", opts.Condition, domain.ConditionAny)
	}
	if !validAccount(opts.Destination) {
		return validationErrorf("destination is not a valid ledger account")
	}
	if !validAccount(opts.ReturnAccount) {
		return validationErrorf("return_address is not a valid ledger account")
	}
	if !validSeed(opts.CustomerSeed) {
		return validationErrorf("customer_seed is not a valid ledger seed")
	}
	return nil
}

// CreateShipment opens the ledger-side conditional payment and then commits
// the shipment and escrow rows together. The ledger call happens before the
// insert, so a ledger failure leaves no orphan shipment visible to readers.
func (e Engine) CreateShipment(ctx context.Context, opts CreateShipmentOptions) (domain.Shipment, error) {
	if e.Config == nil {
		return domain.Shipment{}, errors.New("config not loaded")
	}
	if err := opts.validate(); err != nil {
		return domain.Shipment{}, err
	}

	var handle ledger.Handle
	err := e.retryPolicy().Do(ctx, func(ctx context.Context) error {
		var err error
		handle, err = e.Ledger.CreateConditionalPayment(ctx, ledger.CreateParams{
			CustomerSeed: opts.CustomerSeed,
			Destination:  opts.Destination,
			Premium:      opts.Premium,
			Payout:       opts.Payout,
		})
		return err
	})
	if err != nil {
		return domain.Shipment{}, fmt.Errorf("create conditional payment: %w", err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Shipment{
		ID:          uuid.New().String(),
		OwnerID:     opts.OwnerID,
		Name:        opts.Name,
		DeviceID:    opts.DeviceID,
		ClaimStatus: domain.ClaimCreated,
		CreatedAt:   now,
	}
	esc := domain.Escrow{
		ShipmentID:    s.ID,
		Premium:       opts.Premium,
		Payout:        opts.Payout,
		Condition:     opts.Condition,
		SourceAccount: handle.Owner,
		Destination:   opts.Destination,
		ReturnAccount: opts.ReturnAccount,
		Sequence:      handle.Sequence,
		CreatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Shipment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertShipment(ctx, tx, s); err != nil {
		return domain.Shipment{}, fmt.Errorf("insert shipment: %w", err)
	}
	if err := e.Repo.InsertEscrow(ctx, tx, esc); err != nil {
		return domain.Shipment{}, fmt.Errorf("insert escrow: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "escrow.created", s.ID, "escrow", s.ID, opts.OwnerID, events.EventPayload{
		"sequence": handle.Sequence,
		"payout":   opts.Payout,
	}); err != nil {
		return domain.Shipment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Shipment{}, err
	}
	return s, nil
}

// ClaimResult is the outcome of one evaluation request.
type ClaimResult struct {
	ShipmentID  string
	ClaimStatus string
	Dimension   string
	TxRef       *string
}

func resultFromEvaluation(shipmentID, status string, ev domain.ClaimEvaluation) ClaimResult {
	return ClaimResult{
		ShipmentID:  shipmentID,
		ClaimStatus: status,
		Dimension:   ev.Dimension,
		TxRef:       ev.TxRef,
	}
}

// EvaluateClaim runs one pass of the settlement state machine. Terminal
// shipments short-circuit with the recorded outcome and never touch the
// ledger again; concurrent requests for the same shipment are serialized by a
// compare-and-swap on the stored claim status, so at most one execution ever
// reaches the finish/cancel call.
func (e Engine) EvaluateClaim(ctx context.Context, shipmentID, actorID string) (ClaimResult, error) {
	if e.Config == nil {
		return ClaimResult{}, errors.New("config not loaded")
	}
	s, err := e.Repo.GetShipment(ctx, shipmentID)
	if err != nil {
		return ClaimResult{}, err
	}
	if domain.TerminalClaim(s.ClaimStatus) {
		return e.recordedResult(ctx, s)
	}

	ok, err := e.Repo.CASClaimStatus(ctx, shipmentID, domain.ClaimEvaluating, domain.ClaimCreated, domain.ClaimMonitoring)
	if err != nil {
		return ClaimResult{}, err
	}
	if !ok {
		// Lost the race: either a concurrent evaluation holds the state or a
		// terminal outcome landed between the read and the swap.
		s, err = e.Repo.GetShipment(ctx, shipmentID)
		if err != nil {
			return ClaimResult{}, err
		}
		if domain.TerminalClaim(s.ClaimStatus) {
			return e.recordedResult(ctx, s)
		}
		return ClaimResult{}, ErrEvaluationInProgress
	}

	res, err := e.runEvaluation(ctx, s, actorID)
	if err != nil {
		// Never leave the shipment stuck in evaluating.
		if _, casErr := e.Repo.CASClaimStatus(ctx, shipmentID, domain.ClaimMonitoring, domain.ClaimEvaluating); casErr != nil {
			return ClaimResult{}, errors.Join(err, casErr)
		}
		return ClaimResult{}, err
	}
	return res, nil
}

func (e Engine) recordedResult(ctx context.Context, s domain.Shipment) (ClaimResult, error) {
	ev, err := e.Repo.TerminalEvaluation(ctx, s.ID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("terminal shipment %s has no evaluation record: %w", s.ID, err)
	}
	return resultFromEvaluation(s.ID, s.ClaimStatus, ev), nil
}

func (e Engine) runEvaluation(ctx context.Context, s domain.Shipment, actorID string) (ClaimResult, error) {
	esc, err := e.Repo.GetEscrow(ctx, s.ID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("load escrow: %w", err)
	}
	readings, err := e.Telemetry.ReadingsSince(ctx, s.ID, "")
	if err != nil {
		return ClaimResult{}, fmt.Errorf("load readings: %w", err)
	}
	verdict, err := policy.Evaluate(esc.Condition, e.Config.Thresholds, readings)
	if err != nil {
		return ClaimResult{}, err
	}

	handle := ledger.Handle{Owner: esc.SourceAccount, Sequence: esc.Sequence}
	switch {
	case verdict.Breached:
		var txRef ledger.TxRef
		err := e.retryPolicy().Do(ctx, func(ctx context.Context) error {
			var err error
			txRef, err = e.Ledger.Finish(ctx, handle)
			return err
		})
		if err != nil {
			return ClaimResult{}, fmt.Errorf("finish escrow: %w", err)
		}
		return e.settle(ctx, s, domain.ClaimApproved, verdict.Dimension, txRef, actorID)

	case len(readings) > 0 && e.windowElapsed(s):
		var txRef ledger.TxRef
		err := e.retryPolicy().Do(ctx, func(ctx context.Context) error {
			var err error
			txRef, err = e.Ledger.Cancel(ctx, handle)
			return err
		})
		if err != nil {
			return ClaimResult{}, fmt.Errorf("cancel escrow: %w", err)
		}
		return e.settle(ctx, s, domain.ClaimRejected, "", txRef, actorID)

	default:
		// Undetermined: empty or inconclusive evidence inside the window.
		// Return to monitoring without contacting the ledger.
		if _, err := e.Repo.CASClaimStatus(ctx, s.ID, domain.ClaimMonitoring, domain.ClaimEvaluating); err != nil {
			return ClaimResult{}, err
		}
		return ClaimResult{ShipmentID: s.ID, ClaimStatus: domain.ClaimMonitoring}, nil
	}
}

func (e Engine) windowElapsed(s domain.Shipment) bool {
	created, err := time.Parse(time.RFC3339, s.CreatedAt)
	if err != nil {
		return false
	}
	return e.now().UTC().Sub(created) >= e.Config.Evaluation.ObservationWindow
}

// settle records the terminal evaluation and the status transition as one
// transaction, so the outcome and its ledger tx ref are never visible apart.
func (e Engine) settle(ctx context.Context, s domain.Shipment, outcome, dimension string, txRef ledger.TxRef, actorID string) (ClaimResult, error) {
	ref := string(txRef)
	ev := domain.ClaimEvaluation{
		ID:          uuid.New().String(),
		ShipmentID:  s.ID,
		Outcome:     outcome,
		Dimension:   dimension,
		EvaluatedAt: e.now().UTC().Format(time.RFC3339),
		TxRef:       &ref,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEvaluationTx(ctx, tx, ev); err != nil {
		return ClaimResult{}, fmt.Errorf("record evaluation: %w", err)
	}
	if err := e.Repo.SetClaimStatusTx(ctx, tx, s.ID, domain.ClaimEvaluating, outcome); err != nil {
		return ClaimResult{}, fmt.Errorf("transition to %s: %w", outcome, err)
	}
	if err := e.Events.Append(ctx, tx, "claim."+outcome, s.ID, "claim", ev.ID, actorID, events.EventPayload{
		"dimension": dimension,
		"tx_ref":    ref,
	}); err != nil {
		return ClaimResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}
	return resultFromEvaluation(s.ID, outcome, ev), nil
}

// InitUserDefaults seeds the owner's ledger account defaults, generating
// placeholder accounts when none are supplied.
func (e Engine) InitUserDefaults(ctx context.Context, ownerID, account, returnAccount string) (domain.User, error) {
	if ownerID == "" {
		return domain.User{}, validationErrorf("owner is required")
	}
	if account == "" {
		account = generatedAccount(ownerID)
	}
	if returnAccount == "" {
		returnAccount = account
	}
	if !validAccount(account) || !validAccount(returnAccount) {
		return domain.User{}, validationErrorf("account addresses are not valid ledger accounts")
	}
	u := domain.User{
		ID:            ownerID,
		Account:       account,
		ReturnAccount: returnAccount,
		CreatedAt:     e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.UpsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// generatedAccount derives a stable placeholder address from the owner id,
// using only the ledger's base58 alphabet.
func generatedAccount(ownerID string) string {
	const alphabet = "pshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte("cargosure.account|"+ownerID))
	buf := make([]byte, 0, 33)
	buf = append(buf, 'r')
	for _, b := range id {
		buf = append(buf, alphabet[int(b)%len(alphabet)])
	}
	for len(buf) < 33 {
		buf = append(buf, 'x')
	}
	return string(buf)
}

// CreateAPIKey mints a device gateway key; the plaintext is returned exactly
// once and only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, deviceID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return domain.APIKey{}, "", validationErrorf("device_id is required")
	}
	plaintext := uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plaintext, nil
}
