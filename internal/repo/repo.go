package repo

import (
	"context"
	"database/sql"
	"errors"

	"cargosure/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertShipment(ctx context.Context, tx *sql.Tx, s domain.Shipment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO shipments(id,owner_id,name,device_id,claim_status,created_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.OwnerID, s.Name, s.DeviceID, s.ClaimStatus, s.CreatedAt)
	return err
}

func (r Repo) GetShipment(ctx context.Context, id string) (domain.Shipment, error) {
	var s domain.Shipment
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner_id,name,device_id,claim_status,created_at FROM shipments WHERE id=?`, id).
		Scan(&s.ID, &s.OwnerID, &s.Name, &s.DeviceID, &s.ClaimStatus, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListShipments(ctx context.Context, ownerID string) ([]domain.Shipment, error) {
	query := `SELECT id,owner_id,name,device_id,claim_status,created_at FROM shipments`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Shipment
	for rows.Next() {
		var s domain.Shipment
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Name, &s.DeviceID, &s.ClaimStatus, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CASClaimStatus transitions claim_status from one of the given states to
// next, returning false when no row matched. This is the per-shipment
// serialization point: concurrent evaluators race on the same UPDATE and
// exactly one wins.
func (r Repo) CASClaimStatus(ctx context.Context, shipmentID, next string, from ...string) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("from states required")
	}
	query := `UPDATE shipments SET claim_status=? WHERE id=? AND claim_status IN (?`
	args := []any{next, shipmentID, from[0]}
	for _, f := range from[1:] {
		query += ",?"
		args = append(args, f)
	}
	query += ")"
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetClaimStatusTx writes claim_status inside the caller's transaction,
// guarded on the expected current state.
func (r Repo) SetClaimStatusTx(ctx context.Context, tx *sql.Tx, shipmentID, from, next string) error {
	res, err := tx.ExecContext(ctx, `UPDATE shipments SET claim_status=? WHERE id=? AND claim_status=?`, next, shipmentID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertEscrow(ctx context.Context, tx *sql.Tx, e domain.Escrow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO escrows(shipment_id,premium,payout,condition_code,source_account,destination,return_account,sequence,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ShipmentID, e.Premium, e.Payout, e.Condition, e.SourceAccount, e.Destination, e.ReturnAccount, e.Sequence, e.CreatedAt)
	return err
}

func (r Repo) GetEscrow(ctx context.Context, shipmentID string) (domain.Escrow, error) {
	var e domain.Escrow
	err := r.DB.QueryRowContext(ctx, `SELECT shipment_id,premium,payout,condition_code,source_account,destination,return_account,sequence,created_at FROM escrows WHERE shipment_id=?`, shipmentID).
		Scan(&e.ShipmentID, &e.Premium, &e.Payout, &e.Condition, &e.SourceAccount, &e.Destination, &e.ReturnAccount, &e.Sequence, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEvaluationTx(ctx context.Context, tx *sql.Tx, ev domain.ClaimEvaluation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claim_evaluations(id,shipment_id,outcome,dimension,evaluated_at,tx_ref) VALUES (?,?,?,?,?,?)`,
		ev.ID, ev.ShipmentID, ev.Outcome, nullable(ev.Dimension), ev.EvaluatedAt, nullableStringPtr(ev.TxRef))
	return err
}

// TerminalEvaluation returns the single non-pending evaluation for a
// shipment, or ErrNotFound when the claim is still open.
func (r Repo) TerminalEvaluation(ctx context.Context, shipmentID string) (domain.ClaimEvaluation, error) {
	var ev domain.ClaimEvaluation
	var dimension, txRef sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,shipment_id,outcome,dimension,evaluated_at,tx_ref FROM claim_evaluations WHERE shipment_id=? AND outcome IN ('approved','rejected')`, shipmentID).
		Scan(&ev.ID, &ev.ShipmentID, &ev.Outcome, &dimension, &ev.EvaluatedAt, &txRef)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if dimension.Valid {
		ev.Dimension = dimension.String
	}
	if txRef.Valid {
		ev.TxRef = &txRef.String
	}
	return ev, nil
}

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,account,return_account,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET account=excluded.account, return_account=excluded.return_account`,
		u.ID, u.Account, u.ReturnAccount, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,account,return_account,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Account, &u.ReturnAccount, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
