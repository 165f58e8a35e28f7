package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cargosure/internal/domain"
	"cargosure/internal/repo"
)

// ErrUnknownShipment is returned when appending telemetry for a shipment that
// does not exist.
var ErrUnknownShipment = errors.New("unknown shipment")

// Store is the append-only per-shipment telemetry log. Readings are never
// edited or deleted; ordering is by timestamp with arrival order breaking
// ties.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Append durably writes one reading. The insert is committed before Append
// returns, so readers never observe a gap due to buffering. The first reading
// for a shipment moves its claim from created to monitoring.
func (s Store) Append(ctx context.Context, r domain.TelemetryReading) error {
	if r.ShipmentID == "" {
		return errors.New("shipment id required")
	}
	if r.Timestamp == "" {
		r.Timestamp = s.now().UTC().Format(time.RFC3339)
	} else if _, err := time.Parse(time.RFC3339, r.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM shipments WHERE id=?`, r.ShipmentID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrUnknownShipment
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO telemetry_readings(shipment_id,ts,shock,temp,hum,lat,lng) VALUES (?,?,?,?,?,?,?)`,
		r.ShipmentID, r.Timestamp, r.Shock, r.Temp, r.Humidity, r.Lat, r.Lng); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE shipments SET claim_status=? WHERE id=? AND claim_status=?`,
		domain.ClaimMonitoring, r.ShipmentID, domain.ClaimCreated); err != nil {
		return err
	}
	return tx.Commit()
}

// ReadingsSince returns all readings for a shipment with timestamp >= since,
// ordered by timestamp ascending then arrival order. A zero since returns the
// full log. The query is side-effect free and restartable.
func (s Store) ReadingsSince(ctx context.Context, shipmentID, since string) ([]domain.TelemetryReading, error) {
	query := `SELECT seq,shipment_id,ts,shock,temp,hum,lat,lng FROM telemetry_readings WHERE shipment_id=?`
	args := []any{shipmentID}
	if since != "" {
		query += ` AND ts>=?`
		args = append(args, since)
	}
	query += ` ORDER BY ts ASC, seq ASC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TelemetryReading
	for rows.Next() {
		var r domain.TelemetryReading
		if err := rows.Scan(&r.Seq, &r.ShipmentID, &r.Timestamp, &r.Shock, &r.Temp, &r.Humidity, &r.Lat, &r.Lng); err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

// Latest returns the most recent reading for a shipment, or ErrNotFound when
// none have arrived.
func (s Store) Latest(ctx context.Context, shipmentID string) (domain.TelemetryReading, error) {
	var r domain.TelemetryReading
	err := s.DB.QueryRowContext(ctx, `SELECT seq,shipment_id,ts,shock,temp,hum,lat,lng FROM telemetry_readings WHERE shipment_id=? ORDER BY ts DESC, seq DESC LIMIT 1`, shipmentID).
		Scan(&r.Seq, &r.ShipmentID, &r.Timestamp, &r.Shock, &r.Temp, &r.Humidity, &r.Lat, &r.Lng)
	if err == sql.ErrNoRows {
		return r, repo.ErrNotFound
	}
	return r, err
}
