package postgres

import (
	"context"
	"errors"
	"time"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"
	"roadside-dispatch/internal/domain/mechanic"

	"github.com/jackc/pgx/v5"
)

var ErrMechanicNotFound = errors.New("mechanic not found")

// MechanicRepo reads and updates the mechanics table.
type MechanicRepo struct {
	uow UnitOfWork
}

// NewMechanicRepo constructs a MechanicRepo running each call in its own transaction
// unless ctx already carries one.
func NewMechanicRepo(uow UnitOfWork) *MechanicRepo {
	return &MechanicRepo{uow: uow}
}

// Available lists on-duty mechanics that serve vt (empty vt means any).
func (repo *MechanicRepo) Available(ctx context.Context, vt booking.VehicleType) ([]mechanic.Mechanic, error) {
	var out []mechanic.Mechanic
	err := repo.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			SELECT id, name, phone, vehicle_types, is_available, latitude, longitude, updated_at
			FROM mechanics
			WHERE is_available = true
			  AND ($1 = '' OR cardinality(vehicle_types) = 0 OR $1 = ANY(vehicle_types))
			ORDER BY updated_at DESC, id
		`, vt.String())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMechanic(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RankCandidates returns available mechanic ids ordered nearest first.
// Mechanics that never reported a position are kept, after the located ones.
func (repo *MechanicRepo) RankCandidates(ctx context.Context, origin geo.Point, vt booking.VehicleType, radiusKM float64, limit int) ([]string, error) {
	available, err := repo.Available(ctx, vt)
	if err != nil {
		return nil, err
	}

	located := make([]geo.Located, 0, len(available))
	for _, m := range available {
		located = append(located, m.Located())
	}
	return geo.RankNearest(origin, located, radiusKM, limit), nil
}

// GetByID returns one mechanic.
func (repo *MechanicRepo) GetByID(ctx context.Context, id string) (mechanic.Mechanic, error) {
	var out mechanic.Mechanic
	err := repo.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			SELECT id, name, phone, vehicle_types, is_available, latitude, longitude, updated_at
			FROM mechanics
			WHERE id = $1
		`, id)
		out, err = scanMechanic(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMechanicNotFound
		}
		return err
	})
	return out, err
}

// SetAvailability upserts the duty flag and, when given, the position.
// A nil location keeps the stored one.
func (repo *MechanicRepo) SetAvailability(ctx context.Context, a mechanic.Availability, now time.Time) error {
	if err := a.Validate(); err != nil {
		return err
	}

	var lat, lng *float64
	if a.Location != nil {
		lat, lng = &a.Location.Latitude, &a.Location.Longitude
	}

	return repo.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO mechanics (id, is_available, latitude, longitude, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				is_available = EXCLUDED.is_available,
				latitude     = COALESCE(EXCLUDED.latitude, mechanics.latitude),
				longitude    = COALESCE(EXCLUDED.longitude, mechanics.longitude),
				updated_at   = EXCLUDED.updated_at
		`, a.MechanicID, a.Available, lat, lng, now.UTC())
		return err
	})
}

func scanMechanic(row pgx.Row) (mechanic.Mechanic, error) {
	var (
		out      mechanic.Mechanic
		types    []string
		lat, lng *float64
	)
	if err := row.Scan(&out.ID, &out.Name, &out.Phone, &types, &out.Available, &lat, &lng, &out.UpdatedAt); err != nil {
		return mechanic.Mechanic{}, err
	}

	for _, t := range types {
		out.VehicleTypes = append(out.VehicleTypes, booking.VehicleType(t))
	}
	if lat != nil && lng != nil {
		out.Location = &geo.Point{Latitude: *lat, Longitude: *lng}
	}
	return out, nil
}
