package postgres

import (
	"context"
	"errors"

	"roadside-dispatch/internal/domain/booking"
	"roadside-dispatch/internal/domain/geo"

	"github.com/jackc/pgx/v5"
)

var ErrBookingNotFound = errors.New("booking not found")

// BookingRepo stores booking snapshots. The in-memory manager is the source
// of truth while a booking is open; rows here are its durable trail.
type BookingRepo struct {
	uow UnitOfWork
}

func NewBookingRepo(uow UnitOfWork) *BookingRepo {
	return &BookingRepo{uow: uow}
}

// SaveBooking upserts the full snapshot. Older snapshots never overwrite newer ones.
func (repo *BookingRepo) SaveBooking(ctx context.Context, b booking.Booking) error {
	var mechanicID *string
	if b.MechanicID != "" {
		mechanicID = &b.MechanicID
	}

	return repo.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO bookings (
				id, requester_id, mechanic_id, status, problem, location_text,
				latitude, longitude, vehicle_type, distance_km, fare, cancel_reason,
				created_at, updated_at, accepted_at, en_route_at, arrived_at, completed_at, cancelled_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
			ON CONFLICT (id) DO UPDATE SET
				mechanic_id   = EXCLUDED.mechanic_id,
				status        = EXCLUDED.status,
				distance_km   = EXCLUDED.distance_km,
				fare          = EXCLUDED.fare,
				cancel_reason = EXCLUDED.cancel_reason,
				updated_at    = EXCLUDED.updated_at,
				accepted_at   = EXCLUDED.accepted_at,
				en_route_at   = EXCLUDED.en_route_at,
				arrived_at    = EXCLUDED.arrived_at,
				completed_at  = EXCLUDED.completed_at,
				cancelled_at  = EXCLUDED.cancelled_at
			WHERE bookings.updated_at <= EXCLUDED.updated_at
		`,
			b.ID, b.RequesterID, mechanicID, b.Status.String(), b.Problem, b.LocationText,
			b.Location.Latitude, b.Location.Longitude, b.VehicleType.String(), b.DistanceKM, b.Fare, b.CancelReason,
			b.CreatedAt, b.UpdatedAt, b.AcceptedAt, b.EnRouteAt, b.ArrivedAt, b.CompletedAt, b.CancelledAt,
		)
		return err
	})
}

// GetByID loads a stored snapshot, used for bookings already pruned from memory.
func (repo *BookingRepo) GetByID(ctx context.Context, id string) (booking.Booking, error) {
	var out booking.Booking
	err := repo.uow.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := MustTxFromContext(ctx)
		if err != nil {
			return err
		}

		var (
			mechanicID *string
			status, vt string
			lat, lng   float64
		)
		err = tx.QueryRow(ctx, `
			SELECT id, requester_id, mechanic_id, status, problem, location_text,
			       latitude, longitude, vehicle_type, distance_km, fare::float8, cancel_reason,
			       created_at, updated_at, accepted_at, en_route_at, arrived_at, completed_at, cancelled_at
			FROM bookings
			WHERE id = $1
		`, id).Scan(
			&out.ID, &out.RequesterID, &mechanicID, &status, &out.Problem, &out.LocationText,
			&lat, &lng, &vt, &out.DistanceKM, &out.Fare, &out.CancelReason,
			&out.CreatedAt, &out.UpdatedAt, &out.AcceptedAt, &out.EnRouteAt, &out.ArrivedAt, &out.CompletedAt, &out.CancelledAt,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBookingNotFound
		}
		if err != nil {
			return err
		}

		if mechanicID != nil {
			out.MechanicID = *mechanicID
		}
		out.Status = booking.Status(status)
		out.VehicleType = booking.VehicleType(vt)
		out.Location = geo.Point{Latitude: lat, Longitude: lng}
		return nil
	})
	return out, err
}
