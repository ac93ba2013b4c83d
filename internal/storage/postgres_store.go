package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/models"
)

// PostgresStore implements Store on database/sql. Seat accounting uses
// conditional UPDATEs so the precondition is enforced by the row itself
// under concurrency.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	now := time.Now().UTC()
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO users(full_name, gender, seat_number, department, phone_number, password_hash, is_active, created_at, updated_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$8) RETURNING id`,
		u.FullName, u.Gender, u.SeatNumber, u.Department, u.PhoneNumber, u.PasswordHash, u.IsActive, now,
	).Scan(&u.ID)
	if isUniqueViolation(err) {
		return apperr.Conflict("user with the same phone or seat number already exists")
	}
	if err == nil {
		u.CreatedAt, u.UpdatedAt = now, now
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, id), fmt.Sprintf("user %d", id))
}

func (p *PostgresStore) GetUserByLogin(ctx context.Context, phoneOrSeat string) (*models.User, error) {
	return p.scanUser(p.db.QueryRowContext(ctx,
		userSelect+` WHERE phone_number = $1 OR seat_number = $1`, phoneOrSeat),
		fmt.Sprintf("user %q", phoneOrSeat))
}

const userSelect = `
	SELECT id, full_name, gender, COALESCE(seat_number,''), COALESCE(department,''),
	       phone_number, password_hash, has_vehicle, is_active, created_at, updated_at
	FROM users`

func (p *PostgresStore) scanUser(row *sql.Row, what string) (*models.User, error) {
	var u models.User
	var hasVehicle sql.NullBool
	err := row.Scan(&u.ID, &u.FullName, &u.Gender, &u.SeatNumber, &u.Department,
		&u.PhoneNumber, &u.PasswordHash, &hasVehicle, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("%s not found", what)
	}
	if err != nil {
		return nil, err
	}
	if hasVehicle.Valid {
		u.HasVehicle = &hasVehicle.Bool
	}
	return &u, nil
}

func (p *PostgresStore) UpsertVehicle(ctx context.Context, v *models.Vehicle) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO vehicles(owner_id, make, model, color, license_plate, vehicle_type, year, seat_capacity)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (owner_id) DO UPDATE SET
			make=EXCLUDED.make, model=EXCLUDED.model, color=EXCLUDED.color,
			license_plate=EXCLUDED.license_plate, vehicle_type=EXCLUDED.vehicle_type,
			year=EXCLUDED.year, seat_capacity=EXCLUDED.seat_capacity
		RETURNING id`,
		v.OwnerID, v.Make, v.Model, v.Color, v.LicensePlate, v.VehicleType, v.Year, v.SeatCapacity,
	).Scan(&v.ID)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET has_vehicle = TRUE, updated_at = $2 WHERE id = $1`, v.OwnerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("user %d not found", v.OwnerID)
	}
	return tx.Commit()
}

func (p *PostgresStore) GetVehicleByOwner(ctx context.Context, ownerID int64) (*models.Vehicle, error) {
	var v models.Vehicle
	err := p.db.QueryRowContext(ctx, `
		SELECT id, owner_id, make, model, color, license_plate, vehicle_type, year, seat_capacity
		FROM vehicles WHERE owner_id = $1`, ownerID,
	).Scan(&v.ID, &v.OwnerID, &v.Make, &v.Model, &v.Color, &v.LicensePlate, &v.VehicleType, &v.Year, &v.SeatCapacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no vehicle registered for user %d", ownerID)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (p *PostgresStore) UpsertRide(ctx context.Context, r *models.Ride) error {
	now := time.Now().UTC()
	// One active ride per owner, enforced by the unique index on owner_id.
	return p.db.QueryRowContext(ctx, `
		INSERT INTO rides(owner_id, start_point, end_point, encoded_polyline, distance_km, price,
		                  available_seats, is_available, is_driver_ride, state, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
		ON CONFLICT (owner_id) DO UPDATE SET
			start_point=EXCLUDED.start_point, end_point=EXCLUDED.end_point,
			encoded_polyline=EXCLUDED.encoded_polyline, distance_km=EXCLUDED.distance_km,
			price=EXCLUDED.price, available_seats=EXCLUDED.available_seats,
			is_available=EXCLUDED.is_available, is_driver_ride=EXCLUDED.is_driver_ride,
			state=EXCLUDED.state, updated_at=EXCLUDED.updated_at
		RETURNING id, created_at`,
		r.OwnerID, r.StartPoint, r.EndPoint, r.EncodedPolyline, r.DistanceKm, r.Price,
		r.AvailableSeats, r.IsAvailable, r.IsDriverRide, string(r.State), now,
	).Scan(&r.ID, &r.CreatedAt)
}

const rideSelect = `
	SELECT id, owner_id, start_point, end_point, encoded_polyline, distance_km, price,
	       available_seats, is_available, is_driver_ride, state, created_at, updated_at
	FROM rides`

func (p *PostgresStore) scanRide(row *sql.Row, what string) (*models.Ride, error) {
	var r models.Ride
	var state string
	err := row.Scan(&r.ID, &r.OwnerID, &r.StartPoint, &r.EndPoint, &r.EncodedPolyline,
		&r.DistanceKm, &r.Price, &r.AvailableSeats, &r.IsAvailable, &r.IsDriverRide,
		&state, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("%s not found", what)
	}
	if err != nil {
		return nil, err
	}
	r.State = models.RideState(state)
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id int64) (*models.Ride, error) {
	return p.scanRide(p.db.QueryRowContext(ctx, rideSelect+` WHERE id = $1`, id), fmt.Sprintf("ride %d", id))
}

func (p *PostgresStore) GetRideByOwner(ctx context.Context, ownerID int64) (*models.Ride, error) {
	return p.scanRide(p.db.QueryRowContext(ctx, rideSelect+` WHERE owner_id = $1`, ownerID),
		fmt.Sprintf("ride for user %d", ownerID))
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rides SET available_seats=$2, is_available=$3, state=$4, price=$5, updated_at=$6
		WHERE id=$1`,
		r.ID, r.AvailableSeats, r.IsAvailable, string(r.State), r.Price, time.Now().UTC())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("ride %d not found", r.ID)
	}
	return nil
}

func (p *PostgresStore) ListCandidates(ctx context.Context, driverRides bool) ([]models.Candidate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT u.id, u.full_name, u.gender, u.phone_number,
		       r.id, r.owner_id, r.start_point, r.end_point, r.encoded_polyline,
		       r.distance_km, r.price, r.available_seats, r.is_available, r.is_driver_ride, r.state,
		       v.id, v.make, v.model, v.color, v.license_plate, v.vehicle_type, v.seat_capacity
		FROM rides r
		JOIN users u ON u.id = r.owner_id
		LEFT JOIN vehicles v ON v.owner_id = r.owner_id
		WHERE r.is_driver_ride = $1 AND r.is_available AND u.is_active
		ORDER BY r.id`, driverRides)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Candidate, 0)
	for rows.Next() {
		var c models.Candidate
		var state string
		var vID sql.NullInt64
		var vMake, vModel, vColor, vPlate, vType sql.NullString
		var vSeats sql.NullInt64
		if err := rows.Scan(
			&c.User.ID, &c.User.FullName, &c.User.Gender, &c.User.PhoneNumber,
			&c.Ride.ID, &c.Ride.OwnerID, &c.Ride.StartPoint, &c.Ride.EndPoint, &c.Ride.EncodedPolyline,
			&c.Ride.DistanceKm, &c.Ride.Price, &c.Ride.AvailableSeats, &c.Ride.IsAvailable,
			&c.Ride.IsDriverRide, &state,
			&vID, &vMake, &vModel, &vColor, &vPlate, &vType, &vSeats,
		); err != nil {
			return nil, err
		}
		c.Ride.State = models.RideState(state)
		c.User.IsActive = true
		if vID.Valid {
			c.Vehicle = &models.Vehicle{
				ID: vID.Int64, OwnerID: c.User.ID,
				Make: vMake.String, Model: vModel.String, Color: vColor.String,
				LicensePlate: vPlate.String, VehicleType: vType.String,
				SeatCapacity: int(vSeats.Int64),
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) BookSeat(ctx context.Context, rideID int64, b *models.Booking) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// Compare-and-set on the seat counter: the WHERE clause re-checks the
	// precondition at commit time, so two callers cannot both take the
	// last seat.
	var left int
	err = tx.QueryRowContext(ctx, `
		UPDATE rides SET
			available_seats = available_seats - 1,
			is_available = available_seats - 1 > 0,
			state = CASE WHEN available_seats - 1 = 0 THEN 'full' ELSE state END,
			updated_at = NOW()
		WHERE id = $1 AND is_available AND available_seats > 0
		RETURNING available_seats`, rideID,
	).Scan(&left)
	if errors.Is(err, sql.ErrNoRows) {
		var seats int
		var available bool
		probe := tx.QueryRowContext(ctx,
			`SELECT available_seats, is_available FROM rides WHERE id = $1`, rideID,
		).Scan(&seats, &available)
		if errors.Is(probe, sql.ErrNoRows) {
			return 0, apperr.NotFound("ride %d not found", rideID)
		}
		if seats <= 0 {
			return 0, apperr.Conflict("ride %d has no seats left", rideID)
		}
		return 0, apperr.InvalidState("ride %d is not available", rideID)
	}
	if err != nil {
		return 0, err
	}

	b.RideID = rideID
	b.BookedAt = time.Now().UTC()
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO bookings(ride_id, driver_id, passenger_id, booked_at)
		VALUES($1,$2,$3,$4) RETURNING id`,
		b.RideID, b.DriverID, b.PassengerID, b.BookedAt,
	).Scan(&b.ID); err != nil {
		return 0, err
	}
	return left, tx.Commit()
}

func (p *PostgresStore) ReleaseSeat(ctx context.Context, rideID int64, maxSeats int) (int, error) {
	var left int
	err := p.db.QueryRowContext(ctx, `
		UPDATE rides SET
			available_seats = available_seats + 1,
			is_available = TRUE,
			state = 'open',
			updated_at = NOW()
		WHERE id = $1 AND available_seats + 1 <= $2
		RETURNING available_seats`, rideID, maxSeats,
	).Scan(&left)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if probe := p.db.QueryRowContext(ctx,
			`SELECT TRUE FROM rides WHERE id = $1`, rideID).Scan(&exists); errors.Is(probe, sql.ErrNoRows) {
			return 0, apperr.NotFound("ride %d not found", rideID)
		}
		return 0, apperr.Conflict("seat count would exceed vehicle capacity")
	}
	if err != nil {
		return 0, err
	}
	return left, nil
}

func (p *PostgresStore) GetBooking(ctx context.Context, rideID, passengerID int64) (*models.Booking, error) {
	var b models.Booking
	err := p.db.QueryRowContext(ctx, `
		SELECT id, ride_id, driver_id, passenger_id, booked_at
		FROM bookings WHERE ride_id = $1 AND passenger_id = $2
		ORDER BY id DESC LIMIT 1`, rideID, passengerID,
	).Scan(&b.ID, &b.RideID, &b.DriverID, &b.PassengerID, &b.BookedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("booking not found")
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresStore) ListBookingsForRide(ctx context.Context, rideID int64) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, ride_id, driver_id, passenger_id, booked_at
		FROM bookings WHERE ride_id = $1 ORDER BY id`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Booking, 0)
	for rows.Next() {
		var b models.Booking
		if err := rows.Scan(&b.ID, &b.RideID, &b.DriverID, &b.PassengerID, &b.BookedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetChatByPair(ctx context.Context, a, b int64) (*models.Chat, error) {
	var c models.Chat
	err := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id, passenger_id, started_on FROM chats
		WHERE (driver_id = $1 AND passenger_id = $2) OR (driver_id = $2 AND passenger_id = $1)`,
		a, b,
	).Scan(&c.ID, &c.DriverID, &c.PassengerID, &c.StartedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("no chat between users %d and %d", a, b)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresStore) CreateChat(ctx context.Context, c *models.Chat, first *models.Message) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c.StartedOn = time.Now().UTC()
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO chats(driver_id, passenger_id, started_on)
		VALUES($1,$2,$3) RETURNING id`,
		c.DriverID, c.PassengerID, c.StartedOn,
	).Scan(&c.ID); err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("chat already exists for this pair")
		}
		return err
	}
	if first != nil {
		first.ChatID = c.ID
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO messages(chat_id, sender_id, content, sent_on)
			VALUES($1,$2,$3,$4) RETURNING id`,
			first.ChatID, first.SenderID, first.Content, first.SentOn,
		).Scan(&first.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) AppendMessage(ctx context.Context, m *models.Message) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO messages(chat_id, sender_id, content, sent_on)
		VALUES($1,$2,$3,$4) RETURNING id`,
		m.ChatID, m.SenderID, m.Content, m.SentOn,
	).Scan(&m.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return apperr.NotFound("chat %d not found", m.ChatID)
		}
	}
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, chatID int64) ([]models.Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, chat_id, sender_id, content, sent_on
		FROM messages WHERE chat_id = $1 ORDER BY sent_on`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.SentOn); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, apperr.NotFound("chat %d not found", chatID)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteChat(ctx context.Context, chatID int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, chatID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("chat %d not found", chatID)
	}
	return nil
}

func (p *PostgresStore) ListChatsForUser(ctx context.Context, userID int64) ([]models.Chat, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, driver_id, passenger_id, started_on
		FROM chats WHERE driver_id = $1 OR passenger_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Chat, 0)
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.DriverID, &c.PassengerID, &c.StartedOn); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
