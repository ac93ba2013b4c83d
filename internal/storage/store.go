package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/models"
)

// Store defines persistence for users, vehicles, rides, bookings and
// chats. Seat mutations (BookSeat, ReleaseSeat) are guarded
// read-modify-writes: the precondition is re-checked at commit time so
// concurrent callers can never drive the counter out of bounds.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByLogin(ctx context.Context, phoneOrSeat string) (*models.User, error)

	UpsertVehicle(ctx context.Context, v *models.Vehicle) error
	GetVehicleByOwner(ctx context.Context, ownerID int64) (*models.Vehicle, error)

	// UpsertRide enforces at most one active ride per owner.
	UpsertRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id int64) (*models.Ride, error)
	GetRideByOwner(ctx context.Context, ownerID int64) (*models.Ride, error)
	UpdateRide(ctx context.Context, r *models.Ride) error
	ListCandidates(ctx context.Context, driverRides bool) ([]models.Candidate, error)

	// BookSeat atomically decrements the seat counter and records the
	// booking. Fails with Conflict when no seat is left, NotFound when
	// the ride does not exist or is not bookable.
	BookSeat(ctx context.Context, rideID int64, b *models.Booking) (seatsLeft int, err error)
	// ReleaseSeat atomically increments the counter, bounded by maxSeats.
	ReleaseSeat(ctx context.Context, rideID int64, maxSeats int) (seatsLeft int, err error)
	GetBooking(ctx context.Context, rideID, passengerID int64) (*models.Booking, error)
	ListBookingsForRide(ctx context.Context, rideID int64) ([]models.Booking, error)

	GetChatByPair(ctx context.Context, a, b int64) (*models.Chat, error)
	CreateChat(ctx context.Context, c *models.Chat, first *models.Message) error
	AppendMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, chatID int64) ([]models.Message, error)
	DeleteChat(ctx context.Context, chatID int64) error
	ListChatsForUser(ctx context.Context, userID int64) ([]models.Chat, error)
}

// MemoryStore keeps everything in process. It backs tests and local runs
// without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	users    map[int64]*models.User
	vehicles map[int64]*models.Vehicle // keyed by owner id
	rides    map[int64]*models.Ride
	bookings map[int64]*models.Booking
	chats    map[int64]*models.Chat
	messages map[int64][]models.Message // keyed by chat id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*models.User),
		vehicles: make(map[int64]*models.Vehicle),
		rides:    make(map[int64]*models.Ride),
		bookings: make(map[int64]*models.Booking),
		chats:    make(map[int64]*models.Chat),
		messages: make(map[int64][]models.Message),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if (u.PhoneNumber != "" && existing.PhoneNumber == u.PhoneNumber) ||
			(u.SeatNumber != "" && existing.SeatNumber == u.SeatNumber) {
			return apperr.Conflict("user with the same phone or seat number already exists")
		}
	}
	u.ID = m.id()
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("user %d not found", id)
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetUserByLogin(_ context.Context, phoneOrSeat string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.PhoneNumber == phoneOrSeat || u.SeatNumber == phoneOrSeat {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("user %q not found", phoneOrSeat)
}

func (m *MemoryStore) UpsertVehicle(_ context.Context, v *models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[v.OwnerID]
	if !ok {
		return apperr.NotFound("user %d not found", v.OwnerID)
	}
	if existing, ok := m.vehicles[v.OwnerID]; ok {
		v.ID = existing.ID
	} else {
		v.ID = m.id()
	}
	cp := *v
	m.vehicles[v.OwnerID] = &cp
	has := true
	u.HasVehicle = &has
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) GetVehicleByOwner(_ context.Context, ownerID int64) (*models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[ownerID]
	if !ok {
		return nil, apperr.NotFound("no vehicle registered for user %d", ownerID)
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) UpsertRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range m.rides {
		if existing.OwnerID == r.OwnerID {
			r.ID = existing.ID
			r.CreatedAt = existing.CreatedAt
			r.UpdatedAt = now
			cp := *r
			m.rides[r.ID] = &cp
			return nil
		}
	}
	r.ID = m.id()
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id int64) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, apperr.NotFound("ride %d not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) GetRideByOwner(_ context.Context, ownerID int64) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.OwnerID == ownerID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("no ride for user %d", ownerID)
}

func (m *MemoryStore) UpdateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return apperr.NotFound("ride %d not found", r.ID)
	}
	r.UpdatedAt = time.Now().UTC()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListCandidates(_ context.Context, driverRides bool) ([]models.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.rides))
	for id := range m.rides {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]models.Candidate, 0)
	for _, id := range ids {
		r := m.rides[id]
		if r.IsDriverRide != driverRides || !r.IsAvailable {
			continue
		}
		u, ok := m.users[r.OwnerID]
		if !ok || !u.IsActive {
			continue
		}
		c := models.Candidate{User: *u, Ride: *r}
		if v, ok := m.vehicles[r.OwnerID]; ok {
			cp := *v
			c.Vehicle = &cp
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *MemoryStore) BookSeat(_ context.Context, rideID int64, b *models.Booking) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return 0, apperr.NotFound("ride %d not found", rideID)
	}
	if r.AvailableSeats <= 0 {
		return 0, apperr.Conflict("ride %d has no seats left", rideID)
	}
	if !r.IsAvailable {
		return 0, apperr.InvalidState("ride %d is not available", rideID)
	}
	r.AvailableSeats--
	if r.AvailableSeats == 0 {
		r.IsAvailable = false
		r.State = models.StateFull
	}
	r.UpdatedAt = time.Now().UTC()

	b.ID = m.id()
	b.RideID = rideID
	b.BookedAt = time.Now().UTC()
	cp := *b
	m.bookings[b.ID] = &cp
	return r.AvailableSeats, nil
}

func (m *MemoryStore) ReleaseSeat(_ context.Context, rideID int64, maxSeats int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return 0, apperr.NotFound("ride %d not found", rideID)
	}
	if r.AvailableSeats+1 > maxSeats {
		return 0, apperr.Conflict("seat count would exceed vehicle capacity")
	}
	r.AvailableSeats++
	r.IsAvailable = true
	r.State = models.StateOpen
	r.UpdatedAt = time.Now().UTC()
	return r.AvailableSeats, nil
}

func (m *MemoryStore) GetBooking(_ context.Context, rideID, passengerID int64) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.bookings {
		if b.RideID == rideID && b.PassengerID == passengerID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("booking not found")
}

func (m *MemoryStore) ListBookingsForRide(_ context.Context, rideID int64) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Booking, 0)
	for _, b := range m.bookings {
		if b.RideID == rideID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetChatByPair(_ context.Context, a, b int64) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.chats {
		if (c.DriverID == a && c.PassengerID == b) || (c.DriverID == b && c.PassengerID == a) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("no chat between users %d and %d", a, b)
}

func (m *MemoryStore) CreateChat(_ context.Context, c *models.Chat, first *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	c.StartedOn = time.Now().UTC()
	cp := *c
	m.chats[c.ID] = &cp
	if first != nil {
		first.ID = m.id()
		first.ChatID = c.ID
		m.messages[c.ID] = append(m.messages[c.ID], *first)
	}
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[msg.ChatID]; !ok {
		return apperr.NotFound("chat %d not found", msg.ChatID)
	}
	msg.ID = m.id()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], *msg)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, chatID int64) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs, ok := m.messages[chatID]
	if !ok {
		return nil, apperr.NotFound("chat %d not found", chatID)
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	sort.Slice(out, func(i, j int) bool { return out[i].SentOn.Before(out[j].SentOn) })
	return out, nil
}

func (m *MemoryStore) DeleteChat(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[chatID]; !ok {
		return apperr.NotFound("chat %d not found", chatID)
	}
	delete(m.chats, chatID)
	delete(m.messages, chatID)
	return nil
}

func (m *MemoryStore) ListChatsForUser(_ context.Context, userID int64) ([]models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Chat, 0)
	for _, c := range m.chats {
		if c.DriverID == userID || c.PassengerID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
