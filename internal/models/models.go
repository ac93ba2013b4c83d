package models

import "time"

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideState tracks where a ride sits in its lifecycle.
type RideState string

const (
	StateSearching RideState = "searching"
	StateOpen      RideState = "open"
	StateFull      RideState = "full"
	StateCompleted RideState = "completed"
	StateCancelled RideState = "cancelled"
)

type User struct {
	ID           int64     `json:"id"`
	FullName     string    `json:"full_name"`
	Gender       string    `json:"gender"`
	SeatNumber   string    `json:"seat_number,omitempty"`
	Department   string    `json:"department,omitempty"`
	PhoneNumber  string    `json:"phone_number"`
	PasswordHash string    `json:"-"`
	HasVehicle   *bool     `json:"has_vehicle,omitempty"` // nil until the user declares either way
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Vehicle struct {
	ID           int64  `json:"id"`
	OwnerID      int64  `json:"owner_id"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Color        string `json:"color"`
	LicensePlate string `json:"license_plate"`
	VehicleType  string `json:"vehicle_type"`
	Year         int    `json:"year"`
	SeatCapacity int    `json:"seat_capacity"`
}

// Ride is the single active route record a user owns, driver or passenger.
type Ride struct {
	ID              int64     `json:"id"`
	OwnerID         int64     `json:"owner_id"`
	StartPoint      string    `json:"start_point"`
	EndPoint        string    `json:"end_point"`
	EncodedPolyline string    `json:"encoded_polyline"`
	DistanceKm      float64   `json:"distance_km"`
	Price           float64   `json:"price"`
	AvailableSeats  int       `json:"available_seats"`
	IsAvailable     bool      `json:"is_available"`
	IsDriverRide    bool      `json:"is_driver_ride"`
	State           RideState `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Booking is an append-only record of a confirmed seat.
type Booking struct {
	ID          int64     `json:"id"`
	RideID      int64     `json:"ride_id"`
	DriverID    int64     `json:"driver_id"`
	PassengerID int64     `json:"passenger_id"`
	BookedAt    time.Time `json:"booked_at"`
}

// Chat is the negotiation channel between one driver and one passenger.
// At most one exists per unordered pair.
type Chat struct {
	ID          int64     `json:"id"`
	DriverID    int64     `json:"driver_id"`
	PassengerID int64     `json:"passenger_id"`
	StartedOn   time.Time `json:"started_on"`
}

type Message struct {
	ID       int64     `json:"id"`
	ChatID   int64     `json:"chat_id"`
	SenderID int64     `json:"sender_id"`
	Content  string    `json:"content"`
	SentOn   time.Time `json:"sent_on"`
}

// VehicleInfo is the subset of vehicle data shared with counterparties.
type VehicleInfo struct {
	VehicleType  string `json:"vehicle_type"`
	MakeModel    string `json:"make_model"`
	Color        string `json:"color"`
	LicensePlate string `json:"license_plate"`
}

type RideInfo struct {
	RideID          int64   `json:"ride_id"`
	StartPoint      string  `json:"start_point"`
	EndPoint        string  `json:"end_point"`
	EncodedPolyline string  `json:"encoded_polyline"`
	Price           float64 `json:"price"`
	AvailableSeats  int     `json:"available_seats"`
}

// Profile is the counterparty view pushed in intro and status events.
type Profile struct {
	UserID      int64        `json:"user_id"`
	FullName    string       `json:"full_name"`
	Gender      string       `json:"gender"`
	PhoneNumber string       `json:"phone_number"`
	Vehicle     *VehicleInfo `json:"vehicle,omitempty"`
	Ride        *RideInfo    `json:"ride,omitempty"`
}

// Candidate bundles everything matching needs about one opposite-role user.
type Candidate struct {
	User    User
	Ride    Ride
	Vehicle *Vehicle
}

// Match is one compatible candidate returned from a post or search call.
// RouteMatched counts the candidate's trajectory points inside the search
// radius; higher means more overlap. Result order is insertion order.
type Match struct {
	Profile      Profile `json:"profile"`
	RouteMatched int     `json:"route_matched"`
}

// RideEvent is the lifecycle fact published to the event stream.
type RideEvent struct {
	Type           string    `json:"type"`
	RideID         int64     `json:"ride_id"`
	OwnerID        int64     `json:"owner_id"`
	State          RideState `json:"state"`
	AvailableSeats int       `json:"available_seats"`
	IsAvailable    bool      `json:"is_available"`
	EndPoint       string    `json:"end_point,omitempty"`
	At             time.Time `json:"at"`
}

// Hub event payloads. Clients must tolerate unknown extra fields.

type WelcomePayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       int64  `json:"user_id"`
}

type IntroMessagePayload struct {
	ChatID  int64   `json:"chat_id"`
	Profile Profile `json:"profile"`
}

type ReceiveMessagePayload struct {
	SenderID int64     `json:"sender_id"`
	Message  string    `json:"message"`
	SentOn   time.Time `json:"sent_on"`
}

type RideStatusPayload struct {
	Profile *Profile `json:"profile,omitempty"`
	Status  string   `json:"status"`
}
