// Package ride implements the booking lifecycle state machine: posting
// and searching routes, negotiation over chat, seat accounting, and the
// notification side effects of each transition.
package ride

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/matcher"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
	"github.com/example/ride-pooling/internal/polyline"
	"github.com/example/ride-pooling/internal/storage"
)

// Hub event names.
const (
	EventIntroMessage   = "IntroMessage"
	EventReceiveMessage = "ReceiveMessage"
	EventRideStatus     = "RideStatus"
)

// RideStatus payload texts.
const (
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusSeatsFull = "seats full"
	StatusCompleted = "completed"
	StatusBooked    = "booked"
	StatusCancelled = "cancelled"
)

// Notifier delivers best-effort events to a user's connected sessions.
// Pushes never fail a transition; an offline user simply misses them.
type Notifier interface {
	Publish(userID int64, event string, payload any)
}

// EventSink receives lifecycle facts for the event stream. Optional.
type EventSink interface {
	PublishRideEvent(ctx context.Context, ev models.RideEvent) error
}

// Service owns every ride lifecycle transition. All seat mutations go
// through the store's guarded read-modify-write, so concurrent accepts
// can never overbook.
type Service struct {
	Store         storage.Store
	Notifier      Notifier
	Events        EventSink
	Logger        *slog.Logger
	BaseRatePerKm float64
	RadiusKm      float64
}

// RouteInput is a submitted route. DistanceKm and EncodedPolyline may
// come from an external routing service; both are optional.
type RouteInput struct {
	StartPoint      string  `json:"start_point"`
	EndPoint        string  `json:"end_point"`
	EncodedPolyline string  `json:"encoded_polyline"`
	DistanceKm      float64 `json:"distance_km"`
}

// interpolatedRoutePoints is how many synthetic samples stand in for a
// route when no polyline was supplied.
const interpolatedRoutePoints = 4

func (s *Service) radius() float64 {
	if s.RadiusKm > 0 {
		return s.RadiusKm
	}
	return matcher.SearchRadiusKm
}

// PostRide upserts the driver's active ride, opens its seats, and
// returns the currently searching passengers compatible with the route.
// Contact is initiated explicitly by the caller; nothing is pushed here.
func (s *Service) PostRide(ctx context.Context, driverID int64, route RouteInput) (matches []models.Match, err error) {
	defer func() { observability.Transition("post_ride", err) }()

	start, end, err := parseEndpoints(route)
	if err != nil {
		return nil, err
	}
	vehicle, err := s.Store.GetVehicleByOwner(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if vehicle.SeatCapacity < 2 {
		return nil, apperr.InvalidState("vehicle has no passenger seats")
	}
	seats := vehicle.SeatCapacity - 1

	distance := route.DistanceKm
	if distance <= 0 {
		distance = geo.DistanceKm(start, end)
	}
	price, err := EstimatePrice(s.BaseRatePerKm, distance, seats)
	if err != nil {
		return nil, err
	}

	encoded := route.EncodedPolyline
	if encoded == "" {
		encoded = interpolateRoute(start, end)
	} else if _, err := polyline.Decode(encoded); err != nil {
		return nil, err
	}

	ride := &models.Ride{
		OwnerID:         driverID,
		StartPoint:      route.StartPoint,
		EndPoint:        route.EndPoint,
		EncodedPolyline: encoded,
		DistanceKm:      distance,
		Price:           price,
		AvailableSeats:  seats,
		IsAvailable:     true,
		IsDriverRide:    true,
		State:           models.StateOpen,
	}
	if err := s.Store.UpsertRide(ctx, ride); err != nil {
		return nil, err
	}
	s.emit(ctx, "ride_posted", ride)

	matches, err = s.matchAgainst(ctx, end, false)
	return matches, err
}

// SearchRides upserts the passenger's searching ride and returns the
// open driver rides whose trajectory passes near the passenger's
// destination.
func (s *Service) SearchRides(ctx context.Context, passengerID int64, route RouteInput) (matches []models.Match, err error) {
	defer func() { observability.Transition("search_rides", err) }()

	start, end, err := parseEndpoints(route)
	if err != nil {
		return nil, err
	}
	encoded := route.EncodedPolyline
	if encoded == "" {
		encoded = interpolateRoute(start, end)
	} else if _, err := polyline.Decode(encoded); err != nil {
		return nil, err
	}

	distance := route.DistanceKm
	if distance <= 0 {
		distance = geo.DistanceKm(start, end)
	}
	ride := &models.Ride{
		OwnerID:         passengerID,
		StartPoint:      route.StartPoint,
		EndPoint:        route.EndPoint,
		EncodedPolyline: encoded,
		DistanceKm:      distance,
		IsAvailable:     true,
		IsDriverRide:    false,
		State:           models.StateSearching,
	}
	if err := s.Store.UpsertRide(ctx, ride); err != nil {
		return nil, err
	}
	s.emit(ctx, "search_posted", ride)

	matches, err = s.matchAgainst(ctx, end, true)
	return matches, err
}

// Contact ensures a chat exists for the pair (created once, reused
// thereafter), appends the message, and notifies the counterpart. The
// first message also pushes an IntroMessage with the sender's profile.
func (s *Service) Contact(ctx context.Context, senderID, receiverID int64, message string) (chat *models.Chat, err error) {
	defer func() { observability.Transition("contact", err) }()

	if message == "" {
		return nil, apperr.Format("message must not be empty")
	}
	sender, err := s.Store.GetUser(ctx, senderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.GetUser(ctx, receiverID); err != nil {
		return nil, err
	}

	msg := &models.Message{SenderID: senderID, Content: message, SentOn: time.Now().UTC()}

	chat, err = s.Store.GetChatByPair(ctx, senderID, receiverID)
	switch {
	case err == nil:
		msg.ChatID = chat.ID
		if err := s.Store.AppendMessage(ctx, msg); err != nil {
			return nil, err
		}
	case apperr.IsKind(err, apperr.KindNotFound):
		chat = &models.Chat{DriverID: senderID, PassengerID: receiverID}
		if sender.HasVehicle == nil || !*sender.HasVehicle {
			chat.DriverID, chat.PassengerID = receiverID, senderID
		}
		if err := s.Store.CreateChat(ctx, chat, msg); err != nil {
			return nil, err
		}
		profile, perr := s.profile(ctx, senderID)
		if perr == nil {
			s.notify(receiverID, EventIntroMessage, models.IntroMessagePayload{
				ChatID:  chat.ID,
				Profile: *profile,
			})
		}
	default:
		return nil, err
	}

	s.notify(receiverID, EventReceiveMessage, models.ReceiveMessagePayload{
		SenderID: senderID,
		Message:  message,
		SentOn:   msg.SentOn,
	})
	return chat, nil
}

// AcceptRide confirms one passenger onto the driver's ride: seat taken,
// booking recorded, passenger notified. Filling the last seat retires
// every other pending negotiation with a "seats full" push.
func (s *Service) AcceptRide(ctx context.Context, driverID, passengerID int64) (booking *models.Booking, err error) {
	defer func() { observability.Transition("accept_ride", err) }()

	driverRide, err := s.Store.GetRideByOwner(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !driverRide.IsDriverRide {
		return nil, apperr.InvalidState("user %d has no driver ride", driverID)
	}
	passengerRide, err := s.Store.GetRideByOwner(ctx, passengerID)
	if err != nil {
		return nil, err
	}
	if passengerRide.IsDriverRide || !passengerRide.IsAvailable {
		return nil, apperr.InvalidState("user %d is not searching for a ride", passengerID)
	}

	booking = &models.Booking{DriverID: driverID, PassengerID: passengerID}
	seatsLeft, err := s.Store.BookSeat(ctx, driverRide.ID, booking)
	if err != nil {
		return nil, err
	}

	if profile, perr := s.profile(ctx, driverID); perr == nil {
		s.notify(passengerID, EventRideStatus, models.RideStatusPayload{
			Profile: profile,
			Status:  StatusAccepted,
		})
	}

	if seatsLeft == 0 {
		s.retirePendingChats(ctx, driverID, passengerID)
	}

	driverRide.AvailableSeats = seatsLeft
	driverRide.IsAvailable = seatsLeft > 0
	if seatsLeft == 0 {
		driverRide.State = models.StateFull
	}
	s.emit(ctx, "ride_accepted", driverRide)
	return booking, nil
}

// RejectRide ends the negotiation with one passenger: the pair's chat
// is deleted and the passenger is told. Seat counts do not change.
func (s *Service) RejectRide(ctx context.Context, driverID, passengerID int64) (err error) {
	defer func() { observability.Transition("reject_ride", err) }()

	chat, err := s.Store.GetChatByPair(ctx, driverID, passengerID)
	if err != nil {
		return err
	}
	if err := s.Store.DeleteChat(ctx, chat.ID); err != nil {
		return err
	}
	s.notify(passengerID, EventRideStatus, models.RideStatusPayload{Status: StatusRejected})
	return nil
}

// CompleteRide marks the trip done and resets seats for a potential
// re-post. Booked passengers receive a completion push.
func (s *Service) CompleteRide(ctx context.Context, driverID, rideID int64) (err error) {
	defer func() { observability.Transition("complete_ride", err) }()

	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.OwnerID != driverID {
		return apperr.NotFound("ride %d not found for user %d", rideID, driverID)
	}
	if ride.State == models.StateCompleted {
		return apperr.InvalidState("ride %d is already completed", rideID)
	}
	vehicle, err := s.Store.GetVehicleByOwner(ctx, driverID)
	if err != nil {
		return err
	}

	bookings, err := s.Store.ListBookingsForRide(ctx, rideID)
	if err != nil {
		return err
	}

	ride.State = models.StateCompleted
	ride.IsAvailable = false
	ride.AvailableSeats = vehicle.SeatCapacity - 1
	if err := s.Store.UpdateRide(ctx, ride); err != nil {
		return err
	}

	profile, perr := s.profile(ctx, driverID)
	for _, b := range bookings {
		payload := models.RideStatusPayload{Status: StatusCompleted}
		if perr == nil {
			payload.Profile = profile
		}
		s.notify(b.PassengerID, EventRideStatus, payload)
	}
	s.emit(ctx, "ride_completed", ride)
	return nil
}

// CancelSearch withdraws the passenger's searching ride. No one is
// notified; nothing was committed yet.
func (s *Service) CancelSearch(ctx context.Context, passengerID int64) (err error) {
	defer func() { observability.Transition("cancel_search", err) }()

	ride, err := s.Store.GetRideByOwner(ctx, passengerID)
	if err != nil {
		return err
	}
	if ride.IsDriverRide {
		return apperr.InvalidState("user %d has a driver ride, not a search", passengerID)
	}
	ride.IsAvailable = false
	ride.State = models.StateCancelled
	if err := s.Store.UpdateRide(ctx, ride); err != nil {
		return err
	}
	s.emit(ctx, "search_cancelled", ride)
	return nil
}

// BookRide takes a seat directly, bypassing negotiation. Same seat
// guard as AcceptRide, no chat side effects.
func (s *Service) BookRide(ctx context.Context, passengerID, rideID int64) (booking *models.Booking, seatsLeft int, err error) {
	defer func() { observability.Transition("book_ride", err) }()

	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, 0, err
	}
	if !ride.IsDriverRide {
		return nil, 0, apperr.NotFound("ride %d not available", rideID)
	}

	booking = &models.Booking{DriverID: ride.OwnerID, PassengerID: passengerID}
	seatsLeft, err = s.Store.BookSeat(ctx, rideID, booking)
	if err != nil {
		return nil, 0, err
	}

	if profile, perr := s.profile(ctx, passengerID); perr == nil {
		s.notify(ride.OwnerID, EventRideStatus, models.RideStatusPayload{
			Profile: profile,
			Status:  StatusBooked,
		})
	}

	ride.AvailableSeats = seatsLeft
	ride.IsAvailable = seatsLeft > 0
	if seatsLeft == 0 {
		ride.State = models.StateFull
	}
	s.emit(ctx, "ride_booked", ride)
	return booking, seatsLeft, nil
}

// CancelRide gives a booked seat back. The booking row stays as an
// audit fact; only the counter moves, bounded by vehicle capacity.
func (s *Service) CancelRide(ctx context.Context, passengerID, rideID int64) (seatsLeft int, err error) {
	defer func() { observability.Transition("cancel_ride", err) }()

	if _, err = s.Store.GetBooking(ctx, rideID, passengerID); err != nil {
		return 0, err
	}
	ride, err := s.Store.GetRide(ctx, rideID)
	if err != nil {
		return 0, err
	}
	vehicle, err := s.Store.GetVehicleByOwner(ctx, ride.OwnerID)
	if err != nil {
		return 0, err
	}

	seatsLeft, err = s.Store.ReleaseSeat(ctx, rideID, vehicle.SeatCapacity-1)
	if err != nil {
		return 0, err
	}

	if profile, perr := s.profile(ctx, passengerID); perr == nil {
		s.notify(ride.OwnerID, EventRideStatus, models.RideStatusPayload{
			Profile: profile,
			Status:  StatusCancelled,
		})
	}

	ride.AvailableSeats = seatsLeft
	ride.IsAvailable = true
	ride.State = models.StateOpen
	s.emit(ctx, "ride_cancelled", ride)
	return seatsLeft, nil
}

// Messages returns a chat's history, oldest first.
func (s *Service) Messages(ctx context.Context, chatID int64) ([]models.Message, error) {
	return s.Store.ListMessages(ctx, chatID)
}

// EstimatePrice computes the per-seat share of a trip, rounded to two
// decimal places.
func EstimatePrice(ratePerKm, distanceKm float64, seats int) (float64, error) {
	if seats <= 0 {
		return 0, apperr.InvalidState("available seats must be greater than zero")
	}
	total := distanceKm * ratePerKm
	return math.Round(total/float64(seats)*100) / 100, nil
}

func (s *Service) matchAgainst(ctx context.Context, endpoint models.Point, driverRides bool) ([]models.Match, error) {
	start := time.Now()
	candidates, err := s.Store.ListCandidates(ctx, driverRides)
	if err != nil {
		return nil, err
	}
	matches := matcher.MatchCandidatesWithin(endpoint, candidates, s.radius())
	observability.MatchesTotal.Add(float64(len(matches)))
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	return matches, nil
}

func (s *Service) retirePendingChats(ctx context.Context, driverID, acceptedPassengerID int64) {
	chats, err := s.Store.ListChatsForUser(ctx, driverID)
	if err != nil {
		s.logf("list chats", err)
		return
	}
	for _, chat := range chats {
		other := chat.PassengerID
		if chat.PassengerID == driverID {
			other = chat.DriverID
		}
		if other == acceptedPassengerID {
			continue
		}
		if err := s.Store.DeleteChat(ctx, chat.ID); err != nil {
			s.logf("delete chat", err)
			continue
		}
		s.notify(other, EventRideStatus, models.RideStatusPayload{Status: StatusSeatsFull})
	}
}

func (s *Service) profile(ctx context.Context, userID int64) (*models.Profile, error) {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	p := &models.Profile{
		UserID:      u.ID,
		FullName:    u.FullName,
		Gender:      u.Gender,
		PhoneNumber: u.PhoneNumber,
	}
	if r, err := s.Store.GetRideByOwner(ctx, userID); err == nil {
		p.Ride = &models.RideInfo{
			RideID:          r.ID,
			StartPoint:      r.StartPoint,
			EndPoint:        r.EndPoint,
			EncodedPolyline: r.EncodedPolyline,
			Price:           r.Price,
			AvailableSeats:  r.AvailableSeats,
		}
	}
	if v, err := s.Store.GetVehicleByOwner(ctx, userID); err == nil {
		p.Vehicle = &models.VehicleInfo{
			VehicleType:  v.VehicleType,
			MakeModel:    v.Make + " " + v.Model,
			Color:        v.Color,
			LicensePlate: v.LicensePlate,
		}
	}
	return p, nil
}

func (s *Service) notify(userID int64, event string, payload any) {
	if s.Notifier == nil {
		return
	}
	s.Notifier.Publish(userID, event, payload)
}

func (s *Service) emit(ctx context.Context, typ string, r *models.Ride) {
	if s.Events == nil {
		return
	}
	ev := models.RideEvent{
		Type:           typ,
		RideID:         r.ID,
		OwnerID:        r.OwnerID,
		State:          r.State,
		AvailableSeats: r.AvailableSeats,
		IsAvailable:    r.IsAvailable,
		EndPoint:       r.EndPoint,
		At:             time.Now().UTC(),
	}
	if err := s.Events.PublishRideEvent(ctx, ev); err != nil {
		s.logf("publish ride event", err)
	}
}

func (s *Service) logf(what string, err error) {
	if s.Logger != nil {
		s.Logger.Warn(what+" failed", "error", err)
	}
}

func parseEndpoints(route RouteInput) (start, end models.Point, err error) {
	start, err = geo.ParseCoordinates(route.StartPoint)
	if err != nil {
		return models.Point{}, models.Point{}, err
	}
	end, err = geo.ParseCoordinates(route.EndPoint)
	if err != nil {
		return models.Point{}, models.Point{}, err
	}
	return start, end, nil
}

func interpolateRoute(start, end models.Point) string {
	pts := make([]models.Point, 0, interpolatedRoutePoints+2)
	pts = append(pts, start)
	pts = append(pts, geo.IntervalPoints(start, end, interpolatedRoutePoints)...)
	pts = append(pts, end)
	return polyline.Encode(pts)
}
