package ride

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/polyline"
	"github.com/example/ride-pooling/internal/storage"
)

type recordedEvent struct {
	UserID  int64
	Name    string
	Payload any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeNotifier) Publish(userID int64, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{UserID: userID, Name: event, Payload: payload})
}

func (f *fakeNotifier) sentTo(userID int64, event string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.UserID == userID && e.Name == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func newTestService() (*Service, *storage.MemoryStore, *fakeNotifier) {
	store := storage.NewMemoryStore()
	notifier := &fakeNotifier{}
	svc := &Service{
		Store:         store,
		Notifier:      notifier,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		BaseRatePerKm: 20,
	}
	return svc, store, notifier
}

func seedUser(t *testing.T, store *storage.MemoryStore, name string) *models.User {
	t.Helper()
	u := &models.User{
		FullName:    name,
		Gender:      "F",
		PhoneNumber: fmt.Sprintf("0300-%s", name),
		IsActive:    true,
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return u
}

func seedDriver(t *testing.T, store *storage.MemoryStore, name string, seatCapacity int) *models.User {
	t.Helper()
	u := seedUser(t, store, name)
	v := &models.Vehicle{
		OwnerID:      u.ID,
		Make:         "Toyota",
		Model:        "Corolla",
		Color:        "White",
		LicensePlate: "ABC-" + name,
		VehicleType:  "car",
		SeatCapacity: seatCapacity,
	}
	if err := store.UpsertVehicle(context.Background(), v); err != nil {
		t.Fatalf("upsert vehicle: %v", err)
	}
	return u
}

// routeVia encodes a polyline through the given points.
func routeVia(points ...models.Point) string {
	return polyline.Encode(points)
}

var testRoute = RouteInput{
	StartPoint: "0.3,0.0",
	EndPoint:   "0.0,0.0",
	EncodedPolyline: routeVia(
		models.Point{Lat: 0.3, Lon: 0},
		models.Point{Lat: 0.1, Lon: 0},
		models.Point{Lat: 0.01, Lon: 0},
		models.Point{Lat: 0, Lon: 0},
	),
}

func TestPostRideOpensSeats(t *testing.T) {
	svc, store, _ := newTestService()
	driver := seedDriver(t, store, "d1", 4)
	ctx := context.Background()

	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}

	ride, err := store.GetRideByOwner(ctx, driver.ID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	if ride.AvailableSeats != 3 {
		t.Fatalf("available seats = %d, want 3", ride.AvailableSeats)
	}
	if ride.State != models.StateOpen || !ride.IsAvailable || !ride.IsDriverRide {
		t.Fatalf("ride = %+v, want open available driver ride", ride)
	}
	if ride.Price <= 0 {
		t.Fatalf("price = %f, want > 0", ride.Price)
	}
}

func TestPostRideRequiresVehicle(t *testing.T) {
	svc, store, _ := newTestService()
	u := seedUser(t, store, "no-vehicle")

	_, err := svc.PostRide(context.Background(), u.ID, testRoute)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestPostRideRejectsMalformedCoordinates(t *testing.T) {
	svc, store, _ := newTestService()
	driver := seedDriver(t, store, "d1", 4)

	bad := testRoute
	bad.EndPoint = "garbage"
	_, err := svc.PostRide(context.Background(), driver.ID, bad)
	if !apperr.IsKind(err, apperr.KindFormat) {
		t.Fatalf("err = %v, want format error", err)
	}
}

func TestSearchFindsNearbyDriverOnly(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 4)
	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}

	// Endpoint sits on the posted trajectory: matched.
	near := seedUser(t, store, "p-near")
	matches, err := svc.SearchRides(ctx, near.ID, RouteInput{
		StartPoint: "0.2,0.1",
		EndPoint:   "0.01,0.0",
	})
	if err != nil {
		t.Fatalf("search rides: %v", err)
	}
	if len(matches) != 1 || matches[0].Profile.UserID != driver.ID {
		t.Fatalf("matches = %+v, want the posted driver", matches)
	}
	if matches[0].RouteMatched < 1 {
		t.Fatalf("RouteMatched = %d, want >= 1", matches[0].RouteMatched)
	}
	if matches[0].Profile.Vehicle == nil {
		t.Fatalf("match missing vehicle info")
	}

	// Endpoint several km away from every trajectory point: not matched.
	far := seedUser(t, store, "p-far")
	matches, err = svc.SearchRides(ctx, far.ID, RouteInput{
		StartPoint: "0.2,0.1",
		EndPoint:   "0.05,0.05",
	})
	if err != nil {
		t.Fatalf("search rides: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("matches = %+v, want none", matches)
	}
}

func TestPostRideMatchesSearchingPassengers(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	passenger := seedUser(t, store, "p1")
	if _, err := svc.SearchRides(ctx, passenger.ID, RouteInput{
		StartPoint: "0.3,0.0",
		EndPoint:   "0.0,0.0",
	}); err != nil {
		t.Fatalf("search rides: %v", err)
	}

	driver := seedDriver(t, store, "d1", 4)
	matches, err := svc.PostRide(ctx, driver.ID, testRoute)
	if err != nil {
		t.Fatalf("post ride: %v", err)
	}
	if len(matches) != 1 || matches[0].Profile.UserID != passenger.ID {
		t.Fatalf("matches = %+v, want the searching passenger", matches)
	}
}

func contactOrFail(t *testing.T, svc *Service, senderID, receiverID int64, msg string) *models.Chat {
	t.Helper()
	chat, err := svc.Contact(context.Background(), senderID, receiverID, msg)
	if err != nil {
		t.Fatalf("contact: %v", err)
	}
	return chat
}

func TestContactCreatesChatOnceAndNotifies(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 4)
	passenger := seedUser(t, store, "p1")

	chat := contactOrFail(t, svc, passenger.ID, driver.ID, "any seat left?")
	if chat.DriverID != driver.ID || chat.PassengerID != passenger.ID {
		t.Fatalf("chat roles = %+v", chat)
	}
	if got := notifier.sentTo(driver.ID, EventIntroMessage); len(got) != 1 {
		t.Fatalf("intro messages = %d, want 1", len(got))
	}
	if got := notifier.sentTo(driver.ID, EventReceiveMessage); len(got) != 1 {
		t.Fatalf("receive messages = %d, want 1", len(got))
	}

	again := contactOrFail(t, svc, driver.ID, passenger.ID, "yes, two")
	if again.ID != chat.ID {
		t.Fatalf("second contact created a new chat: %d vs %d", again.ID, chat.ID)
	}
	// No second intro in either direction.
	if got := notifier.sentTo(driver.ID, EventIntroMessage); len(got) != 1 {
		t.Fatalf("intro re-sent to driver")
	}
	if got := notifier.sentTo(passenger.ID, EventIntroMessage); len(got) != 0 {
		t.Fatalf("intro sent on existing chat")
	}

	msgs, err := svc.Messages(ctx, chat.ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestAcceptRideDecrementsSeatsAndBooks(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 4)
	passenger := seedUser(t, store, "p1")
	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}
	if _, err := svc.SearchRides(ctx, passenger.ID, RouteInput{StartPoint: "0.2,0.0", EndPoint: "0.01,0.0"}); err != nil {
		t.Fatalf("search: %v", err)
	}

	booking, err := svc.AcceptRide(ctx, driver.ID, passenger.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if booking.DriverID != driver.ID || booking.PassengerID != passenger.ID {
		t.Fatalf("booking = %+v", booking)
	}

	ride, _ := store.GetRideByOwner(ctx, driver.ID)
	if ride.AvailableSeats != 2 || !ride.IsAvailable {
		t.Fatalf("ride after accept = %+v, want 2 seats still available", ride)
	}

	accepted := notifier.sentTo(passenger.ID, EventRideStatus)
	if len(accepted) != 1 {
		t.Fatalf("ride status events = %d, want 1", len(accepted))
	}
	payload := accepted[0].Payload.(models.RideStatusPayload)
	if payload.Status != StatusAccepted || payload.Profile == nil {
		t.Fatalf("payload = %+v, want accepted with driver profile", payload)
	}
}

func TestAcceptLastSeatRetiresOtherChats(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 2) // one passenger seat
	p1 := seedUser(t, store, "p1")
	p2 := seedUser(t, store, "p2")
	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}
	for _, p := range []*models.User{p1, p2} {
		if _, err := svc.SearchRides(ctx, p.ID, RouteInput{StartPoint: "0.2,0.0", EndPoint: "0.01,0.0"}); err != nil {
			t.Fatalf("search: %v", err)
		}
		contactOrFail(t, svc, p.ID, driver.ID, "seat?")
	}

	if _, err := svc.AcceptRide(ctx, driver.ID, p1.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	ride, _ := store.GetRideByOwner(ctx, driver.ID)
	if ride.AvailableSeats != 0 || ride.IsAvailable || ride.State != models.StateFull {
		t.Fatalf("ride after last seat = %+v, want full", ride)
	}
	if _, err := store.GetBooking(ctx, ride.ID, p1.ID); err != nil {
		t.Fatalf("booking row missing: %v", err)
	}

	// p2's chat is gone, p1's survives.
	if _, err := store.GetChatByPair(ctx, driver.ID, p2.ID); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("p2 chat still present: %v", err)
	}
	if _, err := store.GetChatByPair(ctx, driver.ID, p1.ID); err != nil {
		t.Fatalf("p1 chat deleted: %v", err)
	}

	full := notifier.sentTo(p2.ID, EventRideStatus)
	if len(full) != 1 {
		t.Fatalf("p2 ride status events = %d, want 1", len(full))
	}
	if payload := full[0].Payload.(models.RideStatusPayload); payload.Status != StatusSeatsFull {
		t.Fatalf("p2 payload = %+v, want seats full", payload)
	}
}

func TestRejectRideWithoutChatFails(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 4)
	passenger := seedUser(t, store, "p1")
	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}

	err := svc.RejectRide(ctx, driver.ID, passenger.ID)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	ride, _ := store.GetRideByOwner(ctx, driver.ID)
	if _, err := store.GetBooking(ctx, ride.ID, passenger.ID); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("reject created a booking")
	}
}

func TestRejectRideDeletesChat(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 4)
	passenger := seedUser(t, store, "p1")
	contactOrFail(t, svc, passenger.ID, driver.ID, "seat?")

	if err := svc.RejectRide(ctx, driver.ID, passenger.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := store.GetChatByPair(ctx, driver.ID, passenger.ID); !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("chat survived reject")
	}
	events := notifier.sentTo(passenger.ID, EventRideStatus)
	if len(events) != 1 || events[0].Payload.(models.RideStatusPayload).Status != StatusRejected {
		t.Fatalf("events = %+v, want one rejected push", events)
	}
}

func TestCompleteRideResetsSeatsAndRejectsRepeat(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 4)
	passenger := seedUser(t, store, "p1")
	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}
	if _, err := svc.SearchRides(ctx, passenger.ID, RouteInput{StartPoint: "0.2,0.0", EndPoint: "0.01,0.0"}); err != nil {
		t.Fatalf("search: %v", err)
	}
	if _, err := svc.AcceptRide(ctx, driver.ID, passenger.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	ride, _ := store.GetRideByOwner(ctx, driver.ID)
	if err := svc.CompleteRide(ctx, driver.ID, ride.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ride, _ = store.GetRide(ctx, ride.ID)
	if ride.State != models.StateCompleted || ride.IsAvailable {
		t.Fatalf("ride after complete = %+v", ride)
	}
	if ride.AvailableSeats != 3 {
		t.Fatalf("seats after complete = %d, want reset to 3", ride.AvailableSeats)
	}

	done := notifier.sentTo(passenger.ID, EventRideStatus)
	var sawCompleted bool
	for _, e := range done {
		if e.Payload.(models.RideStatusPayload).Status == StatusCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("passenger never saw completion: %+v", done)
	}

	err := svc.CompleteRide(ctx, driver.ID, ride.ID)
	if !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("re-complete err = %v, want invalid state", err)
	}
}

func TestCancelSearchSilently(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()

	passenger := seedUser(t, store, "p1")
	if _, err := svc.SearchRides(ctx, passenger.ID, RouteInput{StartPoint: "0.2,0.0", EndPoint: "0.01,0.0"}); err != nil {
		t.Fatalf("search: %v", err)
	}
	before := notifier.count()

	if err := svc.CancelSearch(ctx, passenger.ID); err != nil {
		t.Fatalf("cancel search: %v", err)
	}
	ride, _ := store.GetRideByOwner(ctx, passenger.ID)
	if ride.IsAvailable || ride.State != models.StateCancelled {
		t.Fatalf("ride after cancel = %+v", ride)
	}
	if notifier.count() != before {
		t.Fatalf("cancel search pushed notifications")
	}
}

func TestBookAndCancelSymmetry(t *testing.T) {
	svc, store, notifier := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 3) // two passenger seats
	passenger := seedUser(t, store, "p1")
	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}
	ride, _ := store.GetRideByOwner(ctx, driver.ID)

	_, left, err := svc.BookRide(ctx, passenger.ID, ride.ID)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if left != 1 {
		t.Fatalf("seats after book = %d, want 1", left)
	}
	if got := notifier.sentTo(driver.ID, EventRideStatus); len(got) != 1 ||
		got[0].Payload.(models.RideStatusPayload).Status != StatusBooked {
		t.Fatalf("driver booked push = %+v", got)
	}

	left, err = svc.CancelRide(ctx, passenger.ID, ride.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if left != 2 {
		t.Fatalf("seats after cancel = %d, want 2", left)
	}

	// Booking row is an audit fact and survives cancellation, so a second
	// cancel hits the capacity bound.
	_, err = svc.CancelRide(ctx, passenger.ID, ride.ID)
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("over-release err = %v, want conflict", err)
	}
}

func TestCancelRideWithoutBooking(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 3)
	passenger := seedUser(t, store, "p1")
	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}
	ride, _ := store.GetRideByOwner(ctx, driver.ID)

	_, err := svc.CancelRide(ctx, passenger.ID, ride.ID)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestConcurrentAcceptsNeverOverbook(t *testing.T) {
	svc, store, _ := newTestService()
	ctx := context.Background()

	driver := seedDriver(t, store, "d1", 2) // exactly one seat
	if _, err := svc.PostRide(ctx, driver.ID, testRoute); err != nil {
		t.Fatalf("post ride: %v", err)
	}

	const n = 8
	passengers := make([]*models.User, n)
	for i := range passengers {
		passengers[i] = seedUser(t, store, fmt.Sprintf("p%d", i))
		if _, err := svc.SearchRides(ctx, passengers[i].ID, RouteInput{
			StartPoint: "0.2,0.0", EndPoint: "0.01,0.0",
		}); err != nil {
			t.Fatalf("search: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			_, err := svc.AcceptRide(ctx, driver.ID, p)
			errs <- err
		}(passengers[i].ID)
	}
	wg.Wait()
	close(errs)

	var success, conflict int
	for err := range errs {
		switch {
		case err == nil:
			success++
		case apperr.IsKind(err, apperr.KindConflict):
			conflict++
		default:
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if success != 1 || conflict != n-1 {
		t.Fatalf("success = %d, conflict = %d; want 1 and %d", success, conflict, n-1)
	}

	ride, _ := store.GetRideByOwner(ctx, driver.ID)
	if ride.AvailableSeats != 0 || ride.IsAvailable {
		t.Fatalf("ride after race = %+v, want 0 seats unavailable", ride)
	}
}

func TestEstimatePrice(t *testing.T) {
	got, err := EstimatePrice(20, 12.5, 3)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if want := 83.33; got != want {
		t.Fatalf("price = %f, want %f", got, want)
	}

	if _, err := EstimatePrice(20, 10, 0); !apperr.IsKind(err, apperr.KindInvalidState) {
		t.Fatalf("zero seats err = %v, want invalid state", err)
	}
}
