// Package httpapi exposes the booking engine over REST plus one
// websocket endpoint for lifecycle pushes.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-pooling/internal/apperr"
	"github.com/example/ride-pooling/internal/auth"
	"github.com/example/ride-pooling/internal/geo"
	"github.com/example/ride-pooling/internal/hub"
	"github.com/example/ride-pooling/internal/matcher"
	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/ride"
	"github.com/example/ride-pooling/internal/routing"
	"github.com/example/ride-pooling/internal/storage"
)

// GeoIndex is the optional Redis-fed prefilter maintained by the event
// consumer. Nil when Redis is not configured.
type GeoIndex interface {
	NearbyRideIDs(ctx context.Context, p models.Point, radiusKm float64, limit int) ([]int64, error)
}

type Server struct {
	Rides   *ride.Service
	Store   storage.Store
	Auth    *auth.Manager
	Hub     *hub.Hub
	Routing routing.Client
	Geo     GeoIndex

	logger *slog.Logger
	router *mux.Router
}

func NewServer(rides *ride.Service, store storage.Store, authMgr *auth.Manager, h *hub.Hub, router routing.Client, index GeoIndex, logger *slog.Logger) *Server {
	s := &Server{
		Rides:   rides,
		Store:   store,
		Auth:    authMgr,
		Hub:     h,
		Routing: router,
		Geo:     index,
		logger:  logger,
		router:  mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	s.router.HandleFunc("/auth/login", s.handleLogin).Methods("POST")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/vehicle", s.handleUpsertVehicle).Methods("PUT")
	api.HandleFunc("/rides/post", s.handlePostRide).Methods("POST")
	api.HandleFunc("/rides/search", s.handleSearchRides).Methods("POST")
	api.HandleFunc("/rides/search", s.handleCancelSearch).Methods("DELETE")
	api.HandleFunc("/rides/estimate", s.handleEstimate).Methods("GET")
	api.HandleFunc("/rides/nearby", s.handleNearby).Methods("GET")
	api.HandleFunc("/rides/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/book", s.handleBook).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancelBooking).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/chats/send", s.handleSendMessage).Methods("POST")
	api.HandleFunc("/chats/{chat_id}/messages", s.handleMessages).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWS)
	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type registerRequest struct {
	FullName    string `json:"full_name"`
	Gender      string `json:"gender"`
	SeatNumber  string `json:"seat_number"`
	Department  string `json:"department"`
	PhoneNumber string `json:"phone_number"`
	Password    string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Format("invalid request body: %v", err))
		return
	}
	if req.FullName == "" || req.PhoneNumber == "" {
		s.writeError(w, r, apperr.Format("full_name and phone_number are required"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u := &models.User{
		FullName:     req.FullName,
		Gender:       req.Gender,
		SeatNumber:   req.SeatNumber,
		Department:   req.Department,
		PhoneNumber:  req.PhoneNumber,
		PasswordHash: hash,
		IsActive:     true,
	}
	if err := s.Store.CreateUser(r.Context(), u); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.Auth.Issue(u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"user": u, "access_token": token})
}

type loginRequest struct {
	Login    string `json:"login"` // phone number or seat number
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Format("invalid request body: %v", err))
		return
	}
	u, err := s.Store.GetUserByLogin(r.Context(), req.Login)
	if err != nil || !auth.CheckPassword(u.PasswordHash, req.Password) {
		// same answer for unknown user and bad password
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := s.Auth.Issue(u.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"user": u, "access_token": token})
}

func (s *Server) handleUpsertVehicle(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.writeError(w, r, apperr.Format("invalid request body: %v", err))
		return
	}
	if v.SeatCapacity < 2 {
		s.writeError(w, r, apperr.Format("seat_capacity must be at least 2"))
		return
	}
	v.OwnerID = userIDFromContext(r.Context())
	if err := s.Store.UpsertVehicle(r.Context(), &v); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePostRide(w http.ResponseWriter, r *http.Request) {
	var route ride.RouteInput
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		s.writeError(w, r, apperr.Format("invalid request body: %v", err))
		return
	}
	s.enrichRoute(r, &route)
	matches, err := s.Rides.PostRide(r.Context(), userIDFromContext(r.Context()), route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) handleSearchRides(w http.ResponseWriter, r *http.Request) {
	var route ride.RouteInput
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		s.writeError(w, r, apperr.Format("invalid request body: %v", err))
		return
	}
	s.enrichRoute(r, &route)
	matches, err := s.Rides.SearchRides(r.Context(), userIDFromContext(r.Context()), route)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.CancelSearch(r.Context(), userIDFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	distance, err := strconv.ParseFloat(r.URL.Query().Get("distance_km"), 64)
	if err != nil {
		s.writeError(w, r, apperr.Format("invalid distance_km"))
		return
	}
	seats, err := strconv.Atoi(r.URL.Query().Get("seats"))
	if err != nil {
		s.writeError(w, r, apperr.Format("invalid seats"))
		return
	}
	price, err := ride.EstimatePrice(s.Rides.BaseRatePerKm, distance, seats)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"price_per_seat": price})
}

// handleNearby serves the Redis-fed endpoint prefilter: ride summaries
// whose destination lies within the radius, nearest first. Full
// trajectory matching still goes through /rides/search.
func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.Geo == nil {
		http.Error(w, "geo index not configured", http.StatusServiceUnavailable)
		return
	}
	point, err := geo.ParseCoordinates(r.URL.Query().Get("at"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := s.Rides.RadiusKm
	if radius <= 0 {
		radius = matcher.SearchRadiusKm
	}
	ids, err := s.Geo.NearbyRideIDs(r.Context(), point, radius, 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rides := make([]*models.Ride, 0, len(ids))
	for _, id := range ids {
		rd, err := s.Store.GetRide(r.Context(), id)
		if err != nil {
			continue // index may lag the store
		}
		if rd.IsAvailable && rd.IsDriverRide {
			rides = append(rides, rd)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

type pairRequest struct {
	PassengerID int64 `json:"passenger_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Format("invalid request body: %v", err))
		return
	}
	booking, err := s.Rides.AcceptRide(r.Context(), userIDFromContext(r.Context()), req.PassengerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, booking)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Format("invalid request body: %v", err))
		return
	}
	if err := s.Rides.RejectRide(r.Context(), userIDFromContext(r.Context()), req.PassengerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	rideID, err := pathID(r, "ride_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	booking, seatsLeft, err := s.Rides.BookRide(r.Context(), userIDFromContext(r.Context()), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"booking": booking, "seats_left": seatsLeft})
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	rideID, err := pathID(r, "ride_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	seatsLeft, err := s.Rides.CancelRide(r.Context(), userIDFromContext(r.Context()), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"seats_left": seatsLeft})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rideID, err := pathID(r, "ride_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Rides.CompleteRide(r.Context(), userIDFromContext(r.Context()), rideID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	ReceiverID int64  `json:"receiver_id"`
	Message    string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Format("invalid request body: %v", err))
		return
	}
	chat, err := s.Rides.Contact(r.Context(), userIDFromContext(r.Context()), req.ReceiverID, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := pathID(r, "chat_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs, err := s.Rides.Messages(r.Context(), chatID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS authenticates via access_token in the query string because
// browsers cannot set headers on websocket upgrades.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	userID, err := s.Auth.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}
	session := s.Hub.Connect(hub.Identity{UserID: userID}, conn)

	// The read loop exists only to observe the close; inbound frames
	// are ignored, all writes go through the hub.
	go func() {
		defer s.Hub.Disconnect(session)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// enrichRoute fills in polyline and distance from the routing service
// when the client supplied only endpoints. Failures fall through to the
// straight-line interpolation in the ride service.
func (s *Server) enrichRoute(r *http.Request, route *ride.RouteInput) {
	if s.Routing == nil || route.EncodedPolyline != "" {
		return
	}
	from, err := geo.ParseCoordinates(route.StartPoint)
	if err != nil {
		return
	}
	to, err := geo.ParseCoordinates(route.EndPoint)
	if err != nil {
		return
	}
	fetched, err := s.Routing.Route(r.Context(), from, to)
	if err != nil {
		s.logger.Warn("routing lookup failed", "error", err)
		return
	}
	route.EncodedPolyline = fetched.Geometry
	if route.DistanceKm <= 0 {
		route.DistanceKm = fetched.DistanceKm
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindInvalidState:
		status = http.StatusUnprocessableEntity
	case apperr.KindFormat, apperr.KindDecode:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := mux.Vars(r)[name]
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Format("invalid %s", name)
	}
	return id, nil
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
