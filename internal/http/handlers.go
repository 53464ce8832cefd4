package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/auth"
	"github.com/example/rideshare/internal/ledger"
	"github.com/example/rideshare/internal/lifecycle"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/projection"
	"github.com/example/rideshare/internal/registry"
)

const maxBodySize = 1 << 20

type Server struct {
	registry   *registry.Registry
	lifecycle  *lifecycle.Manager
	ledger     *ledger.Ledger
	projection *projection.Builder
	verifier   *auth.Verifier
	logger     *slog.Logger
	tracer     trace.Tracer
	mux        *mux.Router
	handler    http.Handler
}

// Deps are the engine components the API serves.
type Deps struct {
	Registry    *registry.Registry
	Lifecycle   *lifecycle.Manager
	Ledger      *ledger.Ledger
	Projection  *projection.Builder
	Verifier    *auth.Verifier
	Logger      *slog.Logger
	CORSOrigins []string
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		registry:   d.Registry,
		lifecycle:  d.Lifecycle,
		ledger:     d.Ledger,
		projection: d.Projection,
		verifier:   d.Verifier,
		logger:     d.Logger,
		tracer:     otel.Tracer("github.com/example/rideshare/internal/http"),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	// CORS wraps the router so preflight requests never reach route matching.
	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/events/{eventID}/offers", s.authed(s.handleCreateOffer)).Methods(http.MethodPost)
	api.HandleFunc("/events/{eventID}/offers", s.handleListOffers).Methods(http.MethodGet)
	api.HandleFunc("/events/{eventID}/requests", s.authed(s.handleCreateRequest)).Methods(http.MethodPost)
	api.HandleFunc("/events/{eventID}/requests", s.handleListRequests).Methods(http.MethodGet)

	api.HandleFunc("/offers/{offerID}", s.handleGetOffer).Methods(http.MethodGet)
	api.HandleFunc("/offers/{offerID}/payment-advice", s.handlePaymentAdvice).Methods(http.MethodGet)
	api.HandleFunc("/offers/{offerID}/passengers", s.authed(s.handleOfferPassengers)).Methods(http.MethodGet)
	api.HandleFunc("/offers/{offerID}/cancel", s.authed(s.handleCancelOffer)).Methods(http.MethodPost)
	api.HandleFunc("/offers/{offerID}/join-requests", s.authed(s.handleSendJoinRequest)).Methods(http.MethodPost)
	api.HandleFunc("/offers/{offerID}/invitations", s.authed(s.handleSendInvitation)).Methods(http.MethodPost)

	api.HandleFunc("/requests/{requestID}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{requestID}/cancel", s.authed(s.handleCancelRequest)).Methods(http.MethodPost)

	api.HandleFunc("/join-requests/{matchID}/accept", s.authed(s.handleConfirm(models.PartyPassenger))).Methods(http.MethodPost)
	api.HandleFunc("/join-requests/{matchID}/reject", s.authed(s.handleReject(models.PartyPassenger))).Methods(http.MethodPost)
	api.HandleFunc("/join-requests/{matchID}", s.authed(s.handleDeleteJoinRequest)).Methods(http.MethodDelete)
	api.HandleFunc("/invitations/{matchID}/accept", s.authed(s.handleConfirm(models.PartyDriver))).Methods(http.MethodPost)
	api.HandleFunc("/invitations/{matchID}/reject", s.authed(s.handleReject(models.PartyDriver))).Methods(http.MethodPost)
	api.HandleFunc("/matches/{matchID}/cancel", s.authed(s.handleCancelMatch)).Methods(http.MethodPost)

	api.HandleFunc("/me/offers", s.authed(s.handleMyOffers)).Methods(http.MethodGet)
	api.HandleFunc("/me/rides", s.authed(s.handleMyRides)).Methods(http.MethodGet)
	api.HandleFunc("/me/requests", s.authed(s.handleMyRequests)).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request, account string) {
	var in registry.OfferInput
	if !s.decode(w, r, &in) {
		return
	}
	v, err := s.registry.CreateOffer(r.Context(), account, mux.Vars(r)["eventID"], in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, v)
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var near *models.Coord
	lat, lng := q.Get("lat"), q.Get("lng")
	if lat != "" || lng != "" {
		la, errLat := strconv.ParseFloat(lat, 64)
		lo, errLng := strconv.ParseFloat(lng, 64)
		if errLat != nil || errLng != nil || la < -90 || la > 90 || lo < -180 || lo > 180 {
			s.respondError(w, r, apperr.Validation("lat", "lat and lng must be given together as valid coordinates"))
			return
		}
		near = &models.Coord{Lat: la, Lon: lo}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondError(w, r, apperr.Validation("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	offers, err := s.registry.ListPublicOffers(r.Context(), mux.Vars(r)["eventID"], near, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, offers)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request, account string) {
	var in registry.RequestInput
	if !s.decode(w, r, &in) {
		return
	}
	req, err := s.registry.CreateRequest(r.Context(), account, mux.Vars(r)["eventID"], in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.registry.ListPublicRequests(r.Context(), mux.Vars(r)["eventID"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.registry.GetOffer(r.Context(), mux.Vars(r)["offerID"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, o)
}

func (s *Server) handlePaymentAdvice(w http.ResponseWriter, r *http.Request) {
	adv, ok, err := s.registry.PaymentAdvice(r.Context(), mux.Vars(r)["offerID"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if !ok {
		s.respondError(w, r, apperr.NotFound("no payment advice for offer %s", mux.Vars(r)["offerID"]))
		return
	}
	s.respondJSON(w, http.StatusOK, adv)
}

func (s *Server) handleOfferPassengers(w http.ResponseWriter, r *http.Request, account string) {
	ctx := r.Context()
	o, err := s.registry.GetOffer(ctx, mux.Vars(r)["offerID"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if o.OwnerID != account {
		s.respondError(w, r, apperr.Unauthorized("only the driver can list passengers of offer %s", o.ID))
		return
	}
	p, err := s.ledger.ListForOffer(ctx, o.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request, account string) {
	o, err := s.registry.CancelOffer(r.Context(), mux.Vars(r)["offerID"], account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.registry.GetRequest(r.Context(), mux.Vars(r)["requestID"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request, account string) {
	req, err := s.registry.CancelRequest(r.Context(), mux.Vars(r)["requestID"], account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleSendJoinRequest(w http.ResponseWriter, r *http.Request, account string) {
	var in lifecycle.JoinInput
	if !s.decode(w, r, &in) {
		return
	}
	m, err := s.lifecycle.SendJoinRequest(r.Context(), account, mux.Vars(r)["offerID"], in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, m)
}

type invitationBody struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
}

func (s *Server) handleSendInvitation(w http.ResponseWriter, r *http.Request, account string) {
	var in invitationBody
	if !s.decode(w, r, &in) {
		return
	}
	m, err := s.lifecycle.SendInvitation(r.Context(), account, mux.Vars(r)["offerID"], in.RequestID, in.Message)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, m)
}

// handleConfirm serves accept for join requests (kind passenger) and
// invitations (kind driver).
func (s *Server) handleConfirm(kind models.Party) accountHandler {
	return func(w http.ResponseWriter, r *http.Request, account string) {
		m, err := s.lifecycle.Confirm(r.Context(), mux.Vars(r)["matchID"], account, kind)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, m)
	}
}

func (s *Server) handleReject(kind models.Party) accountHandler {
	return func(w http.ResponseWriter, r *http.Request, account string) {
		m, err := s.lifecycle.Reject(r.Context(), mux.Vars(r)["matchID"], account, kind)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondJSON(w, http.StatusOK, m)
	}
}

func (s *Server) handleCancelMatch(w http.ResponseWriter, r *http.Request, account string) {
	m, err := s.lifecycle.Cancel(r.Context(), mux.Vars(r)["matchID"], account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteJoinRequest(w http.ResponseWriter, r *http.Request, account string) {
	m, deleted, err := s.lifecycle.DeleteJoinRequest(r.Context(), mux.Vars(r)["matchID"], account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, withdrawal{Deleted: deleted, JoinRequest: m})
}

// withdrawal is the DELETE join request body. A pending request is removed
// and echoed as it was; a confirmed one comes back cancelled.
type withdrawal struct {
	Deleted     bool         `json:"deleted"`
	JoinRequest models.Match `json:"join_request"`
}

func (s *Server) handleMyOffers(w http.ResponseWriter, r *http.Request, account string) {
	views, err := s.projection.MyOffers(r.Context(), account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleMyRides(w http.ResponseWriter, r *http.Request, account string) {
	rides, err := s.projection.MyJoinedRides(r.Context(), account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rides)
}

func (s *Server) handleMyRequests(w http.ResponseWriter, r *http.Request, account string) {
	reqs, err := s.projection.MyRequests(r.Context(), account)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, reqs)
}
