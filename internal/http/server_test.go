package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare/internal/auth"
	"github.com/example/rideshare/internal/capacity"
	"github.com/example/rideshare/internal/eventdir"
	"github.com/example/rideshare/internal/events"
	"github.com/example/rideshare/internal/ledger"
	"github.com/example/rideshare/internal/lifecycle"
	"github.com/example/rideshare/internal/models"
	"github.com/example/rideshare/internal/projection"
	"github.com/example/rideshare/internal/registry"
	"github.com/example/rideshare/internal/storage"
)

type harness struct {
	t        *testing.T
	srv      *httptest.Server
	verifier *auth.Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(s, capacity.NewGuard(s, logger), logger)
	reg := registry.New(s, l, registry.WithLogger(logger))
	verifier := auth.NewVerifier("test-secret", "")
	api := NewServer(Deps{
		Registry:   reg,
		Lifecycle:  lifecycle.New(s, l, events.Nop{}, logger),
		Ledger:     l,
		Projection: projection.New(reg, l, eventdir.Static{"ev-1": {"title": "Summer Fest"}}, logger),
		Verifier:   verifier,
		Logger:     logger,
	})
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return &harness{t: t, srv: srv, verifier: verifier}
}

func (h *harness) do(method, path, account string, body any) *http.Response {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(h.t, err)
			rd = bytes.NewReader(raw)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		tok, err := h.verifier.Issue(account, time.Minute)
		require.NoError(h.t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeInto[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func offerBody(seats int) map[string]any {
	return map[string]any{
		"total_seats": seats,
		"trip_type":   "going",
		"locations": []map[string]any{{
			"address":   "Market Square",
			"lat":       52.52,
			"lng":       13.405,
			"direction": "going",
			"time":      map[string]any{"mode": "specific", "at": "17:30"},
		}},
	}
}

func (h *harness) createOffer(account string, seats int) models.Offer {
	h.t.Helper()
	resp := h.do(http.MethodPost, "/api/v1/events/ev-1/offers", account, offerBody(seats))
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	return decodeInto[models.Offer](h.t, resp)
}

func (h *harness) join(account, offerID string, count int) models.Match {
	h.t.Helper()
	resp := h.do(http.MethodPost, "/api/v1/offers/"+offerID+"/join-requests", account, map[string]any{
		"pickup":          map[string]any{"address": "Bus stop 3"},
		"passenger_count": count,
	})
	require.Equal(h.t, http.StatusCreated, resp.StatusCode)
	return decodeInto[models.Match](h.t, resp)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	resp := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestBearerRequired(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/api/v1/events/ev-1/offers", "", offerBody(2))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decodeInto[errorBody](t, resp)
	assert.Equal(t, "unauthenticated", body.Code)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/me/offers", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer nope")
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, raw.StatusCode)
}

func TestOfferLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	o := h.createOffer("driver", 2)
	assert.Equal(t, 2, o.AvailableSeats)

	resp := h.do(http.MethodGet, "/api/v1/events/ev-1/offers?lat=52.5&lng=13.4&limit=5", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decodeInto[[]models.Offer](t, resp)
	require.Len(t, listed, 1)
	assert.Equal(t, o.ID, listed[0].ID)

	p1 := h.join("p1", o.ID, 1)
	assert.Equal(t, models.MatchPending, p1.Status)

	resp = h.do(http.MethodPost, "/api/v1/offers/"+o.ID+"/join-requests", "p1", map[string]any{
		"pickup": map[string]any{"address": "Bus stop 3"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", decodeInto[errorBody](t, resp).Code)

	resp = h.do(http.MethodPost, "/api/v1/join-requests/"+p1.ID+"/accept", "p1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/v1/join-requests/"+p1.ID+"/accept", "driver", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.MatchConfirmed, decodeInto[models.Match](t, resp).Status)

	p2 := h.join("p2", o.ID, 2)
	resp = h.do(http.MethodPost, "/api/v1/join-requests/"+p2.ID+"/accept", "driver", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "capacity_exceeded", decodeInto[errorBody](t, resp).Code)

	resp = h.do(http.MethodGet, "/api/v1/offers/"+o.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeInto[models.Offer](t, resp).AvailableSeats)

	resp = h.do(http.MethodGet, "/api/v1/offers/"+o.ID+"/passengers", "p1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = h.do(http.MethodGet, "/api/v1/offers/"+o.ID+"/passengers", "driver", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	part := decodeInto[ledger.Partition](t, resp)
	require.Len(t, part.Confirmed, 1)
	require.Len(t, part.Pending, 1)
	assert.Equal(t, p1.ID, part.Confirmed[0].ID)

	resp = h.do(http.MethodDelete, "/api/v1/join-requests/"+p2.ID, "p1", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = h.do(http.MethodDelete, "/api/v1/join-requests/"+p2.ID, "p2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gone := decodeInto[withdrawal](t, resp)
	assert.True(t, gone.Deleted)
	assert.Equal(t, p2.ID, gone.JoinRequest.ID)
	resp = h.do(http.MethodGet, "/api/v1/offers/"+o.ID+"/passengers", "driver", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeInto[ledger.Partition](t, resp).Pending)

	resp = h.do(http.MethodPost, "/api/v1/matches/"+p1.ID+"/cancel", "p1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.MatchCancelled, decodeInto[models.Match](t, resp).Status)

	resp = h.do(http.MethodGet, "/api/v1/offers/"+o.ID, "", nil)
	assert.Equal(t, 2, decodeInto[models.Offer](t, resp).AvailableSeats)
}

func TestInvitationOverHTTP(t *testing.T) {
	h := newHarness(t)
	o := h.createOffer("driver", 3)

	resp := h.do(http.MethodPost, "/api/v1/events/ev-1/requests", "p1", map[string]any{
		"passenger_count": 2,
		"trip_type":       "going",
		"locations": []map[string]any{{
			"address":   "Elm St 5",
			"direction": "going",
			"time":      map[string]any{"mode": "flexible"},
		}},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	req := decodeInto[models.Request](t, resp)

	resp = h.do(http.MethodPost, "/api/v1/offers/"+o.ID+"/invitations", "intruder", map[string]any{"request_id": req.ID})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/v1/offers/"+o.ID+"/invitations", "driver", map[string]any{"request_id": req.ID, "message": "room for two"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	inv := decodeInto[models.Match](t, resp)
	assert.Equal(t, 2, inv.PassengerCount)

	resp = h.do(http.MethodPost, "/api/v1/join-requests/"+inv.ID+"/accept", "p1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = h.do(http.MethodPost, "/api/v1/invitations/"+inv.ID+"/accept", "p1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.do(http.MethodGet, "/api/v1/me/rides", "p1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rides := decodeInto[[]projection.JoinedRide](t, resp)
	require.Len(t, rides, 1)
	assert.Equal(t, "Summer Fest", rides[0].Event["title"])

	resp = h.do(http.MethodGet, "/api/v1/me/requests", "driver", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeInto[[]models.Match](t, resp), 1)

	resp = h.do(http.MethodPost, "/api/v1/offers/"+o.ID+"/cancel", "driver", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, decodeInto[models.Offer](t, resp).AvailableSeats)

	resp = h.do(http.MethodGet, "/api/v1/me/offers", "driver", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	views := decodeInto[[]projection.OfferView](t, resp)
	require.Len(t, views, 1)
	assert.Empty(t, views[0].Confirmed)
}

func TestBadInput(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/api/v1/events/ev-1/offers", "driver", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", decodeInto[errorBody](t, resp).Code)

	resp = h.do(http.MethodPost, "/api/v1/events/ev-1/offers", "driver", offerBody(0))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(http.MethodGet, "/api/v1/events/ev-1/offers?lat=52.5", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(http.MethodGet, "/api/v1/offers/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeInto[errorBody](t, resp).Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/events/ev-1/offers", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://rides.example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Less(t, resp.StatusCode, 300)
}
