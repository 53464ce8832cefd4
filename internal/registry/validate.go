package registry

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/example/rideshare/internal/apperr"
	"github.com/example/rideshare/internal/models"
)

const (
	// MaxSeats bounds an offer to what fits in a car.
	MaxSeats      = 8
	maxNotesLen   = 500
	maxAddressLen = 200
)

// OfferInput is what a driver submits to publish an offer.
type OfferInput struct {
	TotalSeats int               `json:"total_seats"`
	TripType   models.TripType   `json:"trip_type"`
	Privacy    models.Privacy    `json:"privacy"`
	Payment    models.Payment    `json:"payment"`
	Notes      string            `json:"notes"`
	Locations  []models.Location `json:"locations"`
}

// RequestInput is what a passenger submits to publish a request.
type RequestInput struct {
	PassengerCount int               `json:"passenger_count"`
	TripType       models.TripType   `json:"trip_type"`
	Privacy        models.Privacy    `json:"privacy"`
	Notes          string            `json:"notes"`
	Locations      []models.Location `json:"locations"`
}

func validateRefs(ownerID, eventID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return apperr.Validation("owner_id", "is required")
	}
	if strings.TrimSpace(eventID) == "" {
		return apperr.Validation("event_id", "is required")
	}
	return nil
}

func normalizeOffer(in OfferInput) (OfferInput, error) {
	if in.TotalSeats < 1 || in.TotalSeats > MaxSeats {
		return in, apperr.Validation("total_seats", fmt.Sprintf("must be between 1 and %d", MaxSeats))
	}
	if !in.TripType.Valid() {
		return in, apperr.Validation("trip_type", "must be going, return or both")
	}
	privacy, err := normalizePrivacy(in.Privacy)
	if err != nil {
		return in, err
	}
	in.Privacy = privacy

	if in.Payment.Policy == "" {
		in.Payment.Policy = models.PaymentNotRequired
	}
	switch {
	case !in.Payment.Policy.Valid():
		return in, apperr.Validation("payment.policy", "must be not_required, optional or obligatory")
	case in.Payment.Policy == models.PaymentNotRequired && in.Payment.AmountCents != nil:
		return in, apperr.Validation("payment.amount_cents", "must be empty when payment is not required")
	case in.Payment.Policy != models.PaymentNotRequired && in.Payment.AmountCents == nil:
		return in, apperr.Validation("payment.amount_cents", "is required when payment is optional or obligatory")
	case in.Payment.AmountCents != nil && *in.Payment.AmountCents < 0:
		return in, apperr.Validation("payment.amount_cents", "must be >= 0")
	}

	if in.Notes, err = normalizeNotes(in.Notes); err != nil {
		return in, err
	}
	in.Locations, err = normalizeLocations(in.TripType, in.Locations)
	return in, err
}

func normalizeRequest(in RequestInput) (RequestInput, error) {
	if in.PassengerCount < 1 || in.PassengerCount > MaxSeats {
		return in, apperr.Validation("passenger_count", fmt.Sprintf("must be between 1 and %d", MaxSeats))
	}
	if !in.TripType.Valid() {
		return in, apperr.Validation("trip_type", "must be going, return or both")
	}
	privacy, err := normalizePrivacy(in.Privacy)
	if err != nil {
		return in, err
	}
	in.Privacy = privacy
	if in.Notes, err = normalizeNotes(in.Notes); err != nil {
		return in, err
	}
	in.Locations, err = normalizeLocations(in.TripType, in.Locations)
	return in, err
}

func normalizePrivacy(p models.Privacy) (models.Privacy, error) {
	if p == "" {
		return models.PrivacyPublic, nil
	}
	if !p.Valid() {
		return p, apperr.Validation("privacy", "must be public or private")
	}
	return p, nil
}

func normalizeNotes(notes string) (string, error) {
	notes = strings.TrimSpace(notes)
	if utf8.RuneCountInString(notes) > maxNotesLen {
		return notes, apperr.Validation("notes", fmt.Sprintf("must be at most %d characters", maxNotesLen))
	}
	return notes, nil
}

// normalizeLocations checks every stop and that each direction the trip
// type implies has at least one. Stops keep their submitted order.
func normalizeLocations(tripType models.TripType, in []models.Location) ([]models.Location, error) {
	if len(in) == 0 {
		return nil, apperr.Validation("locations", "at least one location is required")
	}
	allowed := tripType.Directions()
	seen := make(map[models.Direction]bool, len(allowed))
	out := make([]models.Location, 0, len(in))
	for i, l := range in {
		field := func(name string) string { return fmt.Sprintf("locations[%d].%s", i, name) }

		l.Address = strings.TrimSpace(l.Address)
		if l.Address == "" {
			return nil, apperr.Validation(field("address"), "is required")
		}
		if utf8.RuneCountInString(l.Address) > maxAddressLen {
			return nil, apperr.Validation(field("address"), fmt.Sprintf("must be at most %d characters", maxAddressLen))
		}
		if (l.Lat == nil) != (l.Lng == nil) {
			return nil, apperr.Validation(field("lat"), "lat and lng must be given together")
		}
		if l.Lat != nil && (*l.Lat < -90 || *l.Lat > 90) {
			return nil, apperr.Validation(field("lat"), "must be between -90 and 90")
		}
		if l.Lng != nil && (*l.Lng < -180 || *l.Lng > 180) {
			return nil, apperr.Validation(field("lng"), "must be between -180 and 180")
		}
		if !containsDirection(allowed, l.Direction) {
			return nil, apperr.Validation(field("direction"), fmt.Sprintf("must be one of %v for trip type %s", allowed, tripType))
		}

		switch l.Time.Mode {
		case models.TimeFlexible:
			l.Time.At = ""
		case models.TimeSpecific:
			at, err := time.Parse("15:04", strings.TrimSpace(l.Time.At))
			if err != nil {
				return nil, apperr.Validation(field("time.at"), "must be a time of day as HH:MM")
			}
			l.Time.At = at.Format("15:04")
		default:
			return nil, apperr.Validation(field("time.mode"), "must be flexible or specific")
		}

		l.SortOrder = i
		seen[l.Direction] = true
		out = append(out, l)
	}
	for _, d := range allowed {
		if !seen[d] {
			return nil, apperr.Validation("locations", fmt.Sprintf("at least one %s location is required", d))
		}
	}
	return out, nil
}

func containsDirection(list []models.Direction, d models.Direction) bool {
	for _, v := range list {
		if v == d {
			return true
		}
	}
	return false
}
