package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lng"`
}

// Point is an address with optional coordinates.
type Point struct {
	Address string   `json:"address"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// Coord returns the point's coordinates if both are set.
func (p Point) Coord() (Coord, bool) {
	if p.Lat == nil || p.Lng == nil {
		return Coord{}, false
	}
	return Coord{Lat: *p.Lat, Lon: *p.Lng}, true
}

type TimeSpec struct {
	Mode TimeMode `json:"mode"`
	At   string   `json:"at,omitempty"` // HH:MM, only for specific
}

// Location is one stop on an offer or request, ordered by SortOrder.
type Location struct {
	Point
	Direction Direction `json:"direction"`
	Time      TimeSpec  `json:"time"`
	SortOrder int       `json:"sort_order"`
}

type Payment struct {
	Policy      PaymentPolicy `json:"policy"`
	AmountCents *int64        `json:"amount_cents,omitempty"`
}

type Offer struct {
	ID             string       `json:"id"`
	EventID        string       `json:"event_id"`
	OwnerID        string       `json:"owner_id"`
	TotalSeats     int          `json:"total_seats"`
	AvailableSeats int          `json:"available_seats"`
	TripType       TripType     `json:"trip_type"`
	Privacy        Privacy      `json:"privacy"`
	Payment        Payment      `json:"payment"`
	Status         RecordStatus `json:"status"`
	Notes          string       `json:"notes,omitempty"`
	Locations      []Location   `json:"locations"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// FirstPickup is the first going-direction stop with coordinates, falling
// back to the first stop with coordinates at all.
func (o Offer) FirstPickup() (Coord, bool) {
	for _, dir := range []Direction{DirectionGoing, DirectionReturn} {
		for _, l := range o.Locations {
			if l.Direction != dir {
				continue
			}
			if c, ok := l.Coord(); ok {
				return c, true
			}
		}
	}
	return Coord{}, false
}

type Request struct {
	ID             string       `json:"id"`
	EventID        string       `json:"event_id"`
	OwnerID        string       `json:"owner_id"`
	PassengerCount int          `json:"passenger_count"`
	TripType       TripType     `json:"trip_type"`
	Privacy        Privacy      `json:"privacy"`
	Status         RecordStatus `json:"status"`
	Notes          string       `json:"notes,omitempty"`
	Locations      []Location   `json:"locations"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Match is a pairing between one offer and one passenger. A passenger
// initiated match is a join request and carries a pickup; a driver initiated
// one is an invitation and carries the request it answers.
type Match struct {
	ID             string      `json:"id"`
	EventID        string      `json:"event_id"`
	OfferID        string      `json:"offer_id"`
	RequestID      string      `json:"request_id,omitempty"`
	DriverID       string      `json:"driver_id"`
	PassengerID    string      `json:"passenger_id"`
	PassengerCount int         `json:"passenger_count"`
	Pickup         *Point      `json:"pickup,omitempty"`
	Status         MatchStatus `json:"status"`
	InitiatedBy    Party       `json:"initiated_by"`
	Message        string      `json:"message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ConfirmedAt    *time.Time  `json:"confirmed_at,omitempty"`
	ClosedAt       *time.Time  `json:"closed_at,omitempty"`
}

// Initiator returns the account that created the pairing.
func (m Match) Initiator() string {
	if m.InitiatedBy == PartyDriver {
		return m.DriverID
	}
	return m.PassengerID
}

// Recipient returns the counterparty who may confirm or reject.
func (m Match) Recipient() string {
	if m.InitiatedBy == PartyDriver {
		return m.PassengerID
	}
	return m.DriverID
}

// Involves reports whether account is the driver or the passenger.
func (m Match) Involves(account string) bool {
	return account != "" && (m.DriverID == account || m.PassengerID == account)
}

// EventDisplay is passed through from the event collaborator untouched.
type EventDisplay map[string]any
