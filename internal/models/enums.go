package models

type TripType string

const (
	TripGoing  TripType = "going"
	TripReturn TripType = "return"
	TripBoth   TripType = "both"
)

func (t TripType) Valid() bool {
	switch t {
	case TripGoing, TripReturn, TripBoth:
		return true
	}
	return false
}

// Directions lists the trip directions a trip type needs stops for.
func (t TripType) Directions() []Direction {
	switch t {
	case TripGoing:
		return []Direction{DirectionGoing}
	case TripReturn:
		return []Direction{DirectionReturn}
	case TripBoth:
		return []Direction{DirectionGoing, DirectionReturn}
	}
	return nil
}

type Direction string

const (
	DirectionGoing  Direction = "going"
	DirectionReturn Direction = "return"
)

func (d Direction) Valid() bool { return d == DirectionGoing || d == DirectionReturn }

type TimeMode string

const (
	TimeFlexible TimeMode = "flexible"
	TimeSpecific TimeMode = "specific"
)

func (m TimeMode) Valid() bool { return m == TimeFlexible || m == TimeSpecific }

type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyPrivate Privacy = "private"
)

func (p Privacy) Valid() bool { return p == PrivacyPublic || p == PrivacyPrivate }

type PaymentPolicy string

const (
	PaymentNotRequired PaymentPolicy = "not_required"
	PaymentOptional    PaymentPolicy = "optional"
	PaymentObligatory  PaymentPolicy = "obligatory"
)

func (p PaymentPolicy) Valid() bool {
	switch p {
	case PaymentNotRequired, PaymentOptional, PaymentObligatory:
		return true
	}
	return false
}

// RecordStatus is the status of an offer or a request.
type RecordStatus string

const (
	StatusActive    RecordStatus = "active"
	StatusCancelled RecordStatus = "cancelled"
)

func (s RecordStatus) Valid() bool { return s == StatusActive || s == StatusCancelled }

type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchConfirmed MatchStatus = "confirmed"
	MatchRejected  MatchStatus = "rejected"
	MatchCancelled MatchStatus = "cancelled"
)

func (s MatchStatus) Valid() bool {
	switch s {
	case MatchPending, MatchConfirmed, MatchRejected, MatchCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s MatchStatus) Terminal() bool { return s == MatchRejected || s == MatchCancelled }

// Open reports whether the pairing still blocks a new one for the same
// offer and passenger.
func (s MatchStatus) Open() bool { return s == MatchPending || s == MatchConfirmed }

// CanTransition reports whether from -> to is an edge of the pairing state
// machine. Same-status moves are not edges.
func (s MatchStatus) CanTransition(to MatchStatus) bool {
	switch s {
	case MatchPending:
		return to == MatchConfirmed || to == MatchRejected || to == MatchCancelled
	case MatchConfirmed:
		return to == MatchRejected || to == MatchCancelled
	}
	return false
}

// OpenMatchStatuses are the statuses counted by the one-open-pairing rule.
var OpenMatchStatuses = []MatchStatus{MatchPending, MatchConfirmed}

type Party string

const (
	PartyDriver    Party = "driver"
	PartyPassenger Party = "passenger"
)

func (p Party) Valid() bool { return p == PartyDriver || p == PartyPassenger }
