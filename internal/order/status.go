package order

// Status is the lifecycle state of an order.
//
// Happy path: CREATED → RESERVING → RESERVED → CHARGING → PAID → CONFIRMED.
// CANCELLED and FAILED are terminal alternates reachable from any
// non-terminal state. No transition moves backwards or out of a terminal
// state.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusReserving Status = "RESERVING"
	StatusReserved  Status = "RESERVED"
	StatusCharging  Status = "CHARGING"
	StatusPaid      Status = "PAID"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// happyPathRank orders the forward states. Terminal alternates are absent.
var happyPathRank = map[Status]int{
	StatusCreated:   0,
	StatusReserving: 1,
	StatusReserved:  2,
	StatusCharging:  3,
	StatusPaid:      4,
	StatusConfirmed: 5,
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusCancelled || s == StatusFailed
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	if _, ok := happyPathRank[s]; ok {
		return true
	}
	return s == StatusCancelled || s == StatusFailed
}

// CanTransition reports whether from → to is a legal state machine move:
// one step forward on the happy path, or a jump to CANCELLED/FAILED from any
// non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusCancelled || to == StatusFailed {
		return true
	}
	fromRank, ok := happyPathRank[from]
	if !ok {
		return false
	}
	return happyPathRank[to] == fromRank+1
}
