package limiter

// Response is a snapshot of the counter state of one key.
// Every store returns its values through NewResponse.
type Response struct {
	Limit       int `json:"limit"`       // allowed points per window
	Remaining   int `json:"remaining"`   // points left, never above Limit nor below zero
	Consumed    int `json:"consumed"`    // points consumed, including over-consumption
	AvailableIn int `json:"availableIn"` // seconds until the window or block resets
}

// NewResponse normalizes raw backend values.
func NewResponse(limit, remaining, consumed, availableIn int) Response {
	if remaining > limit {
		remaining = limit
	}
	if remaining < 0 {
		remaining = 0
	}
	if consumed < 0 {
		consumed = 0
	}
	if availableIn < 0 {
		availableIn = 0
	}
	return Response{
		Limit:       limit,
		Remaining:   remaining,
		Consumed:    consumed,
		AvailableIn: availableIn,
	}
}

// Exceeded reports whether more points were consumed than the limit allows.
// It is the abort threshold of the throttle pre-check and survives clamping,
// unlike Remaining.
func (r Response) Exceeded() bool {
	return r.Consumed > r.Limit
}

// Exhausted reports whether no points are left.
func (r Response) Exhausted() bool {
	return r.Remaining <= 0
}

// ToMap returns the response as a plain structure.
func (r Response) ToMap() map[string]int {
	return map[string]int{
		"limit":       r.Limit,
		"remaining":   r.Remaining,
		"consumed":    r.Consumed,
		"availableIn": r.AvailableIn,
	}
}
