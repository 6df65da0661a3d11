package auction

import "errors"

// Errors returned by auction operations. KindOf maps each one to the
// category a caller reacts to.
var (
	ErrNotAuthorized      = errors.New("not authorized")
	ErrInvalidState       = errors.New("operation not allowed in current auction state")
	ErrStalePlayer        = errors.New("player is no longer open for bidding")
	ErrBidTooLow          = errors.New("bid must exceed the current bid")
	ErrInsufficientBudget = errors.New("insufficient remaining budget")
	ErrRosterFull         = errors.New("roster is full")
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmptyMessage       = errors.New("message is empty")
	ErrInvalidCode        = errors.New("invalid invitation code")
	ErrRoleClosed         = errors.New("bidder registration is closed")
	ErrAuctionNotFound    = errors.New("auction not found")
	ErrPlayerNotFound     = errors.New("player not found")
	ErrInternal           = errors.New("internal error")
)

// Kind classifies an error for callers.
type Kind string

const (
	KindNotAuthorized Kind = "not_authorized"
	KindInvalidState  Kind = "invalid_state"
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindInternal      Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotAuthorized, KindNotAuthorized},
	{ErrInvalidState, KindInvalidState},
	{ErrRoleClosed, KindInvalidState},
	{ErrStalePlayer, KindValidation},
	{ErrBidTooLow, KindValidation},
	{ErrInsufficientBudget, KindValidation},
	{ErrRosterFull, KindValidation},
	{ErrInvalidInput, KindValidation},
	{ErrEmptyMessage, KindValidation},
	{ErrInvalidCode, KindNotFound},
	{ErrAuctionNotFound, KindNotFound},
	{ErrPlayerNotFound, KindNotFound},
}

// KindOf returns the Kind of err. Anything not recognised is internal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// rejectReason is the metric label for a rejected bid.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStalePlayer):
		return "stale_player"
	case errors.Is(err, ErrPlayerNotFound):
		return "player_not_found"
	case errors.Is(err, ErrBidTooLow):
		return "bid_too_low"
	case errors.Is(err, ErrInsufficientBudget):
		return "insufficient_budget"
	case errors.Is(err, ErrRosterFull):
		return "roster_full"
	default:
		return "internal"
	}
}
