// Package venue executes swaps against external swap venues and fails over
// between them.
package venue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Known venue names
const (
	PumpFun = "pumpfun"
	Jupiter = "jupiter"
	Raydium = "raydium"
)

// Options tune a single swap
type Options struct {
	PriorityFee    float64 `json:"priority_fee"`
	PreferredVenue string  `json:"preferred_venue,omitempty"`
	ForceFullSell  bool    `json:"force_full_sell"`
}

// SwapRequest is a venue-neutral swap. Amount is denominated in FromAsset.
type SwapRequest struct {
	SigningKey      string          `json:"signing_key"`
	FromAsset       string          `json:"from_asset"`
	ToAsset         string          `json:"to_asset"`
	Amount          decimal.Decimal `json:"amount"`
	SlippagePercent float64         `json:"slippage_percent"`
	Options         Options         `json:"options"`
}

// SwapResult is a settled swap
type SwapResult struct {
	Signature    string          `json:"signature"`
	OutputAmount decimal.Decimal `json:"output_amount"`
	VenueUsed    string          `json:"venue_used"`
}

// Adapter executes swaps on one venue
type Adapter interface {
	Name() string
	Swap(ctx context.Context, req SwapRequest) (*SwapResult, error)
}

// ErrorKind classifies venue failures
type ErrorKind string

const (
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindNoRoute             ErrorKind = "no_route"
	KindTimeout             ErrorKind = "timeout"
	KindRejected            ErrorKind = "rejected"
	KindUnknown             ErrorKind = "unknown"
)

// SwapError is a classified venue failure
type SwapError struct {
	Kind    ErrorKind
	Venue   string
	Message string
	Err     error
}

func (e *SwapError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Venue != "" {
		return fmt.Sprintf("%s: %s", e.Venue, msg)
	}
	return msg
}

func (e *SwapError) Unwrap() error {
	return e.Err
}

// NewSwapError builds a SwapError, classifying message when kind is empty
func NewSwapError(venue string, kind ErrorKind, message string) *SwapError {
	if kind == "" {
		kind = classifyMessage(message)
	}
	return &SwapError{Kind: kind, Venue: venue, Message: message}
}

// Classify returns the kind of err. Unclassified errors are matched on
// their message text.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SwapError
	if errors.As(err, &se) && se.Kind != "" && se.Kind != KindUnknown {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) ErrorKind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "insufficient"):
		return KindInsufficientBalance
	case strings.Contains(m, "no route"), strings.Contains(m, "route not found"),
		strings.Contains(m, "liquidity"), strings.Contains(m, "could not find any route"):
		return KindNoRoute
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"),
		strings.Contains(m, "blockhash not found"), strings.Contains(m, "expired"):
		return KindTimeout
	case strings.Contains(m, "rejected"), strings.Contains(m, "slippage"),
		strings.Contains(m, "simulation failed"):
		return KindRejected
	}
	return KindUnknown
}

// IsBalanceError reports whether err means the wallet cannot fund the swap
func IsBalanceError(err error) bool {
	return Classify(err) == KindInsufficientBalance
}

// FriendlyMessage maps err to a client-facing message. Unclassified errors
// keep their raw text.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case KindInsufficientBalance:
		return "Insufficient SOL balance"
	case KindNoRoute:
		return "No liquidity"
	case KindTimeout:
		return "Transaction timeout"
	case KindRejected:
		return "Transaction rejected"
	}
	var se *SwapError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}

// IsMemeToken reports whether token trades on the meme venue
func IsMemeToken(token string) bool {
	return strings.HasSuffix(strings.ToLower(token), "pump")
}
