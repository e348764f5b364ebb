package venue

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrNoVenue is returned when no adapter can serve a swap
var ErrNoVenue = errors.New("venue: no venue available")

var reduction = decimal.RequireFromString("0.9")

const slippageGrowth = 1.2

// Attempt records one try of a failover execution
type Attempt struct {
	Venue    string          `json:"venue"`
	Amount   decimal.Decimal `json:"amount"`
	Slippage float64         `json:"slippage"`
	Error    string          `json:"error,omitempty"`
}

// Execution is the outcome of Execute
type Execution struct {
	Result   *SwapResult `json:"result,omitempty"`
	Attempts []Attempt   `json:"attempts"`
}

// ExecutorConfig sets the failover chain
type ExecutorConfig struct {
	// Order lists venue names in failover order
	Order []string
	// MemeVenue is only used for tokens that qualify as meme tokens
	MemeVenue string
	// Retries is the total attempt budget per swap
	Retries int
}

// Executor runs a swap across the venue chain. Attempt k (1-based) uses
// chain[(k-1) mod len(chain)] with the amount shrunk to a0*0.9^(k-1) and
// the slippage grown to s0*1.2^(k-1). Balance errors end the run early.
type Executor struct {
	adapters  map[string]Adapter
	order     []string
	memeVenue string
	retries   int
	log       *logrus.Entry
}

// NewExecutor creates an executor over adapters
func NewExecutor(adapters []Adapter, cfg ExecutorConfig) *Executor {
	e := &Executor{
		adapters:  make(map[string]Adapter, len(adapters)),
		order:     cfg.Order,
		memeVenue: cfg.MemeVenue,
		retries:   cfg.Retries,
		log:       logrus.WithField("component", "venue"),
	}
	for _, a := range adapters {
		e.adapters[a.Name()] = a
	}
	if len(e.order) == 0 {
		for _, a := range adapters {
			e.order = append(e.order, a.Name())
		}
	}
	if e.memeVenue == "" {
		e.memeVenue = PumpFun
	}
	if e.retries <= 0 {
		e.retries = 3
	}
	return e
}

// Chain returns the venues tried for token, in order. Meme tokens start on
// the meme venue; the preferred venue comes next, then the configured order.
func (e *Executor) Chain(token, preferred string) []Adapter {
	var chain []Adapter
	seen := make(map[string]bool)
	add := func(name string) {
		if a, ok := e.adapters[name]; ok && !seen[name] {
			seen[name] = true
			chain = append(chain, a)
		}
	}

	if IsMemeToken(token) {
		add(e.memeVenue)
	}
	if preferred != "" && preferred != e.memeVenue {
		add(preferred)
	}
	for _, name := range e.order {
		if name == e.memeVenue {
			continue
		}
		add(name)
	}
	return chain
}

// Execute swaps req for token with failover. The returned Execution lists
// every attempt, also on failure.
func (e *Executor) Execute(ctx context.Context, token string, req SwapRequest) (*Execution, error) {
	chain := e.Chain(token, req.Options.PreferredVenue)
	if len(chain) == 0 {
		return &Execution{}, ErrNoVenue
	}

	exec := &Execution{}
	var lastErr error
	for k := 1; k <= e.retries; k++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		adapter := chain[(k-1)%len(chain)]
		attemptReq := req
		attemptReq.Amount = ReducedAmount(req.Amount, k)
		attemptReq.SlippagePercent = GrownSlippage(req.SlippagePercent, k)

		attempt := Attempt{Venue: adapter.Name(), Amount: attemptReq.Amount, Slippage: attemptReq.SlippagePercent}
		res, err := adapter.Swap(ctx, attemptReq)
		if err == nil {
			if res.VenueUsed == "" {
				res.VenueUsed = adapter.Name()
			}
			exec.Attempts = append(exec.Attempts, attempt)
			exec.Result = res
			return exec, nil
		}

		attempt.Error = err.Error()
		exec.Attempts = append(exec.Attempts, attempt)
		lastErr = err

		e.log.WithFields(logrus.Fields{
			"venue":   adapter.Name(),
			"token":   token,
			"attempt": k,
			"kind":    Classify(err),
		}).WithError(err).Warn("Swap attempt failed")

		if IsBalanceError(err) {
			break
		}
	}

	return exec, fmt.Errorf("swap failed after %d attempts: %w", len(exec.Attempts), lastErr)
}

// ReducedAmount returns a0*0.9^(k-1)
func ReducedAmount(a0 decimal.Decimal, k int) decimal.Decimal {
	amount := a0
	for i := 1; i < k; i++ {
		amount = amount.Mul(reduction)
	}
	return amount
}

// GrownSlippage returns s0*1.2^(k-1)
func GrownSlippage(s0 float64, k int) float64 {
	return s0 * math.Pow(slippageGrowth, float64(k-1))
}
