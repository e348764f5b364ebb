package venue

import (
	"context"
	"sync"

	"github.com/rs/xid"
	"github.com/shopspring/decimal"
)

// PaperAdapter fills every swap locally at a fixed rate. It backs development
// runs without venue endpoints and the package tests.
type PaperAdapter struct {
	name string
	rate decimal.Decimal

	mu       sync.Mutex
	failures []error
	requests []SwapRequest
}

// NewPaperAdapter creates a paper venue returning amount*rate
func NewPaperAdapter(name string, rate decimal.Decimal) *PaperAdapter {
	return &PaperAdapter{name: name, rate: rate}
}

func (p *PaperAdapter) Name() string {
	return p.name
}

// FailWith queues errors returned by the next swaps, in order
func (p *PaperAdapter) FailWith(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// Requests returns the swaps received so far
func (p *PaperAdapter) Requests() []SwapRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SwapRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *PaperAdapter) Swap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	var fail error
	if len(p.failures) > 0 {
		fail = p.failures[0]
		p.failures = p.failures[1:]
	}
	p.mu.Unlock()

	if fail != nil {
		return nil, fail
	}
	return &SwapResult{
		Signature:    "paper-" + xid.New().String(),
		OutputAmount: req.Amount.Mul(p.rate),
		VenueUsed:    p.name,
	}, nil
}
