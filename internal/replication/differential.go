package replication

import (
	"math/rand"
	"sync"
	"time"

	"copytrade-engine/pkg/models"

	"github.com/shopspring/decimal"
)

// Randomizer is a mutex guarded, seedable source of jitter shared by the fee
// differential and the batch delays
type Randomizer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomizer creates a randomizer. Tests pass a fixed seed.
func NewRandomizer(seed int64) *Randomizer {
	return &Randomizer{rng: rand.New(rand.NewSource(seed))}
}

// Between returns a uniform value in [min, max]
func (r *Randomizer) Between(min, max float64) float64 {
	if max <= min {
		return min
	}
	r.mu.Lock()
	f := r.rng.Float64()
	r.mu.Unlock()
	return min + f*(max-min)
}

// Duration returns a uniform duration in [min, max]
func (r *Randomizer) Duration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	r.mu.Lock()
	n := r.rng.Int63n(int64(max - min + 1))
	r.mu.Unlock()
	return min + time.Duration(n)
}

// Differential prices member copies slightly off the master's rate and
// jitters their priority fee and slippage
type Differential struct {
	MarkupMin float64
	MarkupMax float64
	Jitter    float64
	rand      *Randomizer
}

// Adjusted are the parameters of one member copy
type Adjusted struct {
	Price       decimal.Decimal
	Markup      float64
	PriorityFee float64
	Slippage    float64
}

// NewDifferential creates the policy. markupMin/markupMax are fractions
// (0.0005 is 0.05%), jitter is the relative bound for fee and slippage.
func NewDifferential(markupMin, markupMax, jitter float64, r *Randomizer) *Differential {
	return &Differential{MarkupMin: markupMin, MarkupMax: markupMax, Jitter: jitter, rand: r}
}

// Apply marks buys up and sells down by a random fraction in
// [MarkupMin, MarkupMax] and scales fee and slippage by 1±Jitter.
func (d *Differential) Apply(side models.Side, price decimal.Decimal, priorityFee, slippage float64) Adjusted {
	m := d.rand.Between(d.MarkupMin, d.MarkupMax)
	factor := 1 + m
	if side == models.SideSell {
		factor = 1 - m
	}

	return Adjusted{
		Price:       price.Mul(decimal.NewFromFloat(factor)),
		Markup:      m,
		PriorityFee: priorityFee * (1 + d.rand.Between(-d.Jitter, d.Jitter)),
		Slippage:    slippage * (1 + d.rand.Between(-d.Jitter, d.Jitter)),
	}
}
