package matcher

import (
	"sync"

	"copytrade-engine/pkg/models"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

var priceOrder = skiplist.GreaterThanFunc(func(lhs, rhs interface{}) int {
	return lhs.(decimal.Decimal).Cmp(rhs.(decimal.Decimal))
})

// book holds the resting price levels of one token. Values are the number
// of resting orders at the level.
type book struct {
	buys  *skiplist.SkipList
	sells *skiplist.SkipList
}

func newBook() *book {
	return &book{buys: skiplist.New(priceOrder), sells: skiplist.New(priceOrder)}
}

func (b *book) side(s models.Side) *skiplist.SkipList {
	if s == models.SideSell {
		return b.sells
	}
	return b.buys
}

// Index keeps the resting price levels of every token in memory so price
// updates that cannot fill anything are dropped without touching the lock
// or the database.
type Index struct {
	mu    sync.RWMutex
	books map[string]*book
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{books: make(map[string]*book)}
}

// Rebuild replaces the index content with the rows returned by load. The
// index stays write locked while load runs, so an Add or Remove racing the
// reload is applied after it instead of being wiped by it.
func (x *Index) Rebuild(load func() ([]models.RestingOrder, error)) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	rows, err := load()
	if err != nil {
		return 0, err
	}
	x.books = make(map[string]*book)
	for _, r := range rows {
		x.add(r)
	}
	return len(rows), nil
}

// Add records a resting order
func (x *Index) Add(r models.RestingOrder) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.add(r)
}

func (x *Index) add(r models.RestingOrder) {
	b, ok := x.books[r.TokenAddress]
	if !ok {
		b = newBook()
		x.books[r.TokenAddress] = b
	}
	levels := b.side(r.Side)
	n := 0
	if el := levels.Get(r.Price); el != nil {
		n = el.Value.(int)
	}
	levels.Set(r.Price, n+1)
}

// Remove forgets a resting order
func (x *Index) Remove(r models.RestingOrder) {
	x.mu.Lock()
	defer x.mu.Unlock()

	b, ok := x.books[r.TokenAddress]
	if !ok {
		return
	}
	levels := b.side(r.Side)
	el := levels.Get(r.Price)
	if el == nil {
		return
	}
	if n := el.Value.(int); n > 1 {
		levels.Set(r.Price, n-1)
	} else {
		levels.Remove(r.Price)
	}
	if b.buys.Len() == 0 && b.sells.Len() == 0 {
		delete(x.books, r.TokenAddress)
	}
}

// MightMatch reports whether price p crosses any resting level of token:
// the best bid at or above p, or the best ask at or below p.
func (x *Index) MightMatch(token string, p decimal.Decimal) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()

	b, ok := x.books[token]
	if !ok {
		return false
	}
	if best := b.buys.Back(); best != nil && models.PriceCrossed(models.SideBuy, best.Key().(decimal.Decimal), p) {
		return true
	}
	if best := b.sells.Front(); best != nil && models.PriceCrossed(models.SideSell, best.Key().(decimal.Decimal), p) {
		return true
	}
	return false
}

// Levels returns the number of distinct price levels of token on side
func (x *Index) Levels(token string, side models.Side) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	b, ok := x.books[token]
	if !ok {
		return 0
	}
	return b.side(side).Len()
}

// Level is one aggregated price level
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Orders int             `json:"orders"`
}

// Depth is the resting book of one token, best level first on each side
type Depth struct {
	Token string  `json:"token"`
	Buys  []Level `json:"buys"`
	Sells []Level `json:"sells"`
}

// Depth returns the price levels of token
func (x *Index) Depth(token string) Depth {
	x.mu.RLock()
	defer x.mu.RUnlock()

	d := Depth{Token: token, Buys: []Level{}, Sells: []Level{}}
	b, ok := x.books[token]
	if !ok {
		return d
	}
	for el := b.buys.Front(); el != nil; el = el.Next() {
		d.Buys = append(d.Buys, Level{Price: el.Key().(decimal.Decimal), Orders: el.Value.(int)})
	}
	// ascending in the list, best bid is the highest
	for i, j := 0, len(d.Buys)-1; i < j; i, j = i+1, j-1 {
		d.Buys[i], d.Buys[j] = d.Buys[j], d.Buys[i]
	}
	for el := b.sells.Front(); el != nil; el = el.Next() {
		d.Sells = append(d.Sells, Level{Price: el.Key().(decimal.Decimal), Orders: el.Value.(int)})
	}
	return d
}
