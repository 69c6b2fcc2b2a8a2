package model

import (
	"fmt"
	"strconv"
	"time"
)

// SeqKey is the key of the order sequence counter in the meta collection.
const SeqKey = "seq"

// CatalogItem is a sellable entry. A nil Stock means the item is not tracked.
type CatalogItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"price"`
	Category  string `json:"category"`
	Active    bool   `json:"active"`
	Stock     *int64 `json:"stock"`
}

func (i CatalogItem) RecordKey() string { return i.ID }

// Tracked reports whether the item keeps a stock count.
func (i CatalogItem) Tracked() bool { return i.Stock != nil }

// SoldOut is true only for tracked items whose stock reached zero.
func (i CatalogItem) SoldOut() bool { return i.Stock != nil && *i.Stock == 0 }

// CartLine is an in-session line built from a catalog item.
type CartLine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"price"`
	Qty       int64  `json:"qty"`
}

func (l CartLine) LineTotal() int64 { return l.UnitPrice * l.Qty }

// OrderLine is the persisted line of an order. Name and Unit are snapshots
// taken at finalization.
type OrderLine struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Unit int64  `json:"unit"`
	Qty  int64  `json:"qty"`
}

func (l OrderLine) LineTotal() int64 { return l.Unit * l.Qty }

// Order is a finalized sale. ID, OrderNumber and CreatedAt never change
// after the first write.
type Order struct {
	ID          string      `json:"id"`
	OrderNumber string      `json:"orderNo"`
	CreatedAt   time.Time   `json:"ts"`
	UpdatedAt   *time.Time  `json:"updatedAt,omitempty"`
	Lines       []OrderLine `json:"lines"`
	Total       int64       `json:"total"`
	Discount    int64       `json:"discount"`
	Cash        int64       `json:"cash"`
	Change      int64       `json:"change"`
	Edited      bool        `json:"edited"`
}

func (o Order) RecordKey() string { return o.ID }

// Sequence parses the numeric part of the order number. ok is false for
// numbers that are not plain decimals.
func (o Order) Sequence() (int64, bool) {
	n, err := strconv.ParseInt(o.OrderNumber, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SequenceCounter holds the next order number to issue.
type SequenceCounter struct {
	Key   string `json:"key"`
	Value int64  `json:"value"`
}

func (c SequenceCounter) RecordKey() string { return c.Key }

// FormatOrderNumber renders n zero padded to four digits. Larger numbers keep
// their natural width.
func FormatOrderNumber(n int64) string {
	return fmt.Sprintf("%04d", n)
}

// SumLines returns Σ unit*qty.
func SumLines(lines []OrderLine) int64 {
	var total int64
	for _, l := range lines {
		total += l.LineTotal()
	}
	return total
}

// ToOrderLines snapshots cart lines into order lines.
func ToOrderLines(lines []CartLine) []OrderLine {
	out := make([]OrderLine, 0, len(lines))
	for _, l := range lines {
		out = append(out, OrderLine{ID: l.ID, Name: l.Name, Unit: l.UnitPrice, Qty: l.Qty})
	}
	return out
}

// Int64 returns a pointer to v, for optional stock values.
func Int64(v int64) *int64 { return &v }
