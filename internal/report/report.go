// Package report projects stored orders into sales statistics and flat
// export rows.
package report

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"mogipos/internal/model"
	"mogipos/internal/state"
)

// ItemKey groups sales by catalog id and the name captured on the order, so
// a renamed item shows up as two rows.
type ItemKey struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ItemStat struct {
	ItemKey
	Qty   int64 `json:"qty"`
	Sales int64 `json:"sales"`
}

type Aggregate struct {
	Items      []ItemStat `json:"items"`
	TotalQty   int64      `json:"totalQty"`
	TotalSales int64      `json:"totalSales"`
}

// Lookup returns the stat for one (id, name) pair.
func (a Aggregate) Lookup(id, name string) (ItemStat, bool) {
	for _, s := range a.Items {
		if s.ID == id && s.Name == name {
			return s, true
		}
	}
	return ItemStat{}, false
}

// AggregateOrders sums quantity and unit*qty per item across every line.
// Items are ordered by quantity, largest first.
func AggregateOrders(orders []model.Order) Aggregate {
	idx := make(map[ItemKey]int)
	var agg Aggregate
	for _, o := range orders {
		for _, l := range o.Lines {
			k := ItemKey{ID: l.ID, Name: l.Name}
			i, ok := idx[k]
			if !ok {
				i = len(agg.Items)
				idx[k] = i
				agg.Items = append(agg.Items, ItemStat{ItemKey: k})
			}
			agg.Items[i].Qty += l.Qty
			agg.Items[i].Sales += l.LineTotal()
			agg.TotalQty += l.Qty
			agg.TotalSales += l.LineTotal()
		}
	}
	sort.SliceStable(agg.Items, func(i, j int) bool {
		if agg.Items[i].Qty != agg.Items[j].Qty {
			return agg.Items[i].Qty > agg.Items[j].Qty
		}
		return agg.Items[i].Name < agg.Items[j].Name
	})
	return agg
}

// Row is one (order, line) pair of the sales export.
type Row struct {
	Time    time.Time `json:"time"`
	OrderNo string    `json:"orderNo"`
	Item    string    `json:"item"`
	Qty     int64     `json:"qty"`
	Unit    int64     `json:"unit"`
	Line    int64     `json:"line"`
	Total   int64     `json:"total"`
	Cash    int64     `json:"cash"`
	Change  int64     `json:"change"`
}

// ToRows flattens orders oldest first, lines in order.
func ToRows(orders []model.Order) []Row {
	sorted := append([]model.Order(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].OrderNumber < sorted[j].OrderNumber
	})
	var rows []Row
	for _, o := range sorted {
		for _, l := range o.Lines {
			rows = append(rows, Row{
				Time:    o.CreatedAt,
				OrderNo: o.OrderNumber,
				Item:    l.Name,
				Qty:     l.Qty,
				Unit:    l.Unit,
				Line:    l.LineTotal(),
				Total:   o.Total,
				Cash:    o.Cash,
				Change:  o.Change,
			})
		}
	}
	return rows
}

type Summary struct {
	Orders int   `json:"orders"`
	Total  int64 `json:"total"`
}

func Summarize(orders []model.Order) Summary {
	s := Summary{Orders: len(orders)}
	for _, o := range orders {
		s.Total += o.Total
	}
	return s
}

// Reporter reads orders from the store for each report.
type Reporter struct {
	store state.Store
}

func NewReporter(st state.Store) *Reporter {
	return &Reporter{store: st}
}

func (r *Reporter) orders() ([]model.Order, error) {
	orders, err := state.List[model.Order](r.store, state.Orders)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

func (r *Reporter) Aggregate(ctx context.Context) (Aggregate, error) {
	orders, err := r.orders()
	if err != nil {
		return Aggregate{}, err
	}
	return AggregateOrders(orders), nil
}

func (r *Reporter) Rows(ctx context.Context) ([]Row, error) {
	orders, err := r.orders()
	if err != nil {
		return nil, err
	}
	return ToRows(orders), nil
}

func (r *Reporter) Summary(ctx context.Context) (Summary, error) {
	orders, err := r.orders()
	if err != nil {
		return Summary{}, err
	}
	return Summarize(orders), nil
}
