// Package ledger finalizes, numbers and amends orders.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mogipos/internal/catalog"
	"mogipos/internal/metrics"
	"mogipos/internal/model"
	"mogipos/internal/state"
)

type Ledger struct {
	mu      sync.Mutex
	store   state.Store
	catalog *catalog.Manager
	metrics *metrics.Registry
	log     logrus.FieldLogger
	now     func() time.Time
	newID   func() string
}

type Option func(*Ledger)

func WithMetrics(m *metrics.Registry) Option { return func(l *Ledger) { l.metrics = m } }

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log.WithField("component", "ledger") }
}

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithIDGenerator(gen func() string) Option { return func(l *Ledger) { l.newID = gen } }

func New(st state.Store, cat *catalog.Manager, opts ...Option) *Ledger {
	l := &Ledger{
		store:   st,
		catalog: cat,
		log:     logrus.StandardLogger().WithField("component", "ledger"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Finalize turns the session's cart into an order. In amend mode the target
// order is rewritten in place; otherwise a new order takes the next number.
// The cart is cleared only after the store accepted every write.
func (l *Ledger) Finalize(ctx context.Context, sess *Session, cash int64) (model.Order, error) {
	start := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if sess.Cart.IsEmpty() {
		l.reject("empty_cart")
		return model.Order{}, ErrEmptyCart
	}
	total := sess.Cart.Total()
	if cash < total {
		l.reject("insufficient_cash")
		return model.Order{}, &InsufficientCashError{Tendered: cash, Total: total}
	}
	lines := model.ToOrderLines(sess.Cart.Lines())

	var (
		order model.Order
		err   error
	)
	if id := sess.Amending(); id != "" {
		var prev model.Order
		if prev, err = l.load(id); err == nil {
			order, err = l.rewrite(ctx, prev, lines, &cash)
		}
	} else {
		order, err = l.create(ctx, lines, total, cash)
	}
	if err != nil {
		return model.Order{}, err
	}

	sess.reset()
	if l.metrics != nil {
		l.metrics.FinalizeLatency.Observe(l.now().Sub(start).Seconds())
	}
	return order, nil
}

func (l *Ledger) create(ctx context.Context, lines []model.OrderLine, total, cash int64) (model.Order, error) {
	seq, err := l.counter()
	if err != nil {
		l.reject("store_unavailable")
		return model.Order{}, err
	}
	order := model.Order{
		ID:          l.newID(),
		OrderNumber: model.FormatOrderNumber(seq),
		CreatedAt:   l.now(),
		Lines:       lines,
		Total:       total,
		Cash:        cash,
		Change:      cash - total,
	}

	writes, err := l.catalog.StockWrites(ctx, lineQty(lines))
	if err != nil {
		l.reject("store_unavailable")
		return model.Order{}, err
	}
	ow, err := state.RecordWrite(state.Orders, order)
	if err != nil {
		return model.Order{}, err
	}
	cw, err := state.RecordWrite(state.Meta, model.SequenceCounter{Key: model.SeqKey, Value: seq + 1})
	if err != nil {
		return model.Order{}, err
	}
	writes = append([]state.Write{ow, cw}, writes...)
	if err := l.store.Commit(writes); err != nil {
		l.reject("store_unavailable")
		return model.Order{}, errors.Wrapf(err, "finalize order %s", order.OrderNumber)
	}

	if l.metrics != nil {
		l.metrics.OrdersFinalized.Inc()
		l.metrics.SalesYen.Add(float64(total))
	}
	l.log.WithFields(logrus.Fields{
		"id":      order.ID,
		"orderNo": order.OrderNumber,
		"total":   order.Total,
		"lines":   len(order.Lines),
	}).Info("order finalized")
	return order, nil
}

// load reads the order an amendment targets, counting a failed lookup.
func (l *Ledger) load(id string) (model.Order, error) {
	prev, err := l.get(id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			l.reject("order_not_found")
		} else {
			l.reject("store_unavailable")
		}
		return model.Order{}, err
	}
	return prev, nil
}

// rewrite replaces the lines of an existing order. A nil cash keeps the
// tendered amount on record and recomputes the change. Saving an already
// edited order with the same lines and cash keeps its UpdatedAt.
func (l *Ledger) rewrite(ctx context.Context, prev model.Order, lines []model.OrderLine, cash *int64) (model.Order, error) {
	order := prev
	order.Lines = lines
	order.Total = model.SumLines(lines)
	if cash != nil {
		order.Cash = *cash
	}
	order.Change = order.Cash - order.Total
	if order.Change < 0 {
		order.Change = 0
	}
	if !prev.Edited || order.Cash != prev.Cash || !sameLines(lines, prev.Lines) {
		now := l.now()
		order.UpdatedAt = &now
	}
	order.Edited = true

	deltas := lineQty(lines)
	for itemID, q := range lineQty(prev.Lines) {
		deltas[itemID] -= q
	}
	writes, err := l.catalog.StockWrites(ctx, deltas)
	if err != nil {
		l.reject("store_unavailable")
		return model.Order{}, err
	}
	ow, err := state.RecordWrite(state.Orders, order)
	if err != nil {
		return model.Order{}, err
	}
	if err := l.store.Commit(append([]state.Write{ow}, writes...)); err != nil {
		l.reject("store_unavailable")
		return model.Order{}, errors.Wrapf(err, "amend order %s", order.OrderNumber)
	}

	if l.metrics != nil {
		l.metrics.OrdersAmended.Inc()
	}
	l.log.WithFields(logrus.Fields{
		"id":        order.ID,
		"orderNo":   order.OrderNumber,
		"total":     order.Total,
		"prevTotal": prev.Total,
	}).Info("order amended")
	return order, nil
}

// BeginAmend puts the session in amend mode for id and loads the order's
// lines into the cart.
func (l *Ledger) BeginAmend(ctx context.Context, sess *Session, id string) (model.Order, error) {
	order, err := l.Get(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	sess.Cart.Load(order.Lines)
	sess.amending = order.ID
	return order, nil
}

// CancelAmend leaves amend mode and clears the cart.
func (l *Ledger) CancelAmend(sess *Session) {
	sess.reset()
}

// ApplyAmend replaces an order's lines directly. Every line must name an
// item already on the order, whose recorded name is kept. Negative units
// and quantities count as zero and zero-quantity lines are dropped.
// Calling it twice with the same lines saves the same order and leaves
// stock where the first call put it.
func (l *Ledger) ApplyAmend(ctx context.Context, id string, lines []model.OrderLine) (model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, err := l.load(id)
	if err != nil {
		return model.Order{}, err
	}
	names := make(map[string]string, len(prev.Lines))
	for _, ln := range prev.Lines {
		if _, ok := names[ln.ID]; !ok {
			names[ln.ID] = ln.Name
		}
	}

	kept := make([]model.OrderLine, 0, len(lines))
	for _, ln := range lines {
		name, ok := names[ln.ID]
		if !ok {
			l.reject("unknown_line")
			return model.Order{}, errors.Wrapf(ErrLineNotInOrder, "item %s on order %s", ln.ID, prev.OrderNumber)
		}
		ln.Name = name
		if ln.Unit < 0 {
			ln.Unit = 0
		}
		if ln.Qty <= 0 {
			continue
		}
		kept = append(kept, ln)
	}
	return l.rewrite(ctx, prev, kept, nil)
}

func sameLines(a, b []model.OrderLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NextOrderNumber is the number the next fresh finalization will receive.
func (l *Ledger) NextOrderNumber(ctx context.Context) (string, error) {
	seq, err := l.counter()
	if err != nil {
		return "", err
	}
	return model.FormatOrderNumber(seq), nil
}

func (l *Ledger) Get(ctx context.Context, id string) (model.Order, error) {
	return l.get(id)
}

func (l *Ledger) get(id string) (model.Order, error) {
	var o model.Order
	err := state.GetJSON(l.store, state.Orders, id, &o)
	if errors.Is(err, state.ErrNotFound) {
		return model.Order{}, errors.Wrapf(ErrOrderNotFound, "order %s", id)
	}
	if err != nil {
		return model.Order{}, errors.Wrapf(err, "get order %s", id)
	}
	return o, nil
}

// History returns every order, newest first.
func (l *Ledger) History(ctx context.Context) ([]model.Order, error) {
	orders, err := state.List[model.Order](l.store, state.Orders)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderNumber > orders[j].OrderNumber
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// Reconcile raises the counter above the highest stored order number, which
// matters after restoring an older snapshot. It returns the counter value.
func (l *Ledger) Reconcile(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.counter()
	if err != nil {
		return 0, err
	}
	orders, err := state.List[model.Order](l.store, state.Orders)
	if err != nil {
		return 0, errors.Wrap(err, "list orders")
	}
	var highest int64
	for _, o := range orders {
		if n, ok := o.Sequence(); ok && n > highest {
			highest = n
		}
	}
	if seq > highest {
		return seq, nil
	}
	next := highest + 1
	if err := state.PutRecord(l.store, state.Meta, model.SequenceCounter{Key: model.SeqKey, Value: next}); err != nil {
		return 0, errors.Wrap(err, "reconcile counter")
	}
	l.log.WithFields(logrus.Fields{"from": seq, "to": next}).Warn("order counter lagged behind stored orders")
	return next, nil
}

// counter reads the next number to issue; an absent counter starts at 1.
func (l *Ledger) counter() (int64, error) {
	var c model.SequenceCounter
	err := state.GetJSON(l.store, state.Meta, model.SeqKey, &c)
	if errors.Is(err, state.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read order counter")
	}
	if c.Value < 1 {
		return 1, nil
	}
	return c.Value, nil
}

func (l *Ledger) reject(reason string) {
	if l.metrics != nil {
		l.metrics.FinalizeRejected.WithLabelValues(reason).Inc()
	}
}

func lineQty(lines []model.OrderLine) map[string]int64 {
	out := make(map[string]int64, len(lines))
	for _, ln := range lines {
		out[ln.ID] += ln.Qty
	}
	return out
}
