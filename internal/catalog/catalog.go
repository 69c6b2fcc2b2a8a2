// Package catalog manages the sellable items of the terminal.
package catalog

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mogipos/internal/metrics"
	"mogipos/internal/model"
	"mogipos/internal/state"
)

// DefaultItemName is given to a new item saved with a blank name.
const DefaultItemName = "New item"

var ErrItemNotFound = errors.New("catalog item not found")

// DefaultItems is the starter catalog written to an empty store.
var DefaultItems = []model.CatalogItem{
	{ID: "drip", Name: "Drip coffee", UnitPrice: 300, Category: "Drinks", Active: true},
	{ID: "tea", Name: "Black tea", UnitPrice: 300, Category: "Drinks", Active: true},
	{ID: "affo", Name: "Affogato", UnitPrice: 450, Category: "Sweets", Active: true},
	{ID: "latte", Name: "Latte", UnitPrice: 380, Category: "Drinks", Active: true},
}

// Manager is the catalog CRUD layer over the store.
type Manager struct {
	store   state.Store
	log     logrus.FieldLogger
	metrics *metrics.Registry
}

func NewManager(st state.Store, logger logrus.FieldLogger, mreg *metrics.Registry) *Manager {
	return &Manager{store: st, log: logger.WithField("component", "catalog"), metrics: mreg}
}

// NewItemID returns a fresh catalog id.
func NewItemID() string {
	return "i-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ListActive returns every sellable item ordered by id.
func (m *Manager) ListActive(ctx context.Context) ([]model.CatalogItem, error) {
	items, err := state.List[model.CatalogItem](m.store, state.Items)
	if err != nil {
		return nil, errors.Wrap(err, "list items")
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *Manager) Get(ctx context.Context, id string) (model.CatalogItem, error) {
	var it model.CatalogItem
	err := state.GetJSON(m.store, state.Items, id, &it)
	if errors.Is(err, state.ErrNotFound) {
		return model.CatalogItem{}, errors.Wrapf(ErrItemNotFound, "item %s", id)
	}
	if err != nil {
		return model.CatalogItem{}, errors.Wrapf(err, "get item %s", id)
	}
	return it, nil
}

// Upsert normalizes and writes an item. Negative prices and stock are
// clamped to zero; a blank name keeps the stored name.
func (m *Manager) Upsert(ctx context.Context, item model.CatalogItem) (model.CatalogItem, error) {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		item.ID = NewItemID()
	}
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		prev, err := m.Get(ctx, item.ID)
		switch {
		case err == nil:
			item.Name = prev.Name
		case errors.Is(err, ErrItemNotFound):
			item.Name = DefaultItemName
		default:
			return model.CatalogItem{}, err
		}
	}
	if item.UnitPrice < 0 {
		item.UnitPrice = 0
	}
	if item.Stock != nil && *item.Stock < 0 {
		item.Stock = model.Int64(0)
	}
	// every entry is sellable
	item.Active = true

	if err := state.PutRecord(m.store, state.Items, item); err != nil {
		return model.CatalogItem{}, errors.Wrapf(err, "put item %s", item.ID)
	}
	m.log.WithFields(logrus.Fields{"id": item.ID, "price": item.UnitPrice}).Debug("item saved")
	return item, nil
}

// Delete removes the item. Historical orders keep their snapshots.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(state.Items, id); err != nil {
		return errors.Wrapf(err, "delete item %s", id)
	}
	m.log.WithField("id", id).Info("item deleted")
	return nil
}

// SetStock replaces the stock count. A nil stock stops tracking the item.
func (m *Manager) SetStock(ctx context.Context, id string, stock *int64) (model.CatalogItem, error) {
	it, err := m.Get(ctx, id)
	if err != nil {
		return model.CatalogItem{}, err
	}
	if stock != nil && *stock < 0 {
		stock = model.Int64(0)
	}
	it.Stock = stock
	if err := state.PutRecord(m.store, state.Items, it); err != nil {
		return model.CatalogItem{}, errors.Wrapf(err, "put item %s", id)
	}
	return it, nil
}

// DecrementStock lowers a tracked item's stock by qty, flooring at zero.
// Missing and untracked items are left alone.
func (m *Manager) DecrementStock(ctx context.Context, id string, qty int64) error {
	writes, err := m.StockWrites(ctx, map[string]int64{id: qty})
	if err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	if err := m.store.Commit(writes); err != nil {
		return errors.Wrapf(err, "decrement stock %s", id)
	}
	return nil
}

// StockWrites turns per-item deltas (positive debits, negative credits) into
// item writes for a ledger commit.
func (m *Manager) StockWrites(ctx context.Context, deltas map[string]int64) ([]state.Write, error) {
	ids := make([]string, 0, len(deltas))
	for id, d := range deltas {
		if d != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var writes []state.Write
	for _, id := range ids {
		it, err := m.Get(ctx, id)
		if errors.Is(err, ErrItemNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !it.Tracked() {
			continue
		}
		next := *it.Stock - deltas[id]
		if next < 0 {
			m.log.WithFields(logrus.Fields{
				"id":        id,
				"stock":     *it.Stock,
				"requested": deltas[id],
			}).Warn("stock exhausted, clamped to zero")
			if m.metrics != nil {
				m.metrics.StockClamped.Inc()
			}
			next = 0
		}
		it.Stock = model.Int64(next)
		w, err := state.RecordWrite(state.Items, it)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// SeedDefaults writes DefaultItems when the catalog is empty. It reports
// whether anything was written.
func (m *Manager) SeedDefaults(ctx context.Context) (bool, error) {
	existing, err := m.store.GetAll(state.Items)
	if err != nil {
		return false, errors.Wrap(err, "list items")
	}
	if len(existing) > 0 {
		return false, nil
	}
	writes := make([]state.Write, 0, len(DefaultItems))
	for _, it := range DefaultItems {
		w, err := state.RecordWrite(state.Items, it)
		if err != nil {
			return false, err
		}
		writes = append(writes, w)
	}
	if err := m.store.Commit(writes); err != nil {
		return false, errors.Wrap(err, "seed catalog")
	}
	m.log.WithField("count", len(writes)).Info("default catalog seeded")
	return true, nil
}
