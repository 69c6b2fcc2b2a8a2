// Package cart holds the in-session line items of one checkout.
package cart

import "mogipos/internal/model"

// Cart is an ordered set of lines, at most one per catalog id. It is not
// safe for concurrent use; a session owns exactly one cart.
type Cart struct {
	lines []model.CartLine
}

func New() *Cart { return &Cart{} }

func (c *Cart) find(id string) int {
	for i, l := range c.lines {
		if l.ID == id {
			return i
		}
	}
	return -1
}

func (c *Cart) findPriced(id string, unit int64) int {
	for i, l := range c.lines {
		if l.ID == id && l.UnitPrice == unit {
			return i
		}
	}
	return -1
}

// AddLine adds one unit of item. Sold out items are ignored; the result
// reports whether the cart changed.
func (c *Cart) AddLine(item model.CatalogItem) bool {
	if item.SoldOut() {
		return false
	}
	if i := c.find(item.ID); i >= 0 {
		c.lines[i].Qty++
		return true
	}
	c.lines = append(c.lines, model.CartLine{ID: item.ID, Name: item.Name, UnitPrice: item.UnitPrice, Qty: 1})
	return true
}

// ChangeQty adds delta to the line for id, removing it when qty drops to
// zero or below.
func (c *Cart) ChangeQty(id string, delta int64) {
	i := c.find(id)
	if i < 0 {
		return
	}
	c.lines[i].Qty += delta
	if c.lines[i].Qty <= 0 {
		c.RemoveLine(id)
	}
}

func (c *Cart) RemoveLine(id string) {
	if i := c.find(id); i >= 0 {
		c.lines = append(c.lines[:i], c.lines[i+1:]...)
	}
}

func (c *Cart) Subtotal() int64 {
	var sum int64
	for _, l := range c.lines {
		sum += l.LineTotal()
	}
	return sum
}

// Discount is always zero for now.
func (c *Cart) Discount() int64 { return 0 }

func (c *Cart) Total() int64 { return c.Subtotal() - c.Discount() }

func (c *Cart) Clear() { c.lines = nil }

func (c *Cart) Len() int { return len(c.lines) }

func (c *Cart) IsEmpty() bool { return len(c.lines) == 0 }

// Lines returns a copy of the current lines.
func (c *Cart) Lines() []model.CartLine {
	return append([]model.CartLine(nil), c.lines...)
}

// Load replaces the cart content with an order's lines, skipping empty
// lines. Repeated ids merge only at the same unit price; an amended order
// may carry one item at two prices and both lines are kept, so the
// subtotal always equals the order's sum.
func (c *Cart) Load(lines []model.OrderLine) {
	c.lines = nil
	for _, l := range lines {
		if l.Qty <= 0 {
			continue
		}
		if i := c.findPriced(l.ID, l.Unit); i >= 0 {
			c.lines[i].Qty += l.Qty
			continue
		}
		c.lines = append(c.lines, model.CartLine{ID: l.ID, Name: l.Name, UnitPrice: l.Unit, Qty: l.Qty})
	}
}
