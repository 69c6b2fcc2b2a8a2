package ledger

import "mogipos/internal/cart"

// Session is the working state of one register: the cart being rung up and
// the order being amended, if any.
type Session struct {
	Cart     *cart.Cart
	amending string
}

func NewSession() *Session {
	return &Session{Cart: cart.New()}
}

// Amending returns the id of the order under amendment, or "".
func (s *Session) Amending() string { return s.amending }

func (s *Session) reset() {
	s.Cart.Clear()
	s.amending = ""
}
