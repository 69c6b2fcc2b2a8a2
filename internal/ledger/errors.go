package ledger

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrInsufficientCash = errors.New("cash tendered is less than the total")
	ErrOrderNotFound    = errors.New("order not found")
	ErrLineNotInOrder   = errors.New("item is not on the order")
)

// InsufficientCashError carries the amounts of a rejected finalization.
type InsufficientCashError struct {
	Tendered int64
	Total    int64
}

func (e *InsufficientCashError) Error() string {
	return fmt.Sprintf("cash tendered %d is less than total %d", e.Tendered, e.Total)
}

func (e *InsufficientCashError) Is(target error) bool { return target == ErrInsufficientCash }
