package transport

import (
	"net/http"

	"github.com/pkg/errors"

	"mogipos/internal/catalog"
	"mogipos/internal/ledger"
	"mogipos/internal/state"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, catalog.ErrItemNotFound), errors.Is(err, ledger.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrEmptyCart):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientCash), errors.Is(err, ledger.ErrLineNotInOrder):
		return http.StatusUnprocessableEntity
	case errors.Is(err, state.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]interface{}{"error": err.Error()}

	var ice *ledger.InsufficientCashError
	if errors.As(err, &ice) {
		body["tendered"] = ice.Tendered
		body["total"] = ice.Total
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
		if status == http.StatusServiceUnavailable && s.metrics != nil {
			s.metrics.StoreErrors.Inc()
		}
	}
	s.writeJSON(w, status, body)
}
