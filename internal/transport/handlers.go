package transport

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"mogipos/internal/catalog"
	"mogipos/internal/ledger"
	"mogipos/internal/metrics"
	"mogipos/internal/model"
	"mogipos/internal/report"
	"mogipos/internal/state"
)

// Server exposes one register session over HTTP. Every session operation
// runs under mu, so the terminal has a single logical writer.
type Server struct {
	mu       sync.Mutex
	sess     *ledger.Session
	catalog  *catalog.Manager
	ledger   *ledger.Ledger
	reporter *report.Reporter
	store    state.Store
	metrics  *metrics.Registry
	log      logrus.FieldLogger
	validate *validator.Validate
	now      func() time.Time
}

func NewServer(st state.Store, cat *catalog.Manager, led *ledger.Ledger, rep *report.Reporter, mreg *metrics.Registry, logger logrus.FieldLogger) *Server {
	return &Server{
		sess:     ledger.NewSession(),
		catalog:  cat,
		ledger:   led,
		reporter: rep,
		store:    st,
		metrics:  mreg,
		log:      logger.WithField("component", "http"),
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/items", s.listItems).Methods(http.MethodGet)
	api.HandleFunc("/items", s.upsertItem).Methods(http.MethodPut)
	api.HandleFunc("/items/{id}", s.deleteItem).Methods(http.MethodDelete)
	api.HandleFunc("/items/{id}/stock", s.setStock).Methods(http.MethodPut)

	api.HandleFunc("/cart", s.getCart).Methods(http.MethodGet)
	api.HandleFunc("/cart", s.clearCart).Methods(http.MethodDelete)
	api.HandleFunc("/cart/lines", s.addLine).Methods(http.MethodPost)
	api.HandleFunc("/cart/lines/{id}", s.changeQty).Methods(http.MethodPatch)
	api.HandleFunc("/cart/lines/{id}", s.removeLine).Methods(http.MethodDelete)

	api.HandleFunc("/checkout", s.checkout).Methods(http.MethodPost)
	api.HandleFunc("/orders", s.listOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/next-number", s.nextNumber).Methods(http.MethodGet)
	api.HandleFunc("/orders/amend", s.cancelAmend).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{id}/amend", s.beginAmend).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/lines", s.applyAmend).Methods(http.MethodPut)

	api.HandleFunc("/report/aggregate", s.aggregate).Methods(http.MethodGet)
	api.HandleFunc("/report/summary", s.summary).Methods(http.MethodGet)
	api.HandleFunc("/export.csv", s.exportCSV).Methods(http.MethodGet)
	api.HandleFunc("/export.xlsx", s.exportXLSX).Methods(http.MethodGet)
	return s.logMiddleware(r)
}

type itemRequest struct {
	ID       string `json:"id" validate:"max=64"`
	Name     string `json:"name" validate:"max=128"`
	Price    *int64 `json:"price" validate:"required"`
	Category string `json:"category" validate:"max=64"`
	Stock    *int64 `json:"stock"`
}

type stockRequest struct {
	Stock *int64 `json:"stock"`
}

type addLineRequest struct {
	ID string `json:"id" validate:"required"`
}

type qtyRequest struct {
	Delta int64 `json:"delta" validate:"required"`
}

type checkoutRequest struct {
	Cash *int64 `json:"cash" validate:"required"`
}

// lineInput carries no name: an amended line keeps the name on the order.
type lineInput struct {
	ID   string `json:"id" validate:"required"`
	Unit int64  `json:"unit"`
	Qty  int64  `json:"qty"`
}

type linesRequest struct {
	Lines []lineInput `json:"lines" validate:"dive"`
}

type cartView struct {
	Lines    []model.CartLine `json:"lines"`
	Subtotal int64            `json:"subtotal"`
	Discount int64            `json:"discount"`
	Total    int64            `json:"total"`
	Amending string           `json:"amending,omitempty"`
	Added    *bool            `json:"added,omitempty"`
}

func (s *Server) cartView() cartView {
	c := s.sess.Cart
	return cartView{
		Lines:    c.Lines(),
		Subtotal: c.Subtotal(),
		Discount: c.Discount(),
		Total:    c.Total(),
		Amending: s.sess.Amending(),
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Get(state.Meta, model.SeqKey); err != nil && !errors.Is(err, state.ErrNotFound) {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := s.catalog.ListActive(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) upsertItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !s.decode(w, r, &req) {
		return
	}
	it, err := s.catalog.Upsert(r.Context(), model.CatalogItem{
		ID:        req.ID,
		Name:      req.Name,
		UnitPrice: *req.Price,
		Category:  req.Category,
		Stock:     req.Stock,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

func (s *Server) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setStock(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if !s.decode(w, r, &req) {
		return
	}
	it, err := s.catalog.SetStock(r.Context(), mux.Vars(r)["id"], req.Stock)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeJSON(w, http.StatusOK, s.cartView())
}

func (s *Server) clearCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.Cart.Clear()
	s.writeJSON(w, http.StatusOK, s.cartView())
}

// addLine ignores sold out items; the response says whether the cart changed.
func (s *Server) addLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if !s.decode(w, r, &req) {
		return
	}
	it, err := s.catalog.Get(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	added := s.sess.Cart.AddLine(it)
	v := s.cartView()
	v.Added = &added
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) changeQty(w http.ResponseWriter, r *http.Request) {
	var req qtyRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.Cart.ChangeQty(mux.Vars(r)["id"], req.Delta)
	s.writeJSON(w, http.StatusOK, s.cartView())
}

func (s *Server) removeLine(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sess.Cart.RemoveLine(mux.Vars(r)["id"])
	s.writeJSON(w, http.StatusOK, s.cartView())
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.ledger.Finalize(r.Context(), s.sess, *req.Cash)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.ledger.History(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	sum := report.Summarize(orders)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"count":  sum.Orders,
		"total":  sum.Total,
	})
}

func (s *Server) nextNumber(w http.ResponseWriter, r *http.Request) {
	n, err := s.ledger.NextOrderNumber(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"orderNo": n})
}

func (s *Server) beginAmend(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.ledger.BeginAmend(r.Context(), s.sess, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.cartView())
}

func (s *Server) cancelAmend(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger.CancelAmend(s.sess)
	s.writeJSON(w, http.StatusOK, s.cartView())
}

func (s *Server) applyAmend(w http.ResponseWriter, r *http.Request) {
	var req linesRequest
	if !s.decode(w, r, &req) {
		return
	}
	lines := make([]model.OrderLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, model.OrderLine{ID: l.ID, Unit: l.Unit, Qty: l.Qty})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, err := s.ledger.ApplyAmend(r.Context(), mux.Vars(r)["id"], lines)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) aggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := s.reporter.Aggregate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agg)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reporter.Summary(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	rows, err := s.reporter.Rows(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+report.ExportFilename(s.now()))
	if err := report.WriteCSV(w, rows); err != nil {
		s.log.WithError(err).Error("write csv export")
	}
}

func (s *Server) exportXLSX(w http.ResponseWriter, r *http.Request) {
	rows, err := s.reporter.Rows(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	agg, err := s.reporter.Aggregate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	name := strings.TrimSuffix(report.ExportFilename(s.now()), ".csv") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	if err := report.WriteXLSX(w, rows, agg); err != nil {
		s.log.WithError(err).Error("write xlsx export")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, ve := range verrs {
				fields[ve.Field()] = ve.Tag()
			}
			s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "validation failed", "fields": fields})
			return false
		}
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithField("err", err).Error("write response")
	}
}
