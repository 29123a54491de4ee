package reservation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/numrent/numrent/internal/store"
	"github.com/numrent/numrent/pkg/logging"
)

// Handler exposes the reservation engine over HTTP.
type Handler struct {
	engine *Engine
	logger *logging.Logger
}

// NewHandler creates the reservation handler.
func NewHandler(engine *Engine, logger *logging.Logger) *Handler {
	if engine == nil {
		panic("reservation: engine is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{engine: engine, logger: logger.Component("reservation")}
}

// CreateReservationRequest is the POST /v1/reservations payload.
type CreateReservationRequest struct {
	ExternalUserID string `json:"external_user_id"`
	ServiceID      int64  `json:"service_id"`
	CountryCode    string `json:"country_code"`
	LanguageTag    string `json:"language_tag,omitempty"`
}

// ReservationResponse is the wire form of a reservation with its number.
type ReservationResponse struct {
	ID               int64           `json:"id"`
	UserID           int64           `json:"user_id"`
	ServiceID        int64           `json:"service_id"`
	NumberID         int64           `json:"number_id"`
	PhoneNumber      string          `json:"phone_number,omitempty"`
	Status           string          `json:"status"`
	Price            decimal.Decimal `json:"price"`
	ExpiredAt        time.Time       `json:"expired_at"`
	RemainingSeconds int64           `json:"remaining_seconds"`
	CodeValue        string          `json:"code_value,omitempty"`
}

func toResponse(d *Details) ReservationResponse {
	resp := ReservationResponse{
		ID:               d.Reservation.ID,
		UserID:           d.Reservation.UserID,
		ServiceID:        d.Reservation.ServiceID,
		NumberID:         d.Reservation.NumberID,
		Status:           d.Reservation.Status,
		Price:            d.Price,
		ExpiredAt:        d.Reservation.ExpiredAt,
		RemainingSeconds: int64(d.Remaining / time.Second),
		CodeValue:        d.Reservation.CodeValue,
	}
	if d.Number != nil {
		resp.PhoneNumber = d.Number.PhoneNumber
	}
	return resp
}

// Create handles POST /v1/reservations.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.ExternalUserID == "" || req.ServiceID == 0 || req.CountryCode == "" {
		http.Error(w, "external_user_id, service_id and country_code are required", http.StatusBadRequest)
		return
	}

	det, err := h.engine.Reserve(r.Context(), ReserveRequest{
		ExternalUserID: req.ExternalUserID,
		ServiceID:      req.ServiceID,
		CountryCode:    req.CountryCode,
		LanguageTag:    req.LanguageTag,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, toResponse(det))
}

// Status handles GET /v1/reservations/{id}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	det, err := h.engine.Status(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toResponse(det))
}

// ChangeNumber handles POST /v1/reservations/{id}/change-number.
func (h *Handler) ChangeNumber(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	det, err := h.engine.ChangeNumber(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toResponse(det))
}

// Cancel handles POST /v1/reservations/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": store.ReservationCanceled})
}

// ChangeCountry handles POST /v1/reservations/{id}/change-country. The
// reservation is canceled; the caller restarts selection with another
// country.
func (h *Handler) ChangeCountry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.reservationID(w, r)
	if !ok {
		return
	}
	if err := h.engine.ChangeCountry(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": store.ReservationCanceled})
}

// ListServicesResponse is the GET /v1/services payload.
type ListServicesResponse struct {
	Services []store.Service `json:"services"`
	Page     int             `json:"page"`
	Count    int             `json:"count"`
}

// ListServices handles GET /v1/services?country=&page=.
func (h *Handler) ListServices(w http.ResponseWriter, r *http.Request) {
	page := pageParam(r)
	services, err := h.engine.ListServices(r.Context(), r.URL.Query().Get("country"), page)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ListServicesResponse{Services: services, Page: page, Count: len(services)})
}

// ListCountries handles GET /v1/services/{id}/countries.
func (h *Handler) ListCountries(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid service id", http.StatusBadRequest)
		return
	}
	countries, err := h.engine.ListCountries(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"countries": countries, "count": len(countries)})
}

// ListUserReservations handles GET /v1/users/{externalID}/reservations?page=.
func (h *Handler) ListUserReservations(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	if externalID == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	page := pageParam(r)
	reservations, err := h.engine.ListUserReservations(r.Context(), externalID, page)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"reservations": reservations,
		"page":         page,
		"count":        len(reservations),
	})
}

func (h *Handler) reservationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid reservation id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// respondError maps engine sentinels onto HTTP statuses. Unknown errors are
// logged and surface as 500 without detail.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoInventory):
		http.Error(w, ErrNoInventory.Error(), http.StatusConflict)
	case errors.Is(err, ErrNoAlternative):
		http.Error(w, ErrNoAlternative.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidState):
		http.Error(w, ErrInvalidState.Error(), http.StatusConflict)
	case errors.Is(err, ErrNotFound):
		http.Error(w, ErrNotFound.Error(), http.StatusNotFound)
	case errors.Is(err, ErrMaintenance):
		http.Error(w, ErrMaintenance.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, ErrUserBanned):
		http.Error(w, ErrUserBanned.Error(), http.StatusForbidden)
	default:
		h.logger.Error("reservation request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("response encoding failed", "error", err)
	}
}
