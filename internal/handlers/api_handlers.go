package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sand/loyalty-escrow/backend/internal/agent"
	"github.com/sand/loyalty-escrow/backend/internal/core/ports"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/internal/usecases"
)

// AdminTokenHeader carries the operator token on /admin routes.
const AdminTokenHeader = "X-Admin-Token"

type Options struct {
	AdminToken     string
	CallbackSecret string
	MockProofs     bool // expose /dev/mock-proof
}

type HTTPHandler struct {
	logger      *slog.Logger
	sellers     ports.SellerService
	listings    ports.ListingService
	transfers   ports.TransferService
	orders      ports.OrderService
	deadLetters ports.DeadLetterService
	opts        Options
}

func NewHTTPHandler(
	logger *slog.Logger,
	sellers ports.SellerService,
	listings ports.ListingService,
	transfers ports.TransferService,
	orders ports.OrderService,
	deadLetters ports.DeadLetterService,
	opts Options,
) *HTTPHandler {
	return &HTTPHandler{
		logger:      logger,
		sellers:     sellers,
		listings:    listings,
		transfers:   transfers,
		orders:      orders,
		deadLetters: deadLetters,
		opts:        opts,
	}
}

func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	// Sellers
	router.HandleFunc("/sell/{asset}", h.Sell).Methods(http.MethodPost)
	router.HandleFunc("/callback/proof", h.ProofCallback).Methods(http.MethodPost)
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	router.HandleFunc("/orders/{id}/list", h.ListOrder).Methods(http.MethodPost)

	// Buyers
	router.HandleFunc("/listings", h.Browse).Methods(http.MethodGet)
	router.HandleFunc("/listings/{id}/buy", h.Buy).Methods(http.MethodPost)
	router.HandleFunc("/listings/{id}/confirm-escrow", h.ConfirmEscrow).Methods(http.MethodPost)
	router.HandleFunc("/buyer/orders/{id}/ticket", h.Ticket).Methods(http.MethodGet)
	router.HandleFunc("/buyer/orders/{id}/approve", h.Approve).Methods(http.MethodPost)
	router.HandleFunc("/buyer/orders/{id}/dispute", h.Dispute).Methods(http.MethodPost)

	// Execution agent
	router.HandleFunc("/callback/transfer", h.TransferCallback).Methods(http.MethodPost)

	// Operators
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(h.requireAdmin)
	admin.HandleFunc("/dead-letters", h.DeadLetters).Methods(http.MethodGet)
	admin.HandleFunc("/orders/{id}/resolve", h.Resolve).Methods(http.MethodPost)

	if h.opts.MockProofs {
		router.HandleFunc("/dev/mock-proof/{orderId}", h.MockProof).Methods(http.MethodPost, http.MethodGet)
	}
}

func (h *HTTPHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) Sell(w http.ResponseWriter, r *http.Request) {
	var req usecases.SellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	verification, err := h.sellers.Sell(r.Context(), mux.Vars(r)["asset"], req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, verification)
}

// ProofCallback accepts {orderId, proof}. The order id may also come as a query parameter,
// in which case a body without a proof field is taken as the proof itself.
func (h *HTTPHandler) ProofCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var envelope struct {
		OrderID string          `json:"orderId"`
		Proof   json.RawMessage `json:"proof"`
	}
	if err = json.Unmarshal(body, &envelope); err != nil {
		writeError(w, r, h.logger, entities.NewError(entities.CodeInvalidInput, "malformed proof callback: %v", err))
		return
	}

	orderID := envelope.OrderID
	if q := r.URL.Query().Get("orderId"); q != "" {
		orderID = q
	}

	payload := []byte(envelope.Proof)
	if len(payload) == 0 {
		payload = body
	}

	result, err := h.sellers.HandleProofCallback(r.Context(), orderID, payload)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) MockProof(w http.ResponseWriter, r *http.Request) {
	balance := 0.0
	if raw := r.URL.Query().Get("balance"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, h.logger, entities.NewError(entities.CodeInvalidInput, "balance must be a number"))
			return
		}
		balance = parsed
	}

	result, err := h.sellers.SubmitMockProof(r.Context(), mux.Vars(r)["orderId"], balance)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) ListOrder(w http.ResponseWriter, r *http.Request) {
	var req usecases.ListRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	order, err := h.listings.List(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) Browse(w http.ResponseWriter, r *http.Request) {
	listings, err := h.listings.Browse(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (h *HTTPHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req usecases.BuyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	quote, err := h.listings.Quote(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *HTTPHandler) ConfirmEscrow(w http.ResponseWriter, r *http.Request) {
	var req usecases.ConfirmEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	order, err := h.listings.ConfirmEscrow(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// TransferCallback records the agent's booking. With a callback secret configured the raw
// body must carry a valid X-Signature.
func (h *HTTPHandler) TransferCallback(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	if !agent.VerifySignature(h.opts.CallbackSecret, body, r.Header.Get(agent.SignatureHeader)) {
		h.logger.WarnContext(r.Context(), "Rejected transfer callback with bad signature", "remote_addr", r.RemoteAddr)
		writeError(w, r, h.logger, entities.WrapError(entities.ErrUnauthorized, "invalid callback signature"))
		return
	}

	var cb agent.Callback
	if err = json.Unmarshal(body, &cb); err != nil {
		writeError(w, r, h.logger, entities.NewError(entities.CodeInvalidInput, "malformed transfer callback: %v", err))
		return
	}

	order, err := h.transfers.CompleteTransfer(r.Context(), cb)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) Ticket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.transfers.Ticket(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	order, err := h.transfers.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisputeReason string `json:"disputeReason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	order, err := h.transfers.Dispute(r.Context(), mux.Vars(r)["id"], req.DisputeReason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTPHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.deadLetters.List(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if letters == nil {
		letters = []entities.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (h *HTTPHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	orderID := mux.Vars(r)["id"]
	order, err := h.transfers.Resolve(r.Context(), orderID, strings.ToLower(strings.TrimSpace(req.Action)))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	h.logger.InfoContext(r.Context(), "Dispute resolved by operator", "order_id", orderID, "action", req.Action, "status", order.Status)
	writeJSON(w, http.StatusOK, order)
}

// requireAdmin rejects requests without the operator token. Admin routes are disabled
// when no token is configured.
func (h *HTTPHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.opts.AdminToken == "" {
			writeError(w, r, h.logger, entities.WrapError(entities.ErrConfigMissing, "admin token is not configured"))
			return
		}

		token := r.Header.Get(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.opts.AdminToken)) != 1 {
			writeError(w, r, h.logger, entities.WrapError(entities.ErrUnauthorized, "invalid admin token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
