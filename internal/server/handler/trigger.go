package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

// Trigger is the permissionless state-machine surface: readiness probing and
// the advance entry point any caller may hit.
type Trigger interface {
	CheckReadiness(ctx context.Context, id common.Address) (bool, error)
	AdvanceStep(ctx context.Context, id common.Address, orderData []byte) error
}

// TriggerHandler serves the permissionless automation endpoints. No
// authentication: the state machine's own preconditions are the only guard,
// matching the execution model where any keeper may drive a vault forward.
type TriggerHandler struct {
	machine Trigger
	logger  *slog.Logger
}

// NewTriggerHandler creates a TriggerHandler.
func NewTriggerHandler(machine Trigger, logger *slog.Logger) *TriggerHandler {
	return &TriggerHandler{
		machine: machine,
		logger:  logger.With(slog.String("handler", "trigger")),
	}
}

// Readiness reports whether an advance would find its precondition satisfied.
// GET /api/vaults/{id}/readiness
func (h *TriggerHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	ready, err := h.machine.CheckReadiness(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": ready})
}

// Advance attempts one step advance. The body may carry an order payload;
// when absent the service synthesizes one for the current rule.
// POST /api/vaults/{id}/advance
func (h *TriggerHandler) Advance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	var orderData []byte
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err == nil && len(body) > 0 {
		var req struct {
			OrderData string `json:"order_data"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		orderData, err = decodeOrderData(req.OrderData)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid order_data encoding")
			return
		}
	}

	if err := h.machine.AdvanceStep(r.Context(), id, orderData); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"advanced": true})
}
