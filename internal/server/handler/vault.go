package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/seqvault/internal/domain"
)

// Provisioner is the factory surface the handler uses to create vaults.
type Provisioner interface {
	Provision(ctx context.Context, owner common.Address) (domain.Vault, error)
}

// VaultMachine is the state-machine surface for owner-initiated operations.
type VaultMachine interface {
	Get(ctx context.Context, id common.Address) (domain.Vault, error)
	Arm(ctx context.Context, id, caller common.Address, rules []domain.Rule) error
	RunFirstStep(ctx context.Context, id, caller common.Address, amountIn uint64, orderData []byte) error
	Withdraw(ctx context.Context, id, caller common.Address, asset common.Hash, amount uint64) error
	Disarm(ctx context.Context, id, caller common.Address) error
}

// VaultHandler serves vault lifecycle endpoints.
type VaultHandler struct {
	factory Provisioner
	machine VaultMachine
	vaults  domain.VaultStore
	trades  domain.TradeStore
	logger  *slog.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(factory Provisioner, machine VaultMachine, vaults domain.VaultStore, trades domain.TradeStore, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		factory: factory,
		machine: machine,
		vaults:  vaults,
		trades:  trades,
		logger:  logger.With(slog.String("handler", "vault")),
	}
}

// ruleJSON is the wire form of a sequence rule.
type ruleJSON struct {
	MarketID        string `json:"market_id"`
	OutcomeIndex    uint8  `json:"outcome_index"`
	MinPriceBps     uint64 `json:"min_price_bps"`
	MaxPriceBps     uint64 `json:"max_price_bps"`
	UseAllAvailable bool   `json:"use_all_available"`
	FixedAmount     uint64 `json:"fixed_amount"`
}

func (r ruleJSON) toDomain() domain.Rule {
	return domain.Rule{
		MarketID:        common.HexToHash(r.MarketID),
		OutcomeIndex:    r.OutcomeIndex,
		MinPriceBps:     r.MinPriceBps,
		MaxPriceBps:     r.MaxPriceBps,
		UseAllAvailable: r.UseAllAvailable,
		FixedAmount:     r.FixedAmount,
	}
}

func ruleToJSON(r domain.Rule) ruleJSON {
	return ruleJSON{
		MarketID:        r.MarketID.Hex(),
		OutcomeIndex:    r.OutcomeIndex,
		MinPriceBps:     r.MinPriceBps,
		MaxPriceBps:     r.MaxPriceBps,
		UseAllAvailable: r.UseAllAvailable,
		FixedAmount:     r.FixedAmount,
	}
}

// vaultJSON is the wire form of a vault.
type vaultJSON struct {
	ID         string     `json:"id"`
	Owner      string     `json:"owner"`
	Adapter    string     `json:"adapter"`
	Status     string     `json:"status"`
	Cursor     uint64     `json:"cursor"`
	TotalSteps uint64     `json:"total_steps"`
	Active     bool       `json:"active"`
	Rules      []ruleJSON `json:"rules,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func vaultToJSON(v domain.Vault) vaultJSON {
	out := vaultJSON{
		ID:         v.ID.Hex(),
		Owner:      v.Owner.Hex(),
		Adapter:    v.Adapter.Hex(),
		Status:     string(v.Status()),
		Cursor:     v.Cursor,
		TotalSteps: v.TotalSteps,
		Active:     v.Active,
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
	}
	for _, r := range v.Rules {
		out.Rules = append(out.Rules, ruleToJSON(r))
	}
	return out
}

// decodeOrderData decodes an optional base64 order payload.
func decodeOrderData(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// Provision creates (or returns) the caller's vault.
// POST /api/vaults
func (h *VaultHandler) Provision(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	v, err := h.factory.Provision(r.Context(), caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultToJSON(v))
}

// GetVault returns one vault with its rules.
// GET /api/vaults/{id}
func (h *VaultHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	v, err := h.machine.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vaultToJSON(v))
}

// ListVaults returns vaults, optionally filtered by owner.
// GET /api/vaults?owner=0x...
func (h *VaultHandler) ListVaults(w http.ResponseWriter, r *http.Request) {
	var (
		vaults []domain.Vault
		err    error
	)
	if ownerHex := r.URL.Query().Get("owner"); ownerHex != "" {
		if !common.IsHexAddress(ownerHex) {
			writeError(w, http.StatusBadRequest, "invalid owner address")
			return
		}
		vaults, err = h.vaults.ListByOwner(r.Context(), common.HexToAddress(ownerHex))
	} else {
		vaults, err = h.vaults.List(r.Context(), parseListOpts(r))
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]vaultJSON, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, vaultToJSON(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": out})
}

// Arm commits a rule sequence to the caller's vault.
// POST /api/vaults/{id}/arm
func (h *VaultHandler) Arm(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	var req struct {
		Rules []ruleJSON `json:"rules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rules := make([]domain.Rule, 0, len(req.Rules))
	for _, rj := range req.Rules {
		rules = append(rules, rj.toDomain())
	}

	if err := h.machine.Arm(r.Context(), id, caller, rules); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"armed": true, "steps": len(rules)})
}

// RunFirstStep funds the vault from the caller and executes step 0.
// POST /api/vaults/{id}/first-step
func (h *VaultHandler) RunFirstStep(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	var req struct {
		AmountIn  uint64 `json:"amount_in"`
		OrderData string `json:"order_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	orderData, err := decodeOrderData(req.OrderData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order_data encoding")
		return
	}

	if err := h.machine.RunFirstStep(r.Context(), id, caller, req.AmountIn, orderData); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executed": true})
}

// Withdraw moves vault funds to the caller.
// POST /api/vaults/{id}/withdraw
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	var req struct {
		Asset  string `json:"asset"`
		Amount uint64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var asset common.Hash
	if req.Asset != "" {
		asset = common.HexToHash(req.Asset)
	}

	if err := h.machine.Withdraw(r.Context(), id, caller, asset, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"withdrawn": true})
}

// Disarm deactivates the caller's vault.
// POST /api/vaults/{id}/disarm
func (h *VaultHandler) Disarm(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	if err := h.machine.Disarm(r.Context(), id, caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disarmed": true})
}

// ListTrades returns a vault's executed-trade records.
// GET /api/vaults/{id}/trades
func (h *VaultHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	records, err := h.trades.ListTrades(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type tradeJSON struct {
		ID               string    `json:"id"`
		MarketID         string    `json:"market_id"`
		OutcomeIndex     uint8     `json:"outcome_index"`
		AmountIn         uint64    `json:"amount_in"`
		AmountOut        uint64    `json:"amount_out"`
		RealizedPriceBps uint64    `json:"realized_price_bps"`
		ExecutedAt       time.Time `json:"executed_at"`
	}
	out := make([]tradeJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, tradeJSON{
			ID:               rec.ID,
			MarketID:         rec.MarketID.Hex(),
			OutcomeIndex:     rec.OutcomeIndex,
			AmountIn:         rec.AmountIn,
			AmountOut:        rec.AmountOut,
			RealizedPriceBps: rec.RealizedPriceBps,
			ExecutedAt:       rec.ExecutedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": out})
}

// ListSkips returns a vault's skipped-step records.
// GET /api/vaults/{id}/skips
func (h *VaultHandler) ListSkips(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid vault address")
		return
	}

	records, err := h.trades.ListSkips(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	type skipJSON struct {
		ID        string    `json:"id"`
		Step      uint64    `json:"step"`
		Reason    string    `json:"reason"`
		SkippedAt time.Time `json:"skipped_at"`
	}
	out := make([]skipJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, skipJSON{
			ID:        rec.ID,
			Step:      rec.Step,
			Reason:    rec.Reason,
			SkippedAt: rec.SkippedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"skips": out})
}
