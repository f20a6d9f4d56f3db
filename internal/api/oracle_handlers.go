package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/model"
)

// PriceRequest sets an 8-decimal price. Expiry is only read by
// PUT /oracle/expiry/{asset}.
type PriceRequest struct {
	Price  decimal.Decimal `json:"price"`
	Expiry time.Time       `json:"expiry"`
}

// FaucetRequest is the body of POST /ledger/faucet.
type FaucetRequest struct {
	Asset  model.AssetID   `json:"asset"`
	To     model.Address   `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// GetSpotPrice handles GET /api/v1/oracle/spot/{asset}
func (s *Service) GetSpotPrice(w http.ResponseWriter, r *http.Request) {
	asset := model.AssetID(chi.URLParam(r, "asset"))
	p, err := s.oracle.SpotPrice(r.Context(), asset)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"price": p})
}

// SetSpotPrice handles PUT /api/v1/oracle/spot/{asset}
func (s *Service) SetSpotPrice(w http.ResponseWriter, r *http.Request) {
	if !s.onlyOwner(w, r) {
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	asset := model.AssetID(chi.URLParam(r, "asset"))
	if err := s.oracle.SetSpotPrice(asset, req.Price); err != nil {
		writeFailure(w, err)
		return
	}
	slog.Info("spot price set", "asset", asset, "price", req.Price.String())
	w.WriteHeader(http.StatusNoContent)
}

// SetExpiryPrice handles PUT /api/v1/oracle/expiry/{asset}
func (s *Service) SetExpiryPrice(w http.ResponseWriter, r *http.Request) {
	if !s.onlyOwner(w, r) {
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Expiry.IsZero() {
		writeError(w, "expiry is required", http.StatusBadRequest)
		return
	}
	asset := model.AssetID(chi.URLParam(r, "asset"))
	if err := s.oracle.SetExpiryPrice(asset, req.Expiry, req.Price); err != nil {
		writeFailure(w, err)
		return
	}
	slog.Info("expiry price set", "asset", asset, "expiry", req.Expiry, "price", req.Price.String())
	w.WriteHeader(http.StatusNoContent)
}

// GetSettlementValue handles GET /api/v1/options/{optionID}/value?amount=
func (s *Service) GetSettlementValue(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "amount query parameter must be a number", http.StatusBadRequest)
		return
	}
	v, err := s.oracle.SettlementValue(r.Context(), model.OptionID(chi.URLParam(r, "optionID")), amount)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: v})
}

// RedeemOptions handles POST /api/v1/options/{optionID}/redeem
// The caller exchanges expired options it holds for their payoff.
func (s *Service) RedeemOptions(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := s.oracle.Redeem(r.Context(), caller(r), model.OptionID(chi.URLParam(r, "optionID")), req.Amount)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: out})
}

// GetBalance handles GET /api/v1/ledger/{asset}/{address}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	b, err := s.ledger.BalanceOf(r.Context(), model.AssetID(chi.URLParam(r, "asset")), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: b})
}

// Faucet handles POST /api/v1/ledger/faucet
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	if !s.onlyOwner(w, r) {
		return
	}
	var req FaucetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Asset == "" || req.To == model.ZeroAddress {
		writeError(w, "asset and to are required", http.StatusBadRequest)
		return
	}
	if err := s.ledger.Mint(r.Context(), req.Asset, req.To, req.Amount); err != nil {
		writeFailure(w, err)
		return
	}
	slog.Info("faucet mint", "asset", req.Asset, "to", req.To.Hex(), "amount", req.Amount.String())
	w.WriteHeader(http.StatusNoContent)
}
