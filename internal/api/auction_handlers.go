package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/auction"
	"github.com/atmx/options-vault/internal/model"
)

// BidRequest is a signed bid as submitted by a bidder; the signature is
// 0x-prefixed hex.
type BidRequest struct {
	SwapID       uint64          `json:"swap_id"`
	Nonce        uint64          `json:"nonce"`
	SignerWallet model.Address   `json:"signer_wallet"`
	SellAmount   decimal.Decimal `json:"sell_amount"`
	BuyAmount    decimal.Decimal `json:"buy_amount"`
	Referrer     model.Address   `json:"referrer"`
	Signature    hexutil.Bytes   `json:"signature"`
}

// Bid converts the request to the clearer's bid.
func (b BidRequest) Bid() model.Bid {
	return model.Bid{
		SwapID:       b.SwapID,
		Nonce:        b.Nonce,
		SignerWallet: b.SignerWallet,
		SellAmount:   b.SellAmount,
		BuyAmount:    b.BuyAmount,
		Referrer:     b.Referrer,
		Signature:    b.Signature,
	}
}

// NewBidRequest is the inverse of Bid.
func NewBidRequest(b model.Bid) BidRequest {
	return BidRequest{
		SwapID:       b.SwapID,
		Nonce:        b.Nonce,
		SignerWallet: b.SignerWallet,
		SellAmount:   b.SellAmount,
		BuyAmount:    b.BuyAmount,
		Referrer:     b.Referrer,
		Signature:    b.Signature,
	}
}

// CheckResponse is the result of a dry-run bid check.
type CheckResponse struct {
	Code   int    `json:"code"`
	Result string `json:"result"`
	OK     bool   `json:"ok"`
}

// ListOffers handles GET /api/v1/auction/offers
func (s *Service) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers := s.clearer.Offers()
	if offers == nil {
		offers = []model.AuctionOffer{}
	}
	writeJSON(w, http.StatusOK, offers)
}

// GetOffer handles GET /api/v1/auction/offers/{offerID}
func (s *Service) GetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "offerID"), 10, 64)
	if err != nil {
		writeError(w, "offer id must be an integer", http.StatusBadRequest)
		return
	}
	o, err := s.clearer.Offer(id)
	if err != nil {
		writeError(w, "offer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CheckBid handles POST /api/v1/auction/check
func (s *Service) CheckBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if !decode(w, r, &req) {
		return
	}
	code := s.clearer.Check(r.Context(), req.Bid())
	writeJSON(w, http.StatusOK, CheckResponse{Code: int(code), Result: code.String(), OK: code == auction.CodeOK})
}

// Authorize handles POST /api/v1/auction/authorize
// The caller lets delegate sign bids on its behalf.
func (s *Service) Authorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delegate model.Address `json:"delegate"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.clearer.Authorize(r.Context(), caller(r), req.Delegate); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Revoke handles POST /api/v1/auction/revoke
func (s *Service) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := s.clearer.Revoke(r.Context(), caller(r)); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelNonces handles POST /api/v1/auction/nonces/cancel
func (s *Service) CancelNonces(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nonces []uint64 `json:"nonces"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.clearer.CancelNonces(r.Context(), caller(r), req.Nonces); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetReferralFee handles PUT /api/v1/auction/referral-fees/{referrer}
func (s *Service) SetReferralFee(w http.ResponseWriter, r *http.Request) {
	referrer, ok := pathAddress(w, r, "referrer")
	if !ok {
		return
	}
	var req struct {
		Fee decimal.Decimal `json:"fee"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.clearer.SetReferralFee(r.Context(), caller(r), referrer, req.Fee); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
