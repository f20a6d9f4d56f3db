// Package api exposes a vault, its auction clearer and the simulated
// options protocol over HTTP.
//
// Amounts travel as decimal strings in base units. Mutating endpoints act
// on behalf of the account named by the X-Caller-Address header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/auction"
	"github.com/atmx/options-vault/internal/ledger"
	"github.com/atmx/options-vault/internal/model"
	"github.com/atmx/options-vault/internal/options"
	"github.com/atmx/options-vault/internal/store"
	"github.com/atmx/options-vault/internal/vault"
)

// CallerHeader names the account a request acts for.
const CallerHeader = "X-Caller-Address"

// Oracle is the admin surface of the simulated options protocol.
type Oracle interface {
	SetSpotPrice(underlying model.AssetID, price decimal.Decimal) error
	SpotPrice(ctx context.Context, underlying model.AssetID) (decimal.Decimal, error)
	SetExpiryPrice(underlying model.AssetID, expiry time.Time, price decimal.Decimal) error
	SettlementValue(ctx context.Context, id model.OptionID, amount decimal.Decimal) (decimal.Decimal, error)
	Redeem(ctx context.Context, holder model.Address, id model.OptionID, amount decimal.Decimal) (decimal.Decimal, error)
}

// Deps are the components served by the API. Oracle is optional.
type Deps struct {
	Vault   *vault.Vault
	Auction *auction.Clearer
	Ledger  ledger.Ledger
	Store   store.Store
	Oracle  Oracle
	// Faucet lets the vault owner mint test balances.
	Faucet bool
}

// Service holds the HTTP handlers.
type Service struct {
	vault   *vault.Vault
	clearer *auction.Clearer
	ledger  ledger.Ledger
	store   store.Store
	oracle  Oracle
	faucet  bool
}

// NewService creates the handlers for deps.
func NewService(deps Deps) *Service {
	return &Service{
		vault:   deps.Vault,
		clearer: deps.Auction,
		ledger:  deps.Ledger,
		store:   deps.Store,
		oracle:  deps.Oracle,
		faucet:  deps.Faucet,
	}
}

// Routes returns the /api/v1 router.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/vaults", s.ListVaults)
	r.Get("/vault", s.GetVault)
	r.Get("/vault/prices", s.GetRoundPrices)
	r.Get("/vault/events", s.GetEvents)
	r.Get("/vault/accounts/{address}", s.GetAccount)
	r.Get("/auction/offers", s.ListOffers)
	r.Get("/auction/offers/{offerID}", s.GetOffer)
	r.Post("/auction/check", s.CheckBid)
	r.Get("/ledger/{asset}/{address}", s.GetBalance)
	if s.oracle != nil {
		r.Get("/oracle/spot/{asset}", s.GetSpotPrice)
		r.Get("/options/{optionID}/value", s.GetSettlementValue)
	}

	r.Group(func(r chi.Router) {
		r.Use(requireCaller)

		r.Post("/vault/deposit", s.Deposit)
		r.Post("/vault/withdraw-instantly", s.WithdrawInstantly)
		r.Post("/vault/redeem", s.Redeem)
		r.Post("/vault/withdrawals", s.InitiateWithdraw)
		r.Post("/vault/withdrawals/complete", s.CompleteWithdraw)

		r.Post("/vault/commit", s.CommitNextOption)
		r.Post("/vault/commit-reroll", s.CommitReroll)
		r.Post("/vault/roll", s.RollToNextOption)
		r.Post("/vault/close", s.CloseRound)
		r.Post("/vault/commit-and-close", s.CommitAndClose)
		r.Post("/vault/burn", s.BurnRemainingOTokens)
		r.Post("/vault/auction/start", s.StartAuction)
		r.Post("/vault/auction/settle", s.SettleAuction)
		r.Post("/vault/auction/cancel", s.CancelAuction)
		r.Put("/vault/settings/{setting}", s.UpdateSetting)

		r.Post("/auction/authorize", s.Authorize)
		r.Post("/auction/revoke", s.Revoke)
		r.Post("/auction/nonces/cancel", s.CancelNonces)
		r.Put("/auction/referral-fees/{referrer}", s.SetReferralFee)

		if s.oracle != nil {
			r.Put("/oracle/spot/{asset}", s.SetSpotPrice)
			r.Put("/oracle/expiry/{asset}", s.SetExpiryPrice)
			r.Post("/options/{optionID}/redeem", s.RedeemOptions)
		}
		if s.faucet {
			r.Post("/ledger/faucet", s.Faucet)
		}
	})
	return r
}

type callerKey struct{}

// requireCaller rejects requests without a valid caller address.
func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get(CallerHeader)
		if !common.IsHexAddress(h) {
			writeError(w, CallerHeader+" must be a hex address", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey{}, common.HexToAddress(h))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func caller(r *http.Request) model.Address {
	a, _ := r.Context().Value(callerKey{}).(model.Address)
	return a
}

// onlyOwner gates simulator administration on the vault owner.
func (s *Service) onlyOwner(w http.ResponseWriter, r *http.Request) bool {
	if caller(r) != s.vault.Snapshot().Roles.Owner {
		writeError(w, "caller is not the vault owner", http.StatusForbidden)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func pathAddress(w http.ResponseWriter, r *http.Request, param string) (model.Address, bool) {
	v := chi.URLParam(r, param)
	if !common.IsHexAddress(v) {
		writeError(w, param+" must be a hex address", http.StatusBadRequest)
		return model.Address{}, false
	}
	return common.HexToAddress(v), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// ErrorResponse is the body of a failed vault operation.
type ErrorResponse struct {
	Error     string `json:"error"`
	Class     string `json:"class"`
	Retryable bool   `json:"retryable"`
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, options.ErrUnknownOption):
		return http.StatusNotFound
	case errors.Is(err, options.ErrNotExpired), errors.Is(err, options.ErrNoExpiryPrice),
		errors.Is(err, options.ErrExpiryPriceFixed):
		return http.StatusConflict
	case errors.Is(err, options.ErrInvalidAmount), errors.Is(err, options.ErrNoPosition),
		errors.Is(err, options.ErrNoSpotPrice), errors.Is(err, options.ErrExpired):
		return http.StatusBadRequest
	}
	switch vault.Classify(err) {
	case vault.ClassValidation:
		return http.StatusBadRequest
	case vault.ClassTiming:
		return http.StatusConflict
	case vault.ClassAuthorization:
		return http.StatusForbidden
	case vault.ClassExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeFailure(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), ErrorResponse{
		Error:     err.Error(),
		Class:     vault.Classify(err).String(),
		Retryable: vault.Retryable(err),
	})
}
