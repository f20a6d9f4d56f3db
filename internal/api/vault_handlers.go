package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/contract"
	"github.com/atmx/options-vault/internal/model"
	"github.com/atmx/options-vault/internal/vault"
)

// --- Request/Response types ---

// VaultView is the JSON body of GET /vault and of lifecycle responses.
type VaultView struct {
	ID            string               `json:"id"`
	Address       model.Address        `json:"address"`
	Phase         vault.Phase          `json:"phase"`
	Params        model.VaultParams    `json:"params"`
	Config        model.VaultConfig    `json:"config"`
	Roles         model.VaultRoles     `json:"roles"`
	State         model.VaultState     `json:"state"`
	Position      model.OptionPosition `json:"position"`
	Series        *contract.Series     `json:"series,omitempty"` // current option
	TotalSupply   decimal.Decimal      `json:"total_supply"`
	TotalBalance  decimal.Decimal      `json:"total_balance"`
	PricePerShare decimal.Decimal      `json:"price_per_share"`
}

// AccountView is one depositor's position.
type AccountView struct {
	Address     model.Address        `json:"address"`
	HeldShares  decimal.Decimal      `json:"held_shares"`
	VaultShares decimal.Decimal      `json:"vault_shares"` // owed, not yet redeemed
	Balance     decimal.Decimal      `json:"balance"`      // asset value of held and owed shares
	Receipt     model.DepositReceipt `json:"receipt"`
	Withdrawal  model.Withdrawal     `json:"withdrawal"`
}

// DepositRequest is the body of POST /vault/deposit. Creditor defaults to
// the caller.
type DepositRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Creditor *model.Address  `json:"creditor,omitempty"`
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// SharesRequest is the body of POST /vault/redeem and /vault/withdrawals.
// Max redeems everything owed and ignores Shares.
type SharesRequest struct {
	Shares decimal.Decimal `json:"shares"`
	Max    bool            `json:"max,omitempty"`
}

type SharesResponse struct {
	Shares decimal.Decimal `json:"shares"`
}

type AmountResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

// SettingRequest is the body of PUT /vault/settings/{setting}.
type SettingRequest struct {
	Value string `json:"value"`
}

// SettleRequest is the body of POST /vault/auction/settle.
type SettleRequest struct {
	Bids []BidRequest `json:"bids"`
}

// --- Views ---

func (s *Service) view(ctx context.Context) (VaultView, error) {
	rec := s.vault.Snapshot()
	total, err := s.vault.TotalBalance(ctx)
	if err != nil {
		return VaultView{}, err
	}
	pps, err := s.vault.PricePerShare(ctx)
	if err != nil {
		return VaultView{}, err
	}
	var series *contract.Series
	if rec.Position.CurrentOption != "" {
		if series, err = contract.ParseTicker(rec.Position.CurrentOption); err != nil {
			return VaultView{}, err
		}
	}
	return VaultView{
		ID:            rec.ID,
		Address:       rec.Address,
		Phase:         s.vault.Phase(),
		Params:        rec.Params,
		Config:        rec.Config,
		Roles:         rec.Roles,
		State:         rec.State,
		Position:      rec.Position,
		Series:        series,
		TotalSupply:   s.vault.TotalSupply(),
		TotalBalance:  total,
		PricePerShare: pps,
	}, nil
}

func (s *Service) account(ctx context.Context, addr model.Address) (AccountView, error) {
	held, owed := s.vault.ShareBalances(addr)
	bal, err := s.vault.AccountVaultBalance(ctx, addr)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{
		Address:     addr,
		HeldShares:  held,
		VaultShares: owed,
		Balance:     bal,
		Receipt:     s.vault.DepositReceipt(addr),
		Withdrawal:  s.vault.Withdrawal(addr),
	}, nil
}

// ListVaults handles GET /api/v1/vaults
func (s *Service) ListVaults(w http.ResponseWriter, r *http.Request) {
	vaults, err := s.store.ListVaults(r.Context())
	if err != nil {
		writeError(w, "failed to list vaults", http.StatusInternalServerError)
		return
	}
	if vaults == nil {
		vaults = []model.VaultSummary{}
	}
	writeJSON(w, http.StatusOK, vaults)
}

// GetVault handles GET /api/v1/vault
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.view(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetRoundPrices handles GET /api/v1/vault/prices
func (s *Service) GetRoundPrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.vault.PriceHistory())
}

// GetEvents handles GET /api/v1/vault/events
// Optional ?type=<event type> filter.
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.GetEvents(r.Context(), s.vault.ID())
	if err != nil {
		writeError(w, "failed to load events", http.StatusInternalServerError)
		return
	}
	filtered := []model.Event{}
	typ := model.EventType(r.URL.Query().Get("type"))
	for _, e := range events {
		if typ == "" || e.Type == typ {
			filtered = append(filtered, e)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// GetAccount handles GET /api/v1/vault/accounts/{address}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}
	a, err := s.account(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Depositor operations ---

// Deposit handles POST /api/v1/vault/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	from := caller(r)
	creditor := from
	if req.Creditor != nil {
		creditor = *req.Creditor
	}
	if err := s.vault.DepositFor(r.Context(), from, creditor, req.Amount); err != nil {
		writeFailure(w, err)
		return
	}
	s.respondAccount(w, r, creditor)
}

// WithdrawInstantly handles POST /api/v1/vault/withdraw-instantly
func (s *Service) WithdrawInstantly(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.vault.WithdrawInstantly(r.Context(), caller(r), req.Amount); err != nil {
		writeFailure(w, err)
		return
	}
	s.respondAccount(w, r, caller(r))
}

// Redeem handles POST /api/v1/vault/redeem
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	var req SharesRequest
	if !decode(w, r, &req) {
		return
	}
	shares := req.Shares
	var err error
	if req.Max {
		shares, err = s.vault.MaxRedeem(r.Context(), caller(r))
	} else {
		err = s.vault.Redeem(r.Context(), caller(r), shares)
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SharesResponse{Shares: shares})
}

// InitiateWithdraw handles POST /api/v1/vault/withdrawals
func (s *Service) InitiateWithdraw(w http.ResponseWriter, r *http.Request) {
	var req SharesRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.vault.InitiateWithdraw(r.Context(), caller(r), req.Shares); err != nil {
		writeFailure(w, err)
		return
	}
	s.respondAccount(w, r, caller(r))
}

// CompleteWithdraw handles POST /api/v1/vault/withdrawals/complete
func (s *Service) CompleteWithdraw(w http.ResponseWriter, r *http.Request) {
	amount, err := s.vault.CompleteWithdraw(r.Context(), caller(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: amount})
}

func (s *Service) respondAccount(w http.ResponseWriter, r *http.Request, addr model.Address) {
	a, err := s.account(r.Context(), addr)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Lifecycle ---

// lifecycle runs a keeper or manager step and responds with the vault.
func (s *Service) lifecycle(name string, op func(ctx context.Context, caller model.Address) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context(), caller(r)); err != nil {
			slog.Warn("lifecycle step failed",
				"op", name,
				"caller", caller(r).Hex(),
				"class", vault.Classify(err).String(),
				"err", err,
			)
			writeFailure(w, err)
			return
		}
		s.GetVault(w, r)
	}
}

// CommitNextOption handles POST /api/v1/vault/commit
func (s *Service) CommitNextOption(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("commit", s.vault.CommitNextOption)(w, r)
}

// CommitReroll handles POST /api/v1/vault/commit-reroll
func (s *Service) CommitReroll(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("commit_reroll", s.vault.CommitReroll)(w, r)
}

// RollToNextOption handles POST /api/v1/vault/roll
func (s *Service) RollToNextOption(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("roll", s.vault.RollToNextOption)(w, r)
}

// CloseRound handles POST /api/v1/vault/close
func (s *Service) CloseRound(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("close", s.vault.CloseRound)(w, r)
}

// CommitAndClose handles POST /api/v1/vault/commit-and-close
func (s *Service) CommitAndClose(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("commit_and_close", s.vault.CommitAndClose)(w, r)
}

// StartAuction handles POST /api/v1/vault/auction/start
func (s *Service) StartAuction(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("start_auction", s.vault.StartAuction)(w, r)
}

// CancelAuction handles POST /api/v1/vault/auction/cancel
func (s *Service) CancelAuction(w http.ResponseWriter, r *http.Request) {
	s.lifecycle("cancel_auction", s.vault.CancelAuction)(w, r)
}

// BurnRemainingOTokens handles POST /api/v1/vault/burn
func (s *Service) BurnRemainingOTokens(w http.ResponseWriter, r *http.Request) {
	released, err := s.vault.BurnRemainingOTokens(r.Context(), caller(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AmountResponse{Amount: released})
}

// SettleAuction handles POST /api/v1/vault/auction/settle
func (s *Service) SettleAuction(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	bids := make([]model.Bid, len(req.Bids))
	for i, b := range req.Bids {
		bids[i] = b.Bid()
	}
	res, err := s.vault.SettleAuction(r.Context(), caller(r), bids)
	if err != nil && res.Bids == 0 {
		writeFailure(w, err)
		return
	}
	if err != nil {
		slog.Error("auction settled but not persisted", "offer", res.OfferID, "err", err)
	}
	writeJSON(w, http.StatusOK, res)
}

// UpdateSetting handles PUT /api/v1/vault/settings/{setting}
func (s *Service) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req SettingRequest
	if !decode(w, r, &req) {
		return
	}
	apply, err := s.setting(chi.URLParam(r, "setting"), req.Value)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := apply(r.Context(), caller(r)); err != nil {
		writeFailure(w, err)
		return
	}
	s.GetVault(w, r)
}

// setting parses value for the named setting and returns the update.
func (s *Service) setting(name, value string) (func(context.Context, model.Address) error, error) {
	num := func() (decimal.Decimal, error) {
		d, err := decimal.NewFromString(value)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%s: %q is not a number", name, value)
		}
		return d, nil
	}
	addr := func() (model.Address, error) {
		if !common.IsHexAddress(value) {
			return model.Address{}, fmt.Errorf("%s: %q is not an address", name, value)
		}
		return common.HexToAddress(value), nil
	}
	v := s.vault

	switch name {
	case "cap", "management_fee", "performance_fee", "premium_discount", "auction_min_bid_size", "strike_override":
		d, err := num()
		if err != nil {
			return nil, err
		}
		set := map[string]func(context.Context, model.Address, decimal.Decimal) error{
			"cap":                  v.SetCap,
			"management_fee":       v.SetManagementFee,
			"performance_fee":      v.SetPerformanceFee,
			"premium_discount":     v.SetPremiumDiscount,
			"auction_min_bid_size": v.SetMinBidSize,
			"strike_override":      v.SetStrikeOverride,
		}[name]
		return func(ctx context.Context, c model.Address) error { return set(ctx, c, d) }, nil
	case "fee_recipient", "keeper", "manager":
		a, err := addr()
		if err != nil {
			return nil, err
		}
		set := map[string]func(context.Context, model.Address, model.Address) error{
			"fee_recipient": v.SetFeeRecipient,
			"keeper":        v.SetKeeper,
			"manager":       v.SetManager,
		}[name]
		return func(ctx context.Context, c model.Address) error { return set(ctx, c, a) }, nil
	case "delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("delay: %w", err)
		}
		return func(ctx context.Context, c model.Address) error { return v.SetDelay(ctx, c, d) }, nil
	}
	return nil, fmt.Errorf("unknown setting %q", name)
}
