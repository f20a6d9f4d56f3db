package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-vault/internal/api"
	"github.com/atmx/options-vault/internal/auction"
	"github.com/atmx/options-vault/internal/ledger"
	"github.com/atmx/options-vault/internal/model"
	"github.com/atmx/options-vault/internal/options"
	"github.com/atmx/options-vault/internal/store"
	"github.com/atmx/options-vault/internal/vault"
)

var (
	vaultAddr = common.HexToAddress("0x7a0017")
	owner     = common.HexToAddress("0x0a0e2")
	keeper    = common.HexToAddress("0x4ee9e2")
	alice     = common.HexToAddress("0xa11ce")

	start  = time.Date(2025, 8, 11, 9, 0, 0, 0, time.UTC)
	expiry = time.Date(2025, 8, 15, 8, 0, 0, 0, time.UTC)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type testEnv struct {
	router  chi.Router
	clock   *clock
	ledger  *ledger.MemoryLedger
	clearer *auction.Clearer
	vault   *vault.Vault
}

// newTestEnv serves a USDC put vault on WETH (spot 2000, 1% premium)
// with the faucet enabled.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	c := &clock{t: start}
	l := ledger.NewMemoryLedger()
	sim := options.NewSimulator(l, common.HexToAddress("0x9a07"), options.WithClock(c.now), options.WithDisputePeriod(time.Hour))
	if err := sim.SetSpotPrice("WETH", d("200000000000")); err != nil {
		t.Fatalf("spot: %v", err)
	}
	st := store.NewMemoryStore()
	clearer := auction.NewClearer(l, owner, st)

	v, err := vault.Create(ctx, vault.Deps{
		Ledger:   l,
		Protocol: sim,
		Strikes:  options.StepStrikeSelector{Spot: sim, Underlying: "WETH", Step: d("10000000000"), OTMBps: 1000},
		Pricer:   options.FlatPricer{RateBps: 100, Decimals: 6},
		Auction:  clearer,
		Store:    st,
		Clock:    c.now,
	}, vault.Spec{
		ID:      "usdc-put",
		Address: vaultAddr,
		Params: model.VaultParams{
			IsPut: true, Decimals: 6, Asset: "USDC", Underlying: "WETH",
			MinimumSupply: d("10000000"), Cap: d("1000000000"),
		},
		Config: model.VaultConfig{
			Period:            model.PeriodWeekly,
			Delay:             time.Hour,
			ManagementFee:     decimal.Zero,
			PerformanceFee:    decimal.Zero,
			PremiumDiscount:   d("900"),
			AuctionMinBidSize: d("1000000"),
		},
		Roles: model.VaultRoles{Owner: owner, Keeper: keeper, FeeRecipient: common.HexToAddress("0xfee")},
	})
	if err != nil {
		t.Fatalf("create vault: %v", err)
	}

	svc := api.NewService(api.Deps{Vault: v, Auction: clearer, Ledger: l, Store: st, Oracle: sim, Faucet: true})
	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes())
	return &testEnv{router: r, clock: c, ledger: l, clearer: clearer, vault: v}
}

func (e *testEnv) do(t *testing.T, method, path string, as *common.Address, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set(api.CallerHeader, as.Hex())
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) mustDo(t *testing.T, method, path string, as *common.Address, body, out any) {
	t.Helper()
	w := e.do(t, method, path, as, body)
	if w.Code != http.StatusOK && w.Code != http.StatusNoContent {
		t.Fatalf("%s %s: expected success, got %d: %s", method, path, w.Code, w.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func (e *testEnv) fund(t *testing.T, who common.Address, amount string) {
	t.Helper()
	e.mustDo(t, "POST", "/ledger/faucet", &owner, api.FaucetRequest{Asset: "USDC", To: who, Amount: d(amount)}, nil)
}

func expectFailure(t *testing.T, w *httptest.ResponseRecorder, status int, class string) api.ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	var resp api.ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Class != class {
		t.Errorf("expected class %q, got %q (%s)", class, resp.Class, resp.Error)
	}
	return resp
}

// --- Depositor flows ---

func TestDeposit_CreditsPendingReceipt(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, "500000000")

	var acct api.AccountView
	e.mustDo(t, "POST", "/vault/deposit", &alice, api.DepositRequest{Amount: d("100000000")}, &acct)

	if acct.Receipt.Round != 1 || !acct.Receipt.Amount.Equal(d("100000000")) {
		t.Errorf("unexpected receipt %+v", acct.Receipt)
	}
	if !acct.HeldShares.IsZero() {
		t.Errorf("pending deposit should hold no shares, got %s", acct.HeldShares)
	}
	if !acct.Balance.IsZero() {
		t.Errorf("pending deposits are not valued as shares, got %s", acct.Balance)
	}

	var bal api.AmountResponse
	e.mustDo(t, "GET", "/ledger/USDC/"+alice.Hex(), nil, nil, &bal)
	if !bal.Amount.Equal(d("400000000")) {
		t.Errorf("expected 400000000 left in wallet, got %s", bal.Amount)
	}

	var view api.VaultView
	e.mustDo(t, "GET", "/vault", nil, nil, &view)
	if !view.State.TotalPending.Equal(d("100000000")) || view.Phase != vault.PhaseIdle {
		t.Errorf("unexpected vault view %+v", view.State)
	}
}

func TestDeposit_ForAnotherAccount(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, "100000000")
	bob := common.HexToAddress("0xb0b")

	var acct api.AccountView
	e.mustDo(t, "POST", "/vault/deposit", &alice, api.DepositRequest{Amount: d("20000000"), Creditor: &bob}, &acct)
	if acct.Address != bob || !acct.Receipt.Amount.Equal(d("20000000")) {
		t.Errorf("expected bob credited, got %+v", acct)
	}
}

func TestWithdrawInstantly(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, "100000000")
	e.mustDo(t, "POST", "/vault/deposit", &alice, api.DepositRequest{Amount: d("50000000")}, nil)

	var acct api.AccountView
	e.mustDo(t, "POST", "/vault/withdraw-instantly", &alice, api.AmountRequest{Amount: d("20000000")}, &acct)
	if !acct.Receipt.Amount.Equal(d("30000000")) {
		t.Errorf("expected 30000000 pending, got %s", acct.Receipt.Amount)
	}

	w := e.do(t, "POST", "/vault/withdraw-instantly", &alice, api.AmountRequest{Amount: d("30000001")})
	expectFailure(t, w, http.StatusBadRequest, "validation")
}

// --- Caller and error mapping ---

func TestMutationsRequireCaller(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "POST", "/vault/deposit", nil, api.DepositRequest{Amount: d("1")})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestErrorClassesMapToStatus(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, "500000000")

	w := e.do(t, "POST", "/vault/deposit", &alice, api.DepositRequest{Amount: d("0")})
	expectFailure(t, w, http.StatusBadRequest, "validation")

	w = e.do(t, "POST", "/vault/close", &alice, nil)
	expectFailure(t, w, http.StatusForbidden, "authorization")

	w = e.do(t, "POST", "/vault/roll", &keeper, nil)
	expectFailure(t, w, http.StatusBadRequest, "validation")

	e.mustDo(t, "POST", "/vault/deposit", &alice, api.DepositRequest{Amount: d("100000000")}, nil)
	e.mustDo(t, "POST", "/vault/close", &keeper, nil, nil)
	e.mustDo(t, "POST", "/vault/commit", &owner, nil, nil)

	w = e.do(t, "POST", "/vault/roll", &keeper, nil)
	resp := expectFailure(t, w, http.StatusConflict, "timing")
	if !resp.Retryable {
		t.Error("delay not elapsed should be retryable")
	}

	w = e.do(t, "POST", "/ledger/faucet", &alice, api.FaucetRequest{Asset: "USDC", To: alice, Amount: d("1")})
	if w.Code != http.StatusForbidden {
		t.Errorf("faucet: expected 403, got %d", w.Code)
	}
	w = e.do(t, "POST", "/vault/deposit", &alice, "not an object")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", w.Code)
	}
}

// --- Full round ---

func TestFullRoundOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, "100000000")
	e.mustDo(t, "POST", "/vault/deposit", &alice, api.DepositRequest{Amount: d("100000000")}, nil)
	e.mustDo(t, "POST", "/vault/close", &keeper, nil, nil)

	var view api.VaultView
	e.mustDo(t, "POST", "/vault/commit", &owner, nil, &view)
	if view.Phase != vault.PhaseCommitted || view.Position.NextOption != "WETH-20250815-1800-P" {
		t.Fatalf("unexpected commit %+v", view.Position)
	}

	e.clock.set(start.Add(time.Hour))
	e.mustDo(t, "POST", "/vault/roll", &keeper, nil, &view)
	if !view.State.LockedAmount.Equal(d("100000000")) {
		t.Fatalf("expected 100000000 locked, got %s", view.State.LockedAmount)
	}
	if view.Series == nil || !view.Series.IsPut || !view.Series.Strike.Equal(d("180000000000")) {
		t.Errorf("expected the 1800 put series, got %+v", view.Series)
	}

	var offer model.AuctionOffer
	e.mustDo(t, "GET", "/auction/offers/"+jsonUint(view.Position.OfferID), nil, nil, &offer)
	// 100 USDC at an 1800 strike: floor(100e6 * 1e8 / 1800e8) = 55555 units of 6 decimals.
	if !offer.TotalSize.Equal(d("5555500")) || !offer.Open {
		t.Fatalf("unexpected offer %+v", offer)
	}

	key, _ := crypto.GenerateKey()
	bidder := crypto.PubkeyToAddress(key.PublicKey)
	e.fund(t, bidder, "10000000")
	sell := offer.TotalSize.Mul(offer.MinPrice).Div(d("100000000")).Ceil()
	bid, err := auction.SignBid(key, model.Bid{
		SwapID: offer.ID, Nonce: 7, SignerWallet: bidder,
		SellAmount: sell, BuyAmount: offer.TotalSize,
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var check api.CheckResponse
	e.mustDo(t, "POST", "/auction/check", nil, api.NewBidRequest(bid), &check)
	if !check.OK {
		t.Fatalf("expected bid to pass the check, got %s", check.Result)
	}

	var res auction.Settlement
	e.mustDo(t, "POST", "/vault/auction/settle", &keeper, api.SettleRequest{Bids: []api.BidRequest{api.NewBidRequest(bid)}}, &res)
	if !res.Filled.Equal(offer.TotalSize) || !res.Proceeds.Equal(sell) {
		t.Fatalf("unexpected settlement %+v", res)
	}

	w := e.do(t, "POST", "/vault/auction/settle", &keeper, api.SettleRequest{Bids: []api.BidRequest{api.NewBidRequest(bid)}})
	if w.Code == http.StatusOK {
		t.Fatal("replayed bid should fail")
	}

	e.clock.set(expiry)
	e.mustDo(t, "PUT", "/oracle/expiry/WETH", &owner, api.PriceRequest{Price: d("250000000000"), Expiry: expiry}, nil)
	w = e.do(t, "POST", "/vault/close", &keeper, nil)
	expectFailure(t, w, http.StatusConflict, "timing")

	e.clock.set(expiry.Add(time.Hour))
	e.mustDo(t, "POST", "/vault/close", &keeper, nil, &view)
	if view.State.Round != 3 || view.Phase != vault.PhaseIdle {
		t.Fatalf("expected round 3 idle, got %d %s", view.State.Round, view.Phase)
	}

	var prices []model.RoundPrice
	e.mustDo(t, "GET", "/vault/prices", nil, nil, &prices)
	if len(prices) != 2 || prices[0].Round != 1 || prices[1].Round != 2 {
		t.Fatalf("expected prices for rounds 1 and 2 in order, got %+v", prices)
	}
	want := d("100000000").Add(sell).Mul(d("1000000")).Div(d("100000000")).Floor()
	if !prices[1].Price.Equal(want) {
		t.Errorf("round 2 price: expected %s, got %s", want, prices[1].Price)
	}

	var redeemed api.SharesResponse
	e.mustDo(t, "POST", "/vault/redeem", &alice, api.SharesRequest{Max: true}, &redeemed)
	if !redeemed.Shares.Equal(d("100000000")) {
		t.Errorf("expected 100000000 shares, got %s", redeemed.Shares)
	}

	var events []model.Event
	e.mustDo(t, "GET", "/vault/events?type=close_round", nil, nil, &events)
	if len(events) != 2 || events[1].Round != 2 {
		t.Errorf("expected two close_round events, got %+v", events)
	}

	var value api.AmountResponse
	e.mustDo(t, "GET", "/options/WETH-20250815-1800-P/value?amount=100000000", nil, nil, &value)
	if !value.Amount.IsZero() {
		t.Errorf("OTM option should be worthless, got %s", value.Amount)
	}
}

func TestQueuedWithdrawOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.fund(t, alice, "100000000")
	e.mustDo(t, "POST", "/vault/deposit", &alice, api.DepositRequest{Amount: d("100000000")}, nil)
	e.mustDo(t, "POST", "/vault/close", &keeper, nil, nil)

	var acct api.AccountView
	e.mustDo(t, "POST", "/vault/withdrawals", &alice, api.SharesRequest{Shares: d("40000000")}, &acct)
	if acct.Withdrawal.Round != 2 || !acct.HeldShares.Equal(d("60000000")) {
		t.Fatalf("unexpected account %+v", acct)
	}

	w := e.do(t, "POST", "/vault/withdrawals/complete", &alice, nil)
	expectFailure(t, w, http.StatusConflict, "timing")

	e.mustDo(t, "POST", "/vault/close", &keeper, nil, nil)
	var paid api.AmountResponse
	e.mustDo(t, "POST", "/vault/withdrawals/complete", &alice, nil, &paid)
	if !paid.Amount.Equal(d("40000000")) {
		t.Errorf("expected 40000000, got %s", paid.Amount)
	}
}

// --- Settings and auction admin ---

func TestUpdateSetting(t *testing.T) {
	e := newTestEnv(t)

	var view api.VaultView
	e.mustDo(t, "PUT", "/vault/settings/delay", &owner, api.SettingRequest{Value: "30m"}, &view)
	if view.Config.Delay != 30*time.Minute {
		t.Errorf("expected 30m delay, got %s", view.Config.Delay)
	}
	e.mustDo(t, "PUT", "/vault/settings/keeper", &owner, api.SettingRequest{Value: alice.Hex()}, &view)
	if view.Roles.Keeper != alice {
		t.Errorf("keeper not updated: %s", view.Roles.Keeper.Hex())
	}

	if w := e.do(t, "PUT", "/vault/settings/colour", &owner, api.SettingRequest{Value: "blue"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown setting: expected 400, got %d", w.Code)
	}
	if w := e.do(t, "PUT", "/vault/settings/cap", &owner, api.SettingRequest{Value: "lots"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad number: expected 400, got %d", w.Code)
	}
	w := e.do(t, "PUT", "/vault/settings/cap", &alice, api.SettingRequest{Value: "5"})
	expectFailure(t, w, http.StatusForbidden, "authorization")
}

func TestAuctionAdmin(t *testing.T) {
	e := newTestEnv(t)
	delegate := common.HexToAddress("0xde1e")

	if w := e.do(t, "POST", "/auction/authorize", &alice, map[string]any{"delegate": delegate}); w.Code != http.StatusNoContent {
		t.Fatalf("authorize: expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if w := e.do(t, "POST", "/auction/nonces/cancel", &alice, map[string]any{"nonces": []uint64{1, 2}}); w.Code != http.StatusNoContent {
		t.Fatalf("cancel nonces: expected 204, got %d", w.Code)
	}
	if !e.clearer.NonceUsed(alice, 2) {
		t.Error("nonce 2 should be used")
	}

	w := e.do(t, "PUT", "/auction/referral-fees/"+delegate.Hex(), &alice, map[string]any{"fee": "1000"})
	expectFailure(t, w, http.StatusForbidden, "authorization")
	if w := e.do(t, "PUT", "/auction/referral-fees/"+delegate.Hex(), &owner, map[string]any{"fee": "1000"}); w.Code != http.StatusNoContent {
		t.Errorf("owner referral fee: expected 204, got %d", w.Code)
	}

	if w := e.do(t, "GET", "/auction/offers/99", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing offer: expected 404, got %d", w.Code)
	}
	if w := e.do(t, "GET", "/auction/offers/abc", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad offer id: expected 400, got %d", w.Code)
	}
}

func TestListVaults(t *testing.T) {
	e := newTestEnv(t)
	var vaults []model.VaultSummary
	e.mustDo(t, "GET", "/vaults", nil, nil, &vaults)
	if len(vaults) != 1 || vaults[0].ID != "usdc-put" || vaults[0].Round != 1 {
		t.Errorf("unexpected vaults %+v", vaults)
	}
}

func TestOracleRequiresOwner(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, "PUT", "/oracle/spot/WETH", &alice, api.PriceRequest{Price: d("1")})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	e.mustDo(t, "PUT", "/oracle/spot/WETH", &owner, api.PriceRequest{Price: d("310000000000")}, nil)

	var got map[string]decimal.Decimal
	e.mustDo(t, "GET", "/oracle/spot/WETH", nil, nil, &got)
	if !got["price"].Equal(d("310000000000")) {
		t.Errorf("expected updated spot, got %s", got["price"])
	}
	if w := e.do(t, "GET", "/oracle/spot/DOGE", nil, nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown spot: expected 400, got %d", w.Code)
	}
}

func jsonUint(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
