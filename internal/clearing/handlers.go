package clearing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tribevault/clearing-engine/internal/auth"
	"github.com/tribevault/clearing-engine/internal/bank"
	"github.com/tribevault/clearing-engine/internal/funding"
	"github.com/tribevault/clearing-engine/internal/ledger"
	"github.com/tribevault/clearing-engine/internal/liquidation"
	"github.com/tribevault/clearing-engine/internal/metrics"
	"github.com/tribevault/clearing-engine/internal/model"
	"github.com/tribevault/clearing-engine/internal/oracle"
	"github.com/tribevault/clearing-engine/internal/store"
	"github.com/tribevault/clearing-engine/internal/vamm"
	"github.com/tribevault/clearing-engine/internal/waterfall"
)

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. Zero-valued
// ratios fall back to the deploy defaults.
type CreateMarketRequest struct {
	Caller    string `json:"caller"`
	Symbol    string `json:"symbol"` // {BASE}-{QUOTE}-PERP
	OracleKey string `json:"oracle_key"`

	QuoteReserve decimal.Decimal `json:"quote_reserve"`
	BaseReserve  decimal.Decimal `json:"base_reserve"`

	TollRatio             decimal.Decimal `json:"toll_ratio"`
	SpreadRatio           decimal.Decimal `json:"spread_ratio"`
	TradeLimitRatio       decimal.Decimal `json:"trade_limit_ratio"`
	FluctuationLimitRatio decimal.Decimal `json:"fluctuation_limit_ratio"`

	InitMarginRatio         decimal.Decimal `json:"init_margin_ratio"`
	MaintenanceMarginRatio  decimal.Decimal `json:"maintenance_margin_ratio"`
	LiquidationFeeRatio     decimal.Decimal `json:"liquidation_fee_ratio"`
	PartialLiquidationRatio decimal.Decimal `json:"partial_liquidation_ratio"`

	MaxHoldingBase  decimal.Decimal `json:"max_holding_base"`
	OpenInterestCap decimal.Decimal `json:"open_interest_cap"`

	FundingPeriodSec   int64 `json:"funding_period_sec"`
	ReferencePeriodSec int64 `json:"reference_period_sec"`

	RepegPriceGapRatio     decimal.Decimal `json:"repeg_price_gap_ratio"`
	Adjustable             bool            `json:"adjustable"`
	CanLowerK              bool            `json:"can_lower_k"`
	FundingCostCoverRate   decimal.Decimal `json:"funding_cost_cover_rate"`
	FundingRevenueTakeRate decimal.Decimal `json:"funding_revenue_take_rate"`
}

// OpenPositionRequest is the JSON body for POST /positions/open.
type OpenPositionRequest struct {
	Trader    string          `json:"trader"`
	Market    string          `json:"market"`
	Side      string          `json:"side"` // "BUY" or "SELL"
	Notional  decimal.Decimal `json:"notional"`
	Leverage  decimal.Decimal `json:"leverage"`
	BaseLimit decimal.Decimal `json:"base_limit"` // minimum base filled; 0 = no bound
}

// ClosePositionRequest is the JSON body for POST /positions/close.
type ClosePositionRequest struct {
	Trader     string          `json:"trader"`
	Market     string          `json:"market"`
	QuoteLimit decimal.Decimal `json:"quote_limit"` // slippage bound; 0 = no bound
}

// MarginRequest is the JSON body for margin add/remove.
type MarginRequest struct {
	Trader string          `json:"trader"`
	Market string          `json:"market"`
	Amount decimal.Decimal `json:"amount"`
}

// LiquidateRequest is the JSON body for POST /liquidate.
type LiquidateRequest struct {
	Caller     string          `json:"caller"`
	Market     string          `json:"market"`
	Trader     string          `json:"trader"`
	QuoteLimit decimal.Decimal `json:"quote_limit"` // slippage variant only
}

// RecenterRequest is the JSON body for POST /repeg and POST /adjust-k.
type RecenterRequest struct {
	Caller string          `json:"caller"`
	Market string          `json:"market"`
	Price  decimal.Decimal `json:"price"`       // repeg target price
	Num    decimal.Decimal `json:"numerator"`   // adjust-k reserve scale
	Den    decimal.Decimal `json:"denominator"` //
}

// OracleRequest is the JSON body for POST /oracle/{key}.
type OracleRequest struct {
	Caller string          `json:"caller"`
	Price  decimal.Decimal `json:"price"`
}

// CollateralRequest is the JSON body for deposit/withdraw.
type CollateralRequest struct {
	Account string          `json:"account"`
	Amount  decimal.Decimal `json:"amount"`
}

// StakeRequest is the JSON body for stake/unstake.
type StakeRequest struct {
	Staker string          `json:"staker"`
	Amount decimal.Decimal `json:"amount"`
}

// PositionView is the enriched position returned from GET /positions.
type PositionView struct {
	model.Position
	Margin           decimal.Decimal `json:"margin"` // visible margin, clamped at zero
	MarginRatio      decimal.Decimal `json:"margin_ratio"`
	PositionNotional decimal.Decimal `json:"position_notional"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	PendingFunding   decimal.Decimal `json:"pending_funding"`
}

// Routes mounts the clearing API onto a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.handleListMarkets)
	r.Post("/markets", s.handleCreateMarket)
	r.Get("/markets/{symbol}", s.handleGetMarket)
	r.Get("/markets/{symbol}/price", s.handleGetPrice)
	r.Get("/markets/{symbol}/funding", s.handleFundingHistory)
	r.Get("/markets/{symbol}/changes", s.handleMarketHistory)

	r.Post("/positions/open", s.handleOpenPosition)
	r.Post("/positions/close", s.handleClosePosition)
	r.Post("/positions/margin/add", s.handleAddMargin)
	r.Post("/positions/margin/remove", s.handleRemoveMargin)
	r.Get("/positions/{symbol}/{trader}", s.handleGetPosition)
	r.Get("/traders/{trader}/positions", s.handleTraderPositions)
	r.Get("/traders/{trader}/changes", s.handleTraderHistory)

	r.Post("/liquidate", s.handleLiquidate)
	r.Post("/liquidate/slippage", s.handleLiquidateWithSlippage)

	r.Post("/funding/{symbol}", s.handleSettleFunding)
	r.Post("/repeg", s.handleRepeg)
	r.Post("/adjust-k", s.handleAdjustK)
	r.Post("/oracle/{key}", s.handlePostOracle)

	r.Post("/collateral/deposit", s.handleDeposit)
	r.Post("/collateral/withdraw", s.handleWithdraw)
	r.Get("/collateral/{account}", s.handleBalance)

	r.Post("/staking/stake", s.handleStake)
	r.Post("/staking/unstake", s.handleUnstake)
	r.Get("/fund", s.handleFundStatus)
}

// --- Market handlers ---

// handleCreateMarket handles POST /api/v1/markets (owner capability).
func (s *Service) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.reg.Require(req.Caller, auth.CapOwner); err != nil {
		writeError(w, err.Error(), http.StatusForbidden)
		return
	}
	if _, _, err := model.ValidateSymbol(req.Symbol); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.QuoteReserve.IsPositive() || !req.BaseReserve.IsPositive() {
		writeError(w, "reserves must be positive", http.StatusBadRequest)
		return
	}

	now := s.now()
	m := &model.Market{
		Symbol:                  req.Symbol,
		OracleKey:               req.OracleKey,
		QuoteReserve:            req.QuoteReserve,
		BaseReserve:             req.BaseReserve,
		TollRatio:               req.TollRatio,
		SpreadRatio:             req.SpreadRatio,
		TradeLimitRatio:         defaultRatio(req.TradeLimitRatio, "0.9"),
		FluctuationLimitRatio:   req.FluctuationLimitRatio,
		InitMarginRatio:         defaultRatio(req.InitMarginRatio, "0.1"),
		MaintenanceMarginRatio:  defaultRatio(req.MaintenanceMarginRatio, "0.0625"),
		LiquidationFeeRatio:     defaultRatio(req.LiquidationFeeRatio, "0.0125"),
		PartialLiquidationRatio: defaultRatio(req.PartialLiquidationRatio, "0.25"),
		MaxHoldingBase:          req.MaxHoldingBase,
		OpenInterestCap:         req.OpenInterestCap,
		FundingPeriod:           durationOrDefault(req.FundingPeriodSec, time.Hour),
		ReferencePeriod:         durationOrDefault(req.ReferencePeriodSec, 24*time.Hour),
		RepegPriceGapRatio:      defaultRatio(req.RepegPriceGapRatio, "0.1"),
		Adjustable:              req.Adjustable,
		CanLowerK:               req.CanLowerK,
		FundingCostCoverRate:    defaultRatio(req.FundingCostCoverRate, "0.5"),
		FundingRevenueTakeRate:  defaultRatio(req.FundingRevenueTakeRate, "0.5"),
		Open:                    true,
		CreatedAt:               now,
	}
	if m.OracleKey == "" {
		base, quote, _ := model.ValidateSymbol(req.Symbol)
		m.OracleKey = base + "-" + quote
	}
	m.NextFundingTime = now.Add(m.FundingPeriod)
	m.Snapshot(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.CreateMarket(r.Context(), m); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	s.fund.RegisterMarket(m.Symbol)
	metrics.ActiveMarkets.Inc()

	slog.Info("market created",
		"symbol", m.Symbol,
		"oracle_key", m.OracleKey,
		"quote", m.QuoteReserve.String(),
		"base", m.BaseReserve.String(),
	)
	writeJSON(w, http.StatusCreated, m)
}

// handleListMarkets handles GET /api/v1/markets.
func (s *Service) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// handleGetMarket handles GET /api/v1/markets/{symbol}.
func (s *Service) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleGetPrice handles GET /api/v1/markets/{symbol}/price.
func (s *Service) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	now := s.now()
	resp := map[string]decimal.Decimal{
		"spot":      m.SpotPrice(),
		"mark_twap": vamm.MarkTwap(m, 15*time.Minute, now),
	}
	if index, err := s.feed.Latest(m.OracleKey); err == nil {
		resp["index"] = index
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleFundingHistory handles GET /api/v1/markets/{symbol}/funding.
func (s *Service) handleFundingHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListFundingRecords(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "failed to list funding records", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.FundingRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleMarketHistory handles GET /api/v1/markets/{symbol}/changes.
func (s *Service) handleMarketHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := s.store.ListPositionChangesByMarket(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, "failed to list position changes", http.StatusInternalServerError)
		return
	}
	if changes == nil {
		changes = []model.PositionChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// --- Position handlers ---

// handleOpenPosition handles POST /api/v1/positions/open.
func (s *Service) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}

	change, err := s.openPosition(r.Context(), req.Trader, req.Market, req.Side, req.Notional, req.Leverage, req.BaseLimit)
	if err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}

	slog.Info("position opened",
		"trader", req.Trader,
		"market", req.Market,
		"side", req.Side,
		"notional", req.Notional.String(),
		"leverage", req.Leverage.String(),
		"size_after", change.SizeAfter.String(),
	)
	writeJSON(w, http.StatusOK, change)
}

// handleClosePosition handles POST /api/v1/positions/close.
func (s *Service) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	change, err := s.closePosition(r.Context(), req.Trader, req.Market, req.QuoteLimit)
	if err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}

	slog.Info("position closed",
		"trader", req.Trader,
		"market", req.Market,
		"realized_pnl", change.RealizedPnl.String(),
	)
	writeJSON(w, http.StatusOK, change)
}

// handleAddMargin handles POST /api/v1/positions/margin/add.
func (s *Service) handleAddMargin(w http.ResponseWriter, r *http.Request) {
	s.handleMargin(w, r, true)
}

// handleRemoveMargin handles POST /api/v1/positions/margin/remove.
func (s *Service) handleRemoveMargin(w http.ResponseWriter, r *http.Request) {
	s.handleMargin(w, r, false)
}

func (s *Service) handleMargin(w http.ResponseWriter, r *http.Request, add bool) {
	var req MarginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	change, err := s.adjustMargin(r.Context(), req.Trader, req.Market, req.Amount, add)
	if err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// handleGetPosition handles GET /api/v1/positions/{symbol}/{trader}.
func (s *Service) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	trader := chi.URLParam(r, "trader")

	m, err := s.store.GetMarket(r.Context(), symbol)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	p, err := s.store.GetPosition(r.Context(), symbol, trader)
	if err != nil || !p.IsOpen() {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	view := PositionView{
		Position:       *p,
		Margin:         p.VisibleMargin(),
		PendingFunding: ledger.PendingFunding(m, p),
	}
	if notional, upnl, err := ledger.NotionalAndPnl(m, p); err == nil {
		view.PositionNotional = notional
		view.UnrealizedPnl = upnl
	}
	if ratio, err := ledger.MarginRatio(m, p); err == nil {
		view.MarginRatio = ratio
	}
	writeJSON(w, http.StatusOK, view)
}

// handleTraderPositions handles GET /api/v1/traders/{trader}/positions.
func (s *Service) handleTraderPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.store.ListPositionsByTrader(r.Context(), chi.URLParam(r, "trader"))
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// handleTraderHistory handles GET /api/v1/traders/{trader}/changes.
func (s *Service) handleTraderHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := s.store.ListPositionChangesByTrader(r.Context(), chi.URLParam(r, "trader"))
	if err != nil {
		writeError(w, "failed to list position changes", http.StatusInternalServerError)
		return
	}
	if changes == nil {
		changes = []model.PositionChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}

// --- Liquidation handlers ---

// handleLiquidate handles POST /api/v1/liquidate (backstop path).
func (s *Service) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	s.handleLiquidation(w, r, false)
}

// handleLiquidateWithSlippage handles POST /api/v1/liquidate/slippage.
func (s *Service) handleLiquidateWithSlippage(w http.ResponseWriter, r *http.Request) {
	s.handleLiquidation(w, r, true)
}

func (s *Service) handleLiquidation(w http.ResponseWriter, r *http.Request, withSlippage bool) {
	var req LiquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Caller == "" {
		writeError(w, "caller is required", http.StatusBadRequest)
		return
	}

	res, err := s.liquidate(r.Context(), req.Caller, req.Market, req.Trader, req.QuoteLimit, withSlippage)
	if err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}

	slog.Info("position liquidated",
		"market", req.Market,
		"trader", req.Trader,
		"liquidator", req.Caller,
		"closed_notional", res.Record.ClosedNotional.String(),
		"bad_debt", res.Record.BadDebt.String(),
	)
	writeJSON(w, http.StatusOK, res)
}

// --- Operator handlers ---

// handleSettleFunding handles POST /api/v1/funding/{symbol}.
func (s *Service) handleSettleFunding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.settleFunding(r.Context(), req.Caller, chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRepeg handles POST /api/v1/repeg.
func (s *Service) handleRepeg(w http.ResponseWriter, r *http.Request) {
	var req RecenterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	rec, err := s.repeg(r.Context(), req.Caller, req.Market, req.Price)
	if err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAdjustK handles POST /api/v1/adjust-k.
func (s *Service) handleAdjustK(w http.ResponseWriter, r *http.Request) {
	var req RecenterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Num.IsPositive() || !req.Den.IsPositive() {
		writeError(w, "numerator and denominator must be positive", http.StatusBadRequest)
		return
	}

	rec, err := s.adjustK(r.Context(), req.Caller, req.Market, req.Num, req.Den)
	if err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handlePostOracle handles POST /api/v1/oracle/{key} (operator capability).
func (s *Service) handlePostOracle(w http.ResponseWriter, r *http.Request) {
	var req OracleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.reg.Require(req.Caller, auth.CapOperator); err != nil {
		writeError(w, err.Error(), http.StatusForbidden)
		return
	}
	if err := s.feed.Post(chi.URLParam(r, "key"), req.Price, s.now()); err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Collateral and staking handlers ---

// handleDeposit handles POST /api/v1/collateral/deposit. Deposits arrive
// from the settlement layer as mints into the trader's account.
func (s *Service) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.bank.Mint(req.Account, req.Amount); err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": s.bank.BalanceOf(req.Account)})
}

// handleWithdraw handles POST /api/v1/collateral/withdraw.
func (s *Service) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.bank.Burn(req.Account, req.Amount); err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": s.bank.BalanceOf(req.Account)})
}

// handleBalance handles GET /api/v1/collateral/{account}.
func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"balance": s.bank.BalanceOf(account)})
}

// handleStake handles POST /api/v1/staking/stake.
func (s *Service) handleStake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.fund.Stake(req.Staker, req.Amount); err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUnstake handles POST /api/v1/staking/unstake.
func (s *Service) handleUnstake(w http.ResponseWriter, r *http.Request) {
	var req StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.fund.Unstake(req.Staker, req.Amount); err != nil {
		writeError(w, err.Error(), statusFromErr(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFundStatus handles GET /api/v1/fund.
func (s *Service) handleFundStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"insurance":      s.fund.InsuranceBalance(),
		"staking":        s.fund.StakingBalance(),
		"staking_active": s.fund.StakingActive(),
		"deficit":        s.fund.Deficit(),
	})
}

// --- Helpers ---

func defaultRatio(v decimal.Decimal, def string) decimal.Decimal {
	if v.IsZero() {
		return decimal.RequireFromString(def)
	}
	return v
}

func durationOrDefault(sec int64, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

// statusFromErr maps engine sentinels to HTTP status codes: validation 400,
// missing state 404, authorization 403, economic conflicts 409.
func statusFromErr(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ledger.ErrNoPosition),
		errors.Is(err, liquidation.ErrNoPosition),
		errors.Is(err, oracle.ErrUnknownKey),
		errors.Is(err, waterfall.ErrUnknownMarket):
		return http.StatusNotFound

	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden

	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidLeverage),
		errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, waterfall.ErrInvalidAmount),
		errors.Is(err, vamm.ErrInvalidAmount),
		errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusBadRequest

	case errors.Is(err, ledger.ErrMarketClosed),
		errors.Is(err, ledger.ErrOverLimit),
		errors.Is(err, ledger.ErrBelowInitMargin),
		errors.Is(err, ledger.ErrBelowMaintenance),
		errors.Is(err, ledger.ErrMarginNotEnough),
		errors.Is(err, ledger.ErrBadDebt),
		errors.Is(err, ledger.ErrReduceTooLarge),
		errors.Is(err, liquidation.ErrNotLiquidatable),
		errors.Is(err, liquidation.ErrBadDebt),
		errors.Is(err, funding.ErrTooEarly),
		errors.Is(err, funding.ErrMarketClosed),
		errors.Is(err, vamm.ErrInsufficientLiquidity),
		errors.Is(err, vamm.ErrOverTradeLimit),
		errors.Is(err, vamm.ErrFluctuationLimitExceeded),
		errors.Is(err, vamm.ErrSlippageLimitBreached),
		errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, waterfall.ErrInsufficientBudget),
		errors.Is(err, waterfall.ErrStakingBalance),
		errors.Is(err, ErrInsufficientFeePool):
		return http.StatusConflict

	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
