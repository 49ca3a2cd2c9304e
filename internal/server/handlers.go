package server

import (
	"bytes"
	"errors"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/models"
	"github.com/bobmcallan/coinledger/internal/services/portfolio"
)

// Order types accepted on the trade routes.
const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// tradeRequest is the body of POST /api/trades/buy and /api/trades/sell.
// A missing price means a market order.
type tradeRequest struct {
	Symbol    string           `json:"symbol"`
	CoinName  string           `json:"coin_name,omitempty"`
	Amount    decimal.Decimal  `json:"amount"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	OrderType string           `json:"order_type,omitempty"`
}

// addHoldingRequest is the body of POST /api/holdings.
type addHoldingRequest struct {
	Symbol   string          `json:"symbol"`
	CoinName string          `json:"coin_name,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// requireUser returns the request identity or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := common.ResolveUserID(r.Context())
	if userID == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		WriteErrorWithCode(w, http.StatusUnauthorized, "Authentication required", "unauthenticated")
		return "", false
	}
	return userID, true
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	view, err := s.app.PortfolioService.GetPortfolio(r.Context(), userID)
	if err != nil {
		WriteLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, view)
}

func (s *Server) handlePortfolioChart(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := s.app.PortfolioService.RenderAllocationChart(r.Context(), userID, &buf); err != nil {
		if errors.Is(err, portfolio.ErrNothingToChart) {
			WriteErrorWithCode(w, http.StatusNotFound, err.Error(), "empty_portfolio")
			return
		}
		var le *models.LedgerError
		if errors.As(err, &le) {
			WriteLedgerError(w, err)
			return
		}
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Allocation chart render failed")
		WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req tradeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	price, ok := s.resolvePrice(w, r, &req)
	if !ok {
		return
	}
	coinName := strings.TrimSpace(req.CoinName)
	if coinName == "" {
		coinName = s.app.Config.PriceFeed.CoinName(req.Symbol)
	}

	result, err := s.app.TradeService.Buy(r.Context(), userID, req.Symbol, coinName, req.Amount, price)
	if err != nil {
		WriteLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req tradeRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	price, ok := s.resolvePrice(w, r, &req)
	if !ok {
		return
	}

	result, err := s.app.TradeService.Sell(r.Context(), userID, req.Symbol, req.Amount, price)
	if err != nil {
		WriteLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// resolvePrice returns the limit price from the request, or the cached
// market price for market orders. It writes a 400 and returns false when
// neither is usable.
func (s *Server) resolvePrice(w http.ResponseWriter, r *http.Request, req *tradeRequest) (decimal.Decimal, bool) {
	orderType := strings.ToLower(strings.TrimSpace(req.OrderType))
	if orderType == "" {
		orderType = OrderTypeLimit
		if req.Price == nil {
			orderType = OrderTypeMarket
		}
	}

	switch orderType {
	case OrderTypeLimit:
		if req.Price == nil {
			WriteLedgerError(w, models.NewInvalidInput("price is required for a limit order"))
			return decimal.Zero, false
		}
		return *req.Price, true

	case OrderTypeMarket:
		symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
		price, ok := s.app.PriceFeed.Quote(r.Context(), symbol)
		if !ok {
			WriteLedgerError(w, models.NewInvalidInput("no market price for %q", symbol))
			return decimal.Zero, false
		}
		return price, true

	default:
		WriteLedgerError(w, models.NewInvalidInput("unknown order_type %q (use limit or market)", req.OrderType))
		return decimal.Zero, false
	}
}

func (s *Server) handleAddHolding(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req addHoldingRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	coinName := strings.TrimSpace(req.CoinName)
	if coinName == "" {
		coinName = s.app.Config.PriceFeed.CoinName(req.Symbol)
	}

	holding, err := s.app.TradeService.AddHolding(r.Context(), userID, req.Symbol, coinName, req.Amount, req.AvgPrice)
	if err != nil {
		WriteLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, holding)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	page, ok := QueryInt(r, "page", 1)
	if !ok {
		WriteLedgerError(w, models.NewInvalidInput("page must be a non-negative integer"))
		return
	}
	limit, ok := QueryInt(r, "limit", 0)
	if !ok {
		WriteLedgerError(w, models.NewInvalidInput("limit must be a non-negative integer"))
		return
	}

	result, err := s.app.TradeService.ListTransactions(r.Context(), userID, page, limit)
	if err != nil {
		WriteLedgerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}
