// Package lbank implements the venue adapter for the LBank spot API (v2).
//
// Authenticated endpoints use LBank's signature scheme: request
// parameters are sorted by key, MD5-hashed, and the uppercase digest is
// HMAC-SHA256 signed with the API secret. Timestamps are milliseconds
// and symbols are lowercase on the wire.
package lbank

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/venues"
)

const defaultBaseURL = "https://api.lbkex.com"

// codeTooFrequent is LBank's "request too frequent" error code.
const codeTooFrequent = 10004

// authCodes are LBank error codes for rejected credentials or signatures.
var authCodes = map[int]bool{
	10002: true, // validation failed
	10005: true, // secret key does not exist
	10006: true, // user does not exist
	10007: true, // invalid signature
}

// Config holds one LBank account's connection settings.
type Config struct {
	Account   string
	APIKey    string
	APISecret string
	Pair      string // currency pair to ingest, e.g. "XYZ_USDT"
	BaseURL   string // override for tests
	Timeout   time.Duration
}

// Adapter talks to one LBank account. Like the other venue adapters it
// only maps requests and responses; resilience lives in the client
// wrapping it.
type Adapter struct {
	cfg        Config
	baseURL    string
	pair       string // lowercase wire format
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates an LBank adapter for one account.
func New(cfg Config, log zerolog.Logger) *Adapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Adapter{
		cfg:        cfg,
		baseURL:    baseURL,
		pair:       strings.ToLower(cfg.Pair),
		httpClient: &http.Client{Timeout: timeout},
		log: log.With().
			Str("component", "lbank").
			Str("account", cfg.Account).
			Logger(),
	}
}

// Name returns the venue identifier.
func (a *Adapter) Name() string {
	return venues.VenueLBank
}

// Account returns the account label.
func (a *Adapter) Account() string {
	return a.cfg.Account
}

// Initialize verifies credentials with a balance fetch.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return &venues.AuthError{
			Venue:   venues.VenueLBank,
			Account: a.cfg.Account,
			Message: "missing API credentials",
		}
	}

	if _, err := a.GetBalances(ctx); err != nil {
		return fmt.Errorf("failed to initialize lbank adapter: %w", err)
	}

	a.log.Info().Msg("LBank adapter initialized")
	return nil
}

// walletEntry is one coin balance in a supplement/user_info response.
type walletEntry struct {
	Coin      string `json:"coin"`
	UsableAmt string `json:"usableAmt"`
	FreezeAmt string `json:"freezeAmt"`
}

// GetBalances returns all non-zero balances for the account.
func (a *Adapter) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	a.log.Debug().Msg("Fetching wallet balances")

	data, err := a.authedRequest(ctx, "/v2/supplement/user_info.do", nil)
	if err != nil {
		return nil, err
	}

	var entries []walletEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, a.malformed("user_info", err, data)
	}

	balances := make([]domain.Balance, 0, len(entries))
	for _, entry := range entries {
		free, err := parseDecimal("usableAmt", entry.UsableAmt)
		if err != nil {
			return nil, a.malformed("user_info", err, data)
		}
		locked, err := parseDecimal("freezeAmt", entry.FreezeAmt)
		if err != nil {
			return nil, a.malformed("user_info", err, data)
		}
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, domain.Balance{
			Venue:   venues.VenueLBank,
			Account: a.cfg.Account,
			Asset:   strings.ToUpper(entry.Coin),
			Free:    free,
			Locked:  locked,
		})
	}

	return balances, nil
}

// transactionRecord is one fill in a supplement/transaction_history
// response. Unlike the wallet endpoints, amounts arrive as JSON numbers.
type transactionRecord struct {
	TxUUID       string  `json:"txUuid"`
	OrderUUID    string  `json:"orderUuid"`
	Symbol       string  `json:"symbol"`
	TradeType    string  `json:"tradeType"`
	DealTime     int64   `json:"dealTime"` // milliseconds
	DealPrice    float64 `json:"dealPrice"`
	DealQuantity float64 `json:"dealQuantity"`
	TradeFee     float64 `json:"tradeFee"`
}

// GetTrades returns one page of fills for the configured pair executed
// at or after since, oldest first.
func (a *Adapter) GetTrades(ctx context.Context, since time.Time, limit int) ([]domain.Trade, error) {
	a.log.Debug().Time("since", since).Int("limit", limit).Msg("Fetching transaction history")

	params := url.Values{}
	params.Set("symbol", a.pair)
	params.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UTC().UnixMilli(), 10))
	}

	data, err := a.authedRequest(ctx, "/v2/supplement/transaction_history.do", params)
	if err != nil {
		return nil, err
	}

	var records []transactionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, a.malformed("transaction_history", err, data)
	}

	trades := make([]domain.Trade, 0, len(records))
	for _, rec := range records {
		trade, err := a.mapTrade(rec)
		if err != nil {
			return nil, a.malformed("transaction_history", err, data)
		}
		trades = append(trades, trade)
	}

	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})

	return trades, nil
}

func (a *Adapter) mapTrade(rec transactionRecord) (domain.Trade, error) {
	// Market orders report their side as "buy_market"/"sell_market".
	side, err := domain.SideFromString(strings.TrimSuffix(rec.TradeType, "_market"))
	if err != nil {
		return domain.Trade{}, err
	}

	symbol := strings.ToUpper(rec.Symbol)
	if symbol == "" {
		symbol = strings.ToUpper(a.pair)
	}

	// Fees are charged in the currency received: base for buys, quote
	// for sells.
	base, quote := splitPair(symbol)
	feeCurrency := quote
	if side.IsBuy() {
		feeCurrency = base
	}

	return domain.Trade{
		ExecutedAt:  time.UnixMilli(rec.DealTime).UTC(),
		Venue:       venues.VenueLBank,
		Account:     a.cfg.Account,
		TradeID:     rec.TxUUID,
		Symbol:      symbol,
		Side:        side,
		Amount:      rec.DealQuantity,
		Price:       rec.DealPrice,
		Fee:         rec.TradeFee,
		FeeCurrency: feeCurrency,
	}, nil
}

// depositOrder is one entry in a supplement/deposit_history response.
type depositOrder struct {
	ID         string      `json:"id"`
	InsertTime int64       `json:"insertTime"` // milliseconds
	Amount     string      `json:"amount"`
	Coin       string      `json:"coin"`
	TxID       string      `json:"txId"`
	Status     interface{} `json:"status"`
}

type depositHistory struct {
	Total         int            `json:"total"`
	DepositOrders []depositOrder `json:"depositOrders"`
}

// GetDeposits returns deposits of the base currency recorded at or after since.
func (a *Adapter) GetDeposits(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	a.log.Debug().Time("since", since).Msg("Fetching deposit history")

	params := url.Values{}
	params.Set("coin", strings.ToLower(baseCurrency(a.pair)))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UTC().UnixMilli(), 10))
	}

	data, err := a.authedRequest(ctx, "/v2/supplement/deposit_history.do", params)
	if err != nil {
		return nil, err
	}

	var history depositHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, a.malformed("deposit_history", err, data)
	}

	transfers := make([]domain.Transfer, 0, len(history.DepositOrders))
	for _, order := range history.DepositOrders {
		amount, err := parseDecimal("amount", order.Amount)
		if err != nil {
			return nil, a.malformed("deposit_history", err, data)
		}
		transfers = append(transfers, domain.Transfer{
			ExecutedAt: time.UnixMilli(order.InsertTime).UTC(),
			Venue:      venues.VenueLBank,
			Account:    a.cfg.Account,
			TransferID: order.ID,
			Symbol:     strings.ToUpper(order.Coin),
			TxID:       order.TxID,
			Kind:       domain.TransferDeposit,
			Status:     mapDepositStatus(statusCode(order.Status)),
			Amount:     amount,
		})
	}

	sortTransfers(transfers)
	return transfers, nil
}

// withdrawOrder is one entry in a supplement/withdraws response.
type withdrawOrder struct {
	ID        string      `json:"id"`
	ApplyTime int64       `json:"applyTime"` // milliseconds
	Amount    string      `json:"amount"`
	Fee       string      `json:"fee"`
	Coin      string      `json:"coin"`
	TxID      string      `json:"txId"`
	Status    interface{} `json:"status"`
}

type withdrawHistory struct {
	Total     int             `json:"total"`
	Withdraws []withdrawOrder `json:"withdraws"`
}

// GetWithdrawals returns withdrawals of the base currency recorded at or after since.
func (a *Adapter) GetWithdrawals(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	a.log.Debug().Time("since", since).Msg("Fetching withdraw history")

	params := url.Values{}
	params.Set("coin", strings.ToLower(baseCurrency(a.pair)))
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UTC().UnixMilli(), 10))
	}

	data, err := a.authedRequest(ctx, "/v2/supplement/withdraws.do", params)
	if err != nil {
		return nil, err
	}

	var history withdrawHistory
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, a.malformed("withdraws", err, data)
	}

	transfers := make([]domain.Transfer, 0, len(history.Withdraws))
	for _, order := range history.Withdraws {
		amount, err := parseDecimal("amount", order.Amount)
		if err != nil {
			return nil, a.malformed("withdraws", err, data)
		}
		var fee float64
		if order.Fee != "" {
			if fee, err = parseDecimal("fee", order.Fee); err != nil {
				return nil, a.malformed("withdraws", err, data)
			}
		}
		transfers = append(transfers, domain.Transfer{
			ExecutedAt: time.UnixMilli(order.ApplyTime).UTC(),
			Venue:      venues.VenueLBank,
			Account:    a.cfg.Account,
			TransferID: order.ID,
			Symbol:     strings.ToUpper(order.Coin),
			TxID:       order.TxID,
			Kind:       domain.TransferWithdrawal,
			Status:     mapWithdrawStatus(statusCode(order.Status)),
			Amount:     amount,
			Fee:        fee,
		})
	}

	sortTransfers(transfers)
	return transfers, nil
}

// tickerEntry is one entry in a GET /v2/ticker.do response.
type tickerEntry struct {
	Symbol string `json:"symbol"`
	Ticker struct {
		Latest float64 `json:"latest"`
	} `json:"ticker"`
}

// GetPrices returns the latest traded price per requested pair. The
// ticker endpoint is public.
func (a *Adapter) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(symbols))

	for _, symbol := range symbols {
		query := url.Values{}
		query.Set("symbol", strings.ToLower(symbol))

		data, err := a.publicRequest(ctx, "/v2/ticker.do", query)
		if err != nil {
			return nil, err
		}

		var tickers []tickerEntry
		if err := json.Unmarshal(data, &tickers); err != nil {
			return nil, a.malformed("ticker", err, data)
		}
		if len(tickers) == 0 {
			return nil, &venues.VenueError{
				Venue:   venues.VenueLBank,
				Account: a.cfg.Account,
				Message: fmt.Sprintf("no ticker returned for %s", symbol),
			}
		}

		prices[strings.ToUpper(symbol)] = tickers[0].Ticker.Latest
	}

	return prices, nil
}

// Close releases adapter resources.
func (a *Adapter) Close() error {
	return nil
}

// apiResponse is the envelope around every LBank response. The result
// flag arrives as either a boolean or the string "true" depending on
// the endpoint.
type apiResponse struct {
	Result    interface{}     `json:"result"`
	ErrorCode int             `json:"error_code"`
	Data      json.RawMessage `json:"data"`
}

func (r *apiResponse) ok() bool {
	switch v := r.Result.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return r.ErrorCode == 0
	}
}

// authedRequest performs a signed POST and returns the data payload.
func (a *Adapter) authedRequest(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", a.cfg.APIKey)
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature_method", "HmacSHA256")
	params.Set("echostr", nonce())
	params.Set("sign", sign(a.cfg.APISecret, params))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return a.execute(req, path)
}

// publicRequest performs an unauthenticated GET and returns the data payload.
func (a *Adapter) publicRequest(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	requestURL := a.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		requestURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return a.execute(req, path)
}

func (a *Adapter) execute(req *http.Request, path string) (json.RawMessage, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, venues.ClassifyTransport(venues.VenueLBank, a.cfg.Account, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, venues.ClassifyTransport(venues.VenueLBank, a.cfg.Account, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(body)
		if len(bodyStr) > 500 {
			bodyStr = bodyStr[:500] + "..."
		}
		a.log.Error().
			Int("status_code", resp.StatusCode).
			Str("response_body", bodyStr).
			Str("path", path).
			Msg("API returned non-2xx status")
		return nil, venues.ClassifyHTTPStatus(venues.VenueLBank, a.cfg.Account, resp.StatusCode, resp.Header, string(body))
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, a.malformed(path, err, body)
	}
	if !envelope.ok() {
		return nil, a.classifyAPIError(envelope.ErrorCode, path)
	}

	return envelope.Data, nil
}

// classifyAPIError maps an LBank error code onto the error taxonomy.
// HTTP status is always 200 for these, so the code is the only signal.
func (a *Adapter) classifyAPIError(code int, path string) error {
	a.log.Error().Int("error_code", code).Str("path", path).Msg("API returned error code")

	msg := fmt.Sprintf("error code %d from %s", code, path)
	switch {
	case authCodes[code]:
		return &venues.AuthError{Venue: venues.VenueLBank, Account: a.cfg.Account, Message: msg}
	case code == codeTooFrequent:
		return &venues.RateLimitError{Venue: venues.VenueLBank, Account: a.cfg.Account, Message: msg}
	default:
		return &venues.VenueError{Venue: venues.VenueLBank, Account: a.cfg.Account, Message: msg}
	}
}

// malformed wraps a response parsing failure as a venue error.
func (a *Adapter) malformed(endpoint string, err error, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 500 {
		bodyStr = bodyStr[:500] + "..."
	}
	a.log.Error().
		Err(err).
		Str("endpoint", endpoint).
		Str("response_body", bodyStr).
		Msg("Failed to parse API response")

	return &venues.VenueError{
		Venue:   venues.VenueLBank,
		Account: a.cfg.Account,
		Message: fmt.Sprintf("malformed %s response", endpoint),
		Err:     err,
	}
}

// sign builds the LBank request signature: parameters sorted by key and
// joined as key=value pairs, MD5-hashed to an uppercase hex digest,
// then HMAC-SHA256 signed with the API secret.
func sign(secret string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params.Get(key))
	}

	digest := md5.Sum([]byte(strings.Join(pairs, "&")))
	digestHex := strings.ToUpper(hex.EncodeToString(digest[:]))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(digestHex))
	return hex.EncodeToString(mac.Sum(nil))
}

// nonce returns the random echostr the signature scheme requires
// (30 to 40 alphanumeric characters).
func nonce() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// statusCode normalizes the status field, which arrives as either a
// number or a string depending on the endpoint.
func statusCode(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.Itoa(int(s))
	default:
		return ""
	}
}

// mapDepositStatus maps LBank deposit statuses: 1 applying, 2 arrived,
// 3 failed.
func mapDepositStatus(status string) domain.TransferStatus {
	switch status {
	case "2":
		return domain.TransferStatusCompleted
	case "3":
		return domain.TransferStatusFailed
	default:
		return domain.TransferStatusPending
	}
}

// mapWithdrawStatus maps LBank withdraw statuses: 1 applying,
// 2 canceled, 3 failed, 4 completed.
func mapWithdrawStatus(status string) domain.TransferStatus {
	switch status {
	case "4":
		return domain.TransferStatusCompleted
	case "2", "3":
		return domain.TransferStatusFailed
	default:
		return domain.TransferStatusPending
	}
}

func sortTransfers(transfers []domain.Transfer) {
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].ExecutedAt.Before(transfers[j].ExecutedAt)
	})
}

// baseCurrency extracts the base currency from a pair like "xyz_usdt".
func baseCurrency(pair string) string {
	if idx := strings.Index(pair, "_"); idx > 0 {
		return pair[:idx]
	}
	return pair
}

// splitPair splits "XYZ_USDT" into base and quote currencies.
func splitPair(pair string) (string, string) {
	if idx := strings.Index(pair, "_"); idx > 0 {
		return pair[:idx], pair[idx+1:]
	}
	return pair, ""
}

func parseDecimal(field, value string) (float64, error) {
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", field, value, err)
	}
	return parsed, nil
}
