// Package gateio implements the venue adapter for the Gate.io spot API (v4).
//
// Authenticated endpoints use Gate.io's APIv4 signature scheme: an
// HMAC-SHA512 over method, path, query string, body hash and timestamp,
// sent in the KEY/Timestamp/SIGN headers.
package gateio

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
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

	"github.com/rs/zerolog"

	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/venues"
)

const (
	defaultBaseURL = "https://api.gateio.ws"
	apiPrefix      = "/api/v4"
)

// Config holds one Gate.io account's connection settings.
type Config struct {
	Account   string
	APIKey    string
	APISecret string
	Pair      string // currency pair to ingest, e.g. "XYZ_USDT"
	BaseURL   string // override for tests
	Timeout   time.Duration
}

// Adapter talks to one Gate.io account. It only maps requests and
// responses; rate limiting, retries and circuit breaking live in the
// resilient client wrapping it.
type Adapter struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a Gate.io adapter for one account.
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
		httpClient: &http.Client{Timeout: timeout},
		log: log.With().
			Str("component", "gateio").
			Str("account", cfg.Account).
			Logger(),
	}
}

// Name returns the venue identifier.
func (a *Adapter) Name() string {
	return venues.VenueGateIO
}

// Account returns the account label.
func (a *Adapter) Account() string {
	return a.cfg.Account
}

// Initialize verifies credentials with a balance fetch.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.cfg.APIKey == "" || a.cfg.APISecret == "" {
		return &venues.AuthError{
			Venue:   venues.VenueGateIO,
			Account: a.cfg.Account,
			Message: "missing API credentials",
		}
	}

	if _, err := a.GetBalances(ctx); err != nil {
		return fmt.Errorf("failed to initialize gateio adapter: %w", err)
	}

	a.log.Info().Msg("Gate.io adapter initialized")
	return nil
}

// spotAccount is one currency entry in a GET /spot/accounts response.
type spotAccount struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

// GetBalances returns all non-zero spot balances for the account.
func (a *Adapter) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	a.log.Debug().Msg("Fetching spot balances")

	body, err := a.signedRequest(ctx, http.MethodGet, apiPrefix+"/spot/accounts", nil)
	if err != nil {
		return nil, err
	}

	var accounts []spotAccount
	if err := json.Unmarshal(body, &accounts); err != nil {
		return nil, a.malformed("spot accounts", err, body)
	}

	balances := make([]domain.Balance, 0, len(accounts))
	for _, acc := range accounts {
		free, err := parseDecimal("available", acc.Available)
		if err != nil {
			return nil, a.malformed("spot accounts", err, body)
		}
		locked, err := parseDecimal("locked", acc.Locked)
		if err != nil {
			return nil, a.malformed("spot accounts", err, body)
		}
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, domain.Balance{
			Venue:   venues.VenueGateIO,
			Account: a.cfg.Account,
			Asset:   strings.ToUpper(acc.Currency),
			Free:    free,
			Locked:  locked,
		})
	}

	return balances, nil
}

// spotTrade is one fill in a GET /spot/my_trades response.
type spotTrade struct {
	ID           string `json:"id"`
	CreateTime   string `json:"create_time"`
	CurrencyPair string `json:"currency_pair"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Price        string `json:"price"`
	Fee          string `json:"fee"`
	FeeCurrency  string `json:"fee_currency"`
}

// GetTrades returns one page of fills for the configured pair executed
// at or after since, oldest first.
func (a *Adapter) GetTrades(ctx context.Context, since time.Time, limit int) ([]domain.Trade, error) {
	a.log.Debug().Time("since", since).Int("limit", limit).Msg("Fetching trade history")

	query := url.Values{}
	query.Set("currency_pair", a.cfg.Pair)
	query.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		query.Set("from", strconv.FormatInt(since.UTC().Unix(), 10))
	}

	body, err := a.signedRequest(ctx, http.MethodGet, apiPrefix+"/spot/my_trades", query)
	if err != nil {
		return nil, err
	}

	var fills []spotTrade
	if err := json.Unmarshal(body, &fills); err != nil {
		return nil, a.malformed("my_trades", err, body)
	}

	trades := make([]domain.Trade, 0, len(fills))
	for _, fill := range fills {
		trade, err := a.mapTrade(fill)
		if err != nil {
			return nil, a.malformed("my_trades", err, body)
		}
		trades = append(trades, trade)
	}

	// The API reports newest first; the adapter contract is oldest first.
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})

	return trades, nil
}

func (a *Adapter) mapTrade(fill spotTrade) (domain.Trade, error) {
	executedAt, err := parseUnixSeconds("create_time", fill.CreateTime)
	if err != nil {
		return domain.Trade{}, err
	}
	side, err := domain.SideFromString(fill.Side)
	if err != nil {
		return domain.Trade{}, err
	}
	amount, err := parseDecimal("amount", fill.Amount)
	if err != nil {
		return domain.Trade{}, err
	}
	price, err := parseDecimal("price", fill.Price)
	if err != nil {
		return domain.Trade{}, err
	}
	fee, err := parseDecimal("fee", fill.Fee)
	if err != nil {
		return domain.Trade{}, err
	}

	return domain.Trade{
		ExecutedAt:  executedAt,
		Venue:       venues.VenueGateIO,
		Account:     a.cfg.Account,
		TradeID:     fill.ID,
		Symbol:      strings.ToUpper(fill.CurrencyPair),
		Side:        side,
		Amount:      amount,
		Price:       price,
		Fee:         fee,
		FeeCurrency: strings.ToUpper(fill.FeeCurrency),
	}, nil
}

// walletRecord is one entry in a wallet deposits/withdrawals response.
type walletRecord struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	TxID      string `json:"txid"`
	Status    string `json:"status"`
}

// GetDeposits returns deposits of the base currency recorded at or after since.
func (a *Adapter) GetDeposits(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	return a.getTransfers(ctx, "/wallet/deposits", domain.TransferDeposit, since)
}

// GetWithdrawals returns withdrawals of the base currency recorded at or after since.
func (a *Adapter) GetWithdrawals(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	return a.getTransfers(ctx, "/wallet/withdrawals", domain.TransferWithdrawal, since)
}

func (a *Adapter) getTransfers(ctx context.Context, path string, kind domain.TransferKind, since time.Time) ([]domain.Transfer, error) {
	a.log.Debug().Str("kind", string(kind)).Time("since", since).Msg("Fetching transfer history")

	query := url.Values{}
	query.Set("currency", baseCurrency(a.cfg.Pair))
	if !since.IsZero() {
		query.Set("from", strconv.FormatInt(since.UTC().Unix(), 10))
	}

	body, err := a.signedRequest(ctx, http.MethodGet, apiPrefix+path, query)
	if err != nil {
		return nil, err
	}

	var records []walletRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, a.malformed(path, err, body)
	}

	transfers := make([]domain.Transfer, 0, len(records))
	for _, rec := range records {
		executedAt, err := parseUnixSeconds("timestamp", rec.Timestamp)
		if err != nil {
			return nil, a.malformed(path, err, body)
		}
		amount, err := parseDecimal("amount", rec.Amount)
		if err != nil {
			return nil, a.malformed(path, err, body)
		}
		var fee float64
		if rec.Fee != "" {
			if fee, err = parseDecimal("fee", rec.Fee); err != nil {
				return nil, a.malformed(path, err, body)
			}
		}

		transfers = append(transfers, domain.Transfer{
			ExecutedAt: executedAt,
			Venue:      venues.VenueGateIO,
			Account:    a.cfg.Account,
			TransferID: rec.ID,
			Symbol:     strings.ToUpper(rec.Currency),
			TxID:       rec.TxID,
			Kind:       kind,
			Status:     mapTransferStatus(rec.Status),
			Amount:     amount,
			Fee:        fee,
		})
	}

	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].ExecutedAt.Before(transfers[j].ExecutedAt)
	})

	return transfers, nil
}

// tickerEntry is one entry in a GET /spot/tickers response.
type tickerEntry struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
}

// GetPrices returns the last traded price per requested pair. Tickers
// are public, so the request is unsigned.
func (a *Adapter) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(symbols))

	for _, symbol := range symbols {
		query := url.Values{}
		query.Set("currency_pair", symbol)

		body, err := a.publicRequest(ctx, apiPrefix+"/spot/tickers", query)
		if err != nil {
			return nil, err
		}

		var tickers []tickerEntry
		if err := json.Unmarshal(body, &tickers); err != nil {
			return nil, a.malformed("tickers", err, body)
		}
		if len(tickers) == 0 {
			return nil, &venues.VenueError{
				Venue:   venues.VenueGateIO,
				Account: a.cfg.Account,
				Message: fmt.Sprintf("no ticker returned for %s", symbol),
			}
		}

		last, err := parseDecimal("last", tickers[0].Last)
		if err != nil {
			return nil, a.malformed("tickers", err, body)
		}
		prices[strings.ToUpper(symbol)] = last
	}

	return prices, nil
}

// Close releases adapter resources. The HTTP client holds no persistent
// connections worth draining, so this is a no-op.
func (a *Adapter) Close() error {
	return nil
}

// signedRequest performs an authenticated APIv4 request and returns the
// response body. Failures are mapped into the venue error taxonomy.
func (a *Adapter) signedRequest(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	queryString := ""
	if query != nil {
		queryString = query.Encode()
	}

	// Step 1: hash the request body (always empty for these GET calls)
	bodyHash := sha512Hex("")

	// Step 2: timestamp in unix seconds
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	// Step 3: signature payload is method, path, query, body hash and
	// timestamp joined by newlines
	message := strings.Join([]string{method, path, queryString, bodyHash, timestamp}, "\n")

	// Step 4: HMAC-SHA512 with the API secret
	signature := hmacSHA512Hex(a.cfg.APISecret, message)

	requestURL := a.baseURL + path
	if queryString != "" {
		requestURL += "?" + queryString
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("KEY", a.cfg.APIKey)
	req.Header.Set("Timestamp", timestamp)
	req.Header.Set("SIGN", signature)

	return a.execute(req)
}

// publicRequest performs an unauthenticated GET request.
func (a *Adapter) publicRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	requestURL := a.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		requestURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return a.execute(req)
}

func (a *Adapter) execute(req *http.Request) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, venues.ClassifyTransport(venues.VenueGateIO, a.cfg.Account, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, venues.ClassifyTransport(venues.VenueGateIO, a.cfg.Account, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(body)
		if len(bodyStr) > 500 {
			bodyStr = bodyStr[:500] + "..."
		}
		a.log.Error().
			Int("status_code", resp.StatusCode).
			Str("response_body", bodyStr).
			Str("url", req.URL.String()).
			Msg("API returned non-2xx status")
		return nil, venues.ClassifyHTTPStatus(venues.VenueGateIO, a.cfg.Account, resp.StatusCode, resp.Header, string(body))
	}

	return body, nil
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
		Venue:   venues.VenueGateIO,
		Account: a.cfg.Account,
		Message: fmt.Sprintf("malformed %s response", endpoint),
		Err:     err,
	}
}

// mapTransferStatus maps Gate.io wallet record statuses onto the
// transfer lifecycle. Only DONE counts as settled.
func mapTransferStatus(status string) domain.TransferStatus {
	switch strings.ToUpper(status) {
	case "DONE":
		return domain.TransferStatusCompleted
	case "CANCEL", "FAIL", "INVALID":
		return domain.TransferStatusFailed
	default:
		return domain.TransferStatusPending
	}
}

// baseCurrency extracts the base currency from a pair like "XYZ_USDT".
func baseCurrency(pair string) string {
	if idx := strings.Index(pair, "_"); idx > 0 {
		return strings.ToUpper(pair[:idx])
	}
	return strings.ToUpper(pair)
}

func parseDecimal(field, value string) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty %s value", field)
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", field, value, err)
	}
	return parsed, nil
}

func parseUnixSeconds(field, value string) (time.Time, error) {
	// Timestamps arrive as integer seconds, occasionally with a
	// fractional part.
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value %q: %w", field, value, err)
	}
	return time.Unix(int64(parsed), 0).UTC(), nil
}

func sha512Hex(payload string) string {
	hash := sha512.Sum512([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func hmacSHA512Hex(secret, message string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
