package lbank

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/venues"
)

func newTestAdapter(t *testing.T, serverURL string) *Adapter {
	t.Helper()
	return New(Config{
		Account:   "treasury",
		APIKey:    "test-key",
		APISecret: "test-secret",
		Pair:      "XYZ_USDT",
		BaseURL:   serverURL,
	}, zerolog.Nop())
}

func TestGetBalances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v2/supplement/user_info.do", r.URL.Path)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "test-key", r.PostForm.Get("api_key"))
		assert.Equal(t, "HmacSHA256", r.PostForm.Get("signature_method"))
		assert.NotEmpty(t, r.PostForm.Get("timestamp"))
		assert.NotEmpty(t, r.PostForm.Get("echostr"))
		assert.NotEmpty(t, r.PostForm.Get("sign"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": true, "error_code": 0, "data": [
			{"coin": "xyz", "usableAmt": "2500.75", "freezeAmt": "0"},
			{"coin": "usdt", "usableAmt": "0", "freezeAmt": "0"}
		]}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	balances, err := adapter.GetBalances(context.Background())

	require.NoError(t, err)
	require.Len(t, balances, 1, "zero balances are dropped")
	assert.Equal(t, "XYZ", balances[0].Asset)
	assert.Equal(t, 2500.75, balances[0].Free)
	assert.Equal(t, "lbank", balances[0].Venue)
	assert.Equal(t, "treasury", balances[0].Account)
}

func TestGetBalances_StringResultFlag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": "true", "error_code": 0, "data": []}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	balances, err := adapter.GetBalances(context.Background())

	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestGetTrades(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/supplement/transaction_history.do", r.URL.Path)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "xyz_usdt", r.PostForm.Get("symbol"))
		assert.Equal(t, "100", r.PostForm.Get("limit"))
		assert.Equal(t, "1709291000000", r.PostForm.Get("startTime"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": true, "error_code": 0, "data": [
			{"txUuid": "t2", "orderUuid": "o2", "symbol": "xyz_usdt", "tradeType": "sell_market",
			 "dealTime": 1709294400000, "dealPrice": 1.25, "dealQuantity": 50, "tradeFee": 0.0625},
			{"txUuid": "t1", "orderUuid": "o1", "symbol": "xyz_usdt", "tradeType": "buy",
			 "dealTime": 1709291000000, "dealPrice": 1.2, "dealQuantity": 100.5, "tradeFee": 0.1}
		]}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	since := time.UnixMilli(1709291000000).UTC()
	trades, err := adapter.GetTrades(context.Background(), since, 100)

	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.True(t, trades[0].ExecutedAt.Before(trades[1].ExecutedAt), "trades must come back oldest first")
	assert.Equal(t, "t1", trades[0].TradeID)
	assert.Equal(t, domain.SideBuy, trades[0].Side)
	assert.Equal(t, "XYZ_USDT", trades[0].Symbol)
	assert.Equal(t, 100.5, trades[0].Amount)
	assert.Equal(t, 1.2, trades[0].Price)
	assert.Equal(t, "XYZ", trades[0].FeeCurrency, "buy fees are charged in the base currency")
	assert.Equal(t, time.UnixMilli(1709291000000).UTC(), trades[0].ExecutedAt)

	assert.Equal(t, domain.SideSell, trades[1].Side, "market order suffix is stripped")
	assert.Equal(t, "USDT", trades[1].FeeCurrency, "sell fees are charged in the quote currency")
}

func TestGetDeposits_StatusMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/supplement/deposit_history.do", r.URL.Path)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "xyz", r.PostForm.Get("coin"))

		// Status arrives as a number here and a string elsewhere.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": true, "error_code": 0, "data": {"total": 2, "depositOrders": [
			{"id": "d1", "insertTime": 1709200000000, "amount": "1000", "coin": "xyz", "txId": "0xabc", "status": 2},
			{"id": "d2", "insertTime": 1709210000000, "amount": "500", "coin": "xyz", "txId": "0xdef", "status": "1"}
		]}}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	deposits, err := adapter.GetDeposits(context.Background(), time.Time{})

	require.NoError(t, err)
	require.Len(t, deposits, 2)
	assert.Equal(t, domain.TransferStatusCompleted, deposits[0].Status)
	assert.Equal(t, domain.TransferStatusPending, deposits[1].Status)
	assert.Equal(t, domain.TransferDeposit, deposits[0].Kind)
	assert.Equal(t, time.UnixMilli(1709200000000).UTC(), deposits[0].ExecutedAt)
}

func TestGetWithdrawals_StatusMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/supplement/withdraws.do", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": true, "error_code": 0, "data": {"total": 3, "withdraws": [
			{"id": "w1", "applyTime": 1709230000000, "amount": "300", "fee": "1.5", "coin": "xyz", "txId": "0x999", "status": 4},
			{"id": "w2", "applyTime": 1709240000000, "amount": "100", "fee": "1.5", "coin": "xyz", "txId": "", "status": 1},
			{"id": "w3", "applyTime": 1709250000000, "amount": "50", "fee": "1.5", "coin": "xyz", "txId": "", "status": 2}
		]}}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	withdrawals, err := adapter.GetWithdrawals(context.Background(), time.Time{})

	require.NoError(t, err)
	require.Len(t, withdrawals, 3)
	assert.Equal(t, domain.TransferStatusCompleted, withdrawals[0].Status)
	assert.True(t, withdrawals[0].IsCompleted())
	assert.Equal(t, 1.5, withdrawals[0].Fee)
	assert.Equal(t, domain.TransferStatusPending, withdrawals[1].Status)
	assert.Equal(t, domain.TransferStatusFailed, withdrawals[2].Status)
}

func TestGetPrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/v2/ticker.do", r.URL.Path)
		assert.Equal(t, "xyz_usdt", r.URL.Query().Get("symbol"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": true, "error_code": 0, "data": [
			{"symbol": "xyz_usdt", "ticker": {"latest": 1.2345}}
		]}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	prices, err := adapter.GetPrices(context.Background(), []string{"XYZ_USDT"})

	require.NoError(t, err)
	assert.Equal(t, 1.2345, prices["XYZ_USDT"])
}

func TestInvalidSignatureMapsToAuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// LBank reports application errors with HTTP 200.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": false, "error_code": 10007}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	_, err := adapter.GetBalances(context.Background())

	require.Error(t, err)
	assert.True(t, venues.IsAuthorization(err))
}

func TestTooFrequentMapsToRateLimitError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": false, "error_code": 10004}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	_, err := adapter.GetBalances(context.Background())

	require.Error(t, err)
	var rateLimitErr *venues.RateLimitError
	assert.ErrorAs(t, err, &rateLimitErr)
}

func TestUnknownErrorCodeMapsToVenueError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result": false, "error_code": 10008}`))
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	_, err := adapter.GetBalances(context.Background())

	require.Error(t, err)
	var venueErr *venues.VenueError
	assert.ErrorAs(t, err, &venueErr)
	assert.False(t, venues.IsAuthorization(err))
}

func TestInitialize_MissingCredentials(t *testing.T) {
	adapter := New(Config{Account: "treasury", Pair: "XYZ_USDT"}, zerolog.Nop())

	err := adapter.Initialize(context.Background())

	require.Error(t, err)
	assert.True(t, venues.IsAuthorization(err))
}

func TestSign_OrderIndependent(t *testing.T) {
	first := url.Values{}
	first.Set("symbol", "xyz_usdt")
	first.Set("api_key", "key")
	first.Set("timestamp", "1700000000000")

	second := url.Values{}
	second.Set("timestamp", "1700000000000")
	second.Set("symbol", "xyz_usdt")
	second.Set("api_key", "key")

	assert.Equal(t, sign("secret", first), sign("secret", second),
		"signature must depend on sorted parameters, not insertion order")
	assert.NotEqual(t, sign("secret", first), sign("other", first))
	assert.Len(t, sign("secret", first), 64)
}

func TestNonceLength(t *testing.T) {
	value := nonce()
	assert.GreaterOrEqual(t, len(value), 30)
	assert.LessOrEqual(t, len(value), 40)
	assert.NotEqual(t, value, nonce())
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, "2", statusCode("2"))
	assert.Equal(t, "2", statusCode(float64(2)))
	assert.Equal(t, "", statusCode(nil))
}

func TestSplitPair(t *testing.T) {
	base, quote := splitPair("XYZ_USDT")
	assert.Equal(t, "XYZ", base)
	assert.Equal(t, "USDT", quote)
}
