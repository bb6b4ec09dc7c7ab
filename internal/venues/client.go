package venues

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cofferhq/coffer/internal/domain"
	"github.com/cofferhq/coffer/internal/resilience"
)

// ClientConfig tunes the resilience layers wrapped around an adapter.
type ClientConfig struct {
	MinCallSpacing time.Duration          // Minimum gap between calls to the same venue-account
	PageSize       int                    // Trades requested per page
	MaxPages       int                    // Page cap per trade fetch
	Retry          resilience.RetryPolicy // Backoff policy for transient failures
}

// DefaultClientConfig returns the tuning used when nothing is configured.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MinCallSpacing: 500 * time.Millisecond,
		PageSize:       100,
		MaxPages:       10,
		Retry:          resilience.DefaultRetryPolicy(),
	}
}

// Client composes rate limiting, a circuit breaker and backoff retries
// around a venue adapter. Every remote call passes through, in order:
// rate-limit wait, circuit breaker admission, backoff retry, adapter
// call. The adapter outcome is then recorded against the breaker, except
// for authorization failures and caller cancellation, which carry no
// signal about venue health.
//
// One Client serves one venue-account. Calls on the same Client are
// spaced by the rate limiter; calls on different Clients are fully
// independent.
type Client struct {
	adapter  Adapter
	breaker  *resilience.Breaker
	retryer  *resilience.Retryer
	limiter  *rate.Limiter
	log      zerolog.Logger
	pageSize int
	maxPages int
}

// NewClient wraps an adapter with the resilience layers. The breaker is
// owned by the caller (typically a registry keyed by venue-account) so
// that its state survives client reconstruction.
func NewClient(adapter Adapter, breaker *resilience.Breaker, cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.MinCallSpacing <= 0 {
		cfg.MinCallSpacing = 500 * time.Millisecond
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}

	clientLog := log.With().
		Str("component", "venue_client").
		Str("venue", adapter.Name()).
		Str("account", adapter.Account()).
		Logger()

	return &Client{
		adapter:  adapter,
		breaker:  breaker,
		retryer:  resilience.NewRetryer(cfg.Retry, clientLog),
		limiter:  rate.NewLimiter(rate.Every(cfg.MinCallSpacing), 1),
		log:      clientLog,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxPages,
	}
}

// Venue returns the venue identifier of the wrapped adapter.
func (c *Client) Venue() string {
	return c.adapter.Name()
}

// Account returns the account label of the wrapped adapter.
func (c *Client) Account() string {
	return c.adapter.Account()
}

// VenueAccount returns the venue-account pair served by this client.
func (c *Client) VenueAccount() domain.VenueAccount {
	return domain.VenueAccount{Venue: c.adapter.Name(), Account: c.adapter.Account()}
}

// Initialize verifies connectivity and credentials through the full
// resilience stack.
func (c *Client) Initialize(ctx context.Context) error {
	return c.do(ctx, "initialize", func(ctx context.Context) error {
		return c.adapter.Initialize(ctx)
	})
}

// GetBalances returns current asset balances for the account.
func (c *Client) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	var balances []domain.Balance
	err := c.do(ctx, "get_balances", func(ctx context.Context) error {
		var fetchErr error
		balances, fetchErr = c.adapter.GetBalances(ctx)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return balances, nil
}

// GetTrades fetches all trades executed at or after since, requesting
// pages until one comes back short or the page cap is reached. The
// cursor advances one second past the last item of each page: venue
// timestamps have second granularity, so the next page starts strictly
// after everything already fetched.
func (c *Client) GetTrades(ctx context.Context, since time.Time) ([]domain.Trade, error) {
	var all []domain.Trade
	cursor := since

	for page := 0; page < c.maxPages; page++ {
		var batch []domain.Trade
		err := c.do(ctx, "get_trades", func(ctx context.Context) error {
			var fetchErr error
			batch, fetchErr = c.adapter.GetTrades(ctx, cursor, c.pageSize)
			return fetchErr
		})
		if err != nil {
			return nil, err
		}

		all = append(all, batch...)
		if len(batch) < c.pageSize {
			return all, nil
		}

		cursor = batch[len(batch)-1].ExecutedAt.Add(time.Second)
	}

	c.log.Warn().
		Int("pages", c.maxPages).
		Int("trades", len(all)).
		Time("since", since).
		Msg("Stopped trade pagination at page cap, history may be incomplete")

	return all, nil
}

// GetDeposits returns deposits recorded at or after since.
func (c *Client) GetDeposits(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	var deposits []domain.Transfer
	err := c.do(ctx, "get_deposits", func(ctx context.Context) error {
		var fetchErr error
		deposits, fetchErr = c.adapter.GetDeposits(ctx, since)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return deposits, nil
}

// GetWithdrawals returns withdrawals recorded at or after since.
func (c *Client) GetWithdrawals(ctx context.Context, since time.Time) ([]domain.Transfer, error) {
	var withdrawals []domain.Transfer
	err := c.do(ctx, "get_withdrawals", func(ctx context.Context) error {
		var fetchErr error
		withdrawals, fetchErr = c.adapter.GetWithdrawals(ctx, since)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return withdrawals, nil
}

// GetPrices returns the last traded price per requested symbol.
func (c *Client) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	var prices map[string]float64
	err := c.do(ctx, "get_prices", func(ctx context.Context) error {
		var fetchErr error
		prices, fetchErr = c.adapter.GetPrices(ctx, symbols)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return prices, nil
}

// Close releases adapter resources. Not a remote call, so it bypasses
// the resilience stack.
func (c *Client) Close() error {
	return c.adapter.Close()
}

// do runs one remote operation through the resilience stack.
func (c *Client) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", op, err)
	}

	if err := c.breaker.Allow(); err != nil {
		c.log.Warn().Str("operation", op).Err(err).Msg("Call rejected by circuit breaker")
		return err
	}

	err := c.retryer.Do(ctx, op, fn)
	if err != nil {
		// Authorization failures say the credentials are bad, not that
		// the venue is down. Caller cancellation says nothing at all.
		if IsAuthorization(err) || errors.Is(err, context.Canceled) {
			return err
		}
		c.breaker.RecordFailure()
		return err
	}

	c.breaker.RecordSuccess()
	return nil
}
