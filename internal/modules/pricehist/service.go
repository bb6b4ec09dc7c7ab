package pricehist

import (
	"fmt"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// Trend windows in days, and how much series the analysis loads.
const (
	shortTrendDays = 7
	longTrendDays  = 30
	maxSeriesDays  = 90
)

// Stats summarizes the recent daily mark series for one symbol. The
// moving averages are nil until the series is long enough to support
// them.
type Stats struct {
	Symbol string  `json:"symbol"`
	Marks  int     `json:"marks"`
	Last   float64 `json:"last,omitempty"`

	SMA7  *float64 `json:"sma_7,omitempty"`
	SMA30 *float64 `json:"sma_30,omitempty"`

	ReturnMean   float64 `json:"return_mean"`
	ReturnStdDev float64 `json:"return_std_dev"`
}

// Service records daily marks and derives trend statistics from the
// stored series.
type Service struct {
	marks *MarkRepository
	log   zerolog.Logger
}

// NewService creates a price history service
func NewService(marks *MarkRepository, log zerolog.Logger) *Service {
	return &Service{
		marks: marks,
		log:   log.With().Str("service", "pricehist").Logger(),
	}
}

// RecordMark stores today's mark for a symbol.
func (s *Service) RecordMark(symbol string, price float64, source string) error {
	return s.marks.Record(symbol, price, source, time.Now().UTC())
}

// Analyze loads the recent mark series for a symbol and computes
// moving averages and daily return statistics over it.
func (s *Service) Analyze(symbol string) (*Stats, error) {
	marks, err := s.marks.Recent(symbol, maxSeriesDays)
	if err != nil {
		return nil, fmt.Errorf("failed to load mark series: %w", err)
	}

	closes := make([]float64, len(marks))
	for i, m := range marks {
		closes[i] = m.Price
	}

	stats := &Stats{Symbol: symbol, Marks: len(marks)}
	if len(closes) > 0 {
		stats.Last = closes[len(closes)-1]
	}

	stats.SMA7 = lastSMA(closes, shortTrendDays)
	stats.SMA30 = lastSMA(closes, longTrendDays)

	returns := dailyReturns(closes)
	if len(returns) > 0 {
		stats.ReturnMean = stat.Mean(returns, nil)
	}
	if len(returns) > 1 {
		stats.ReturnStdDev = stat.StdDev(returns, nil)
	}

	return stats, nil
}

// lastSMA returns the current simple moving average over period marks,
// nil when the series is too short.
func lastSMA(closes []float64, period int) *float64 {
	if len(closes) < period {
		return nil
	}

	sma := talib.Sma(closes, period)
	if len(sma) > 0 && !isNaN(sma[len(sma)-1]) {
		result := sma[len(sma)-1]
		return &result
	}

	return nil
}

// dailyReturns converts the close series to day-over-day percentage
// returns.
func dailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			returns[i-1] = (closes[i] - closes[i-1]) / closes[i-1]
		}
	}

	return returns
}

func isNaN(f float64) bool {
	return f != f
}
