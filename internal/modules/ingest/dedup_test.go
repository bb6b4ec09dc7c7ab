package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cofferhq/coffer/internal/domain"
	testingpkg "github.com/cofferhq/coffer/internal/testing"
)

func TestDeduplicate_CollapsesLinkedAccountCopies(t *testing.T) {
	trades := testingpkg.NewTradeFixtures()

	unique, dropped := Deduplicate(trades)
	assert.Equal(t, 1, dropped)
	require.Len(t, unique, len(trades)-1)

	// First-seen order preserved: the gateio observation of the shared
	// fill survives, the lbank copy is dropped
	assert.Equal(t, "g-1003", unique[2].TradeID)
	for _, trade := range unique {
		assert.NotEqual(t, "l-7001", trade.TradeID)
	}
}

func TestDeduplicate_OrderIndependentSet(t *testing.T) {
	trades := testingpkg.NewTradeFixtures()

	reversed := make([]domain.Trade, len(trades))
	for i, trade := range trades {
		reversed[len(trades)-1-i] = trade
	}

	forward, _ := Deduplicate(trades)
	backward, _ := Deduplicate(reversed)

	keys := func(list []domain.Trade) map[domain.TradeKey]bool {
		out := make(map[domain.TradeKey]bool, len(list))
		for _, trade := range list {
			out[trade.Key()] = true
		}
		return out
	}

	assert.Equal(t, keys(forward), keys(backward))

	// The representative kept differs by order, the set does not
	assert.Equal(t, "l-7001", backward[len(backward)-3].TradeID)
}

func TestDeduplicate_ContentDifferencesKept(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	base := domain.Trade{
		Venue: "gateio", Account: "main", Symbol: "XYZ_USDT",
		ExecutedAt: at, Side: domain.SideBuy, Amount: 100, Price: 1.5,
	}

	differentSide := base
	differentSide.Side = domain.SideSell

	differentPrice := base
	differentPrice.Price = 1.51

	differentTime := base
	differentTime.ExecutedAt = at.Add(time.Second)

	unique, dropped := Deduplicate([]domain.Trade{base, differentSide, differentPrice, differentTime})
	assert.Equal(t, 0, dropped)
	assert.Len(t, unique, 4)
}

func TestDeduplicate_FloatNoiseCollapses(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first := domain.Trade{
		Venue: "gateio", Symbol: "XYZ_USDT", ExecutedAt: at,
		Side: domain.SideBuy, Amount: 0.1 + 0.2, Price: 1.0,
	}
	second := domain.Trade{
		Venue: "lbank", Symbol: "XYZ_USDT", ExecutedAt: at,
		Side: domain.SideBuy, Amount: 0.3, Price: 1.0,
	}

	unique, dropped := Deduplicate([]domain.Trade{first, second})
	assert.Equal(t, 1, dropped)
	require.Len(t, unique, 1)
	assert.Equal(t, "gateio", unique[0].Venue)
}

func TestDeduplicate_Empty(t *testing.T) {
	unique, dropped := Deduplicate(nil)
	assert.Nil(t, unique)
	assert.Equal(t, 0, dropped)
}
