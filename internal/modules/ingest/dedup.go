package ingest

import "github.com/cofferhq/coffer/internal/domain"

// Deduplicate returns one representative per logical fill, preserving
// first-seen order, plus the number of duplicates dropped. Copies of the
// same fill fetched through linked sub-accounts carry different venue
// labels and trade ids but identical content keys, and must not be
// double-counted by accounting.
//
// This is distinct from the write-time dedup in the cache: the cache
// collapses repeats across ingestion runs, this collapses repeats within
// one merged multi-venue fetch.
func Deduplicate(trades []domain.Trade) ([]domain.Trade, int) {
	if len(trades) == 0 {
		return nil, 0
	}

	seen := make(map[domain.TradeKey]struct{}, len(trades))
	unique := make([]domain.Trade, 0, len(trades))

	for _, trade := range trades {
		key := trade.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, trade)
	}

	return unique, len(trades) - len(unique)
}
