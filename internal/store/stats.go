package store

import (
	"context"
	"fmt"

	"github.com/aristath/marketwatch/internal/domain"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PriceStats summarises the observed prices of one combination
type PriceStats struct {
	Seller string  `json:"seller_name" msgpack:"seller_name"`
	Item   string  `json:"item_name" msgpack:"item_name"`
	Count  int     `json:"count" msgpack:"count"`
	Mean   float64 `json:"mean" msgpack:"mean"`
	StdDev float64 `json:"std_dev" msgpack:"std_dev"`
	Median float64 `json:"median" msgpack:"median"`
	Min    float64 `json:"min" msgpack:"min"`
	Max    float64 `json:"max" msgpack:"max"`
	Last   float64 `json:"last" msgpack:"last"`
}

// PriceStats computes price statistics over the retained observation history.
// Returns ErrNotFound when the combination has no priced observation.
func (s *Store) PriceStats(ctx context.Context, c domain.Combination) (*PriceStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT price FROM observations
		WHERE seller_name = ? AND item_name = ? AND price IS NOT NULL ORDER BY id`, c.Seller, c.Item)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices for %s: %w", c, err)
	}
	defer rows.Close()

	var prices []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}
	if len(prices) == 0 {
		return nil, ErrNotFound
	}

	ps := &PriceStats{
		Seller: c.Seller,
		Item:   c.Item,
		Count:  len(prices),
		Min:    floats.Min(prices),
		Max:    floats.Max(prices),
		Last:   prices[len(prices)-1],
	}
	if len(prices) > 1 {
		ps.Mean, ps.StdDev = stat.MeanStdDev(prices, nil)
	} else {
		ps.Mean = prices[0]
	}

	sorted := make([]float64, len(prices))
	copy(sorted, prices)
	floats.Argsort(sorted, make([]int, len(sorted)))
	ps.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)

	return ps, nil
}
