// Package history answers "what was the latest record per group, as of a
// given date" over an in-memory snapshot of rows. It is a sibling concern of
// the run log: the scheduler core never calls it, dashboards and reports do.
package history

import "time"

// LatestPerGroup returns, for each group, the row with the greatest date not
// after asOf. A zero asOf means "no upper bound". Groups appear in the order
// of their first occurrence in rows; within a group, date ties are broken in
// favor of the later row (creation order as the secondary key), so results
// are deterministic for any fixed input order.
func LatestPerGroup[T any](rows []T, groupKey func(T) string, dateOf func(T) time.Time, asOf time.Time) []T {
	type picked struct {
		row  T
		date time.Time
	}
	best := make(map[string]picked, len(rows))
	var order []string

	for _, row := range rows {
		d := dateOf(row)
		if !asOf.IsZero() && d.After(asOf) {
			continue
		}
		key := groupKey(row)
		cur, ok := best[key]
		if !ok {
			order = append(order, key)
			best[key] = picked{row: row, date: d}
			continue
		}
		// Not-before keeps the later duplicate on exact date ties.
		if !d.Before(cur.date) {
			best[key] = picked{row: row, date: d}
		}
	}

	out := make([]T, 0, len(order))
	for _, key := range order {
		out = append(out, best[key].row)
	}
	return out
}
