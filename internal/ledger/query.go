package ledger

import (
	"sort"
	"strings"
	"time"
)

const (
	defaultPage  = 1
	defaultLimit = 20
)

// digits strips everything that is not 0-9. Address filters are compared on
// digit substrings so "+62 812..." and "62812..." match the same records.
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (f Filters) match(rec MessageRecord) bool {
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Direction != "" && rec.Direction != f.Direction {
		return false
	}
	if f.To != "" {
		if rec.To == "" || !strings.Contains(rec.To, digits(f.To)) {
			return false
		}
	}
	if f.From != "" {
		if rec.From == "" || !strings.Contains(rec.From, digits(f.From)) {
			return false
		}
	}
	return true
}

func (p Page) normalize() Page {
	if p.Page <= 0 {
		p.Page = defaultPage
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	return p
}

// selectPage filters, sorts newest-first (seq breaks timestamp ties) and
// slices out the requested page.
func selectPage(all []MessageRecord, f Filters, p Page) ListResult {
	p = p.normalize()

	filtered := make([]MessageRecord, 0, len(all))
	for _, rec := range all {
		if f.match(rec) {
			filtered = append(filtered, rec)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		ti, tj := filtered[i].Timestamp, filtered[j].Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return filtered[i].Seq > filtered[j].Seq
	})

	total := len(filtered)
	pages := (total + p.Limit - 1) / p.Limit

	start := (p.Page - 1) * p.Limit
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}

	return ListResult{
		Records: filtered[start:end],
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   total,
		Pages:   pages,
	}
}

// windowStart maps a timeframe token to its inclusive lower bound.
// Unknown tokens fall back to 24h, matching the stats default.
func windowStart(timeframe string, now time.Time) time.Time {
	switch timeframe {
	case "1h":
		return now.Add(-time.Hour)
	case "7d":
		return now.Add(-7 * 24 * time.Hour)
	case "30d":
		return now.Add(-30 * 24 * time.Hour)
	case "24h":
		return now.Add(-24 * time.Hour)
	default:
		return now.Add(-24 * time.Hour)
	}
}

func tally(recs []MessageRecord, since time.Time) Stats {
	var st Stats
	for _, rec := range recs {
		if rec.Timestamp.Before(since) {
			continue
		}
		st.Total++
		switch rec.Status {
		case StatusSent:
			st.Sent++
		case StatusReceived:
			st.Received++
		case StatusFailed:
			st.Failed++
		case StatusPending:
			st.Pending++
		}
	}
	return st
}
