package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultLimit    = 100
	defaultTopLimit = 10
	maxLimit        = 1000
)

// Order is the chronological order for history listings.
type Order string

const (
	OrderDesc Order = "desc"
	OrderAsc  Order = "asc"
)

// Filters captures the query parameters accepted by the history endpoints.
type Filters struct {
	Usernames []string
	Since     *time.Time
	Limit     int
	Order     Order
}

// ParseFilters parses query parameters. defLimit applies when limit is
// absent.
func ParseFilters(values url.Values, defLimit int) (Filters, error) {
	f := Filters{
		Limit: defLimit,
		Order: OrderDesc,
	}

	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Filters{}, errors.New("limit must be a positive integer")
		}
		if n > maxLimit {
			n = maxLimit
		}
		f.Limit = n
	}

	if raw := values.Get("order"); raw != "" {
		switch strings.ToLower(raw) {
		case "desc":
			f.Order = OrderDesc
		case "asc":
			f.Order = OrderAsc
		default:
			return Filters{}, errors.New("order must be asc or desc")
		}
	}

	if raw := values.Get("since"); raw != "" {
		parsed, err := parseSince(raw, time.Now())
		if err != nil {
			return Filters{}, err
		}
		f.Since = &parsed
	}

	seen := make(map[string]struct{})
	for _, raw := range values["username"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			f.Usernames = append(f.Usernames, part)
		}
	}

	return f, nil
}

func FiltersFromRequest(r *http.Request, defLimit int) (Filters, error) {
	return ParseFilters(r.URL.Query(), defLimit)
}

// parseSince accepts RFC3339 timestamps, unix seconds, or a duration meaning
// "that long before now".
func parseSince(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return now.Add(-d).UTC(), nil
	}
	return time.Time{}, errors.New("invalid since parameter")
}
