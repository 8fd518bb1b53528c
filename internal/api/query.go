package api

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"podmon-k8s/internal/history"
	"podmon-k8s/internal/snapshot"

	"github.com/cockroachdb/errors"
)

const dateLayout = "2006-01-02"

// parseHistoryQuery reads the history filters. A bare date in until covers
// that whole day.
func parseHistoryQuery(values url.Values) (history.Query, error) {
	q := history.Query{
		Namespace: strings.TrimSpace(values.Get("namespace")),
		Name:      strings.TrimSpace(values.Get("name")),
		Status:    strings.TrimSpace(values.Get("status")),
	}
	if raw := values.Get("kind"); raw != "" {
		kind := snapshot.Kind(strings.ToLower(raw))
		if !kind.Valid() {
			return history.Query{}, errors.Newf("unknown kind %q", raw)
		}
		q.SubjectKind = kind
	}
	if raw := values.Get("event_type"); raw != "" {
		kind := snapshot.EventKind(raw)
		if !kind.Valid() {
			return history.Query{}, errors.Newf("unknown event_type %q", raw)
		}
		q.EventType = kind
	}
	var err error
	if q.Since, err = parseTime(values.Get("since"), false); err != nil {
		return history.Query{}, errors.Wrap(err, "since")
	}
	if q.Until, err = parseTime(values.Get("until"), true); err != nil {
		return history.Query{}, errors.Wrap(err, "until")
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && !q.Since.Before(q.Until) {
		return history.Query{}, errors.New("since must be before until")
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return history.Query{}, errors.New("limit must be a positive integer")
		}
		q.Limit = n
	}
	return q, nil
}

func parseTime(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	day, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, errors.Newf("expected RFC3339 or YYYY-MM-DD, got %q", raw)
	}
	if endOfDay {
		day = day.AddDate(0, 0, 1)
	}
	return day, nil
}
