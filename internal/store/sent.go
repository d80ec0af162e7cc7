package store

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/efreitasn/fundex/internal/domain"
)

// ErrNotFound is returned by SentStore.Get when no record exists.
var ErrNotFound = errors.New("sent record not found")

// SentStore records, per namespace, which pairs have been transmitted to
// the exchange (or whose transmission outcome is unknown). It is a local
// cache; the matching service stays authoritative.
type SentStore interface {
	Get(ctx context.Context, namespace string, key domain.PairKey) (domain.SubmissionState, error)
	Put(ctx context.Context, namespace string, key domain.PairKey, state domain.SubmissionState) error
	Delete(ctx context.Context, namespace string, key domain.PairKey) error
	List(ctx context.Context, namespace string) (map[domain.PairKey]domain.SubmissionState, error)
	Clear(ctx context.Context, namespace string) error
	Close() error
}

// Namespace builds the record namespace for an operator working on a fund.
// Both parts are escaped so one namespace is never a prefix of another.
func Namespace(operatorID, fundID string) string {
	return url.PathEscape(operatorID) + "/" + url.PathEscape(fundID)
}

func prefix(namespace string) string {
	return "sent/" + namespace + "/"
}

func recordKey(namespace string, key domain.PairKey) string {
	return prefix(namespace) + key.String()
}

func parseRecordKey(namespace, raw string) (domain.PairKey, bool) {
	rest, ok := strings.CutPrefix(raw, prefix(namespace))
	if !ok {
		return domain.PairKey{}, false
	}
	key, err := domain.ParsePairKey(rest)
	if err != nil {
		return domain.PairKey{}, false
	}
	return key, true
}

// persistable reports whether a state is worth recording. Only outcomes
// that must survive a reload are kept.
func persistable(state domain.SubmissionState) bool {
	return state == domain.StateSent || state == domain.StateUnknown
}
