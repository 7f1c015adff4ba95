package domain

import (
	"slices"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Sort types understood by the sorter.
const (
	SortHot    = "hot"
	SortNew    = "new"
	SortActive = "active"
)

// timeframes suffix the top and controversial sorts; bare means all time.
var timeframes = []string{"", "Hour", "Day", "Week", "Month", "Year", "All"}

// ValidSortType reports whether sortType is one the engine can order by.
func ValidSortType(sortType string) bool {
	switch sortType {
	case SortHot, SortNew, SortActive:
		return true
	}
	for _, prefix := range []string{"top", "controversial"} {
		if rest, ok := strings.CutPrefix(sortType, prefix); ok && slices.Contains(timeframes, rest) {
			return true
		}
	}
	return false
}

// Filter narrows a feed. Key identifies the filter in the feed name, so two
// feeds with the same sources but different filters never share state.
type Filter struct {
	Key  string
	Func func(*Comment) bool
}

// Keep reports whether c passes the filter. A nil filter keeps everything.
func (f *Filter) Keep(c *Comment) bool {
	if f == nil || f.Func == nil {
		return true
	}
	return f.Func(c)
}

func (f *Filter) key() string {
	if f == nil {
		return ""
	}
	return f.Key
}

// FeedOptions describes a registered feed.
type FeedOptions struct {
	Name       string
	Account    Account
	SourceIDs  []string
	SortType   string
	PageNumber int
	Filter     *Filter

	// Flat feeds include every nested reply, not only the top level.
	Flat bool

	// BufferedOnly registers the feed at page 0 so it prefetches without
	// loading anything.
	BufferedOnly bool
}

// NormalizeSourceIDs returns ids deduplicated and sorted.
func NormalizeSourceIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FeedName derives the stable name of a feed from what identifies it.
func FeedName(accountID, sortType string, sourceIDs []string, filter *Filter) string {
	name, _ := json.Marshal([]any{accountID, sortType, NormalizeSourceIDs(sourceIDs), filter.key()})
	return string(name)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
