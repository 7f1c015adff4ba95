// Package sorter orders feed posts for a named sort type.
//
// Vote-based sorts (hot, top*, controversial*) normalize each post's score
// by the summed score of its community, so a large community cannot bury a
// feed that mixes many small ones. Time-based sorts (new, active) compare raw
// times, since a timestamp divided by a community sum orders nothing.
package sorter

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
)

// ErrUnknownSortType is returned for sort types the sorter cannot order by.
var ErrUnknownSortType = errors.New("unknown sort type")

// hotEpoch is the reference time of the hot formula.
const hotEpoch = 1134028003

type scoreFunc func(*domain.Comment) float64

type ranked struct {
	post     *domain.Comment
	relative float64
}

// Sort returns posts ordered for sortType: pinned posts first in their input
// order, then the rest by relative score, upvotes and timestamp, all
// descending. Ties keep their input order. posts is not modified.
func Sort(sortType string, posts []*domain.Comment) ([]*domain.Comment, error) {
	score, normalize, err := scorerFor(sortType)
	if err != nil {
		return nil, err
	}

	var pinned []*domain.Comment
	unpinned := make([]ranked, 0, len(posts))
	for _, p := range posts {
		if p.Pinned {
			pinned = append(pinned, p)
			continue
		}
		unpinned = append(unpinned, ranked{post: p, relative: score(p)})
	}

	if normalize {
		sums := make(map[string]float64)
		for _, r := range unpinned {
			sums[r.post.SubplebbitAddress] += r.relative
		}
		for addr, sum := range sums {
			// negative sums would flip the sign of every score in the community
			if sum < 1 {
				sums[addr] = 1
			}
		}
		for i := range unpinned {
			unpinned[i].relative /= sums[unpinned[i].post.SubplebbitAddress]
		}
	}

	sort.SliceStable(unpinned, func(i, j int) bool {
		a, b := unpinned[i], unpinned[j]
		if a.relative != b.relative {
			return a.relative > b.relative
		}
		if a.post.UpvoteCount != b.post.UpvoteCount {
			return a.post.UpvoteCount > b.post.UpvoteCount
		}
		return a.post.Timestamp > b.post.Timestamp
	})

	out := make([]*domain.Comment, 0, len(posts))
	out = append(out, pinned...)
	for _, r := range unpinned {
		out = append(out, r.post)
	}
	return out, nil
}

func scorerFor(sortType string) (score scoreFunc, normalize bool, err error) {
	switch {
	case sortType == domain.SortNew:
		return newScore, false, nil
	case sortType == domain.SortActive:
		return activeScore, false, nil
	case sortType == domain.SortHot:
		return hotScore, true, nil
	case strings.Contains(sortType, "controversial"):
		return controversialScore, true, nil
	case strings.Contains(sortType, "top"):
		return topScore, true, nil
	}
	return nil, false, fmt.Errorf("%w: %q", ErrUnknownSortType, sortType)
}

func newScore(c *domain.Comment) float64 {
	return float64(c.Timestamp)
}

func activeScore(c *domain.Comment) float64 {
	if c.LastReplyTimestamp != 0 {
		return float64(c.LastReplyTimestamp)
	}
	return float64(c.Timestamp)
}

func topScore(c *domain.Comment) float64 {
	return float64(c.UpvoteCount - c.DownvoteCount)
}

func controversialScore(c *domain.Comment) float64 {
	up, down := float64(c.UpvoteCount), float64(c.DownvoteCount)
	magnitude := up + down
	if magnitude <= 0 {
		return 0
	}
	var balance float64
	if up > down {
		balance = down / up
	} else {
		balance = up / down
	}
	return math.Pow(magnitude, balance)
}

func hotScore(c *domain.Comment) float64 {
	net := float64(c.UpvoteCount - c.DownvoteCount)
	order := math.Log10(math.Max(math.Abs(net), 1))
	var sign float64
	switch {
	case net > 0:
		sign = 1
	case net < 0:
		sign = -1
	}
	seconds := float64(c.Timestamp - hotEpoch)
	return math.Round((sign*order+seconds/45000)*1e7) / 1e7
}
