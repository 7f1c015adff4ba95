package sorter

import (
	"errors"
	"testing"

	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/go-playground/assert/v2"
)

func post(cid, sub string, ts int64, up, down int, pinned bool, lastReply int64) *domain.Comment {
	return &domain.Comment{
		Cid:                cid,
		SubplebbitAddress:  sub,
		Timestamp:          ts,
		UpvoteCount:        up,
		DownvoteCount:      down,
		Pinned:             pinned,
		LastReplyTimestamp: lastReply,
	}
}

// fixture spans three communities of very different sizes.
func fixture() []*domain.Comment {
	return []*domain.Comment{
		post("p1", "memes.eth", 1700000000, 100, 10, false, 0),
		post("p2", "memes.eth", 1700003600, 50, 40, false, 0),
		post("p3", "memes.eth", 1700007200, 5, 0, true, 0),
		post("p4", "memes.eth", 1699990000, 200, 150, false, 1700020000),
		post("p5", "news.eth", 1700001000, 10, 2, false, 0),
		post("p6", "news.eth", 1700005000, 3, 3, false, 0),
		post("p7", "news.eth", 1699995000, 0, 4, false, 1700009000),
		post("p8", "tiny.eth", 1700002000, 2, 1, false, 0),
		post("p9", "tiny.eth", 1700008000, 1, 0, false, 0),
		post("p10", "news.eth", 1700006000, 7, 1, true, 0),
		post("p11", "tiny.eth", 1700004000, 2, 1, false, 0),
		post("p12", "memes.eth", 1700000500, 0, 0, false, 0),
	}
}

func cids(posts []*domain.Comment) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.Cid
	}
	return out
}

func TestSortGolden(t *testing.T) {
	tests := []struct {
		sortType string
		want     []string
	}{
		{
			sortType: "top",
			want:     []string{"p3", "p10", "p5", "p1", "p4", "p11", "p8", "p9", "p2", "p6", "p12", "p7"},
		},
		{
			sortType: "topAll",
			want:     []string{"p3", "p10", "p5", "p1", "p4", "p11", "p8", "p9", "p2", "p6", "p12", "p7"},
		},
		{
			sortType: "hot",
			want:     []string{"p3", "p10", "p5", "p9", "p6", "p11", "p8", "p7", "p1", "p4", "p2", "p12"},
		},
		{
			sortType: "new",
			want:     []string{"p3", "p10", "p9", "p6", "p11", "p2", "p8", "p5", "p12", "p1", "p7", "p4"},
		},
		{
			sortType: "controversial",
			want:     []string{"p3", "p10", "p6", "p4", "p11", "p8", "p2", "p9", "p5", "p7", "p1", "p12"},
		},
		{
			sortType: "controversialWeek",
			want:     []string{"p3", "p10", "p6", "p4", "p11", "p8", "p2", "p9", "p5", "p7", "p1", "p12"},
		},
		{
			sortType: "active",
			want:     []string{"p3", "p10", "p4", "p7", "p9", "p6", "p11", "p2", "p8", "p5", "p12", "p1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.sortType, func(t *testing.T) {
			got, err := Sort(tc.sortType, fixture())
			assert.Equal(t, nil, err)
			assert.Equal(t, tc.want, cids(got))
		})
	}
}

func TestSortIsDeterministicAndPure(t *testing.T) {
	in := fixture()
	before := cids(in)

	first, err := Sort("hot", in)
	assert.Equal(t, nil, err)
	second, err := Sort("hot", in)
	assert.Equal(t, nil, err)

	assert.Equal(t, cids(first), cids(second))
	assert.Equal(t, before, cids(in))
}

func TestSortTiesKeepInputOrder(t *testing.T) {
	in := []*domain.Comment{
		post("a", "s.eth", 100, 1, 0, false, 0),
		post("b", "s.eth", 100, 1, 0, false, 0),
		post("c", "s.eth", 100, 1, 0, false, 0),
	}
	got, err := Sort("topDay", in)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"a", "b", "c"}, cids(got))
}

func TestSortNegativeCommunityIsNotInverted(t *testing.T) {
	in := []*domain.Comment{
		post("worse", "downvoted.eth", 100, 0, 10, false, 0),
		post("bad", "downvoted.eth", 100, 0, 2, false, 0),
	}
	got, err := Sort("top", in)
	assert.Equal(t, nil, err)
	assert.Equal(t, []string{"bad", "worse"}, cids(got))
}

func TestSortUnknownType(t *testing.T) {
	_, err := Sort("best", fixture())
	if !errors.Is(err, ErrUnknownSortType) {
		t.Fatalf("err = %v, want ErrUnknownSortType", err)
	}
}

func TestHotScore(t *testing.T) {
	// net 0 contributes no order, only time
	c := post("h", "s.eth", hotEpoch+45000, 0, 0, false, 0)
	assert.Equal(t, float64(1), hotScore(c))

	c = post("h", "s.eth", hotEpoch, 100, 0, false, 0)
	assert.Equal(t, float64(2), hotScore(c))

	c = post("h", "s.eth", hotEpoch, 0, 10, false, 0)
	assert.Equal(t, float64(-1), hotScore(c))
}

func TestControversialScore(t *testing.T) {
	assert.Equal(t, float64(0), controversialScore(post("c", "s", 0, 0, 0, false, 0)))
	assert.Equal(t, float64(1), controversialScore(post("c", "s", 0, 5, 0, false, 0)))
	assert.Equal(t, float64(20), controversialScore(post("c", "s", 0, 10, 10, false, 0)))
}
