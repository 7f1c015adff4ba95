package httpserver

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/blackmichael/plebbit-feeds/internal/config"
	"github.com/blackmichael/plebbit-feeds/internal/domain"
	"github.com/blackmichael/plebbit-feeds/internal/domain/domaintest"
	"github.com/blackmichael/plebbit-feeds/internal/engine"
	"github.com/blackmichael/plebbit-feeds/internal/fetch"
	"github.com/go-playground/assert/v2"
	"github.com/goccy/go-json"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t *testing.T) *Server {
	t.Helper()
	f := domaintest.NewFetcher()
	f.AddSubplebbit(&domain.Subplebbit{
		Address:   "memes.eth",
		UpdatedAt: 1,
		Posts:     &domain.Pages{PageCids: map[string]string{domain.SortNew: "memes-p1"}},
	})
	f.AddPage("memes-p1", &domain.Page{Comments: domaintest.Posts("memes.eth", "memes", 5, 1000)})
	f.AddComment(&domain.Comment{Cid: "h1", Timestamp: 100, Author: domain.Author{Address: "bob"}})

	eng, err := engine.New(engine.Config{
		Debounce: 2 * time.Millisecond,
		Policy:   fetch.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}, engine.Deps{Fetcher: f})
	assert.Equal(t, nil, err)
	t.Cleanup(eng.Close)

	return NewServer(&config.Config{Port: 0}, eng, nil)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestMetrics(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFeedLifecycle(t *testing.T) {
	s := newServer(t)

	rec := do(t, s, http.MethodPost, "/feeds", `{"account":"alice","sources":["memes.eth"],"sortType":"new"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	var added struct {
		Name string `json:"name"`
	}
	assert.Equal(t, nil, json.Unmarshal(rec.Body.Bytes(), &added))
	query := "?name=" + url.QueryEscape(added.Name)

	var feed feedResponse
	eventually(t, "loaded feed", func() bool {
		rec := do(t, s, http.MethodGet, "/feeds"+query, "")
		if rec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &feed); err != nil {
			t.Fatal(err)
		}
		return len(feed.Comments) == 5 && !feed.HasMore
	})
	assert.Equal(t, 1, feed.PageNumber)
	assert.Equal(t, "memes-0", feed.Comments[0].Cid)

	// five comments do not fill a page of 25
	rec = do(t, s, http.MethodPost, "/feeds/next"+query, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFeedErrors(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"bad json", http.MethodPost, "/feeds", `{`, http.StatusBadRequest},
		{"no sources", http.MethodPost, "/feeds", `{"sortType":"new"}`, http.StatusBadRequest},
		{"bad sort", http.MethodPost, "/replies", `{"sources":["c1"],"sortType":"best"}`, http.StatusBadRequest},
		{"missing name", http.MethodGet, "/feeds", ``, http.StatusBadRequest},
		{"unknown feed", http.MethodGet, "/replies?name=nope", ``, http.StatusNotFound},
		{"next on unknown feed", http.MethodPost, "/feeds/next?name=nope", ``, http.StatusNotFound},
		{"wrong method", http.MethodDelete, "/feeds", ``, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestConflictingFeed(t *testing.T) {
	s := newServer(t)
	rec := do(t, s, http.MethodPost, "/feeds", `{"name":"front","sources":["memes.eth"],"sortType":"new"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodPost, "/feeds", `{"name":"front","sources":["memes.eth"],"sortType":"hot"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthorLifecycle(t *testing.T) {
	s := newServer(t)

	rec := do(t, s, http.MethodPost, "/authors", `{"account":"alice","address":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/authors", `{"account":"alice","address":"bob","startCid":"h1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	var author authorResponse
	eventually(t, "author history", func() bool {
		rec := do(t, s, http.MethodGet, "/authors?address=bob", "")
		if err := json.Unmarshal(rec.Body.Bytes(), &author); err != nil {
			t.Fatal(err)
		}
		return len(author.Comments) == 1 && !author.HasMore
	})
	assert.Equal(t, "h1", author.LastCommentCid)
	assert.Equal(t, "", author.Error)

	rec = do(t, s, http.MethodPost, "/authors/next?address=bob", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/authors?address=alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
