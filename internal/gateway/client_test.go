package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newGateway(t *testing.T) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ipfs/page-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Write([]byte(`{"comments":[{"cid":"c1","timestamp":10}],"nextCid":"page-2"}`))
	})
	mux.HandleFunc("GET /ipfs/c1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"timestamp":10,"author":{"address":"alice.eth","previousCommentCid":"c0"}}`))
	})
	mux.HandleFunc("GET /ipns/memes.eth", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"updatedAt":7,"posts":{"pageCids":{"hot":"page-1"}}}`))
	})
	mux.HandleFunc("GET /ipfs/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no link named", http.StatusNotFound)
	})
	mux.HandleFunc("GET /ipfs/garbage", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", 5*time.Second)
}

func TestGetPage(t *testing.T) {
	c := newGateway(t)
	page, err := c.GetPage(context.Background(), "page-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "page-2", page.NextCid)
	assert.Equal(t, "c1", page.Comments[0].Cid)
}

func TestGetCommentFillsCid(t *testing.T) {
	c := newGateway(t)
	comment, err := c.GetComment(context.Background(), "c1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "c1", comment.Cid)
	assert.Equal(t, "c0", comment.Author.PreviousCommentCid)
}

func TestGetSubplebbit(t *testing.T) {
	c := newGateway(t)
	sub, err := c.GetSubplebbit(context.Background(), "memes.eth")
	assert.Equal(t, nil, err)
	assert.Equal(t, "memes.eth", sub.Address)
	assert.Equal(t, int64(7), sub.UpdatedAt)
	assert.Equal(t, "page-1", sub.Posts.PageCids["hot"])
}

func TestErrors(t *testing.T) {
	c := newGateway(t)

	_, err := c.GetPage(context.Background(), "broken")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "no link named\n", statusErr.Body)

	_, err = c.GetPage(context.Background(), "garbage")
	if err == nil {
		t.Fatal("expected decode error")
	}
}
