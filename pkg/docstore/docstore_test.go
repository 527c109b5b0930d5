package docstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterouob/p2plobby/pkg/signal"
)

func newStore(t *testing.T) (*signal.Store, *Server) {
	t.Helper()
	srv := New(nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return signal.NewStore(ts.URL, ts.Client(), nil), srv
}

func TestParseFieldPath(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"offers", []string{"offers"}},
		{"offers.abc", []string{"offers", "abc"}},
		{"offers.`123`", []string{"offers", "123"}},
		{"`a.b`.c", []string{"a.b", "c"}},
		{"offers.`x\\`y`", []string{"offers", "x`y"}},
	}
	for _, tt := range tests {
		got, err := parseFieldPath(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", ".", "a.", "a..b", "``", "`open", "a`b"} {
		_, err := parseFieldPath(bad)
		assert.ErrorIs(t, err, ErrBadFieldPath, bad)
	}
}

func TestServer_FetchMissingRoom(t *testing.T) {
	store, _ := newStore(t)

	_, err := store.Fetch(context.Background(), "NOROOM")
	assert.ErrorIs(t, err, signal.ErrRoomNotFound)
}

func TestServer_EnsureRoomIsIdempotent(t *testing.T) {
	store, srv := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureRoom(ctx, "ABC123"))
	require.NoError(t, store.PutOffer(ctx, "ABC123", "7", "offer-sdp"))

	// A second create must not wipe what is already there.
	require.NoError(t, store.EnsureRoom(ctx, "ABC123"))

	room, err := store.Fetch(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"7": "offer-sdp"}, room.Offers)
	assert.Empty(t, room.Answers)
	assert.Equal(t, []string{"ABC123"}, srv.Rooms())
}

func TestServer_MaskedWritesMerge(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.EnsureRoom(ctx, "ROOM01"))

	var wg sync.WaitGroup
	for _, id := range []string{"1", "2", "3", "4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.PutOffer(ctx, "ROOM01", id, "sdp-"+id))
		}()
	}
	wg.Wait()
	require.NoError(t, store.PutAnswer(ctx, "ROOM01", "2", "answer-2"))

	room, err := store.Fetch(ctx, "ROOM01")
	require.NoError(t, err)
	assert.Len(t, room.Offers, 4)
	assert.Equal(t, "sdp-3", room.Offers["3"])
	assert.Equal(t, map[string]string{"2": "answer-2"}, room.Answers)
}

func TestServer_TopLevelMaskReplacesMap(t *testing.T) {
	srv := New(nil)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	patch := func(query, body string) int {
		req, err := http.NewRequest(http.MethodPatch, ts.URL+"/rooms/R?"+query, strings.NewReader(body))
		require.NoError(t, err)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, patch("updateMask.fieldPaths=offers",
		`{"fields":{"offers":{"mapValue":{"fields":{"a":{"stringValue":"1"}}}}}}`))
	assert.Equal(t, http.StatusOK, patch("updateMask.fieldPaths=offers",
		`{"fields":{"offers":{"mapValue":{"fields":{"b":{"stringValue":"2"}}}}}}`))

	store := signal.NewStore(ts.URL, ts.Client(), nil)
	room, err := store.Fetch(context.Background(), "R")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, room.Offers)
}

func TestServer_Preconditions(t *testing.T) {
	srv := New(nil)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	do := func(query string) int {
		req, err := http.NewRequest(http.MethodPatch, ts.URL+"/rooms/P?"+query, strings.NewReader(`{}`))
		require.NoError(t, err)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, do("currentDocument.exists=true"))
	assert.Equal(t, http.StatusOK, do("currentDocument.exists=false"))
	assert.Equal(t, http.StatusConflict, do("currentDocument.exists=false"))
	assert.Equal(t, http.StatusBadRequest, do("updateMask.fieldPaths=a..b"))
}
