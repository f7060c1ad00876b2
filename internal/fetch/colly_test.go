package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sdgcommons/reports-harvester/internal/harvest"
)

func TestFetchReturnsBodyAndMetadata(t *testing.T) {
	t.Parallel()

	var gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 payload"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "harvester-test", Timeout: 5 * time.Second})
	result, err := f.Fetch(context.Background(), srv.URL+"/files/report.pdf")
	require.NoError(t, err)
	require.Equal(t, 200, result.StatusCode)
	require.Equal(t, "application/pdf", result.ContentType)
	require.Equal(t, []byte("%PDF-1.4 payload"), result.Body)
	require.Equal(t, "harvester-test", gotAgent)
}

func TestFetchIgnoresRobots(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /"))
	})
	mux.HandleFunc("/doc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("content"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	result, err := f.Fetch(context.Background(), srv.URL+"/doc")
	require.NoError(t, err)
	require.Equal(t, []byte("content"), result.Body)
}

func TestFetchStatusErrorIsTransientFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(context.Background(), srv.URL)
	var failure harvest.CardFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, harvest.FailureTransientFetch, failure.Kind)
}

func TestFetchUnreachableHost(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1/never")
	var failure harvest.CardFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, harvest.FailureTransientFetch, failure.Kind)
}
