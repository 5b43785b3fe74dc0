package wds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChangedCubeListFiltersSuccessOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"SUCCESS","object":[
			{"productId":10100001,"responseStatusCode":0},
			{"productId":10100002,"responseStatusCode":1}
		]}`))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL), WithMetadataRateLimit(time.Millisecond))
	changes, err := c.ChangedCubeList(context.Background(), time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, int64(10100001), changes[0].ProductID)
}

func TestDownloadCubeCsvFollowsSignedURL(t *testing.T) {
	var downloadURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/getFullTableDownloadCSV/10100001/en", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"SUCCESS","object":"` + downloadURL + `"}`))
	})
	mux.HandleFunc("/signed-zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("zip-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	downloadURL = srv.URL + "/signed-zip"

	c := New(WithBaseURL(srv.URL), WithCubeRateLimit(time.Millisecond))
	body, err := c.DownloadCubeCsv(context.Background(), 10100001)
	require.NoError(t, err)
	require.Equal(t, "zip-bytes", string(body))
}

func TestGetWithRetryRetriesOn5xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(WithBaseURL(srv.URL), WithMetadataRateLimit(time.Millisecond))
	body, err := c.ListAllCubes(context.Background())
	require.NoError(t, err)
	require.Equal(t, "[]", string(body))
	require.GreaterOrEqual(t, attempts, 2)
}
