package coingecko

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSpotPrices_ParsesResponse(t *testing.T) {
	var gotPath, gotIDs, gotVS, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIDs = r.URL.Query().Get("ids")
		gotVS = r.URL.Query().Get("vs_currencies")
		gotKey = r.Header.Get(apiKeyHeader)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"bitcoin":{"krw":95123456.78},"ethereum":{"krw":4500000}}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL+"/"), WithAPIKey("demo-key"))
	prices, err := c.GetSpotPrices(context.Background(), []string{"bitcoin", "ethereum"}, "KRW")
	require.NoError(t, err)

	assert.Equal(t, "/simple/price", gotPath)
	assert.Equal(t, "bitcoin,ethereum", gotIDs)
	assert.Equal(t, "krw", gotVS)
	assert.Equal(t, "demo-key", gotKey)

	require.Len(t, prices, 2)
	assert.Equal(t, "95123456.78", prices["bitcoin"].String())
	assert.Equal(t, "4500000", prices["ethereum"].String())
}

func TestGetSpotPrices_OmitsMissingAndInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"krw":100},"ripple":{"krw":0},"solana":{}}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL))
	prices, err := c.GetSpotPrices(context.Background(), []string{"bitcoin", "ripple", "solana"}, "krw")
	require.NoError(t, err)
	assert.Len(t, prices, 1)
	assert.Contains(t, prices, "bitcoin")
}

func TestGetSpotPrices_EmptyResponseIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).GetSpotPrices(context.Background(), []string{"bitcoin"}, "krw")
	assert.Error(t, err)
}

func TestGetSpotPrices_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).GetSpotPrices(context.Background(), []string{"bitcoin"}, "krw")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "/simple/price", apiErr.Endpoint)
}

func TestGetSpotPrices_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewClient(WithBaseURL(srv.URL)).GetSpotPrices(context.Background(), []string{"bitcoin"}, "krw")
	assert.Error(t, err)
}

func TestGetSpotPrices_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"bitcoin":{"krw":1}}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithTimeout(20*time.Millisecond))
	_, err := c.GetSpotPrices(context.Background(), []string{"bitcoin"}, "krw")
	assert.Error(t, err)
}

func TestGetSpotPrices_NoIDs(t *testing.T) {
	prices, err := NewClient(WithBaseURL("http://127.0.0.1:1")).GetSpotPrices(context.Background(), nil, "krw")
	require.NoError(t, err)
	assert.Empty(t, prices)
}
