package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Unfixab1e/fitfolio/internal/domain"
)

func TestFetchSendsQueryAndDecodesRecords(t *testing.T) {
	var gotPath, gotAuth, gotContentType string
	var gotBody fetchRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"r1","app":"com.fit","start":"2024-01-01T08:00:00Z","end":"2024-01-01T09:00:00Z","data":{"count":1200}}]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL + "/", Token: "secret"})
	records, err := client.Fetch(context.Background(), "hc-user-1", domain.MetricSteps)
	require.NoError(t, err)

	require.Equal(t, "/api/fetch/steps", gotPath)
	require.Equal(t, "Bearer secret", gotAuth)
	require.Equal(t, "application/json", gotContentType)
	require.Equal(t, "hc-user-1", gotBody.UserID)
	require.Equal(t, []string{"limit(50)", "orderDesc(start)"}, gotBody.Queries)

	require.Len(t, records, 1)
	require.Equal(t, "r1", records[0].ID)
	require.Equal(t, "2024-01-01T08:00:00Z", records[0].Start)
	require.JSONEq(t, `{"count":1200}`, string(records[0].Data))
}

func TestFetchOmitsAuthorizationWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	records, err := New(Config{BaseURL: srv.URL}).Fetch(context.Background(), "hc", domain.MetricWeight)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestFetchNonSuccessStatusReturnsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Fetch(context.Background(), "hc", domain.MetricSteps)
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	require.Equal(t, http.StatusBadGateway, gwErr.Status)
	require.Contains(t, gwErr.Message, "upstream unavailable")
	require.False(t, gwErr.Timeout())
}

func TestFetchTimeoutReturnsGatewayError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := client.Fetch(context.Background(), "hc", domain.MetricSleepSession)

	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	require.Zero(t, gwErr.Status)
	require.True(t, gwErr.Timeout())
}

func TestFetchMalformedBodyReturnsGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": "nope"`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL}).Fetch(context.Background(), "hc", domain.MetricSteps)
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	require.Equal(t, http.StatusOK, gwErr.Status)
}

func TestFetchWithoutBaseURLFails(t *testing.T) {
	_, err := New(Config{}).Fetch(context.Background(), "hc", domain.MetricSteps)
	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	require.Contains(t, gwErr.Error(), "base url")
}

func TestFetchUsesConfiguredPageSize(t *testing.T) {
	var gotBody fetchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, PageSize: 10}).Fetch(context.Background(), "hc", domain.MetricSteps)
	require.NoError(t, err)
	require.Equal(t, "limit(10)", gotBody.Queries[0])
}
