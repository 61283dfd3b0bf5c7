package rapidpro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClient points a Client at the given test server.
func testClient(srv *httptest.Server) *Client {
	c := NewClient(&Config{Domain: "ignored", Token: "secret", Timeout: 5 * time.Second})
	c.baseURL = srv.URL
	return c
}

func TestGetMessagesPaginates(t *testing.T) {
	var gotAuth, gotAfter string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.URL.Query().Get("page") == "2":
			json.NewEncoder(w).Encode(map[string]any{
				"next": nil,
				"results": []map[string]any{
					{"id": 3, "urn": "tel:+25470000003", "direction": "in", "text": "three",
						"created_on": "2024-03-01T10:02:00Z"},
				},
			})
		default:
			gotAfter = r.URL.Query().Get("after")
			json.NewEncoder(w).Encode(map[string]any{
				"next": fmt.Sprintf("%s/api/v2/messages.json?page=2", "http://"+r.Host),
				"results": []map[string]any{
					{"id": 1, "urn": "tel:+25470000001", "direction": "in", "text": "one",
						"created_on": "2024-03-01T10:00:00Z"},
					{"id": 2, "urn": "tel:+25470000002", "direction": "in", "text": "two",
						"created_on": "2024-03-01T10:01:00Z"},
				},
			})
		}
	}))
	defer srv.Close()

	after := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	msgs, err := testClient(srv).GetMessages(context.Background(), &after)
	require.NoError(t, err)

	require.Len(t, msgs, 3)
	assert.Equal(t, "Token secret", gotAuth)
	assert.Equal(t, "2024-03-01T09:00:00Z", gotAfter)
	assert.Equal(t, "three", msgs[2].Text)
	assert.Equal(t, "tel:+25470000001", msgs[0].URN)
}

func TestSendBroadcastPostsURNsAndText(t *testing.T) {
	var got broadcastRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v2/broadcasts.json", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := testClient(srv).SendBroadcast(context.Background(), "hello", []string{"tel:+1", "tel:+2"}, true)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
	assert.Equal(t, []string{"tel:+1", "tel:+2"}, got.URNs)
	assert.True(t, got.Interrupt)
}

func TestBadRequestCarriesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"urns":["invalid urn"]}`))
	}))
	defer srv.Close()

	err := testClient(srv).SendBroadcast(context.Background(), "x", []string{"bogus"}, true)
	var badRequest *BadRequestError
	require.ErrorAs(t, err, &badRequest)
	assert.Contains(t, badRequest.Payload, "invalid urn")
	assert.False(t, Transient(err))
}

func TestRateExceededIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := testClient(srv).SendBroadcast(context.Background(), "x", []string{"tel:+1"}, true)
	var rateExceeded *RateExceededError
	require.ErrorAs(t, err, &rateExceeded)
	assert.Equal(t, "30", rateExceeded.RetryAfter)
	assert.True(t, Transient(err))
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(srv).GetMessages(context.Background(), nil)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.True(t, Transient(err))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	_, err := testClient(srv).GetMessages(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, Transient(err))
}
