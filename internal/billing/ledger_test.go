package billing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/sales/agent/get/token/company-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"code": 200,
			"data": map[string]any{"tokenTotal": 1000, "tokenUsed": 400},
		})
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second)
	balance, err := client.GetBalance(context.Background(), "company-1")
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance.Remaining())
}

func TestGetBalanceNon200Code(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 500, "data": nil})
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second)
	_, err := client.GetBalance(context.Background(), "company-1")
	assert.Error(t, err)
}

func TestDeductSuccessRequiresCode200AndTrue(t *testing.T) {
	cases := []struct {
		name    string
		code    int
		data    any
		wantErr bool
	}{
		{"success", 200, true, false},
		{"code 200 but data false", 200, false, true},
		{"code 500 with data true", 500, true, true},
		{"data missing", 200, nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got DeductRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v2/sales/agent/reduce/token", r.URL.Path)
				require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				json.NewEncoder(w).Encode(map[string]any{"code": tc.code, "data": tc.data})
			}))
			defer srv.Close()

			client := NewLedgerClient(srv.URL, time.Second)
			err := client.Deduct(context.Background(), DeductRequest{
				CompanyID: "company-1",
				UserID:    "user-1",
				FeatID:    FeatLLMUsage,
				Value:     3,
				MessageID: "msg-1",
			})
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "company-1", got.CompanyID)
				assert.Equal(t, int64(3), got.Value)
			}
		})
	}
}

func TestDeductHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewLedgerClient(srv.URL, time.Second)
	err := client.Deduct(context.Background(), DeductRequest{CompanyID: "c", Value: 1})
	assert.Error(t, err)
}
