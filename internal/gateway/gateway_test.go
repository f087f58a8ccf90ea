package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"payment.succeeded","object":{"id":"pay_1"}}`)
	sig := Sign("topsecret", body)

	assert.True(t, VerifySignature("topsecret", body, sig))
	assert.True(t, VerifySignature("topsecret", body, "sha256="+sig))
	assert.True(t, VerifySignature("topsecret", body, " "+sig+" "))

	assert.False(t, VerifySignature("othersecret", body, sig))
	assert.False(t, VerifySignature("topsecret", append(body, ' '), sig))
	assert.False(t, VerifySignature("topsecret", body, ""))
	assert.False(t, VerifySignature("", body, sig))
	assert.False(t, VerifySignature("topsecret", body, "zz-not-hex"))
	assert.False(t, VerifySignature("topsecret", body, sig[:10]))
}

func TestHTTPClient_CreatePayment(t *testing.T) {
	var (
		gotAuth string
		gotKey  string
		gotBody CreatePaymentRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotence-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Payment{
			ID:     "pay_abc",
			Status: StatusPending,
			Amount: gotBody.Amount,
			Confirmation: &Confirmation{
				Type:            "redirect",
				ConfirmationURL: "https://gateway.test/c/pay_abc",
			},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), srv.URL, "sk_test", "https://app.test/return")
	payment, err := client.CreatePayment(context.Background(), CreatePaymentRequest{
		Amount:            Amount{Value: 1990, Currency: "RUB"},
		Description:       "Pro Monthly",
		SavePaymentMethod: true,
		Metadata:          map[string]string{"user_id": "u1"},
		IdempotenceKey:    "tx-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk_test", gotAuth)
	assert.Equal(t, "tx-1", gotKey)
	assert.True(t, gotBody.Capture)
	assert.True(t, gotBody.SavePaymentMethod)
	require.NotNil(t, gotBody.Confirmation)
	assert.Equal(t, "https://app.test/return", gotBody.Confirmation.ReturnURL)
	assert.Equal(t, "u1", gotBody.Metadata["user_id"])

	assert.Equal(t, "pay_abc", payment.ID)
	assert.Equal(t, int64(1990), payment.Amount.Value)
	assert.Equal(t, "https://gateway.test/c/pay_abc", payment.Confirmation.ConfirmationURL)
}

func TestHTTPClient_ChargeSaved(t *testing.T) {
	var gotBody ChargeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(Payment{
			ID:                  "pay_r1",
			Status:              StatusCanceled,
			CancellationDetails: &CancellationDetails{Party: "issuer", Reason: "insufficient_funds"},
		})
	}))
	defer srv.Close()

	client := NewHTTPClient(nil, srv.URL, "sk_test", "")
	payment, err := client.ChargeSaved(context.Background(), ChargeRequest{
		Amount:          Amount{Value: 1000, Currency: "RUB"},
		PaymentMethodID: "pm_1",
		IdempotenceKey:  "renewal-u1-2024-06-15",
	})
	require.NoError(t, err)
	assert.Equal(t, "pm_1", gotBody.PaymentMethodID)
	assert.True(t, gotBody.Capture)
	assert.Equal(t, StatusCanceled, payment.Status)
	assert.Equal(t, "insufficient_funds", payment.CancellationDetails.Reason)
}

func TestHTTPClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"invalid_request","description":"amount too small"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), srv.URL, "sk_test", "")
	_, err := client.CreatePayment(context.Background(), CreatePaymentRequest{Amount: Amount{Value: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "amount too small")
}

func TestHTTPClient_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.Client(), srv.URL, "sk_test", "")
	_, err := client.ChargeSaved(context.Background(), ChargeRequest{})
	assert.Error(t, err)
}
