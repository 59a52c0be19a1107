package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockProviderServer creates a test server that mocks payment provider API responses
type MockProviderServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockProviderServer creates a new mock payment provider server
func NewMockProviderServer(t *testing.T) *MockProviderServer {
	t.Helper()
	m := &MockProviderServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockCustomerResponse adds a handler for the /v1/customers endpoint
func (m *MockProviderServer) MockCustomerResponse(customerRef string) {
	m.Handlers["/v1/customers"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"customer_ref": customerRef}) //nolint:errcheck // test mock response
	}
}

// MockChargeResponse adds a handler for the /v1/charges endpoint
func (m *MockProviderServer) MockChargeResponse(providerPaymentID, status string) {
	m.Handlers["/v1/charges"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck // test mock response
			"provider_payment_id": providerPaymentID,
			"status":              status,
		})
	}
}

// MockChargeError makes /v1/charges return the given HTTP status
func (m *MockProviderServer) MockChargeError(status int) {
	m.Handlers["/v1/charges"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "charge rejected", status)
	}
}
