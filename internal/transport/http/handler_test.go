package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tollgate/internal/ledger"
	"tollgate/internal/model"
	"tollgate/internal/repository"
)

// mockService records calls and returns canned values.
type mockService struct {
	chatRes    *model.ChatResult
	balance    int64
	balanceErr error
	creditErr  error
	banned     map[int64]bool
	provider   string
}

func (m *mockService) Chat(_ context.Context, req model.ChatRequest) (*model.ChatResult, error) {
	return m.chatRes, nil
}

func (m *mockService) Balance(_ context.Context, id int64) (int64, error) {
	return m.balance, m.balanceErr
}

func (m *mockService) Credit(_ context.Context, id, amount int64, reason string) (int64, error) {
	if m.creditErr != nil {
		return 0, m.creditErr
	}
	return m.balance + amount, nil
}

func (m *mockService) AccountStats(context.Context, int64) (*model.UsageStats, error) {
	return &model.UsageStats{Requests: 3}, nil
}

func (m *mockService) GlobalStats(context.Context) (*model.UsageStats, error) {
	return &model.UsageStats{Requests: 42}, nil
}

func (m *mockService) SetBanned(_ context.Context, id int64, banned bool) error {
	if m.banned == nil {
		m.banned = map[int64]bool{}
	}
	m.banned[id] = banned
	return nil
}

func (m *mockService) SetProvider(_ context.Context, _ int64, name string) error {
	m.provider = name
	return nil
}

func (m *mockService) SetLanguage(context.Context, int64, string) error { return nil }

func (m *mockService) SetMemoryEnabled(context.Context, int64, bool) error { return nil }

func (m *mockService) ResetMemory(context.Context, int64) error { return nil }

func newTestServer(svc *mockService) *httptest.Server {
	mux := http.NewServeMux()
	NewHandler(svc).Register(mux)
	return httptest.NewServer(mux)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&mockService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChat(t *testing.T) {
	svc := &mockService{chatRes: &model.ChatResult{OK: true, Content: "hi", TokensCharged: 1}}
	srv := newTestServer(svc)
	defer srv.Close()

	body := `{"account_id":1,"payload":"hello"}`
	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestChat_InvalidJSON(t *testing.T) {
	srv := newTestServer(&mockService{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBalance(t *testing.T) {
	srv := newTestServer(&mockService{balance: 7})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/balance?account_id=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBalance_MissingAccountID(t *testing.T) {
	srv := newTestServer(&mockService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/balance")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBalance_UnknownAccountIs404(t *testing.T) {
	srv := newTestServer(&mockService{balanceErr: repository.ErrAccountNotFound})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/balance?account_id=99")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCredit_InvalidAmountIs400(t *testing.T) {
	srv := newTestServer(&mockService{creditErr: ledger.ErrInvalidAmount})
	defer srv.Close()

	body := `{"account_id":1,"amount":-5}`
	resp, err := http.Post(srv.URL+"/credit", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBan(t *testing.T) {
	svc := &mockService{}
	srv := newTestServer(svc)
	defer srv.Close()

	body := `{"account_id":5,"banned":true}`
	resp, err := http.Post(srv.URL+"/ban", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, svc.banned[5])
}

func TestProvider(t *testing.T) {
	svc := &mockService{}
	srv := newTestServer(svc)
	defer srv.Close()

	body := `{"account_id":1,"provider":"claude"}`
	resp, err := http.Post(srv.URL+"/provider", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "claude", svc.provider)
}

func TestStats_GlobalWithoutAccountID(t *testing.T) {
	srv := newTestServer(&mockService{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
