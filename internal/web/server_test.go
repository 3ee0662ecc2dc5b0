package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sip-registrar/internal/auth"
	"sip-registrar/internal/metrics"
	"sip-registrar/internal/registry"
	"sip-registrar/internal/sip"
	"sip-registrar/internal/storage"
)

const realm = "go-sip-server"

type recordingForgetter struct {
	names []string
}

func (f *recordingForgetter) Forget(name string) { f.names = append(f.names, name) }

func newTestServer(t *testing.T) (*httptest.Server, *storage.Storage, *recordingForgetter) {
	t.Helper()
	store, err := storage.NewStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	reg := prometheus.NewRegistry()
	metrics.New(reg).Response(200)

	f := &recordingForgetter{}
	srv, err := NewServer(store, realm, f, reg, log)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, f
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func TestCreateUserFromForm(t *testing.T) {
	ts, store, f := newTestServer(t)

	form := url.Values{"username": {"alice"}, "email": {"alice@example.com"}, "password": {"s3cret"}}
	resp, err := noRedirect().PostForm(ts.URL+"/users", form)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/users", resp.Header.Get("Location"))

	u, err := store.GetUserByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, auth.HA1("alice", realm, "s3cret"), u.Password, "the HA1 is stored, not the password")
	assert.Equal(t, "alice@example.com", u.Email)
	assert.Equal(t, []string{"alice"}, f.names)
}

func TestCreateUserFromJSON(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/users", "application/json",
		strings.NewReader(`{"username":"bob","email":"bob@example.com","password":"pw"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var got userView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, userView{Username: "bob", Email: "bob@example.com"}, got)
}

func TestCreateUserValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"missing password", `{"username":"bob"}`},
		{"missing username", `{"password":"pw"}`},
		{"bad username", `{"username":"bob smith","password":"pw"}`},
		{"not json", `username=bob`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/users", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestDuplicateUser(t *testing.T) {
	ts, _, _ := newTestServer(t)
	body := `{"username":"bob","password":"pw"}`
	resp, err := http.Post(ts.URL+"/users", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Post(ts.URL+"/users", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestListUsers(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.AddUser(ctx, &storage.User{Username: "bob", Password: "x"}))
	require.NoError(t, store.AddUser(ctx, &storage.User{Username: "alice", Email: "alice@example.com", Password: "x"}))

	resp, err := http.Get(ts.URL + "/users?format=json")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got []userView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, []userView{{Username: "alice", Email: "alice@example.com"}, {Username: "bob"}}, got)

	html, err := http.Get(ts.URL + "/users")
	require.NoError(t, err)
	defer html.Body.Close()
	assert.Equal(t, "text/html; charset=utf-8", html.Header.Get("Content-Type"))
	body, err := io.ReadAll(html.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "alice@example.com")
	assert.Contains(t, string(body), `/users/bob/bindings`)
}

func TestNewUserForm(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/users/new")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRootRedirects(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := noRedirect().Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestBindings(t *testing.T) {
	ts, store, _ := newTestServer(t)
	ctx := context.Background()
	u := &storage.User{Username: "alice", Password: "x"}
	require.NoError(t, store.AddUser(ctx, u))

	resp, err := http.Get(ts.URL + "/users/alice/bindings")
	require.NoError(t, err)
	var empty []registry.Binding
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	resp.Body.Close()
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	now := time.Now().UTC().Truncate(time.Millisecond)
	u.Bindings = []registry.Binding{registry.NewBinding(sip.ParseUser("<sip:alice@192.0.2.10:5062>"), 60, now)}
	require.NoError(t, store.SaveUser(ctx, u))

	resp, err = http.Get(ts.URL + "/users/alice/bindings")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got []registry.Binding
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	assert.Equal(t, "alice@192.0.2.10:5062", got[0].Key)
	assert.True(t, now.Add(time.Minute).Equal(got[0].ExpiresAt))

	missing, err := http.Get(ts.URL + "/users/nobody/bindings")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `sip_registrar_responses_sent_total{code="200"} 1`)
}
