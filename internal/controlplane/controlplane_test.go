package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dccbot/dccbot/internal/botlog"
	"github.com/dccbot/dccbot/internal/registry"
)

type fakeBackend struct {
	joined, parted []string
	msgs           []string
	cancelled      string
	cancelOK       bool
	snapshot       []registry.View
	networks       []registry.NetworkStatus
	shutdownCalled bool
	shutdownGrace  time.Duration
}

func (f *fakeBackend) RequestPack(host, target, command string) error { return nil }

func (f *fakeBackend) Join(host, channel string) error {
	f.joined = append(f.joined, host+"/"+channel)
	return nil
}

func (f *fakeBackend) Part(host, channel, reason string) error {
	f.parted = append(f.parted, host+"/"+channel)
	return nil
}

func (f *fakeBackend) Msg(host, target, message string) error {
	f.msgs = append(f.msgs, target+":"+message)
	return nil
}

func (f *fakeBackend) Cancel(id string) bool {
	f.cancelled = id
	return f.cancelOK
}

func (f *fakeBackend) Snapshot() []registry.View { return f.snapshot }

func (f *fakeBackend) Networks() []registry.NetworkStatus { return f.networks }

func (f *fakeBackend) Shutdown(grace time.Duration) {
	f.shutdownCalled = true
	f.shutdownGrace = grace
}

func newTestServer(backend Backend) *Server {
	return New(backend, botlog.NewRing(), "", nil, nil)
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandleJoinDelegatesToBackend(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(backend)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/join", joinRequest{Server: "irc.example.org", Channel: "#c"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"irc.example.org/#c"}, backend.joined)
}

func TestHandleJoinRejectsMissingFields(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(backend)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/join", joinRequest{Server: "irc.example.org"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "bad_request", body["error"])
}

func TestHandlePartDelegatesToBackend(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(backend)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/part", partRequest{Server: "irc.example.org", Channel: "#c"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"irc.example.org/#c"}, backend.parted)
}

func TestHandleMsgPrefersUserOverChannel(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(backend)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/msg", msgRequest{
		Server: "irc.example.org", Channel: "#c", User: "xdcc-bot", Message: "xdcc send 5",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"xdcc-bot:xdcc send 5"}, backend.msgs)
}

func TestHandleCancelByNaturalKey(t *testing.T) {
	backend := &fakeBackend{
		snapshot: []registry.View{{ID: "abc123", Server: "irc.example.org", Peer: "xdcc-bot", Filename: "movie.mkv"}},
		cancelOK: true,
	}
	srv := newTestServer(backend)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/cancel", cancelRequest{
		Server: "irc.example.org", Nick: "xdcc-bot", Filename: "movie.mkv",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "abc123", backend.cancelled)
}

func TestHandleCancelNoMatchIs404(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(backend)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/cancel", cancelRequest{
		Server: "irc.example.org", Nick: "xdcc-bot", Filename: "missing.mkv",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleInfoReturnsSnapshot(t *testing.T) {
	backend := &fakeBackend{
		snapshot: []registry.View{{ID: "abc123", Filename: "movie.mkv"}},
		networks: []registry.NetworkStatus{{Server: "irc.example.org", Status: "connected"}},
	}
	srv := newTestServer(backend)
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Transfers []registry.View          `json:"transfers"`
		Networks  []registry.NetworkStatus `json:"networks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Transfers, 1)
	require.Equal(t, "movie.mkv", body.Transfers[0].Filename)
	require.Len(t, body.Networks, 1)
	require.Equal(t, "connected", body.Networks[0].Status)
}

func TestHandleShutdownCallsBackend(t *testing.T) {
	backend := &fakeBackend{}
	srv := newTestServer(backend)
	req := httptest.NewRequest(http.MethodPost, "/shutdown", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return backend.shutdownCalled }, time.Second, 5*time.Millisecond)
}
