package resource

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocmt/controlplane/pkg/capability"
	"github.com/ocmt/controlplane/pkg/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInvokerStore struct {
	resource *Resource
	grant    *Grant
	logged   []string
}

func (s *fakeInvokerStore) GetResource(ctx context.Context, owner, resourceID string) (*Resource, error) {
	if s.resource == nil {
		return nil, ErrResourceNotFound
	}
	return s.resource, nil
}

func (s *fakeInvokerStore) GetGrant(ctx context.Context, owner, resourceID string) (*Grant, error) {
	if s.grant == nil {
		return nil, ErrNoGrant
	}
	return s.grant, nil
}

func (s *fakeInvokerStore) InsertCallLog(ctx context.Context, ownerID, resourceID, method, path string, status int) error {
	s.logged = append(s.logged, method+" "+path)
	return nil
}

type fakeDecryptor struct{}

func (fakeDecryptor) Decrypt(ciphertext string) ([]byte, error) {
	return []byte(ciphertext), nil
}

// alwaysPublicResolver answers every DNS lookup with a fixed public address,
// so invoker tests can exercise the happy path with a resource hostname that
// passes the SSRF guard.
type alwaysPublicResolver struct{}

func (alwaysPublicResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("203.0.113.10")}, nil
}

type zeroLimiter struct{}

func (zeroLimiter) Admit(ctx context.Context, service, limiterName, identifier string, max int, window time.Duration) ratelimit.Result {
	return ratelimit.Result{Admitted: false}
}

// redirectTransport rewrites every outbound request's host to an
// httptest.Server's real loopback address, while leaving the SSRF guard's
// view of the request (which only ever sees the original, pre-dial URL)
// unaffected — modeling "the resolved, pre-flight-checked hostname is
// looked up once more at dial time" without weakening CheckSSRF itself.
type redirectTransport struct {
	targetAddr string
}

func (t redirectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.targetAddr
	return http.DefaultTransport.RoundTrip(req)
}

func TestInvokeHappyPathInjectsBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	store := &fakeInvokerStore{
		resource: &Resource{
			ID: "res-1", OwnerID: "owner-1", BaseEndpoint: "https://api.example.com", Status: StatusActive,
			Auth: AuthConfig{Type: AuthBearer, Ciphertext: "token-123"},
		},
		grant: &Grant{OwnerID: "owner-1", ResourceID: "res-1", Status: GrantStatusConnected, Permissions: []capability.Permission{capability.PermissionRead}},
	}

	inv := NewInvoker(store, ratelimit.New(nil, testLogger()), fakeDecryptor{}, alwaysPublicResolver{}, nil, testLogger())
	inv.client = &http.Client{Transport: redirectTransport{targetAddr: srv.Listener.Addr().String()}}

	result, err := inv.Invoke(context.Background(), CallRequest{
		Owner: "owner-1", ResourceID: "res-1", Method: http.MethodGet, Path: "/widgets",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "Bearer token-123", gotAuth)
	require.Len(t, store.logged, 1)
}

func TestInvokeRejectsWithoutConnectedGrant(t *testing.T) {
	store := &fakeInvokerStore{grant: &Grant{Status: GrantStatusGranted}}
	inv := NewInvoker(store, nil, fakeDecryptor{}, alwaysPublicResolver{}, nil, testLogger())

	_, err := inv.Invoke(context.Background(), CallRequest{Owner: "owner-1", ResourceID: "res-1", Method: http.MethodGet})
	require.ErrorIs(t, err, ErrNoGrant)
}

func TestInvokeRejectsMissingPermission(t *testing.T) {
	store := &fakeInvokerStore{
		grant: &Grant{Status: GrantStatusConnected, Permissions: []capability.Permission{capability.PermissionRead}},
	}
	inv := NewInvoker(store, nil, fakeDecryptor{}, alwaysPublicResolver{}, nil, testLogger())

	_, err := inv.Invoke(context.Background(), CallRequest{Owner: "owner-1", ResourceID: "res-1", Method: http.MethodDelete})
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestInvokeRejectsInactiveResource(t *testing.T) {
	store := &fakeInvokerStore{
		resource: &Resource{ID: "res-1", Status: StatusInactive},
		grant:    &Grant{Status: GrantStatusConnected, Permissions: []capability.Permission{capability.PermissionRead}},
	}
	inv := NewInvoker(store, nil, fakeDecryptor{}, alwaysPublicResolver{}, nil, testLogger())

	_, err := inv.Invoke(context.Background(), CallRequest{Owner: "owner-1", ResourceID: "res-1", Method: http.MethodGet})
	require.ErrorIs(t, err, ErrResourceInactive)
}

func TestInvokeBlocksSSRFTarget(t *testing.T) {
	store := &fakeInvokerStore{
		resource: &Resource{ID: "res-1", BaseEndpoint: "http://169.254.169.254", Status: StatusActive},
		grant:    &Grant{Status: GrantStatusConnected, Permissions: []capability.Permission{capability.PermissionRead}},
	}
	inv := NewInvoker(store, nil, fakeDecryptor{}, alwaysPublicResolver{}, nil, testLogger())

	_, err := inv.Invoke(context.Background(), CallRequest{Owner: "owner-1", ResourceID: "res-1", Method: http.MethodGet, Path: "/meta-data"})
	require.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestInvokeRejectsWhenRateLimited(t *testing.T) {
	store := &fakeInvokerStore{
		resource: &Resource{ID: "res-1", BaseEndpoint: "http://192.0.2.1", Status: StatusActive},
		grant:    &Grant{Status: GrantStatusConnected, Permissions: []capability.Permission{capability.PermissionRead}},
	}

	inv := NewInvoker(store, zeroLimiter{}, fakeDecryptor{}, alwaysPublicResolver{}, nil, testLogger())
	_, err := inv.Invoke(context.Background(), CallRequest{Owner: "owner-1", ResourceID: "res-1", Method: http.MethodGet})
	require.ErrorIs(t, err, ErrRateLimited)
}
