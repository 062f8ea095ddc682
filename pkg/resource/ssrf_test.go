package resource

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	ips map[string][]net.IP
	err error
}

func (r fakeResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.ips[host], nil
}

func TestCheckSSRFRejectsLoopbackAliases(t *testing.T) {
	for _, host := range []string{"http://localhost/x", "http://127.0.0.1/x", "http://0.0.0.0/x"} {
		err := CheckSSRF(context.Background(), nil, host)
		require.ErrorIs(t, err, ErrSSRFBlocked, "host %s should be blocked", host)
	}
}

func TestCheckSSRFRejectsLiteralPrivateIP(t *testing.T) {
	err := CheckSSRF(context.Background(), nil, "http://169.254.169.254/latest/meta-data/")
	require.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestCheckSSRFAcceptsLiteralPublicIP(t *testing.T) {
	err := CheckSSRF(context.Background(), nil, "http://192.0.2.1/ok")
	require.NoError(t, err)
}

func TestCheckSSRFRejectsHostnameResolvingToPrivateAddress(t *testing.T) {
	resolver := fakeResolver{ips: map[string][]net.IP{
		"internal.example.com": {net.ParseIP("10.1.2.3")},
	}}
	err := CheckSSRF(context.Background(), resolver, "http://internal.example.com/path")
	require.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestCheckSSRFAcceptsHostnameResolvingToPublicAddress(t *testing.T) {
	resolver := fakeResolver{ips: map[string][]net.IP{
		"api.example.com": {net.ParseIP("203.0.113.5")},
	}}
	err := CheckSSRF(context.Background(), resolver, "https://api.example.com/v1/ok")
	require.NoError(t, err)
}

func TestCheckSSRFRejectsOnDNSFailure(t *testing.T) {
	resolver := fakeResolver{err: errors.New("no such host")}
	err := CheckSSRF(context.Background(), resolver, "https://nowhere.invalid/path")
	require.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestCheckSSRFRejectsUnparseableURL(t *testing.T) {
	err := CheckSSRF(context.Background(), nil, "://not-a-url")
	require.ErrorIs(t, err, ErrSSRFBlocked)
}
