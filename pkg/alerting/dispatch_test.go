package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// singleChannelStore is a minimal ChannelConfigSource fake returning one
// fixed config regardless of owner, used by the dispatcher-level tests.
type singleChannelStore struct {
	cfg *ChannelConfig
	err error
}

func (s *singleChannelStore) GetChannelConfig(ctx context.Context, owner string, channel Channel) (*ChannelConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.cfg, nil
}

// fakeDecryptor returns the ciphertext unchanged, standing in for
// pkg/cipherstore in dispatcher tests that don't exercise encryption.
type fakeDecryptor struct{}

func (fakeDecryptor) Decrypt(ciphertext string) ([]byte, error) {
	return []byte(ciphertext), nil
}

func TestDiscordDispatcherPostsColoredEmbed(t *testing.T) {
	var captured discordWebhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &singleChannelStore{cfg: &ChannelConfig{Owner: "owner-1", Channel: ChannelDiscord, Endpoint: srv.URL}}
	d := &DiscordDispatcher{HTTPClient: srv.Client()}

	err := d.Dispatch(context.Background(), store, fakeDecryptor{}, DispatchAlert{
		Owner: "owner-1", Title: "disk full", Message: "90% used", Severity: SeverityCritical,
	})
	require.NoError(t, err)
	require.Len(t, captured.Embeds, 1)
	require.Equal(t, "disk full", captured.Embeds[0].Title)
	require.Equal(t, 0xDC2626, captured.Embeds[0].Color)
}

func TestDiscordDispatcherUnconfiguredPropagatesError(t *testing.T) {
	store := &singleChannelStore{err: ErrChannelNotConfigured}
	d := &DiscordDispatcher{}
	err := d.Dispatch(context.Background(), store, fakeDecryptor{}, DispatchAlert{Owner: "owner-1"})
	require.ErrorIs(t, err, ErrChannelNotConfigured)
}

func TestDiscordDispatcherNonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &singleChannelStore{cfg: &ChannelConfig{Endpoint: srv.URL}}
	d := &DiscordDispatcher{HTTPClient: srv.Client()}
	err := d.Dispatch(context.Background(), store, fakeDecryptor{}, DispatchAlert{Owner: "owner-1", Severity: SeverityInfo})
	require.Error(t, err)
}

func TestWebhookDispatcherSendsDecryptedBearerAuth(t *testing.T) {
	var gotAuth string
	var body genericWebhookBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &singleChannelStore{cfg: &ChannelConfig{
		Owner: "owner-1", Channel: ChannelWebhook, Endpoint: srv.URL, AuthCiphertext: "secret-token",
	}}
	d := &WebhookDispatcher{HTTPClient: srv.Client()}

	err := d.Dispatch(context.Background(), store, fakeDecryptor{}, DispatchAlert{
		Owner: "owner-1", Title: "t", Message: "m", Severity: SeverityWarning,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer secret-token", gotAuth)
	require.Equal(t, "t", body.Title)
	require.Equal(t, "#D97706", body.Color)
}

func TestWebhookDispatcherNoAuthConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &singleChannelStore{cfg: &ChannelConfig{Endpoint: srv.URL}}
	d := &WebhookDispatcher{HTTPClient: srv.Client()}
	err := d.Dispatch(context.Background(), store, fakeDecryptor{}, DispatchAlert{Owner: "owner-1"})
	require.NoError(t, err)
	require.Empty(t, gotAuth)
}

func TestEmailDispatcherToleratesUnconfiguredSilently(t *testing.T) {
	store := &singleChannelStore{err: ErrChannelNotConfigured}
	d := &EmailDispatcher{Mailer: recordingMailer{}}
	err := d.Dispatch(context.Background(), store, fakeDecryptor{}, DispatchAlert{Owner: "owner-1"})
	require.NoError(t, err)
}

func TestEmailDispatcherNilMailerIsNoop(t *testing.T) {
	d := &EmailDispatcher{}
	err := d.Dispatch(context.Background(), &singleChannelStore{cfg: &ChannelConfig{Endpoint: "a@example.com"}}, fakeDecryptor{}, DispatchAlert{Owner: "owner-1"})
	require.NoError(t, err)
}

type recordingMailer struct{}

func (recordingMailer) Enqueue(ctx context.Context, to, subject, body string) error { return nil }

func TestInAppDispatcherBroadcasts(t *testing.T) {
	b := &capturingBroadcaster{}
	d := &InAppDispatcher{Broadcaster: b}
	err := d.Dispatch(context.Background(), &singleChannelStore{}, fakeDecryptor{}, DispatchAlert{
		Owner: "owner-1", Title: "t", Message: "m", Severity: SeverityInfo,
	})
	require.NoError(t, err)
	require.Equal(t, "owner-1", b.owner)
	require.Equal(t, "alert", b.event)
}

type capturingBroadcaster struct {
	owner string
	event string
}

func (b *capturingBroadcaster) BroadcastToOwner(owner, eventName string, payload any) {
	b.owner = owner
	b.event = eventName
}
