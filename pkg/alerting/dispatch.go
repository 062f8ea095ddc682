package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goslack "github.com/slack-go/slack"
)

// dispatchTimeout is spec §4.6/§5's "10 s timeout" for webhook/email/chat
// channel dispatch.
const dispatchTimeout = 10 * time.Second

// DispatchAlert is the channel-agnostic payload a Dispatcher shapes into
// its target's wire format.
type DispatchAlert struct {
	Owner    string
	Group    string
	Title    string
	Message  string
	Severity Severity
	Metadata map[string]any
}

// Broadcaster is the in_app channel's dependency on the SSE fan-out
// registry (spec §4.9); kept as a narrow interface so pkg/alerting never
// imports pkg/sse directly.
type Broadcaster interface {
	BroadcastToOwner(owner, eventName string, payload any)
}

// Mailer is the email channel's dependency on an external mail sender.
// trigger_alert must "tolerate absence silently" (spec §4.6), so a nil
// Mailer or a lookup miss is not an error.
type Mailer interface {
	Enqueue(ctx context.Context, to, subject, body string) error
}

// ChannelConfigSource is the narrow lookup a Dispatcher needs from the
// store, kept as an interface so dispatchers are testable without a live
// Postgres connection.
type ChannelConfigSource interface {
	GetChannelConfig(ctx context.Context, owner string, channel Channel) (*ChannelConfig, error)
}

// Decryptor is the narrow decryption capability a Dispatcher needs from
// pkg/cipherstore, kept as an interface for the same reason.
type Decryptor interface {
	Decrypt(ciphertext string) ([]byte, error)
}

// Dispatcher sends one alert to one channel for one owner.
type Dispatcher interface {
	Dispatch(ctx context.Context, cfgSource ChannelConfigSource, cipher Decryptor, alert DispatchAlert) error
}

// InAppDispatcher broadcasts an in_app notification over SSE to the
// owner's subscribers. No notification record is persisted.
type InAppDispatcher struct {
	Broadcaster Broadcaster
}

func (d *InAppDispatcher) Dispatch(ctx context.Context, cfgSource ChannelConfigSource, cipher Decryptor, alert DispatchAlert) error {
	if d.Broadcaster == nil {
		return nil
	}
	d.Broadcaster.BroadcastToOwner(alert.Owner, "alert", map[string]any{
		"title":    alert.Title,
		"message":  alert.Message,
		"severity": alert.Severity,
		"group":    alert.Group,
	})
	return nil
}

// EmailDispatcher enqueues an email via the external mailer, looking up the
// recipient from the owner's channel config.
type EmailDispatcher struct {
	Mailer Mailer
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, cfgSource ChannelConfigSource, cipher Decryptor, alert DispatchAlert) error {
	if d.Mailer == nil {
		return nil
	}
	cfg, err := cfgSource.GetChannelConfig(ctx, alert.Owner, ChannelEmail)
	if err != nil {
		// Unconfigured recipient is tolerated silently (spec §4.6).
		return nil
	}
	return d.Mailer.Enqueue(ctx, cfg.Endpoint, alert.Title, alert.Message)
}

// decryptAuth decrypts cfg's auth ciphertext, if any, returning "" when
// there is none to decrypt.
func decryptAuth(cipher Decryptor, cfg *ChannelConfig) (string, error) {
	if cfg.AuthCiphertext == "" {
		return "", nil
	}
	plaintext, err := cipher.Decrypt(cfg.AuthCiphertext)
	if err != nil {
		return "", fmt.Errorf("alerting: decrypting channel auth: %w", err)
	}
	return string(plaintext), nil
}

// SlackDispatcher posts a Slack Block Kit message to the owner's configured
// incoming webhook, adapted from the teacher's pkg/slack block-building
// idiom (AlertNotificationBlocks) but addressed by webhook URL instead of a
// bot token + channel ID, matching this engine's per-owner config model.
type SlackDispatcher struct{}

func (d *SlackDispatcher) Dispatch(ctx context.Context, cfgSource ChannelConfigSource, cipher Decryptor, alert DispatchAlert) error {
	cfg, err := cfgSource.GetChannelConfig(ctx, alert.Owner, ChannelSlack)
	if err != nil {
		return err
	}

	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType, alert.Title, true, false),
	)
	section := goslack.NewSectionBlock(
		goslack.NewTextBlockObject(goslack.MarkdownType, alert.Message, false, false),
		nil, nil,
	)
	msg := &goslack.WebhookMessage{
		Text:   fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Blocks: &goslack.Blocks{BlockSet: []goslack.Block{header, section}},
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()
	if err := goslack.PostWebhookContext(ctx, cfg.Endpoint, msg); err != nil {
		return fmt.Errorf("alerting: posting slack webhook: %w", err)
	}
	return nil
}

// discordEmbed is the minimal subset of Discord's webhook embed format this
// engine needs.
type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
}

type discordWebhookBody struct {
	Content string         `json:"content"`
	Embeds  []discordEmbed `json:"embeds"`
}

// DiscordDispatcher posts a colored embed to the owner's configured
// Discord webhook URL.
type DiscordDispatcher struct {
	HTTPClient *http.Client
}

func (d *DiscordDispatcher) Dispatch(ctx context.Context, cfgSource ChannelConfigSource, cipher Decryptor, alert DispatchAlert) error {
	cfg, err := cfgSource.GetChannelConfig(ctx, alert.Owner, ChannelDiscord)
	if err != nil {
		return err
	}

	color, err := colorToInt(SeverityColor(alert.Severity))
	if err != nil {
		return err
	}
	body := discordWebhookBody{
		Content: alert.Title,
		Embeds:  []discordEmbed{{Title: alert.Title, Description: alert.Message, Color: color}},
	}
	return postJSON(d.client(), cfg.Endpoint, body, "")
}

func (d *DiscordDispatcher) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: dispatchTimeout}
}

// genericWebhookBody is the payload shape for the generic webhook channel.
type genericWebhookBody struct {
	Owner    string         `json:"owner"`
	Group    string         `json:"group,omitempty"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Color    string         `json:"color"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WebhookDispatcher POSTs a generic JSON payload to the owner's configured
// webhook URL, optionally authenticated with a decrypted bearer token.
type WebhookDispatcher struct {
	HTTPClient *http.Client
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, cfgSource ChannelConfigSource, cipher Decryptor, alert DispatchAlert) error {
	cfg, err := cfgSource.GetChannelConfig(ctx, alert.Owner, ChannelWebhook)
	if err != nil {
		return err
	}
	token, err := decryptAuth(cipher, cfg)
	if err != nil {
		return err
	}

	body := genericWebhookBody{
		Owner:    alert.Owner,
		Group:    alert.Group,
		Title:    alert.Title,
		Message:  alert.Message,
		Severity: alert.Severity,
		Color:    SeverityColor(alert.Severity),
		Metadata: alert.Metadata,
	}

	auth := ""
	if token != "" {
		auth = "Bearer " + token
	}
	return postJSON(d.client(), cfg.Endpoint, body, auth)
}

func (d *WebhookDispatcher) client() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: dispatchTimeout}
}

// postJSON POSTs body as JSON to url with a 10 s deadline, treating any
// non-2xx status as a dispatch failure.
func postJSON(client *http.Client, url string, body any, authHeader string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("alerting: marshaling dispatch payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alerting: building dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("alerting: dispatch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alerting: dispatch target returned status %d", resp.StatusCode)
	}
	return nil
}

// colorToInt converts a "#RRGGBB" hex color to Discord's decimal embed
// color format.
func colorToInt(hex string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(hex, "#%06x", &n); err != nil {
		return 0, fmt.Errorf("alerting: parsing color %q: %w", hex, err)
	}
	return n, nil
}
