package resource

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ocmt/controlplane/internal/audit"
	"github.com/ocmt/controlplane/internal/telemetry"
	"github.com/ocmt/controlplane/pkg/ratelimit"
)

// callTimeout and maxBodyBytes are spec §4.8 step 9: "Execute with a 30 s
// timeout and 5 MiB cap on request and response body."
const (
	callTimeout  = 30 * time.Second
	maxBodyBytes = 5 * 1024 * 1024

	// defaultCallLimit/Window is spec §4.8 step 4's "default 100/hour".
	defaultCallLimit  = 100
	defaultCallWindow = time.Hour
)

// Store is everything Invoke needs from persistence.
type Store interface {
	GetResource(ctx context.Context, owner, resourceID string) (*Resource, error)
	GetGrant(ctx context.Context, owner, resourceID string) (*Grant, error)
	InsertCallLog(ctx context.Context, ownerID, resourceID, method, path string, status int) error
}

// RateLimiter is the narrow slice of *pkg/ratelimit.Limiter that Invoke
// needs, kept as an interface for testability.
type RateLimiter interface {
	Admit(ctx context.Context, service, limiterName, identifier string, max int, window time.Duration) ratelimit.Result
}

// Decryptor is the narrow decryption capability Invoke needs from
// pkg/cipherstore.
type Decryptor interface {
	Decrypt(ciphertext string) ([]byte, error)
}

// CallRequest is call_resource's input (spec §4.8).
type CallRequest struct {
	Owner      string
	ResourceID string
	Method     string
	Path       string
	Query      url.Values
	Body       []byte
	Headers    http.Header
}

// CallResult is call_resource's output: the upstream response, forwarded
// verbatim regardless of status code (spec §4.8 step 9: "accept all status
// codes; do not throw on non-2xx").
type CallResult struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Invoker implements call_resource end to end.
type Invoker struct {
	store    Store
	limiter  RateLimiter
	cipher   Decryptor
	resolver Resolver
	client   *http.Client
	audit    *audit.Writer
	logger   *slog.Logger
}

func NewInvoker(store Store, limiter RateLimiter, cipher Decryptor, resolver Resolver, auditWriter *audit.Writer, logger *slog.Logger) *Invoker {
	if resolver == nil {
		resolver = DefaultResolver
	}
	return &Invoker{
		store:    store,
		limiter:  limiter,
		cipher:   cipher,
		resolver: resolver,
		client:   &http.Client{Timeout: callTimeout},
		audit:    auditWriter,
		logger:   logger,
	}
}

// Invoke runs spec §4.8 steps 1-10.
func (inv *Invoker) Invoke(ctx context.Context, req CallRequest) (*CallResult, error) {
	grant, err := inv.store.GetGrant(ctx, req.Owner, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if grant.Status != GrantStatusConnected {
		return nil, ErrNoGrant
	}

	perm, err := RequiredPermission(req.Method)
	if err != nil {
		return nil, err
	}
	if !grant.Has(perm) {
		return nil, ErrPermissionDenied
	}

	res, err := inv.store.GetResource(ctx, req.Owner, req.ResourceID)
	if err != nil {
		return nil, err
	}
	if res.Status != StatusActive {
		return nil, ErrResourceInactive
	}

	if inv.limiter != nil {
		admit := inv.limiter.Admit(ctx, "resource", "invoke", req.Owner+":"+req.ResourceID, defaultCallLimit, defaultCallWindow)
		if !admit.Admitted {
			telemetry.RateLimitRejectedTotal.WithLabelValues("resource.invoke").Inc()
			return nil, ErrRateLimited
		}
	}

	target, err := buildURL(res.BaseEndpoint, req.Path, req.Query)
	if err != nil {
		return nil, fmt.Errorf("resource: building target url: %w", err)
	}

	if err := CheckSSRF(ctx, inv.resolver, target); err != nil {
		telemetry.SSRFBlockedTotal.WithLabelValues(classifySSRFReason(err)).Inc()
		inv.logAudit(ctx, req, 0, false, err.Error())
		return nil, err
	}

	if len(req.Body) > maxBodyBytes {
		return nil, fmt.Errorf("resource: request body exceeds %d bytes", maxBodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("resource: building request: %w", err)
	}
	httpReq.Header = FilterHeaders(req.Headers)

	if err := injectAuth(httpReq, res.Auth, inv.cipher); err != nil {
		return nil, fmt.Errorf("resource: injecting auth: %w", err)
	}

	start := time.Now()
	resp, err := inv.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		inv.logAudit(ctx, req, 0, false, err.Error())
		return nil, fmt.Errorf("resource: outbound call failed: %w", err)
	}
	defer resp.Body.Close()

	statusClass := strconv.Itoa(resp.StatusCode/100) + "xx"
	telemetry.ResourceCallDuration.WithLabelValues(req.ResourceID, statusClass).Observe(duration.Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		inv.logAudit(ctx, req, resp.StatusCode, false, err.Error())
		return nil, fmt.Errorf("resource: reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		body = body[:maxBodyBytes]
	}

	inv.logAudit(ctx, req, resp.StatusCode, true, "")
	if err := inv.store.InsertCallLog(ctx, req.Owner, req.ResourceID, req.Method, req.Path, resp.StatusCode); err != nil {
		inv.logger.Error("resource: recording call log failed", "error", err)
	}

	return &CallResult{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header}, nil
}

func (inv *Invoker) logAudit(ctx context.Context, req CallRequest, status int, success bool, errMsg string) {
	if inv.audit == nil {
		return
	}
	inv.audit.Log(audit.Entry{
		ActorID:   req.Owner,
		EventType: "resource.call",
		TargetID:  req.ResourceID,
		Success:   success,
		Error:     errMsg,
		CreatedAt: time.Now(),
	})
}

// classifySSRFReason gives the SSRF-blocked telemetry counter a coarse,
// low-cardinality label.
func classifySSRFReason(err error) string {
	switch {
	case strings.Contains(err.Error(), "loopback"):
		return "loopback"
	case strings.Contains(err.Error(), "dns resolution failed"):
		return "dns_failure"
	case strings.Contains(err.Error(), "blocked address"):
		return "blocked_cidr"
	case strings.Contains(err.Error(), "unparseable"):
		return "unparseable_url"
	default:
		return "other"
	}
}

// buildURL joins base+path (trimming/deduping slashes) and appends query
// (spec §4.8 step 5).
func buildURL(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base endpoint: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		existing := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				existing.Add(k, v)
			}
		}
		u.RawQuery = existing.Encode()
	}
	return u.String(), nil
}

// injectAuth adds the resource's decrypted credential to req per its
// configured AuthType (spec §4.8 step 8).
func injectAuth(req *http.Request, auth AuthConfig, cipher Decryptor) error {
	if auth.Type == AuthNone || auth.Type == "" {
		return nil
	}
	if auth.Ciphertext == "" {
		return nil
	}
	if cipher == nil {
		return fmt.Errorf("resource: auth configured but no decryptor available")
	}
	plaintext, err := cipher.Decrypt(auth.Ciphertext)
	if err != nil {
		return fmt.Errorf("decrypting credential: %w", err)
	}
	secret := string(plaintext)

	switch auth.Type {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+secret)
	case AuthAPIKey:
		name := auth.ParamName
		if name == "" {
			name = "X-API-Key"
		}
		if auth.Location == AuthLocationQuery {
			q := req.URL.Query()
			q.Set(name, secret)
			req.URL.RawQuery = q.Encode()
		} else {
			req.Header.Set(name, secret)
		}
	case AuthBasic:
		user, pass, found := strings.Cut(secret, ":")
		if !found {
			return fmt.Errorf("basic auth credential is not in user:pass form")
		}
		token := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Authorization", "Basic "+token)
	}
	return nil
}
