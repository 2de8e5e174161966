// Package jmapapi implements the backend capability interface against a
// JMAP server (RFC 8620 / RFC 8621). Message UIDs are JMAP email ids and
// the sync cursor is the server's Email state token, so incremental
// fetches ride on Email/changes.
package jmapapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/petrel-mail/petrel/internal/backend"
)

// defaultRequestRate caps outgoing API calls so a tight re-sync loop
// cannot hammer the server.
const defaultRequestRate = rate.Limit(10)

// client speaks the JMAP HTTP protocol: session discovery, the API
// endpoint, and blob downloads.
type client struct {
	endpoint string
	token    string
	username string
	password string

	httpc   *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger

	session   *Session
	accountID Id
}

func newClient(cfg Config, logger *logrus.Logger) *client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Limit(cfg.RequestsPerSecond)
	if limit <= 0 {
		limit = defaultRequestRate
	}
	burst := int(limit)
	if burst < 1 {
		burst = 1
	}
	return &client{
		endpoint: cfg.Endpoint,
		token:    cfg.Token,
		username: cfg.Username,
		password: cfg.Password,
		httpc:    &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

func (c *client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else {
		req.SetBasicAuth(c.username, c.password)
	}
}

// sessionURL resolves the configured endpoint to the session resource.
// A bare host gets the well-known autodiscovery path appended.
func (c *client) sessionURL() (string, error) {
	raw := c.endpoint
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint %q: %w", c.endpoint, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = wellKnownPath
	}
	return u.String(), nil
}

// discover fetches the session resource and picks the primary mail
// account. It is a no-op when a session is already held.
func (c *client) discover(ctx context.Context) error {
	const op = "jmap: discover session"
	if c.session != nil {
		return nil
	}

	target, err := c.sessionURL()
	if err != nil {
		return backend.Wrap(op, backend.ProtocolViolation, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return backend.Wrap(op, backend.Unreachable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return backend.Wrap(op, backend.ProtocolViolation, err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return backend.Wrap(op, backend.Unreachable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return err
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return backend.Errf(backend.ProtocolViolation, op, "failed to decode session: %w", err)
	}
	if session.APIURL == "" {
		return backend.Errf(backend.ProtocolViolation, op, "session has no apiUrl")
	}
	accountID, ok := session.PrimaryAccounts[mailCapability]
	if !ok {
		return backend.Errf(backend.ProtocolViolation, op, "session has no primary mail account")
	}

	c.session = &session
	c.accountID = accountID
	c.logger.WithFields(logrus.Fields{
		"username": session.Username,
		"account":  string(accountID),
	}).Debug("jmap: session established")
	return nil
}

// call posts one API request and returns the raw method responses.
func (c *client) call(ctx context.Context, op string, calls ...MethodCall) ([]MethodResponse, error) {
	if err := c.discover(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}

	body, err := json.Marshal(Request{
		Using:       []string{coreCapability, mailCapability},
		MethodCalls: calls,
	})
	if err != nil {
		return nil, backend.Wrap(op, backend.ProtocolViolation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.session.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, backend.Wrap(op, backend.ProtocolViolation, err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return nil, err
	}

	var decoded Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, backend.Errf(backend.ProtocolViolation, op, "failed to decode response: %w", err)
	}
	return decoded.MethodResponses, nil
}

// invoke runs a single method call and decodes its response arguments
// into out. An "error" method response is mapped onto the failure
// taxonomy; cannotCalculateChanges is surfaced untyped so callers can
// fall back to a full fetch.
func (c *client) invoke(ctx context.Context, op, method string, args any, out any) error {
	responses, err := c.call(ctx, op, MethodCall{Name: method, Args: args, ID: "0"})
	if err != nil {
		return err
	}
	if len(responses) == 0 {
		return backend.Errf(backend.ProtocolViolation, op, "server returned no method responses")
	}
	mr := responses[0]

	if mr.Name == "error" {
		var merr MethodError
		if err := json.Unmarshal(mr.Args, &merr); err != nil {
			return backend.Errf(backend.ProtocolViolation, op, "failed to decode method error: %w", err)
		}
		return methodError(op, merr)
	}
	if mr.Name != method {
		return backend.Errf(backend.ProtocolViolation, op, "server answered %q to %q", mr.Name, method)
	}
	if err := json.Unmarshal(mr.Args, out); err != nil {
		return backend.Errf(backend.ProtocolViolation, op, "failed to decode %s response: %w", method, err)
	}
	return nil
}

// errCannotCalculateChanges signals that the server discarded the state
// the cursor refers to and a full fetch is required.
var errCannotCalculateChanges = fmt.Errorf("jmap: cannot calculate changes")

func methodError(op string, merr MethodError) error {
	switch merr.Type {
	case "cannotCalculateChanges":
		return errCannotCalculateChanges
	case "forbidden", "accountReadOnly":
		return backend.Errf(backend.PermissionDenied, op, "%s: %s", merr.Type, merr.Description)
	case "notFound":
		return backend.Errf(backend.NotFound, op, "%s: %s", merr.Type, merr.Description)
	default:
		return backend.Errf(backend.ProtocolViolation, op, "method error %s: %s", merr.Type, merr.Description)
	}
}

func checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backend.Errf(backend.AuthFailed, op, "server rejected credentials (%s)", resp.Status)
	case resp.StatusCode == http.StatusNotFound:
		return backend.Errf(backend.NotFound, op, "%s", resp.Status)
	case resp.StatusCode >= 500:
		return backend.Errf(backend.Unreachable, op, "server error (%s)", resp.Status)
	case resp.StatusCode >= 400:
		return backend.Errf(backend.ProtocolViolation, op, "unexpected status %s", resp.Status)
	}
	return nil
}

// download fetches a blob through the session's download URL template.
func (c *client) download(ctx context.Context, blobID Id) ([]byte, error) {
	const op = "jmap: download blob"
	if err := c.discover(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}

	target := c.session.DownloadURL
	target = strings.ReplaceAll(target, "{accountId}", url.PathEscape(string(c.accountID)))
	target = strings.ReplaceAll(target, "{blobId}", url.PathEscape(string(blobID)))
	target = strings.ReplaceAll(target, "{type}", url.PathEscape("message/rfc822"))
	target = strings.ReplaceAll(target, "{name}", url.PathEscape(string(blobID)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backend.Wrap(op, backend.ProtocolViolation, err)
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backend.Wrap(op, backend.Unreachable, err)
	}
	return data, nil
}
