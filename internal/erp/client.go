package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scanshop/companion-sync/pkg/config"
	pkgerrors "github.com/scanshop/companion-sync/pkg/errors"
	"github.com/scanshop/companion-sync/pkg/logger"
)

const (
	defaultTimeout       = 15 * time.Second
	defaultTokenLifetime = 8 * time.Hour
	defaultRefreshSkew   = 5 * time.Minute
	responseReadLimit    = 1 << 20
)

var (
	errBaseURLRequired     = errors.New("erp base url is required")
	errCredentialsRequired = errors.New("erp credentials are required")

	validationPattern = regexp.MustCompile(`(?i)\b400\b|bad request|obligatorio|ERP error 4\d\d`)
)

// Token is a bearer token and the instant it stops being usable.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

func (t Token) validAt(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Add(skew).Before(t.ExpiresAt)
}

// TokenStore persists the bearer token across restarts.
type TokenStore interface {
	LoadToken(ctx context.Context) (Token, bool, error)
	SaveToken(ctx context.Context, token Token) error
}

// Result is an accepted order.
type Result struct {
	Reference    string          `json:"pedido"`
	Deduplicated bool            `json:"deduplicated"`
	Body         json.RawMessage `json:"-"`
}

// Submitter sends orders to the external order system.
type Submitter interface {
	SubmitOrder(ctx context.Context, payload Payload) (Result, error)
}

// Client talks to the external order system's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	loginPath  string
	ordersPath string
	username   string
	password   string
	lifetime   time.Duration
	skew       time.Duration
	tokens     TokenStore
	logg       *logger.Logger
	now        func() time.Time

	mu    sync.Mutex
	token Token
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTokenStore persists tokens between restarts.
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) {
		c.tokens = store
	}
}

// WithLogger attaches a logger.
func WithLogger(logg *logger.Logger) Option {
	return func(c *Client) {
		c.logg = logg
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient builds a client from configuration.
func NewClient(cfg config.ERPConfig, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errBaseURLRequired
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errCredentialsRequired
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		loginPath:  defaultPath(cfg.LoginPath, "/login"),
		ordersPath: defaultPath(cfg.OrdersPath, "/pedidos/crear"),
		username:   cfg.Username,
		password:   cfg.Password,
		lifetime:   cfg.TokenLifetime,
		skew:       cfg.RefreshSkew,
		now:        time.Now,
	}
	if c.lifetime <= 0 {
		c.lifetime = defaultTokenLifetime
	}
	if c.skew < 0 {
		c.skew = defaultRefreshSkew
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func defaultPath(path, fallback string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = fallback
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// Authenticate logs in and caches the new token.
func (c *Client) Authenticate(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token.validAt(now, c.skew) {
		return c.token.Value, nil
	}
	if c.tokens != nil {
		stored, found, err := c.tokens.LoadToken(ctx)
		if err != nil {
			c.warn(ctx, "load persisted erp token", err)
		} else if found && stored.validAt(now, c.skew) {
			c.token = stored
			return stored.Value, nil
		}
	}
	token, err := c.loginLocked(ctx)
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

func (c *Client) loginLocked(ctx context.Context) (Token, error) {
	body, err := json.Marshal(map[string]string{"usuario": c.username, "password": c.password})
	if err != nil {
		return Token{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal erp login")
	}
	status, data, err := c.post(ctx, c.loginPath, "", body)
	if err != nil {
		return Token{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute erp login")
	}
	if status < 200 || status > 299 {
		return Token{}, pkgerrors.Wrap(pkgerrors.CodeDependency,
			fmt.Errorf("ERP login error %d: %s", status, responseMessage(data, http.StatusText(status))), "erp login failed")
	}

	value := extractToken(data)
	if value == "" {
		return Token{}, pkgerrors.New(pkgerrors.CodeDependency, "erp login returned no token")
	}
	token := Token{Value: value, ExpiresAt: c.expiry(value)}
	c.token = token
	if c.tokens != nil {
		if err := c.tokens.SaveToken(ctx, token); err != nil {
			c.warn(ctx, "persist erp token", err)
		}
	}
	return token, nil
}

// expiry caps the configured lifetime by the token's own exp claim when the
// token is a JWT.
func (c *Client) expiry(value string) time.Time {
	expires := c.now().Add(c.lifetime)
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err != nil {
		return expires
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return expires
	}
	if exp.Time.Before(expires) {
		return exp.Time
	}
	return expires
}

// SubmitOrder creates the order. Client-side rejections are
// validation errors; everything else is a dependency error.
func (c *Client) SubmitOrder(ctx context.Context, payload Payload) (Result, error) {
	body, err := json.Marshal(payload.Normalize())
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "marshal erp order")
	}

	token, err := c.currentToken(ctx)
	if err != nil {
		return Result{}, err
	}
	status, data, err := c.post(ctx, c.ordersPath, token, body)
	if err == nil && status == http.StatusUnauthorized {
		refreshed, authErr := c.Authenticate(ctx)
		if authErr != nil {
			return Result{}, authErr
		}
		status, data, err = c.post(ctx, c.ordersPath, refreshed.Value, body)
	}
	if err != nil {
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute erp order")
	}
	return classify(status, data)
}

func classify(status int, data []byte) (Result, error) {
	message := responseMessage(data, http.StatusText(status))
	switch {
	case status >= 200 && status <= 299:
		var parsed map[string]any
		_ = json.Unmarshal(data, &parsed)
		if ok, present := parsed["success"].(bool); present && !ok {
			return Result{}, pkgerrors.New(pkgerrors.CodeValidation, "ERP rejected order: "+message)
		}
		return Result{Reference: extractReference(parsed), Body: json.RawMessage(data)}, nil
	case status >= 400 && status <= 499:
		return Result{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("ERP error %d: %s", status, message))
	default:
		cause := fmt.Errorf("ERP order error %d: %s", status, message)
		if validationPattern.MatchString(message) {
			return Result{}, pkgerrors.Wrap(pkgerrors.CodeValidation, cause, "erp rejected order")
		}
		return Result{}, pkgerrors.Wrap(pkgerrors.CodeDependency, cause, "erp order failed")
	}
}

func (c *Client) post(ctx context.Context, path, token string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) warn(ctx context.Context, msg string, err error) {
	if c.logg == nil {
		return
	}
	c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), msg)
}

func extractToken(data []byte) string {
	var parsed struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
		Data        struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return ""
	}
	for _, candidate := range []string{parsed.Token, parsed.AccessToken, parsed.Data.Token} {
		if strings.TrimSpace(candidate) != "" {
			return strings.TrimSpace(candidate)
		}
	}
	return ""
}

func extractReference(parsed map[string]any) string {
	if ref := stringify(parsed["pedido"]); ref != "" {
		return ref
	}
	if nested, ok := parsed["data"].(map[string]any); ok {
		return stringify(nested["pedido"])
	}
	return ""
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func responseMessage(data []byte, fallback string) string {
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if trimmed := strings.TrimSpace(string(data)); trimmed != "" && len(trimmed) <= 512 {
		return trimmed
	}
	return fallback
}

// IsValidation reports whether err is a terminal rejection of the order.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	if pkgerrors.Is(err, pkgerrors.CodeValidation) {
		return true
	}
	if pkgerrors.As(err) != nil {
		return false
	}
	return validationPattern.MatchString(err.Error())
}
