package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/semmy-space/gitauth/internal/autherr"
	"github.com/semmy-space/gitauth/internal/provider"
	"github.com/semmy-space/gitauth/pkg/browser"
)

const (
	// DefaultCallbackTimeout bounds the wait for the browser redirect.
	DefaultCallbackTimeout = 5 * time.Minute
	// DefaultSkew is subtracted from provider-reported expiries.
	DefaultSkew = 60 * time.Second
)

// FlowState is the observable state of a Flow.
type FlowState int

const (
	Idle FlowState = iota
	AwaitingBrowserRedirect
	ExchangingCode
	Complete
	Failed
)

func (s FlowState) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingBrowserRedirect:
		return "awaiting-browser-redirect"
	case ExchangingCode:
		return "exchanging-code"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("FlowState(%d)", int(s))
}

// Flow runs the authorization-code-with-PKCE exchange. A Flow admits one
// attempt at a time; a second Login while one is pending fails with
// autherr.ErrFlowInProgress.
type Flow struct {
	port    int
	timeout time.Duration
	skew    time.Duration
	open    func(string) error
	client  *http.Client
	out     io.Writer
	in      io.Reader
	logger  *slog.Logger

	mu      sync.Mutex
	state   FlowState
	running bool
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithCallbackPort sets the loopback port. 0 picks a free port.
func WithCallbackPort(port int) FlowOption {
	return func(f *Flow) { f.port = port }
}

// WithCallbackTimeout bounds the wait for the browser redirect.
func WithCallbackTimeout(d time.Duration) FlowOption {
	return func(f *Flow) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithSkew sets the margin subtracted from reported expiries.
func WithSkew(d time.Duration) FlowOption {
	return func(f *Flow) { f.skew = d }
}

// WithBrowser replaces the browser launcher.
func WithBrowser(open func(string) error) FlowOption {
	return func(f *Flow) { f.open = open }
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) FlowOption {
	return func(f *Flow) { f.client = c }
}

// WithPrompt sets where instructions are written and, for ManualLogin,
// where the pasted redirect URL is read from.
func WithPrompt(out io.Writer, in io.Reader) FlowOption {
	return func(f *Flow) {
		f.out = out
		f.in = in
	}
}

// WithFlowLogger sets the logger.
func WithFlowLogger(l *slog.Logger) FlowOption {
	return func(f *Flow) { f.logger = l }
}

// NewFlow returns a Flow with the default port, timeout and skew.
func NewFlow(opts ...FlowOption) *Flow {
	f := &Flow{
		port:    DefaultCallbackPort,
		timeout: DefaultCallbackTimeout,
		skew:    DefaultSkew,
		open:    browser.Open,
		client:  &http.Client{Timeout: 30 * time.Second},
		out:     os.Stderr,
		in:      os.Stdin,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the state of the current or last attempt.
func (f *Flow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) setState(s FlowState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *Flow) begin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return autherr.ErrFlowInProgress
	}
	f.running = true
	f.state = AwaitingBrowserRedirect
	return nil
}

func (f *Flow) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	if err != nil {
		f.state = Failed
	} else {
		f.state = Complete
	}
}

// oauthConfig builds the oauth2 configuration for a provider descriptor.
func oauthConfig(desc provider.Descriptor, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     desc.ClientID,
		ClientSecret: desc.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   desc.AuthURL,
			TokenURL:  desc.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURL,
		Scopes:      desc.Scopes,
	}
}

// CheckClient reports a configuration error if desc lacks the client
// credentials its provider needs.
func CheckClient(desc provider.Descriptor) error {
	if desc.ClientID == "" {
		return fmt.Errorf("%s client ID not configured. Run: gitauth config set %s_client_id <id>", desc.Name, desc.ID)
	}
	if desc.RequiresSecret && desc.ClientSecret == "" {
		return fmt.Errorf("%s client secret not configured. Run: gitauth config set %s_client_secret <secret>", desc.Name, desc.ID)
	}
	return nil
}

// Login runs the browser flow for desc and returns the issued token. The
// token's Expiry, when the provider reported one, is already reduced by the
// configured skew.
func (f *Flow) Login(ctx context.Context, desc provider.Descriptor) (token *oauth2.Token, err error) {
	if err := CheckClient(desc); err != nil {
		return nil, err
	}
	if err := f.begin(); err != nil {
		return nil, err
	}
	defer func() { f.finish(err) }()

	cs, err := listenCallback(f.port)
	if err != nil {
		return nil, err
	}
	defer cs.Close()

	cfg := oauthConfig(desc, cs.RedirectURL())
	state, err := newState()
	if err != nil {
		return nil, err
	}
	pkce := NewPKCE()
	authURL := cfg.AuthCodeURL(state, pkce.AuthCodeOptions()...)

	fmt.Fprintf(f.out, "Opening browser for %s authorization...\n", desc.Name)
	fmt.Fprintf(f.out, "If the browser doesn't open, visit this URL:\n%s\n\n", authURL)
	if err := f.open(authURL); err != nil {
		f.logger.Warn("failed to open browser", "error", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var res callbackResult
	select {
	case res = <-cs.results:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, autherr.Wrap(autherr.ErrCallbackTimeout, fmt.Sprintf("no redirect within %s", f.timeout))
	}

	return f.complete(ctx, cfg, res, state, pkce.Verifier)
}

// ManualLogin runs the same exchange without a listener: the user opens the
// URL themselves and pastes the redirected address back. Useful over SSH,
// where the browser cannot reach the loopback port.
func (f *Flow) ManualLogin(ctx context.Context, desc provider.Descriptor) (token *oauth2.Token, err error) {
	if err := CheckClient(desc); err != nil {
		return nil, err
	}
	if err := f.begin(); err != nil {
		return nil, err
	}
	defer func() { f.finish(err) }()

	redirectURL := fmt.Sprintf("http://127.0.0.1:%d%s", f.port, CallbackPath)
	cfg := oauthConfig(desc, redirectURL)
	state, err := newState()
	if err != nil {
		return nil, err
	}
	pkce := NewPKCE()
	authURL := cfg.AuthCodeURL(state, pkce.AuthCodeOptions()...)

	fmt.Fprintf(f.out, "\n=== Manual %s authorization ===\n\n", desc.Name)
	fmt.Fprintf(f.out, "1. Visit this URL in your browser:\n\n%s\n\n", authURL)
	fmt.Fprintf(f.out, "2. After authorizing, you'll be redirected to a page that won't load.\n")
	fmt.Fprintf(f.out, "3. Copy the FULL URL from your browser's address bar and paste it here.\n\n")
	fmt.Fprintf(f.out, "Paste the redirect URL: ")

	line, err := bufio.NewReader(f.in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	u, err := url.Parse(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	q := u.Query()
	res := callbackResult{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	return f.complete(ctx, cfg, res, state, pkce.Verifier)
}

// complete validates the redirect and exchanges the code.
func (f *Flow) complete(ctx context.Context, cfg *oauth2.Config, res callbackResult, state, verifier string) (*oauth2.Token, error) {
	if res.State != state {
		return nil, autherr.ErrStateMismatch
	}
	if res.Error != "" {
		msg := res.Error
		if res.ErrorDescription != "" {
			msg += ": " + res.ErrorDescription
		}
		return nil, autherr.Wrap(autherr.ErrOAuthDenied, msg)
	}
	if res.Code == "" {
		return nil, autherr.Wrap(autherr.ErrOAuthDenied, "missing authorization code")
	}

	f.setState(ExchangingCode)
	f.logger.Debug("exchanging authorization code", "token_url", cfg.Endpoint.TokenURL)

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)
	token, err := cfg.Exchange(ctx, res.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, providerError(autherr.ErrTokenExchangeFailed, err)
	}

	token.Expiry = applySkew(token.Expiry, f.skew)
	return token, nil
}

// applySkew pulls a reported expiry earlier by skew. A zero expiry means
// the provider reported no lifetime and stays zero.
func applySkew(expiry time.Time, skew time.Duration) time.Time {
	if expiry.IsZero() {
		return expiry
	}
	return expiry.Add(-skew)
}

// providerError wraps err under sentinel, surfacing the provider's own
// error description when the token endpoint returned one.
func providerError(sentinel error, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		msg := re.ErrorCode
		if re.ErrorDescription != "" {
			msg += ": " + re.ErrorDescription
		}
		if msg == "" && re.Response != nil {
			msg = re.Response.Status
		}
		return fmt.Errorf("%w: %s", sentinel, msg)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
