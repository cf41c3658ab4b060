package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/filtertrack/sectorsync/internal/tokenfile"
)

// clientID identifies this application to the token endpoint.
const clientID = "sectorsync"

const (
	tokenPath  = "/auth/v1/token"
	userPath   = "/auth/v1/user"
	logoutPath = "/auth/v1/logout"
)

// Session is the view of the saved credentials the health monitor needs.
type Session struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Auth owns the user's session: login, refresh, persistence and the bearer
// token handed to Client. Safe for concurrent use.
type Auth struct {
	client    *Client
	cfg       *oauth2.Config
	tokenPath string
	logger    *slog.Logger

	mu     sync.Mutex
	loaded bool
	tok    *oauth2.Token
	user   tokenfile.User
}

// NewAuth returns an Auth that persists the session at sessionPath. The
// client provides the base URL, API key and HTTP transport.
func NewAuth(client *Client, sessionPath string, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}

	return &Auth{
		client:    client,
		tokenPath: sessionPath,
		logger:    logger,
		cfg: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  client.baseURL + tokenPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

// oauthContext makes the oauth2 package use the client's HTTP transport.
func (a *Auth) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client.httpClient)
}

// Login exchanges email and password for a token, resolves the user's
// identity and saves the session.
func (a *Auth) Login(ctx context.Context, email, password string) (*Session, error) {
	a.logger.Info("starting password login", slog.String("email", email))

	tok, err := a.cfg.PasswordCredentialsToken(a.oauthContext(ctx), email, password)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	user, err := a.fetchUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("backend: resolving user after login: %w", err)
	}

	if user.Email == "" {
		user.Email = email
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.storeLocked(tok, user); err != nil {
		return nil, err
	}

	a.logger.Info("login successful",
		slog.String("user_id", user.ID),
		slog.Time("expiry", tok.Expiry),
	)

	return a.sessionLocked(), nil
}

// Session returns the current session, or (nil, nil) when nobody is logged
// in. Errors mean the saved session could not be read.
func (a *Auth) Session(_ context.Context) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		return nil, err
	}

	if a.tok == nil {
		return nil, nil //nolint:nilnil // no session is not an error
	}

	return a.sessionLocked(), nil
}

// UserID returns the id of the last known user, even if the token is no
// longer usable. Empty when nobody has logged in.
func (a *Auth) UserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	_ = a.loadLocked()

	return a.user.ID
}

// Refresh renews the access token with the saved refresh token.
func (a *Auth) Refresh(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.refreshLocked(ctx)
}

// Token implements TokenSource. An expired access token is refreshed first.
func (a *Auth) Token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		return "", err
	}

	if a.tok == nil {
		return "", &Error{Kind: KindAuth, Message: "no saved session", Err: ErrNotLoggedIn}
	}

	if !a.tok.Valid() {
		if err := a.refreshLocked(context.Background()); err != nil {
			return "", err
		}
	}

	return a.tok.AccessToken, nil
}

// Logout revokes the session on the backend (best effort) and removes the
// saved file.
func (a *Auth) Logout(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(); err != nil {
		a.logger.Warn("logout: saved session unreadable", slog.String("error", err.Error()))
	}

	if a.tok != nil && a.tok.AccessToken != "" {
		c := a.client.WithToken(staticToken(a.tok.AccessToken))
		if resp, err := c.Do(ctx, http.MethodPost, logoutPath, nil, nil); err != nil {
			a.logger.Warn("logout: backend revocation failed", slog.String("error", err.Error()))
		} else {
			_ = drain(resp)
		}
	}

	a.tok = nil
	a.user = tokenfile.User{}

	if err := tokenfile.Remove(a.tokenPath); err != nil {
		return err
	}

	a.logger.Info("logout: removed session", slog.String("path", a.tokenPath))

	return nil
}

func (a *Auth) loadLocked() error {
	if a.loaded {
		return nil
	}

	f, err := tokenfile.Load(a.tokenPath)
	if err != nil {
		return err
	}

	a.loaded = true

	if f != nil {
		a.tok = f.Token
		a.user = f.User
	}

	return nil
}

func (a *Auth) refreshLocked(ctx context.Context) error {
	if err := a.loadLocked(); err != nil {
		return err
	}

	if a.tok == nil || a.tok.RefreshToken == "" {
		return &Error{Kind: KindAuth, Message: "no refresh token available", Err: ErrNotLoggedIn}
	}

	// A token with no access token is never Valid, so the source always
	// hits the token endpoint.
	src := a.cfg.TokenSource(a.oauthContext(ctx), &oauth2.Token{RefreshToken: a.tok.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		a.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		return classifyTokenError(err)
	}

	if err := a.storeLocked(tok, a.user); err != nil {
		return err
	}

	a.logger.Info("token refreshed", slog.Time("expiry", tok.Expiry))

	return nil
}

func (a *Auth) storeLocked(tok *oauth2.Token, user tokenfile.User) error {
	if err := tokenfile.Save(a.tokenPath, &tokenfile.File{Token: tok, User: user}); err != nil {
		return fmt.Errorf("backend: saving session: %w", err)
	}

	a.tok = tok
	a.user = user
	a.loaded = true

	return nil
}

func (a *Auth) sessionLocked() *Session {
	return &Session{
		UserID:    a.user.ID,
		Email:     a.user.Email,
		ExpiresAt: a.tok.Expiry,
	}
}

// fetchUser resolves the identity behind an access token.
func (a *Auth) fetchUser(ctx context.Context, accessToken string) (tokenfile.User, error) {
	c := a.client.WithToken(staticToken(accessToken))

	resp, err := c.Do(ctx, http.MethodGet, userPath, nil, nil)
	if err != nil {
		return tokenfile.User{}, err
	}
	defer resp.Body.Close()

	var u tokenfile.User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return tokenfile.User{}, fmt.Errorf("backend: decoding user: %w", err)
	}

	if u.ID == "" {
		return tokenfile.User{}, &Error{Kind: KindAuth, Message: "user response has no id", Err: ErrAuth}
	}

	return u, nil
}

// classifyTokenError converts oauth2 failures into *Error. The oauth2
// package formats transport failures with %v, so anything other than a
// RetrieveError is treated as the network being unavailable.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}

		be := decodeError(status, re.Body)
		if be.Kind == KindUnknown || be.Kind == KindValidation {
			// The token endpoint only rejects credentials.
			be.Kind = KindAuth
			be.Err = ErrAuth
		}

		return be
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return transportError(err)
}

// staticToken is a fixed TokenSource.
type staticToken string

func (t staticToken) Token() (string, error) { return string(t), nil }
