package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/docsync/internal/tokenfile"
)

// TokenType is the authorization scheme of session tokens.
const TokenType = "Kinvey"

// Login exchanges username and password for a session. The request is
// authorized with the app credentials, not a user token.
func (c *Client) Login(ctx context.Context, username, password string) (*tokenfile.Session, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, fmt.Errorf("remote: encoding login: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.userURL("login"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	resp, err := c.do(ctx, req, authApp)
	if err != nil {
		return nil, err
	}

	return sessionFromUser(resp.Body)
}

// Logout invalidates the active session on the server.
func (c *Client) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.userURL("_logout"), http.NoBody)
	if err != nil {
		return fmt.Errorf("remote: creating request: %w", err)
	}

	_, err = c.do(ctx, req, authSession)

	return err
}

// Me returns the active user's profile document.
func (c *Client) Me(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.get(ctx, c.userURL("_me"))
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

func (c *Client) userURL(action string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/user/" + url.PathEscape(c.cfg.AppKey) + "/" + action
}

func sessionFromUser(body []byte) (*tokenfile.Session, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: login response is not JSON", ErrInvalidResponse)
	}

	user := gjson.ParseBytes(body)

	id := user.Get("_id").String()
	if id == "" {
		return nil, fmt.Errorf("%w: login response without user id", ErrObjectIDMissing)
	}

	authToken := user.Get("_kmd.authtoken").String()
	if authToken == "" {
		return nil, fmt.Errorf("%w: login response without session token", ErrInvalidResponse)
	}

	sess := &tokenfile.Session{
		Token:    &oauth2.Token{AccessToken: authToken, TokenType: TokenType},
		UserID:   id,
		Username: user.Get("username").String(),
	}

	if email := user.Get("email").String(); email != "" {
		sess.Meta = map[string]string{"email": email}
	}

	return sess, nil
}

// sessionFileSource reads the session token from disk on demand.
type sessionFileSource struct {
	path string
}

func (s sessionFileSource) Token() (*oauth2.Token, error) {
	sess, err := tokenfile.Require(s.path)
	if err != nil {
		return nil, err
	}

	return sess.Token, nil
}

// TokenSourceFromPath returns a TokenSource backed by the session file at
// path. The file is read on first use and the token reused while valid.
func TokenSourceFromPath(path string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, sessionFileSource{path: path})
}
