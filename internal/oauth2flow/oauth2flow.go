/*
	Fernweh
	Copyright (c) 2024 Fernweh contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package oauth2flow implements the interactive OAuth2 authorization code
// flow used to sign in to the account service: a state-checked loopback
// redirect served locally, PKCE (S256), and the code/token exchange.
package oauth2flow

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	mathrand "math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Getter is a type that can get an OAuth2 auth code. It must enforce that
// the state parameter of the redirected request matches expectedStateVal.
type Getter interface {
	Get(ctx context.Context, expectedStateVal, authCodeURL string) (code string, err error)
}

// DefaultRedirectURL is the default URL to which the provider redirects the
// browser after a code has been obtained. Redirect URLs usually have to be
// registered with the OAuth2 provider.
const DefaultRedirectURL = "http://localhost:8008/oauth2-redirect"

// InitialToken obtains a token for cfg by sending the user through the
// authorization code flow: getter obtains the code (via the web browser if
// nil) and the code is exchanged, with PKCE, for the token.
func InitialToken(ctx context.Context, cfg *oauth2.Config, getter Getter) (*oauth2.Token, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing OAuth2 config")
	}
	if getter == nil {
		getter = Browser{}
	}

	info, err := AuthCodeExchangeInfo(cfg)
	if err != nil {
		return nil, fmt.Errorf("making auth code exchange info: %w", err)
	}

	code, err := getter.Get(ctx, info.State, info.AuthCodeURL)
	if err != nil {
		return nil, fmt.Errorf("getting auth code: %w", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	return cfg.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", info.CodeVerifier))
}

// CodeExchangeInfo holds information for obtaining an auth code.
type CodeExchangeInfo struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"` // plaintext value (PKCE extension)
	AuthCodeURL  string `json:"auth_code_url"` // fully-assembled URL
}

// AuthCodeExchangeInfo generates a state and a code verifier challenge
// string, along with the assembled URL for a request to get an
// authorization code.
func AuthCodeExchangeInfo(cfg *oauth2.Config) (CodeExchangeInfo, error) {
	const stateValLength = 14
	state := randString(stateValLength)

	// PKCE with the "S256" method, which is theoretically superior to "plain"
	verifier, err := generatePKCEVerifier()
	if err != nil {
		return CodeExchangeInfo{}, fmt.Errorf("generating PKCE verifier: %w", err)
	}
	challenge := sha256.Sum256([]byte(verifier))

	return CodeExchangeInfo{
		State:        state,
		CodeVerifier: verifier,
		AuthCodeURL: cfg.AuthCodeURL(state,
			oauth2.AccessTypeOffline,
			oauth2.SetAuthURLParam("code_challenge", base64.RawURLEncoding.EncodeToString(challenge[:])),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		),
	}, nil
}

// generatePKCEVerifier generates a PKCE code verifier described at
// https://www.oauth.com/oauth2-servers/pkce/authorization-request/:
// a cryptographically random string of characters A-Z, a-z, 0-9, and
// -._~ (hyphen, period, underscore, tilde), between 43 and 128 characters
// long. The base64 alphabet meets these criteria even though it does not
// exercise the full character set.
func generatePKCEVerifier() (string, error) {
	const minLength = 43
	p := make([]byte, minLength) // encoded length is longer, which still satisfies the bound
	if _, err := io.ReadFull(rand.Reader, p); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(p), nil
}

// randString is not safe for cryptographic use.
func randString(n int) string {
	const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[mathrand.IntN(len(letterBytes))]
	}
	return string(b)
}

// httpClient is the HTTP client to use for OAuth2 exchanges.
var httpClient = &http.Client{
	Timeout: 10 * time.Second,
}

// Browser gets an OAuth2 code via the web browser.
type Browser struct {
	// RedirectURL is the URL the provider redirects the browser to after
	// the code is obtained; it is usually a loopback address. If empty,
	// DefaultRedirectURL is used. It must match the RedirectURL of the
	// OAuth2 config whose auth code URL is being served.
	RedirectURL string
}

var _ Getter = Browser{}

// Get opens a browser window to authCodeURL for the user to authorize the
// application, and returns the resulting OAuth2 code. It rejects redirects
// whose "state" param does not match expectedStateVal.
func (b Browser) Get(ctx context.Context, expectedStateVal, authCodeURL string) (string, error) {
	redirURLStr := b.RedirectURL
	if redirURLStr == "" {
		redirURLStr = DefaultRedirectURL
	}
	redirURL, err := url.Parse(redirURLStr)
	if err != nil {
		return "", err
	}

	ln, err := net.Listen("tcp", redirURL.Host)
	if err != nil {
		return "", err
	}
	defer ln.Close()

	ch := make(chan string)
	errCh := make(chan error)

	handler := func(w http.ResponseWriter, r *http.Request) {
		state := r.FormValue("state")
		code := r.FormValue("code")

		if r.Method != http.MethodGet || r.URL.Path != redirURL.Path || state == "" || code == "" {
			http.Error(w, "This endpoint is for OAuth2 callbacks only", http.StatusNotFound)
			return
		}

		if state != expectedStateVal {
			http.Error(w, "invalid state", http.StatusUnauthorized)
			errCh <- fmt.Errorf("invalid OAuth2 state; expected %q but got %q",
				expectedStateVal, state)
			return
		}

		fmt.Fprint(w, successBody)
		ch <- code
	}

	// must disable keep-alives, otherwise repeated calls to
	// this method can block indefinitely in some weird bug
	srv := &http.Server{Handler: http.HandlerFunc(handler)}
	srv.SetKeepAlivesEnabled(false)
	go srv.Serve(ln)
	defer srv.Close()

	if err := openBrowser(authCodeURL); err != nil {
		fmt.Printf("Can't open browser: %s.\nPlease follow this link: %s\n", err, authCodeURL)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case code := <-ch:
		return code, nil
	case err := <-errCh:
		return "", err
	}
}

// openBrowser opens the web browser to url.
func openBrowser(url string) error {
	osCommand := map[string][]string{
		"darwin":  {"open"},
		"freebsd": {"xdg-open"},
		"linux":   {"xdg-open"},
		"netbsd":  {"xdg-open"},
		"openbsd": {"xdg-open"},
		"windows": {"cmd", "/c", "start"},
	}

	if runtime.GOOS == "windows" {
		// escape characters not allowed by cmd
		url = strings.ReplaceAll(url, "&", `^&`)
	}

	all := osCommand[runtime.GOOS]
	if len(all) == 0 {
		return fmt.Errorf("unsupported platform %s", runtime.GOOS)
	}
	exe := all[0]
	args := all[1:]

	buf := new(bytes.Buffer)

	cmd := exec.Command(exe, append(args, url)...)
	cmd.Stdout = buf
	cmd.Stderr = buf
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, buf.String())
	}
	return nil
}

const successBody = `<!DOCTYPE html>
<html>
	<head>
		<title>Signed in to Fernweh</title>
		<meta charset="utf-8">
		<style>
			body { text-align: center; padding: 5%; font-family: sans-serif; }
			h1 { font-size: 20px; }
			p { font-size: 16px; color: #444; }
		</style>
	</head>
	<body>
		<h1>Signed in, thank you!</h1>
		<p>
			You may now close this page and return to the application.
		</p>
	</body>
</html>
`
