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

package hosted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/fernweh-app/fernweh/ingest"
	"github.com/fernweh-app/fernweh/internal/oauth2flow"
	"golang.org/x/oauth2"
)

// Session is the explicit sign-in state of this device: an OAuth2 token kept
// in a JSON file, exchanged for the user's identity on demand. There is no
// ambient process-global user; everything that needs one asks the session.
type Session struct {
	path        string
	userinfoURL string
	oauthCfg    *oauth2.Config

	mu    sync.Mutex
	token *oauth2.Token
	user  *ingest.User
}

// LoadSession reads the session file if it exists. A missing file is not an
// error; it just means nobody is signed in yet.
func LoadSession(cfg Config) (*Session, error) {
	s := &Session{
		path:        cfg.SessionPath,
		userinfoURL: cfg.UserinfoURL,
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  oauth2flow.DefaultRedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
	}

	raw, err := os.ReadFile(cfg.SessionPath)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	var tkn oauth2.Token
	if err := json.Unmarshal(raw, &tkn); err != nil {
		return nil, fmt.Errorf("decoding session file %s: %w", cfg.SessionPath, err)
	}
	if tkn.AccessToken != "" {
		s.token = &tkn
	}
	return s, nil
}

// SignIn stores a fresh token, replacing whatever session existed before.
func (s *Session) SignIn(token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return errors.New("empty token")
	}
	s.mu.Lock()
	s.token = token
	s.user = nil
	s.mu.Unlock()
	return s.persist(token)
}

// SignOut deletes the session file and forgets the cached identity.
func (s *Session) SignOut() error {
	s.mu.Lock()
	s.token = nil
	s.user = nil
	s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CurrentUser returns the signed-in user, fetching it from the account
// service on first use and caching it for the rest of the process. Every
// way of not having a user wraps ingest.ErrNoUser.
func (s *Session) CurrentUser(ctx context.Context) (ingest.User, error) {
	s.mu.Lock()
	if s.user != nil {
		user := *s.user
		s.mu.Unlock()
		return user, nil
	}
	token := s.token
	s.mu.Unlock()

	if token == nil {
		return ingest.User{}, fmt.Errorf("no session at %s: %w", s.path, ingest.ErrNoUser)
	}
	if !token.Valid() && token.RefreshToken == "" {
		return ingest.User{}, fmt.Errorf("session expired: %w", ingest.ErrNoUser)
	}

	// the oauth config refreshes the token as needed; wrapping the source
	// keeps the session file current with whatever it hands out
	client := oauth2.NewClient(ctx, &persistingTokenSource{
		session: s,
		source:  s.oauthCfg.TokenSource(ctx, token),
		last:    token,
	})

	user, err := s.fetchUser(ctx, client)
	if err != nil {
		return ingest.User{}, err
	}

	s.mu.Lock()
	s.user = &user
	s.mu.Unlock()
	return user, nil
}

func (s *Session) fetchUser(ctx context.Context, client *http.Client) (ingest.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userinfoURL, nil)
	if err != nil {
		return ingest.User{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		// a refresh failure surfaces here as a *RetrieveError
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return ingest.User{}, fmt.Errorf("session no longer valid: %w", ingest.ErrNoUser)
		}
		return ingest.User{}, ingest.WrapNetwork(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ingest.User{}, fmt.Errorf("account service rejected the session (%s): %w", resp.Status, ingest.ErrNoUser)
	case resp.StatusCode != http.StatusOK:
		return ingest.User{}, fmt.Errorf("userinfo request failed: %s", resp.Status)
	}

	var info struct {
		ID    string `json:"id"`
		Sub   string `json:"sub"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ingest.User{}, fmt.Errorf("decoding userinfo: %w", err)
	}
	if info.ID == "" {
		info.ID = info.Sub
	}
	if info.ID == "" {
		return ingest.User{}, fmt.Errorf("userinfo carried no user ID: %w", ingest.ErrNoUser)
	}
	return ingest.User{ID: info.ID, Email: info.Email}, nil
}

func (s *Session) persist(token *oauth2.Token) error {
	raw, err := json.MarshalIndent(token, "", "\t")
	if err != nil {
		return fmt.Errorf("encoding session token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}

// persistingTokenSource saves refreshed tokens back to the session file so
// the next process start does not need another refresh round-trip.
type persistingTokenSource struct {
	session *Session
	source  oauth2.TokenSource

	mu   sync.Mutex
	last *oauth2.Token
}

func (ps *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := ps.source.Token()
	if err != nil {
		return nil, err
	}

	ps.mu.Lock()
	changed := token.AccessToken != ps.last.AccessToken
	if changed {
		ps.last = token
	}
	ps.mu.Unlock()

	if changed {
		ps.session.mu.Lock()
		ps.session.token = token
		ps.session.mu.Unlock()
		if err := ps.session.persist(token); err != nil {
			return nil, fmt.Errorf("storing refreshed token: %w", err)
		}
	}
	return token, nil
}
