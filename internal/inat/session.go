package inat

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"

	"github.com/tphakala/wow-sync/internal/errors"
)

// Session is the signed-in user as handed over by the identity provider.
// Only the fields the sync engine consumes are kept.
type Session struct {
	UserID      int64     `json:"user_id"`
	Login       string    `json:"login"`
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	Expiry      time.Time `json:"expiry,omitzero"`
}

// Token returns the session credential as an oauth2 token
func (s *Session) Token() *oauth2.Token {
	tokenType := s.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: s.AccessToken,
		TokenType:   tokenType,
		Expiry:      s.Expiry,
	}
}

// TokenSource returns a token source that fails once the session expires
func (s *Session) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &sessionSource{session: s})
}

// SignedIn reports whether the session carries a usable credential
func (s *Session) SignedIn() bool {
	return s != nil && s.AccessToken != "" && s.Token().Valid()
}

type sessionSource struct {
	session *Session
}

func (s *sessionSource) Token() (*oauth2.Token, error) {
	tok := s.session.Token()
	if !tok.Valid() {
		return nil, errors.Newf("session for %s has expired or carries no access token", s.session.Login).
			Component("inat").
			Category(errors.CategoryAuth).
			Build()
	}
	return tok, nil
}

// LoadSession reads a session file written by the identity provider
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(fmt.Errorf("read session file: %w", err)).
			Component("inat").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.New(fmt.Errorf("parse session file: %w", err)).
			Component("inat").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}
	if s.AccessToken == "" {
		return nil, errors.Newf("session file %s has no access token", path).
			Component("inat").
			Category(errors.CategoryAuth).
			Build()
	}
	return &s, nil
}
