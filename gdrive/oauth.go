package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
)

// TokenSource loads the OAuth client credentials and the token file and returns a token source
// for the Drive API. Refreshed tokens are written back to tokenFile.
// A missing token file is an error: create one with RequestToken.
func TokenSource(ctx context.Context, clientCredFile, tokenFile string, readonly bool) (oauth2.TokenSource, error) {
	// ConfigFromJSON uses a Google Developers Console client_credentials.json file to construct a config.
	// client_credentials.json can be downloaded from https://console.developers.google.com, under "Credentials".
	oAuthConf, err := loadOAuthConf(clientCredFile, scope(readonly))
	if err != nil {
		return nil, err
	}

	// Load oauth 2.0 token from a file. The token represents the credentials used to authorize
	// the requests to access protected resources on the OAuth 2.0 provider's backend.
	tok, err := loadToken(tokenFile)
	if err != nil {
		return nil, errors.Annotate(err, "no valid token: create one with RequestToken")
	}

	return &_SavingTokenSource{
		inner: oAuthConf.TokenSource(ctx, tok),
		file:  tokenFile,
		last:  tok.AccessToken,
		mux:   new(sync.Mutex),
	}, nil
}

// RequestToken allow the user to request a token (user interaction).
// The authorization link is written to out, the code is read from in.
// If successful, the valid token is written to tokenFile.
func RequestToken(ctx context.Context, clientCredFile, tokenFile string, readonly bool, in io.Reader, out io.Writer) error {
	oAuthConf, err := loadOAuthConf(clientCredFile, scope(readonly))
	if err != nil {
		return err
	}

	// get authorization code from web (with user interaction)
	var authCode string
	authURL := oAuthConf.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	_, _ = fmt.Fprintf(out, "\nFollow the link and create a new token file: %v\n\nEnter the authorization code here: ", authURL)
	if _, err := fmt.Fscan(in, &authCode); err != nil {
		return errors.Annotate(err, "read authorization code")
	}

	// convert authorization code to token
	tok, err := oAuthConf.Exchange(ctx, authCode)
	if err != nil {
		return errors.Annotate(err, "exchange authorization code")
	}
	return saveToken(tokenFile, tok)
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// scope (default: read & write access)
func scope(readonly bool) string {
	if readonly {
		return drive.DriveReadonlyScope
	}
	return drive.DriveScope
}

// loadOAuthConf loads a valid OAuth config from a file
func loadOAuthConf(file, scope string) (*oauth2.Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Annotate(err, "load client credentials")
	}
	oAuthConf, err := google.ConfigFromJSON(b, scope)
	if err != nil {
		return nil, errors.Annotate(err, "parse client credentials")
	}
	return oAuthConf, nil
}

// loadToken loads a token from a file
func loadToken(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()

	tok := new(oauth2.Token)
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, errors.Annotate(err, "parse token")
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.NotValidf("token without access and refresh token")
	}
	return tok, nil
}

// saveToken writes the token to a file (temp file + rename)
func saveToken(file string, tok *oauth2.Token) error {
	tmp, err := os.CreateTemp(filepath.Dir(file), ".token-*")
	if err != nil {
		return errors.Trace(err)
	}
	if err := json.NewEncoder(tmp).Encode(tok); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Annotate(err, "write token")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Trace(err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Trace(err)
	}
	return errors.Trace(os.Rename(tmp.Name(), file))
}

// ------------------------------------------------------------------------------------------------------------------ //

// interface check: oauth2.TokenSource
var _ oauth2.TokenSource = (*_SavingTokenSource)(nil)

// _SavingTokenSource writes every new access token to the token file.
type _SavingTokenSource struct {
	inner oauth2.TokenSource
	file  string
	last  string // last saved access token
	mux   *sync.Mutex
}

func (s *_SavingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.inner.Token()
	if err != nil {
		return nil, err
	}

	s.mux.Lock() // LOCK
	defer s.mux.Unlock()

	if tok.AccessToken != s.last {
		if err := saveToken(s.file, tok); err != nil {
			return nil, errors.Annotatef(err, "save refreshed token to %s", s.file)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}
