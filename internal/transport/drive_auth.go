package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sys/unix"
	drive "google.golang.org/api/drive/v3"
)

// DefaultDriveTokenPath is where the OAuth refresh token persists.
const DefaultDriveTokenPath = "~/.config/clipssh/drive-token.json"

// ExpandHome resolves a leading ~/ against the user's home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// tokenStore persists the OAuth token with restrictive permissions. Each
// save holds an exclusive flock on a sibling .lock file for the write only;
// the token refresh that precedes a save runs outside the lock, so refreshes
// by concurrent clipssh processes are not serialized.
type tokenStore struct {
	path string
}

func (s *tokenStore) load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (s *tokenStore) save(tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	lock, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// persistingSource saves every refreshed token back to the store.
type persistingSource struct {
	base  oauth2.TokenSource
	store *tokenStore
	last  string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.store.save(tok); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
	}
	return tok, nil
}

// DriveTokenSource builds an auto-refreshing, auto-persisting token source
// from the desktop-app client secrets. When no cached token exists it runs
// the installed-app consent flow on the controlling terminal.
func DriveTokenSource(ctx context.Context, clientSecretsPath, tokenPath string) (oauth2.TokenSource, error) {
	secrets, err := os.ReadFile(ExpandHome(clientSecretsPath))
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	conf, err := google.ConfigFromJSON(secrets, drive.DriveAppdataScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}

	store := &tokenStore{path: ExpandHome(tokenPath)}
	tok, err := store.load()
	if err != nil {
		tok, err = consentFlow(ctx, conf)
		if err != nil {
			return nil, err
		}
		if err := store.save(tok); err != nil {
			return nil, err
		}
	}
	return &persistingSource{
		base:  conf.TokenSource(ctx, tok),
		store: store,
		last:  tok.AccessToken,
	}, nil
}

func consentFlow(ctx context.Context, conf *oauth2.Config) (*oauth2.Token, error) {
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice == 0 {
		return nil, fmt.Errorf("no cached Drive token and no interactive terminal; run once interactively to complete OAuth consent")
	}
	url := conf.AuthCodeURL("state", oauth2.AccessTypeOffline)
	fmt.Fprintf(os.Stderr, "Open this URL in a browser and paste the code:\n%s\ncode: ", url)
	var code string
	if _, err := fmt.Scanln(&code); err != nil {
		return nil, fmt.Errorf("read consent code: %w", err)
	}
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange consent code: %w", err)
	}
	return tok, nil
}
