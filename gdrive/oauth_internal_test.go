package gdrive

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func Test_savingTokenSource(t *testing.T) {
	file := filepath.Join(t.TempDir(), "token.json")
	tok := &oauth2.Token{AccessToken: "new", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour)}

	ts := &_SavingTokenSource{
		inner: oauth2.StaticTokenSource(tok),
		file:  file,
		last:  "old",
		mux:   new(sync.Mutex),
	}
	if _, err := ts.Token(); err != nil {
		t.Fatalf("Token: %v", err)
	}

	saved, err := loadToken(file)
	if err != nil {
		t.Fatalf("loadToken: %v", err)
	}
	if saved.AccessToken != "new" || saved.RefreshToken != "refresh" {
		t.Fatalf("saved token: %+v", saved)
	}
	if ts.last != "new" {
		t.Fatalf("last=%q", ts.last)
	}
}

func Test_scope(t *testing.T) {
	if scope(true) == scope(false) {
		t.Fatalf("same scope for read and write")
	}
}
