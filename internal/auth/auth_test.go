package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestParseCredential(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signedToken(t, "user-7", exp)

	cred, err := ParseCredential(token)
	if err != nil {
		t.Fatalf("ParseCredential failed: %v", err)
	}
	if cred.Subject != "user-7" {
		t.Errorf("Subject = %q, want user-7", cred.Subject)
	}
	if !cred.ExpiresAt.Equal(exp) {
		t.Errorf("ExpiresAt = %v, want %v", cred.ExpiresAt, exp)
	}
	if cred.ExpiredAt(time.Now()) {
		t.Error("credential should not be expired yet")
	}
	if !cred.ExpiredAt(exp.Add(time.Second)) {
		t.Error("credential should be expired after exp")
	}
	if cred.BearerHeader() != "Bearer "+token {
		t.Errorf("BearerHeader = %q", cred.BearerHeader())
	}
}

func TestParseCredential_Empty(t *testing.T) {
	if _, err := ParseCredential("  "); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}

func TestParseOrWrap_Opaque(t *testing.T) {
	cred, err := ParseOrWrap("opaque-token")
	if err != nil {
		t.Fatalf("ParseOrWrap failed: %v", err)
	}
	if cred.Token != "opaque-token" {
		t.Errorf("Token = %q", cred.Token)
	}
	if !cred.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero", cred.ExpiresAt)
	}
	if cred.ExpiredAt(time.Now().Add(24 * time.Hour)) {
		t.Error("opaque credential should never expire locally")
	}
}

func TestStaticSource(t *testing.T) {
	if _, err := NewStaticSource(Credential{}).Credential(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}

	src := NewStaticSource(NewCredential("abc", time.Time{}))
	cred, err := src.Credential(context.Background())
	if err != nil || cred.Token != "abc" {
		t.Errorf("Credential() = %+v, %v", cred, err)
	}
}

type fakeReissuer struct {
	token string
	err   error
	calls int
	got   string
}

func (f *fakeReissuer) Reissue(ctx context.Context, refreshToken string) (string, error) {
	f.calls++
	f.got = refreshToken
	return f.token, f.err
}

func TestRefreshingSource_Refresh(t *testing.T) {
	next := signedToken(t, "user-7", time.Now().Add(time.Hour))
	reissuer := &fakeReissuer{token: next}
	src := NewRefreshingSource(NewCredential("stale", time.Now().Add(-time.Minute)), "refresh-1", reissuer)

	cred, err := src.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if reissuer.got != "refresh-1" {
		t.Errorf("refresh token = %q, want refresh-1", reissuer.got)
	}
	if cred.Token != next {
		t.Error("Refresh did not return the reissued token")
	}

	current, _ := src.Credential(context.Background())
	if current.Token != next {
		t.Error("Credential() should return the reissued token")
	}
}

func TestRefreshingSource_RefreshError(t *testing.T) {
	reissuer := &fakeReissuer{err: errors.New("boom")}
	src := NewRefreshingSource(NewCredential("stale", time.Time{}), "refresh-1", reissuer)

	if _, err := src.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	current, _ := src.Credential(context.Background())
	if current.Token != "stale" {
		t.Errorf("Token = %q, want stale credential kept", current.Token)
	}

	noRefresh := NewRefreshingSource(NewCredential("x", time.Time{}), "", reissuer)
	if _, err := noRefresh.Refresh(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}
