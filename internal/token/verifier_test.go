package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/pixprompt/internal/model"
)

const testIssuer = "https://securetoken.example.com/pixprompt"

// forgeToken はテスト用の署名付きトークンを生成する。
// ローカルデコードは署名を検証しないため、署名鍵は任意でよい。
func forgeToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

// --- モック定義 ---

type mockAuthority struct {
	verifyFn func(ctx context.Context, rawToken string) (*model.Identity, error)
	calls    int
}

func (m *mockAuthority) Verify(ctx context.Context, rawToken string) (*model.Identity, error) {
	m.calls++
	if m.verifyFn != nil {
		return m.verifyFn(ctx, rawToken)
	}
	return nil, nil
}

var _ AuthorityVerifier = (*mockAuthority)(nil)

type mockFallbackRecorder struct {
	fallbacks int
}

func (m *mockFallbackRecorder) RecordAuthorityFallback() { m.fallbacks++ }

var _ FallbackRecorder = (*mockFallbackRecorder)(nil)

// --- テストヘルパー ---

func newTestVerifier(authority AuthorityVerifier, now time.Time) *Verifier {
	v := NewVerifier(authority, VerifierConfig{IssuerSubstring: testIssuer})
	v.now = func() time.Time { return now }
	return v
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":     "user-1",
		"email":   "u1@example.com",
		"name":    "User One",
		"picture": "https://example.com/avatar.png",
		"exp":     now.Add(time.Hour).Unix(),
		"iss":     testIssuer,
	}
}

// --- ローカルデコードのテスト ---

func TestVerify_ValidToken_ReturnsIdentity(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	v := newTestVerifier(nil, now)

	identity, err := v.Verify(context.Background(), forgeToken(t, validClaims(now)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if identity.UID != "user-1" {
		t.Errorf("UID = %q, want %q", identity.UID, "user-1")
	}
	if identity.Email != "u1@example.com" {
		t.Errorf("Email = %q, want %q", identity.Email, "u1@example.com")
	}
	if identity.Name != "User One" {
		t.Errorf("Name = %q, want %q", identity.Name, "User One")
	}
	if identity.AvatarURL != "https://example.com/avatar.png" {
		t.Errorf("AvatarURL = %q, want avatar URL", identity.AvatarURL)
	}
}

func TestVerify_MalformedToken_Rejected(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	v := newTestVerifier(nil, now)

	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not-a-token"},
		{"two segments", "abc.def"},
		{"invalid base64 payload", "aaa.$$$$.ccc"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tt.raw)
			if !errors.Is(err, ErrInvalidCredential) {
				t.Errorf("error = %v, want ErrInvalidCredential", err)
			}
		})
	}
}

func TestVerify_MissingSubject_Rejected(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	v := newTestVerifier(nil, now)

	claims := validClaims(now)
	delete(claims, "sub")

	_, err := v.Verify(context.Background(), forgeToken(t, claims))
	if !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("error = %v, want ErrInvalidCredential", err)
	}
}

func TestVerify_UserIDClaimFallback(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	v := newTestVerifier(nil, now)

	claims := validClaims(now)
	delete(claims, "sub")
	claims["user_id"] = "user-2"

	identity, err := v.Verify(context.Background(), forgeToken(t, claims))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if identity.UID != "user-2" {
		t.Errorf("UID = %q, want %q from user_id claim", identity.UID, "user-2")
	}
}

func TestVerify_ExpiryBoundary(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	v := newTestVerifier(nil, now)

	// exp = now - 1秒 は拒否
	expired := validClaims(now)
	expired["exp"] = now.Add(-time.Second).Unix()
	if _, err := v.Verify(context.Background(), forgeToken(t, expired)); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("exp=now-1s: error = %v, want ErrInvalidCredential", err)
	}

	// exp = now + 1秒 は許可
	fresh := validClaims(now)
	fresh["exp"] = now.Add(time.Second).Unix()
	if _, err := v.Verify(context.Background(), forgeToken(t, fresh)); err != nil {
		t.Errorf("exp=now+1s: expected no error, got %v", err)
	}
}

func TestVerify_MissingExp_Accepted(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	v := newTestVerifier(nil, now)

	claims := validClaims(now)
	delete(claims, "exp")

	if _, err := v.Verify(context.Background(), forgeToken(t, claims)); err != nil {
		t.Errorf("expected no error for token without exp, got %v", err)
	}
}

func TestVerify_IssuerCheck(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	v := newTestVerifier(nil, now)

	// 発行者が設定値を含まない場合は拒否
	wrong := validClaims(now)
	wrong["iss"] = "https://evil.example.com"
	if _, err := v.Verify(context.Background(), forgeToken(t, wrong)); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("wrong issuer: error = %v, want ErrInvalidCredential", err)
	}

	// 発行者クレームがない場合も拒否
	missing := validClaims(now)
	delete(missing, "iss")
	if _, err := v.Verify(context.Background(), forgeToken(t, missing)); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("missing issuer: error = %v, want ErrInvalidCredential", err)
	}
}

// --- 上位機関クロスチェックのテスト ---

func TestVerify_NoAuthority_UsesLocalResult(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	v := newTestVerifier(nil, now)

	identity, err := v.Verify(context.Background(), forgeToken(t, validClaims(now)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if identity.UID != "user-1" {
		t.Errorf("UID = %q, want local decode result", identity.UID)
	}
}

func TestVerify_AuthoritySuccess_SupersedesLocal(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	authority := &mockAuthority{
		verifyFn: func(_ context.Context, _ string) (*model.Identity, error) {
			return &model.Identity{
				UID:   "user-1",
				Email: "verified@example.com",
				Name:  "Verified Name",
			}, nil
		},
	}
	v := newTestVerifier(authority, now)

	identity, err := v.Verify(context.Background(), forgeToken(t, validClaims(now)))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if identity.Email != "verified@example.com" {
		t.Errorf("Email = %q, want authority result to supersede local", identity.Email)
	}
	if authority.calls != 1 {
		t.Errorf("authority calls = %d, want 1", authority.calls)
	}
}

func TestVerify_AuthorityFailure_FallsBackToLocal(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	authority := &mockAuthority{
		verifyFn: func(_ context.Context, _ string) (*model.Identity, error) {
			return nil, errors.New("authority unavailable")
		},
	}
	v := newTestVerifier(authority, now)

	identity, err := v.Verify(context.Background(), forgeToken(t, validClaims(now)))
	if err != nil {
		t.Fatalf("authority failure should not be fatal, got %v", err)
	}
	if identity.Email != "u1@example.com" {
		t.Errorf("Email = %q, want local decode result on fallback", identity.Email)
	}
}

func TestVerify_AuthorityTimeout_FallsBackToLocal(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	authority := &mockAuthority{
		verifyFn: func(ctx context.Context, _ string) (*model.Identity, error) {
			// デッドラインを確実に超過させる
			select {
			case <-time.After(5 * time.Second):
				return &model.Identity{UID: "too-late"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	v := NewVerifier(authority, VerifierConfig{
		IssuerSubstring:  testIssuer,
		AuthorityTimeout: 20 * time.Millisecond,
	})
	v.now = func() time.Time { return now }

	start := time.Now()
	identity, err := v.Verify(context.Background(), forgeToken(t, validClaims(now)))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("timeout should not be fatal, got %v", err)
	}
	if identity.UID != "user-1" {
		t.Errorf("UID = %q, want local decode result after timeout", identity.UID)
	}
	if elapsed > time.Second {
		t.Errorf("Verify took %v, should return promptly after the %v deadline", elapsed, 20*time.Millisecond)
	}
}

func TestVerify_AuthorityFallback_RecordedInMetrics(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	authority := &mockAuthority{
		verifyFn: func(_ context.Context, _ string) (*model.Identity, error) {
			return nil, errors.New("authority unavailable")
		},
	}
	recorder := &mockFallbackRecorder{}
	v := NewVerifier(authority, VerifierConfig{
		IssuerSubstring: testIssuer,
		Metrics:         recorder,
	})
	v.now = func() time.Time { return now }

	if _, err := v.Verify(context.Background(), forgeToken(t, validClaims(now))); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if recorder.fallbacks != 1 {
		t.Errorf("fallbacks = %d, want 1 after authority failure", recorder.fallbacks)
	}
}

func TestVerify_AuthoritySuccess_NoFallbackRecorded(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	authority := &mockAuthority{
		verifyFn: func(_ context.Context, _ string) (*model.Identity, error) {
			return &model.Identity{UID: "user-1"}, nil
		},
	}
	recorder := &mockFallbackRecorder{}
	v := NewVerifier(authority, VerifierConfig{
		IssuerSubstring: testIssuer,
		Metrics:         recorder,
	})
	v.now = func() time.Time { return now }

	if _, err := v.Verify(context.Background(), forgeToken(t, validClaims(now))); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if recorder.fallbacks != 0 {
		t.Errorf("fallbacks = %d, want 0 when authority succeeds", recorder.fallbacks)
	}
}

func TestVerify_NoAuthority_NoFallbackRecorded(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	recorder := &mockFallbackRecorder{}
	v := NewVerifier(nil, VerifierConfig{
		IssuerSubstring: testIssuer,
		Metrics:         recorder,
	})
	v.now = func() time.Time { return now }

	if _, err := v.Verify(context.Background(), forgeToken(t, validClaims(now))); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	// 機関が構成されていない場合、フォールバックは発生扱いにしない
	if recorder.fallbacks != 0 {
		t.Errorf("fallbacks = %d, want 0 without an authority", recorder.fallbacks)
	}
}

func TestVerify_LocalDecodeFails_AuthorityNotConsulted(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	authority := &mockAuthority{}
	v := newTestVerifier(authority, now)

	_, err := v.Verify(context.Background(), "garbage")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("error = %v, want ErrInvalidCredential", err)
	}
	if authority.calls != 0 {
		t.Errorf("authority calls = %d, want 0 when local decode fails", authority.calls)
	}
}

func TestNewVerifier_ZeroTimeout_UsesDefault(t *testing.T) {
	v := NewVerifier(nil, VerifierConfig{IssuerSubstring: testIssuer})
	if v.config.AuthorityTimeout != DefaultAuthorityTimeout {
		t.Errorf("AuthorityTimeout = %v, want default %v", v.config.AuthorityTimeout, DefaultAuthorityTimeout)
	}
}
