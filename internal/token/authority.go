package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/pixprompt/internal/model"
)

// defaultVerifyURLFormat は機関のトークン検証エンドポイントのフォーマット。
const defaultVerifyURLFormat = "https://identitytoolkit.googleapis.com/v1/projects/%s/accounts:lookup"

// HTTPAuthorityConfig はHTTP経由の機関検証の設定。
type HTTPAuthorityConfig struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string

	// VerifyURL はテスト用にエンドポイントを差し替え可能。
	// 空の場合はProjectIDからデフォルトURLを組み立てる。
	VerifyURL string
}

// HTTPAuthorityVerifier は上位機関の検証APIをHTTPで呼び出すAuthorityVerifier実装。
// リクエストの認可にはサービスアカウントのシークレットで署名した
// 短命のアサーショントークンを使用する。
type HTTPAuthorityVerifier struct {
	config     HTTPAuthorityConfig
	httpClient *http.Client
}

// NewHTTPAuthorityVerifier はHTTPAuthorityVerifierを生成する。
// httpClientがnilの場合はデフォルトクライアントを使用する
// （タイムアウトは呼び出し側のコンテキストで制御される）。
func NewHTTPAuthorityVerifier(config HTTPAuthorityConfig, httpClient *http.Client) *HTTPAuthorityVerifier {
	if config.VerifyURL == "" {
		config.VerifyURL = fmt.Sprintf(defaultVerifyURLFormat, config.ProjectID)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPAuthorityVerifier{
		config:     config,
		httpClient: httpClient,
	}
}

// lookupResponse は機関の検証エンドポイントのレスポンス。
type lookupResponse struct {
	Users []struct {
		LocalID     string `json:"localId"`
		Email       string `json:"email"`
		DisplayName string `json:"displayName"`
		PhotoURL    string `json:"photoUrl"`
	} `json:"users"`
}

// Verify はトークンを機関側で検証し、復号されたIdentityを返す。
func (a *HTTPAuthorityVerifier) Verify(ctx context.Context, rawToken string) (*model.Identity, error) {
	payload, err := json.Marshal(map[string]string{"idToken": rawToken})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.VerifyURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	assertion, err := a.signAssertion()
	if err != nil {
		return nil, fmt.Errorf("failed to sign request assertion: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authority request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read authority response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority returned status %d", resp.StatusCode)
	}

	var lookup lookupResponse
	if err := json.Unmarshal(body, &lookup); err != nil {
		return nil, fmt.Errorf("failed to parse authority response: %w", err)
	}
	if len(lookup.Users) == 0 {
		return nil, fmt.Errorf("authority returned no matching user")
	}

	user := lookup.Users[0]
	return &model.Identity{
		UID:       user.LocalID,
		Email:     user.Email,
		Name:      user.DisplayName,
		AvatarURL: user.PhotoURL,
	}, nil
}

// signAssertion はサービスアカウントのシークレットで署名した
// 短命（5分）のリクエストアサーションを生成する。
func (a *HTTPAuthorityVerifier) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.config.ClientEmail,
		"aud": a.config.ProjectID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.PrivateKey))
}

// compile-time interface check
var _ AuthorityVerifier = (*HTTPAuthorityVerifier)(nil)
