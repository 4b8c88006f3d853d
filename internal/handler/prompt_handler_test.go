package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/pixprompt/internal/metrics"
	"github.com/hitoshi/pixprompt/internal/middleware"
	"github.com/hitoshi/pixprompt/internal/model"
	"github.com/hitoshi/pixprompt/internal/workflow"
)

// --- モック定義 ---

type mockQuota struct {
	canUseFn    func(ctx context.Context, uid, email string) (*model.QuotaStatus, error)
	incrementFn func(ctx context.Context, uid string) error

	canUseCalls    int
	incrementCalls int
}

func (m *mockQuota) CanUse(ctx context.Context, uid, email string) (*model.QuotaStatus, error) {
	m.canUseCalls++
	if m.canUseFn != nil {
		return m.canUseFn(ctx, uid, email)
	}
	return nil, errors.New("not configured")
}

func (m *mockQuota) Increment(ctx context.Context, uid string) error {
	m.incrementCalls++
	if m.incrementFn != nil {
		return m.incrementFn(ctx, uid)
	}
	return nil
}

var _ PromptQuotaInterface = (*mockQuota)(nil)
var _ QuotaServiceInterface = (*mockQuota)(nil)

type mockGenerator struct {
	generateFn func(ctx context.Context, req workflow.GenerateRequest) (string, error)
	calls      int
	lastReq    workflow.GenerateRequest
}

func (m *mockGenerator) GeneratePrompt(ctx context.Context, req workflow.GenerateRequest) (string, error) {
	m.calls++
	m.lastReq = req
	if m.generateFn != nil {
		return m.generateFn(ctx, req)
	}
	return "a generated prompt", nil
}

var _ workflow.PromptGenerator = (*mockGenerator)(nil)

type mockGuard struct {
	validateFn func(rawURL string) error
}

func (m *mockGuard) ValidateImageURL(rawURL string) error {
	if m.validateFn != nil {
		return m.validateFn(rawURL)
	}
	return nil
}

var _ ImageURLValidator = (*mockGuard)(nil)

type passthroughSanitizer struct{}

func (passthroughSanitizer) Sanitize(rawText string) string {
	return strings.TrimSpace(rawText)
}

var _ PromptSanitizer = (*passthroughSanitizer)(nil)

// --- テストヘルパー ---

func testCollector() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

func quotaStatus(count, limit int) *model.QuotaStatus {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return &model.QuotaStatus{
		CanUse:        count < limit,
		Subscription:  model.TierFree,
		UsageCount:    count,
		Limit:         limit,
		RemainingUses: remaining,
		ResetAt:       time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestPromptHandler(quota *mockQuota, generator *mockGenerator, guard *mockGuard) *PromptHandler {
	return NewPromptHandler(quota, generator, guard, passthroughSanitizer{}, testCollector())
}

func promptRequestBody(t *testing.T, imageURL, promptType string) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(map[string]string{
		"image_url":   imageURL,
		"prompt_type": promptType,
		"language":    "en",
	})
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}
	return bytes.NewReader(body)
}

func authedPromptRequest(body *bytes.Reader) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/prompts", body)
	ctx := middleware.ContextWithIdentity(req.Context(), &model.Identity{
		UID:   "user-1",
		Email: "u1@example.com",
	})
	return req.WithContext(ctx)
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) apiErrorResponse {
	t.Helper()
	var body apiErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

// --- テスト ---

func TestGeneratePrompt_Success(t *testing.T) {
	quota := &mockQuota{
		canUseFn: func(_ context.Context, _, _ string) (*model.QuotaStatus, error) {
			return quotaStatus(3, 10), nil
		},
	}
	// 加算後の再取得では加算済みの値を返す
	firstCall := true
	quota.canUseFn = func(_ context.Context, _, _ string) (*model.QuotaStatus, error) {
		if firstCall {
			firstCall = false
			return quotaStatus(3, 10), nil
		}
		return quotaStatus(4, 10), nil
	}

	generator := &mockGenerator{
		generateFn: func(_ context.Context, _ workflow.GenerateRequest) (string, error) {
			return "a misty forest at dawn", nil
		},
	}
	h := newTestPromptHandler(quota, generator, &mockGuard{})

	w := httptest.NewRecorder()
	h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, "https://cdn.example.com/a.png", "flux")))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var resp promptResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.ID == "" {
		t.Error("expected non-empty request ID")
	}
	if resp.Prompt != "a misty forest at dawn" {
		t.Errorf("prompt = %q, want generated prompt", resp.Prompt)
	}
	if resp.PromptType != "flux" {
		t.Errorf("prompt_type = %q, want flux", resp.PromptType)
	}
	if resp.Usage.UsageCount != 4 {
		t.Errorf("usage_count = %d, want post-increment value 4", resp.Usage.UsageCount)
	}
	if quota.incrementCalls != 1 {
		t.Errorf("increment calls = %d, want 1", quota.incrementCalls)
	}
	if generator.lastReq.ImageURL != "https://cdn.example.com/a.png" {
		t.Errorf("generator received image URL %q", generator.lastReq.ImageURL)
	}
}

func TestGeneratePrompt_QuotaExceeded_Returns403WithoutGeneration(t *testing.T) {
	quota := &mockQuota{
		canUseFn: func(_ context.Context, _, _ string) (*model.QuotaStatus, error) {
			return quotaStatus(10, 10), nil
		},
	}
	generator := &mockGenerator{}
	h := newTestPromptHandler(quota, generator, &mockGuard{})

	w := httptest.NewRecorder()
	h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, "https://cdn.example.com/a.png", "normal")))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	body := decodeErrorBody(t, w)
	if body.Code != model.ErrCodeQuotaExceeded {
		t.Errorf("code = %q, want QUOTA_EXCEEDED", body.Code)
	}
	// メッセージにリセット日が含まれること
	if !strings.Contains(body.Message, "2025-07-01") {
		t.Errorf("message = %q, want reset date included", body.Message)
	}

	if generator.calls != 0 {
		t.Errorf("generator calls = %d, want 0 when quota exceeded", generator.calls)
	}
	if quota.incrementCalls != 0 {
		t.Errorf("increment calls = %d, want 0 when quota exceeded", quota.incrementCalls)
	}
}

func TestGeneratePrompt_InvalidPromptType_Returns400(t *testing.T) {
	quota := &mockQuota{}
	h := newTestPromptHandler(quota, &mockGenerator{}, &mockGuard{})

	w := httptest.NewRecorder()
	h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, "https://cdn.example.com/a.png", "sdxl")))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeInvalidPromptType {
		t.Errorf("code = %q, want INVALID_PROMPT_TYPE", body.Code)
	}
	if quota.canUseCalls != 0 {
		t.Errorf("quota should not be consulted for invalid prompt type")
	}
}

func TestGeneratePrompt_EmptyPromptType_DefaultsToNormal(t *testing.T) {
	quota := &mockQuota{
		canUseFn: func(_ context.Context, _, _ string) (*model.QuotaStatus, error) {
			return quotaStatus(0, 10), nil
		},
	}
	generator := &mockGenerator{}
	h := newTestPromptHandler(quota, generator, &mockGuard{})

	w := httptest.NewRecorder()
	h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, "https://cdn.example.com/a.png", "")))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if generator.lastReq.PromptType != workflow.PromptTypeNormal {
		t.Errorf("prompt type = %q, want default normal", generator.lastReq.PromptType)
	}
}

func TestGeneratePrompt_InvalidImageURL_Returns400(t *testing.T) {
	tests := []struct {
		name     string
		imageURL string
	}{
		{"empty", ""},
		{"no scheme", "cdn.example.com/a.png"},
		{"data URL", "data:image/png;base64,AAAA"},
		{"file scheme", "file:///etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quota := &mockQuota{}
			h := newTestPromptHandler(quota, &mockGenerator{}, &mockGuard{})

			w := httptest.NewRecorder()
			h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, tt.imageURL, "normal")))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if body := decodeErrorBody(t, w); body.Code != model.ErrCodeInvalidImageURL {
				t.Errorf("code = %q, want INVALID_IMAGE_URL", body.Code)
			}
			if quota.canUseCalls != 0 {
				t.Error("quota should not be consulted for invalid image URL")
			}
		})
	}
}

func TestGeneratePrompt_SSRFBlocked_Returns403(t *testing.T) {
	guard := &mockGuard{
		validateFn: func(_ string) error {
			return errors.New("blocked IP address")
		},
	}
	generator := &mockGenerator{}
	h := newTestPromptHandler(&mockQuota{}, generator, guard)

	w := httptest.NewRecorder()
	h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, "http://10.0.0.5/internal.png", "normal")))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeSSRFBlocked {
		t.Errorf("code = %q, want SSRF_BLOCKED", body.Code)
	}
	if generator.calls != 0 {
		t.Error("generator should not be called for blocked URL")
	}
}

func TestGeneratePrompt_WorkflowFailure_Returns502WithoutIncrement(t *testing.T) {
	quota := &mockQuota{
		canUseFn: func(_ context.Context, _, _ string) (*model.QuotaStatus, error) {
			return quotaStatus(2, 10), nil
		},
	}
	generator := &mockGenerator{
		generateFn: func(_ context.Context, _ workflow.GenerateRequest) (string, error) {
			return "", errors.New("workflow API returned code 4000")
		},
	}
	h := newTestPromptHandler(quota, generator, &mockGuard{})

	w := httptest.NewRecorder()
	h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, "https://cdn.example.com/a.png", "normal")))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeGenerationFailed {
		t.Errorf("code = %q, want GENERATION_FAILED", body.Code)
	}
	// 失敗した試行は数えない
	if quota.incrementCalls != 0 {
		t.Errorf("increment calls = %d, want 0 on generation failure", quota.incrementCalls)
	}
}

func TestGeneratePrompt_SanitizesWorkflowOutput(t *testing.T) {
	quota := &mockQuota{
		canUseFn: func(_ context.Context, _, _ string) (*model.QuotaStatus, error) {
			return quotaStatus(0, 10), nil
		},
	}
	generator := &mockGenerator{
		generateFn: func(_ context.Context, _ workflow.GenerateRequest) (string, error) {
			return "  a prompt with trailing space  ", nil
		},
	}
	h := newTestPromptHandler(quota, generator, &mockGuard{})

	w := httptest.NewRecorder()
	h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, "https://cdn.example.com/a.png", "normal")))

	var resp promptResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Prompt != "a prompt with trailing space" {
		t.Errorf("prompt = %q, want sanitized output", resp.Prompt)
	}
}

func TestGeneratePrompt_EmptyAfterSanitize_Returns502(t *testing.T) {
	quota := &mockQuota{
		canUseFn: func(_ context.Context, _, _ string) (*model.QuotaStatus, error) {
			return quotaStatus(0, 10), nil
		},
	}
	generator := &mockGenerator{
		generateFn: func(_ context.Context, _ workflow.GenerateRequest) (string, error) {
			return "   ", nil
		},
	}
	h := newTestPromptHandler(quota, generator, &mockGuard{})

	w := httptest.NewRecorder()
	h.GeneratePrompt(w, authedPromptRequest(promptRequestBody(t, "https://cdn.example.com/a.png", "normal")))

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if quota.incrementCalls != 0 {
		t.Error("increment should not be called for empty output")
	}
}

func TestGeneratePrompt_NoIdentity_Returns401(t *testing.T) {
	h := newTestPromptHandler(&mockQuota{}, &mockGenerator{}, &mockGuard{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/prompts", promptRequestBody(t, "https://cdn.example.com/a.png", "normal"))
	h.GeneratePrompt(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestGeneratePrompt_MalformedBody_Returns400(t *testing.T) {
	h := newTestPromptHandler(&mockQuota{}, &mockGenerator{}, &mockGuard{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/prompts", bytes.NewReader([]byte("{not json")))
	ctx := middleware.ContextWithIdentity(req.Context(), &model.Identity{UID: "user-1"})
	h.GeneratePrompt(w, req.WithContext(ctx))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
