// Package workflow は外部ワークフローAPIへのクライアントを提供する。
//
// 画像解析ワークフローはCoze形式のAPIで実行される。画像URLと出力形式を
// パラメータとして渡し、生成されたプロンプトのテキストを受け取る。
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// プロンプト出力形式。元ツールのUIで選択可能な4種類。
const (
	PromptTypeNormal          = "normal"
	PromptTypeFlux            = "flux"
	PromptTypeMidjourney      = "midjourney"
	PromptTypeStableDiffusion = "stableDiffusion"
)

// IsValidPromptType はプロンプト出力形式が既知の値かを検証する。
func IsValidPromptType(promptType string) bool {
	switch promptType {
	case PromptTypeNormal, PromptTypeFlux, PromptTypeMidjourney, PromptTypeStableDiffusion:
		return true
	}
	return false
}

// runPath はワークフロー実行APIのパス。
const runPath = "/v1/workflow/run"

// maxResponseBodySize はワークフローAPIレスポンスの最大読み取りサイズ。
const maxResponseBodySize = 1 << 20 // 1MiB

// PromptGenerator はプロンプト生成機能のインターフェース。
// ハンドラーはこのインターフェースに依存し、テストではモックに差し替える。
type PromptGenerator interface {
	GeneratePrompt(ctx context.Context, req GenerateRequest) (string, error)
}

// Config はワークフロークライアントの設定を保持する。
type Config struct {
	Endpoint   string        // ワークフローAPIのベースURL
	APIToken   string        // ベアラー認証トークン
	WorkflowID string        // 実行するワークフローのID
	Timeout    time.Duration // リクエストタイムアウト
}

// GenerateRequest はプロンプト生成の入力を保持する。
type GenerateRequest struct {
	ImageURL   string
	PromptType string
	Language   string
}

// Client はワークフローAPIのHTTPクライアント。
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient は新しいワークフロークライアントを生成する。
// httpClientがnilの場合は設定のタイムアウト付きデフォルトクライアントを使用する。
func NewClient(config Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
	}
}

// runRequest はワークフロー実行APIのリクエストボディ。
type runRequest struct {
	WorkflowID string        `json:"workflow_id"`
	Parameters runParameters `json:"parameters"`
}

type runParameters struct {
	ImgURL     string `json:"img_url"`
	PromptType string `json:"prompt_type"`
	Language   string `json:"language"`
}

// runResponse はワークフロー実行APIのレスポンスボディ。
// dataフィールドはJSON文字列としてエンコードされた内側のペイロードを持つ。
type runResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data string `json:"data"`
}

// runOutput はdataフィールド内のペイロード。
type runOutput struct {
	Output string `json:"output"`
}

// GeneratePrompt は画像URLからプロンプトを生成する。
// ワークフローAPIの失敗（非200ステータス、非ゼロcode、空の出力）はエラーを返す。
// 呼び出し側はコンテキストで全体のデッドラインを制御できる。
func (c *Client) GeneratePrompt(ctx context.Context, req GenerateRequest) (string, error) {
	body, err := json.Marshal(runRequest{
		WorkflowID: c.config.WorkflowID,
		Parameters: runParameters{
			ImgURL:     req.ImageURL,
			PromptType: req.PromptType,
			Language:   req.Language,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint+runPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create workflow request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("workflow request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return "", fmt.Errorf("failed to read workflow response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workflow API returned status %d", resp.StatusCode)
	}

	var parsed runResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse workflow response: %w", err)
	}

	if parsed.Code != 0 {
		return "", fmt.Errorf("workflow API returned code %d: %s", parsed.Code, parsed.Msg)
	}

	var output runOutput
	if err := json.Unmarshal([]byte(parsed.Data), &output); err != nil {
		return "", fmt.Errorf("failed to parse workflow output: %w", err)
	}

	if output.Output == "" {
		return "", fmt.Errorf("workflow API returned empty output")
	}

	return output.Output, nil
}
