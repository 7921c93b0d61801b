package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"retouch/internal/domain"
)

// Brokered multimodal chat-completion schema: images ride inside message
// content entries and come back embedded in the assistant message.

type brokerMessage struct {
	Role    string              `json:"role"`
	Content []map[string]string `json:"content"`
}

type brokerRequest struct {
	Model string `json:"model"`
	Input struct {
		Messages []brokerMessage `json:"messages"`
	} `json:"input"`
	Parameters struct {
		Size      string `json:"size,omitempty"`
		Watermark bool   `json:"watermark"`
	} `json:"parameters"`
}

type brokerResponse struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content []map[string]string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (a *Adapter) invokeBroker(ctx context.Context, model string, req Request) (*domain.Result, error) {
	if a.brokerKey == "" {
		return nil, errors.New("broker api key not configured")
	}

	var payload brokerRequest
	payload.Model = model
	msg := brokerMessage{Role: "user"}
	for _, ref := range req.Inputs {
		msg.Content = append(msg.Content, map[string]string{"image": imageEntry(ref)})
	}
	for _, ref := range req.References {
		msg.Content = append(msg.Content, map[string]string{"image": imageEntry(ref)})
	}
	msg.Content = append(msg.Content, map[string]string{"text": buildInstruction(req)})
	payload.Input.Messages = append(payload.Input.Messages, msg)
	if req.Params.Width > 0 && req.Params.Height > 0 {
		payload.Parameters.Size = fmt.Sprintf("%d*%d", req.Params.Width, req.Params.Height)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal broker request: %w", err)
	}
	endpoint := a.brokerBaseURL + "/services/aigc/multimodal-generation/generation"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create broker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.brokerKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke broker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		return nil, normalizeHTTPError(resp.StatusCode, raw)
	}

	var out brokerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode broker response: %w", err)
	}

	result := &domain.Result{
		Usage: domain.Usage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		},
	}
	var texts []string
	for _, choice := range out.Output.Choices {
		for _, entry := range choice.Message.Content {
			if img := strings.TrimSpace(entry["image"]); img != "" {
				uri, err := a.normalizeImageEntry(ctx, img)
				if err != nil {
					a.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("gateway: broker image unusable")
					continue
				}
				result.Images = append(result.Images, uri)
			}
			if text := strings.TrimSpace(entry["text"]); text != "" {
				texts = append(texts, text)
			}
		}
	}
	result.Content = strings.Join(texts, "\n")
	return result, nil
}

// imageEntry serializes an input image for the broker schema: URL when
// available, otherwise a data URI from inline bytes.
func imageEntry(ref domain.ImageRef) string {
	if ref.URL != "" {
		return ref.URL
	}
	if ref.Data != "" {
		mime := ref.MIME
		if mime == "" {
			mime = "image/png"
		}
		return "data:" + mime + ";base64," + ref.Data
	}
	return ""
}

// normalizeImageEntry turns a broker output image entry into a
// self-describing payload, downloading provider-hosted URLs.
func (a *Adapter) normalizeImageEntry(ctx context.Context, entry string) (string, error) {
	if strings.HasPrefix(entry, "data:") {
		return entry, nil
	}
	return a.fetchAsDataURI(ctx, entry)
}
