package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"retouch/internal/domain"
)

// Native schema: an explicit content-parts array plus a generation-config
// object, with binary payloads inline as base64.

type nativeInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type nativeFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type nativePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *nativeInlineData `json:"inlineData,omitempty"`
	FileData   *nativeFileData   `json:"fileData,omitempty"`
}

type nativeContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []nativePart `json:"parts,omitempty"`
}

type nativeGenerationConfig struct {
	CandidateCount int `json:"candidateCount,omitempty"`
}

type nativeRequest struct {
	Contents         []nativeContent         `json:"contents"`
	GenerationConfig *nativeGenerationConfig `json:"generationConfig,omitempty"`
}

type nativeResponse struct {
	Candidates []struct {
		Content nativeContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (a *Adapter) invokeNative(ctx context.Context, userID string, route Route, req Request) (*domain.Result, error) {
	key, err := a.credentialFor(ctx, route.Variant, userID)
	if err != nil {
		return nil, err
	}

	parts := []nativePart{{Text: buildInstruction(req)}}
	for _, ref := range append(append([]domain.ImageRef{}, req.Inputs...), req.References...) {
		parts = append(parts, nativeImagePart(ref))
	}
	payload := nativeRequest{
		Contents:         []nativeContent{{Role: "user", Parts: parts}},
		GenerationConfig: &nativeGenerationConfig{CandidateCount: 1},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal native request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", a.nativeBaseURL, url.PathEscape(route.Model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create native request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		q := httpReq.URL.Query()
		q.Set("key", key)
		httpReq.URL.RawQuery = q.Encode()
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoke native: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(resp.Body)
		return nil, normalizeHTTPError(resp.StatusCode, raw)
	}

	var out nativeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode native response: %w", err)
	}

	result := &domain.Result{
		Usage: domain.Usage{
			InputTokens:  out.UsageMetadata.PromptTokenCount,
			OutputTokens: out.UsageMetadata.CandidatesTokenCount,
		},
	}
	var texts []string
	for _, candidate := range out.Candidates {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.InlineData != nil && part.InlineData.Data != "":
				mime := part.InlineData.MimeType
				if mime == "" {
					mime = "image/png"
				}
				result.Images = append(result.Images, "data:"+mime+";base64,"+part.InlineData.Data)
			case part.FileData != nil && part.FileData.FileURI != "":
				uri, err := a.fetchAsDataURI(ctx, part.FileData.FileURI)
				if err != nil {
					a.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("gateway: native file part unusable")
					continue
				}
				result.Images = append(result.Images, uri)
			case part.Text != "":
				texts = append(texts, part.Text)
			}
		}
	}
	result.Content = strings.Join(texts, "\n")
	return result, nil
}

func nativeImagePart(ref domain.ImageRef) nativePart {
	if ref.Data != "" {
		mime := ref.MIME
		if mime == "" {
			mime = "image/png"
		}
		return nativePart{InlineData: &nativeInlineData{MimeType: mime, Data: ref.Data}}
	}
	return nativePart{FileData: &nativeFileData{MimeType: ref.MIME, FileURI: ref.URL}}
}
