package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"

	"retouch/internal/domain"
)

const maxErrorDetailLen = 500

type providerErrorBody struct {
	Error struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// normalizeHTTPError maps a non-2xx provider response onto the error
// taxonomy. The extracted detail stays on the error for logging; clients see
// only humanized messages.
func normalizeHTTPError(status int, body []byte) *domain.ProviderError {
	msg := extractErrorMessage(body)
	code := domain.CodeProviderClient
	switch {
	case status == http.StatusTooManyRequests:
		code = domain.CodeRateLimited
	case status >= http.StatusInternalServerError:
		code = domain.CodeProviderServer
	}
	return &domain.ProviderError{Code: code, HTTPStatus: status, Message: msg}
}

func extractErrorMessage(body []byte) string {
	var parsed providerErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error.Message != "" {
			return capDetail(parsed.Error.Message)
		}
		if parsed.Message != "" {
			return capDetail(parsed.Message)
		}
	}
	return capDetail(strings.TrimSpace(string(body)))
}

// capDetail bounds the retained detail, cutting on a rune boundary so a
// multibyte character is never split.
func capDetail(s string) string {
	if len(s) <= maxErrorDetailLen {
		return s
	}
	cut := maxErrorDetailLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
