package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"retouch/internal/domain"
	"retouch/internal/infra"
)

// Invoker is the provider call surface consumers depend on. Adapter is the
// production implementation.
type Invoker interface {
	Invoke(ctx context.Context, userID string, route Route, req Request) (*domain.Result, error)
}

// KeyProvider supplies per-user credentials for the bring-your-own variant.
// Injected explicitly so no process-wide token cache is needed.
type KeyProvider interface {
	UserKey(ctx context.Context, userID string) (string, error)
}

// Request is the normalized edit request every variant understands.
type Request struct {
	Instruction string
	Inputs      []domain.ImageRef
	References  []domain.ImageRef
	Params      domain.OutputParams
	RequestID   string
}

// Options controls how the adapter is configured.
type Options struct {
	BrokerBaseURL string
	BrokerAPIKey  string
	NativeBaseURL string
	NativeAPIKey  string
	HTTPClient    *http.Client
	Keys          KeyProvider
	Logger        *infra.Logger
}

// Adapter translates normalized requests into the wire shape of each routing
// variant and normalizes responses and failures back. A circuit breaker per
// variant sheds load when an endpoint is consistently failing.
type Adapter struct {
	brokerBaseURL string
	brokerKey     string
	nativeBaseURL string
	nativeKey     string
	httpClient    *http.Client
	keys          KeyProvider
	logger        *infra.Logger
	breakers      map[Variant]*gobreaker.CircuitBreaker
}

// NewAdapter constructs an adapter with sane defaults. Callers may provide a
// nil HTTP client; a reusable one with sensible timeouts will be created.
func NewAdapter(opts Options) *Adapter {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	brokerBase := strings.TrimRight(opts.BrokerBaseURL, "/")
	if brokerBase == "" {
		brokerBase = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	nativeBase := strings.TrimRight(opts.NativeBaseURL, "/")
	if nativeBase == "" {
		nativeBase = "https://generativelanguage.googleapis.com/v1beta"
	}

	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	breakers := make(map[Variant]*gobreaker.CircuitBreaker)
	for _, v := range []Variant{VariantBroker, VariantDirect, VariantPlatform, VariantBYO} {
		breakers[v] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(v),
			MaxRequests: 3,
			Interval:    30 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}

	return &Adapter{
		brokerBaseURL: brokerBase,
		brokerKey:     strings.TrimSpace(opts.BrokerAPIKey),
		nativeBaseURL: nativeBase,
		nativeKey:     strings.TrimSpace(opts.NativeAPIKey),
		httpClient:    client,
		keys:          opts.Keys,
		logger:        logger,
		breakers:      breakers,
	}
}

// Invoke performs one provider call for the given route and returns the
// normalized result. Failures map onto the error taxonomy.
func (a *Adapter) Invoke(ctx context.Context, userID string, route Route, req Request) (*domain.Result, error) {
	cb := a.breakers[route.Variant]
	out, err := cb.Execute(func() (interface{}, error) {
		if route.Variant == VariantBroker {
			return a.invokeBroker(ctx, route.Model, req)
		}
		return a.invokeNative(ctx, userID, route, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &domain.ProviderError{
				Code:    domain.CodeProviderServer,
				Message: "circuit open for variant " + string(route.Variant),
			}
		}
		return nil, err
	}
	return out.(*domain.Result), nil
}

// credentialFor resolves the credential source for a native-schema variant.
func (a *Adapter) credentialFor(ctx context.Context, variant Variant, userID string) (string, error) {
	switch variant {
	case VariantPlatform:
		if a.nativeKey == "" {
			return "", errors.New("platform api key not configured")
		}
		return a.nativeKey, nil
	case VariantBYO:
		if a.keys == nil {
			return "", errors.New("user key provider not configured")
		}
		key, err := a.keys.UserKey(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("load user key: %w", err)
		}
		if key == "" {
			return "", &domain.ValidationError{Message: "no provider api key on file for user"}
		}
		return key, nil
	default:
		return "", nil
	}
}

func dataURI(mime string, data []byte) string {
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// fetchAsDataURI downloads a remote image and re-encodes it as a
// self-describing payload so results never depend on provider-hosted URLs.
func (a *Adapter) fetchAsDataURI(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		return "", normalizeHTTPError(resp.StatusCode, body)
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return dataURI(resp.Header.Get("Content-Type"), blob), nil
}

// buildInstruction folds output parameters into the instruction text for
// schemas without dedicated fields.
func buildInstruction(req Request) string {
	var b strings.Builder
	if s := strings.TrimSpace(req.Instruction); s != "" {
		b.WriteString(s)
	}
	if aspect := strings.TrimSpace(req.Params.AspectRatio); aspect != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Aspect ratio: ")
		b.WriteString(aspect)
	}
	if tier := strings.TrimSpace(req.Params.ResolutionTier); tier != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Resolution: ")
		b.WriteString(tier)
	}
	if req.Params.Width > 0 && req.Params.Height > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Output size: %dx%d", req.Params.Width, req.Params.Height)
	}
	if b.Len() == 0 {
		b.WriteString("Edit the provided image")
	}
	return b.String()
}
