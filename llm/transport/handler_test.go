package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genpipe-ai/genpipe/llm/transport"
)

func TestChain_OrderAndComposition(t *testing.T) {
	var order []string

	tag := func(name string) transport.Middleware {
		return func(next transport.Handler) transport.Handler {
			return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
				order = append(order, name+"-before")
				resp, err := next.Handle(ctx, req)
				order = append(order, name+"-after")
				return resp, err
			})
		}
	}

	core := transport.HandlerFunc(func(_ context.Context, _ *transport.Request) (*transport.Response, error) {
		order = append(order, "core")
		return &transport.Response{Content: "ok"}, nil
	})

	handler := transport.Chain(core, tag("outer"), tag("inner"))

	resp, err := handler.Handle(context.Background(), &transport.Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, []string{
		"outer-before", "inner-before", "core", "inner-after", "outer-after",
	}, order)
}

func TestChain_NoMiddleware(t *testing.T) {
	core := transport.HandlerFunc(func(_ context.Context, _ *transport.Request) (*transport.Response, error) {
		return &transport.Response{Content: "bare"}, nil
	})

	resp, err := transport.Chain(core).Handle(context.Background(), &transport.Request{})
	require.NoError(t, err)
	assert.Equal(t, "bare", resp.Content)
}

// staticAdapter routes every request to a fixed test server.
type staticAdapter struct {
	url     string
	content string
}

func (a *staticAdapter) Build(ctx context.Context, _ *transport.Request) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, a.url, strings.NewReader("{}"))
}

func (a *staticAdapter) Parse(httpResp *http.Response) (*transport.Response, error) {
	if httpResp.StatusCode != http.StatusOK {
		return nil, errors.New("unexpected status")
	}
	return &transport.Response{Content: a.content, FinishReason: transport.FinishStop}, nil
}

func (a *staticAdapter) Name() string { return "static" }

type staticRouter struct {
	adapter transport.ProviderAdapter
	err     error
}

func (r *staticRouter) Pick(_, _ string) (transport.ProviderAdapter, error) {
	return r.adapter, r.err
}

func TestHTTPHandler_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	handler := transport.NewHTTPHandler(server.Client(), &staticRouter{
		adapter: &staticAdapter{url: server.URL, content: "hello"},
	})

	resp, err := handler.Handle(context.Background(), &transport.Request{
		Provider: "openai",
		Model:    "gpt-4",
		Prompt:   "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.GreaterOrEqual(t, resp.Usage.LatencyMs, int64(0))
}

func TestHTTPHandler_RouterError(t *testing.T) {
	handler := transport.NewHTTPHandler(http.DefaultClient, &staticRouter{
		err: errors.New("no adapter for provider"),
	})

	_, err := handler.Handle(context.Background(), &transport.Request{Provider: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to select provider")
}

func TestHTTPHandler_RequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	handler := transport.NewHTTPHandler(server.Client(), &staticRouter{
		adapter: &staticAdapter{url: server.URL, content: "late"},
	})

	start := time.Now()
	_, err := handler.Handle(context.Background(), &transport.Request{
		Provider: "openai",
		Model:    "gpt-4",
		Prompt:   "hi",
		Timeout:  50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
