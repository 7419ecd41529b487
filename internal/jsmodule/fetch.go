package jsmodule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/R3E-Network/module_host/internal/module"
)

const (
	// DefaultFetchTimeout bounds one outbound request made by module code
	// when the root module sets no timeout of its own.
	DefaultFetchTimeout = time.Second

	// MaxFetchResponseSize caps response bodies handed to module code.
	MaxFetchResponseSize = 4 << 20
)

// fetcher backs the fetch global of every runtime. Requests run on the
// calling VM's goroutine, bound to the context of the running call, so the
// returned promise is already settled when module code awaits it.
type fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

type fetchInit struct {
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type fetchResult struct {
	url        string
	status     int
	statusText string
	header     http.Header
	body       []byte
}

func (f *fetcher) bind(rt *runtime) {
	_ = rt.vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		var init fetchInit
		if err := exportInto(call.Argument(1), &init); err != nil {
			return rt.settled(nil, fmt.Errorf("fetch: invalid options: %w", err))
		}
		res, err := f.do(rt.context(), call.Argument(0).String(), init)
		if err != nil {
			return rt.settled(nil, err)
		}
		return rt.settled(rt.response(res), nil)
	})
}

func (f *fetcher) do(ctx context.Context, rawURL string, init fetchInit) (*fetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("fetch: unsupported URL %q", rawURL)
	}

	timeout := module.FetchTimeout(ctx)
	if timeout <= 0 {
		timeout = f.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(init.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if init.Body != "" {
		body = strings.NewReader(init.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	for k, v := range init.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.failure(ctx, reqCtx, u, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, f.failure(ctx, reqCtx, u, err)
	}
	if int64(len(raw)) > f.maxBytes {
		return nil, fmt.Errorf("Request to %s returned more than %d bytes", u, f.maxBytes)
	}
	return &fetchResult{
		url:        u.String(),
		status:     resp.StatusCode,
		statusText: http.StatusText(resp.StatusCode),
		header:     resp.Header,
		body:       raw,
	}, nil
}

// failure tells a request that outlived its own timeout apart from a call
// that was canceled as a whole.
func (f *fetcher) failure(parent, reqCtx context.Context, u *url.URL, err error) error {
	if parent.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("Request to %s was too slow", u)
	}
	if cause := context.Cause(parent); cause != nil {
		return fmt.Errorf("Request to %s canceled: %w", u, cause)
	}
	return fmt.Errorf("Request to %s failed: %w", u, err)
}

// response mirrors the parts of the WHATWG Response that modules use.
func (rt *runtime) response(res *fetchResult) goja.Value {
	obj := rt.vm.NewObject()
	headers := make(map[string]string, len(res.header))
	for k, v := range res.header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}
	text := string(res.body)

	_ = obj.Set("url", res.url)
	_ = obj.Set("status", res.status)
	_ = obj.Set("statusText", res.statusText)
	_ = obj.Set("ok", res.status >= 200 && res.status < 300)
	_ = obj.Set("headers", headers)
	_ = obj.Set("text", func(goja.FunctionCall) goja.Value {
		return rt.settled(rt.vm.ToValue(text), nil)
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		v, err := rt.jsonParse(goja.Undefined(), rt.vm.ToValue(text))
		if err != nil {
			return rt.settled(nil, fmt.Errorf("invalid JSON from %s: %s", res.url, scriptMessage(err)))
		}
		return rt.settled(v, nil)
	})
	return obj
}

func scriptMessage(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return exc.Value().String()
	}
	return err.Error()
}
