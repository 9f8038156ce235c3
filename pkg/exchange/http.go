package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

type httpClient struct {
	client *resty.Client
}

func newHTTPClient(host string) *httpClient {
	host = strings.TrimSuffix(host, "/")

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时优先使用 Retry-After 头
			if resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &httpClient{client: client}
}

type requestOptions struct {
	Headers map[string]string
	Data    any
	Params  map[string]string
}

// 仅设置本次请求的默认 Header（不要改 client 级 Header）
func (c *httpClient) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "*/*")
	r.SetHeader("Connection", "keep-alive")
	r.SetHeader("User-Agent", "edgebot/1.0")
	return r
}

// do 执行请求并把失败归类到错误分级：传输失败/5xx/429 -> NetworkError，
// 401/403 -> AuthError，其余非 2xx -> APIError
func (c *httpClient) do(ctx context.Context, method, endpoint string, opt *requestOptions, out any) error {
	rc := c.newRequest(ctx)
	if opt != nil {
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParams(opt.Params)
		}
		if opt.Data != nil {
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}
	if out != nil {
		rc.SetResult(out)
	}

	var resp *resty.Response
	var err error
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = rc.Get(endpoint)
	case http.MethodPost:
		resp, err = rc.Post(endpoint)
	case http.MethodDelete:
		resp, err = rc.Delete(endpoint)
	case http.MethodPut:
		resp, err = rc.Put(endpoint)
	default:
		return fmt.Errorf("unsupported method: %s", method)
	}

	return classify(method+" "+endpoint, resp, err)
}

// apiErrorBody 交易所错误响应体
type apiErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if resp.IsSuccess() {
		return nil
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Status: status, Msg: strings.TrimSpace(string(resp.Body()))}
	case status == http.StatusTooManyRequests || status >= 500:
		return &NetworkError{Op: op, Err: errors.Errorf("http %d: %s", status, resp.Status())}
	}

	var body apiErrorBody
	if uerr := json.Unmarshal(resp.Body(), &body); uerr != nil {
		return &APIError{Status: status, Msg: strings.TrimSpace(string(resp.Body()))}
	}
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	code := body.Code
	if code == "" {
		code = body.Error
	}
	return &APIError{Status: status, Code: code, Msg: msg}
}
