package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/guonaihong/gout"
	jsoniter "github.com/json-iterator/go"
	"github.com/talkincode/wagate/config"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// HTTPClient talks to the bridge REST API. All calls carry a bounded
// timeout so a stalled bridge cannot block a caller indefinitely.
type HTTPClient struct {
	baseURL string
	apikey  string
	timeout time.Duration

	// collapses concurrent connectionState queries for the same session so
	// the health poll and API status reads share one in-flight request
	stateGroup singleflight.Group
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg *config.AppConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: cfg.Bridge.BaseURL,
		apikey:  cfg.Bridge.APIKey,
		timeout: cfg.BridgeTimeout(),
	}
}

func (c *HTTPClient) headers() gout.H {
	return gout.H{"apikey": c.apikey, "Content-Type": "application/json"}
}

// apiError maps a non-2xx bridge response to a semantic Error. The bridge
// reports problems as {"error": {"code": ..., "message": ...}}.
func apiError(code int, body []byte) *Error {
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &resp)
	if resp.Error.Code == "" {
		resp.Error.Code = fmt.Sprintf("HTTP_%d", code)
	}
	if resp.Error.Message == "" {
		resp.Error.Message = http.StatusText(code)
	}
	// 5xx from the bridge is worth a retry, 4xx is not
	return &Error{Code: resp.Error.Code, Message: resp.Error.Message, Transient: code >= 500}
}

type sessionResponse struct {
	Instance struct {
		Name  string `json:"instanceName"`
		State string `json:"state"`
	} `json:"instance"`
	Qrcode struct {
		Code string `json:"code"`
	} `json:"qrcode"`
}

func (r *sessionResponse) toInfo() *SessionInfo {
	info := &SessionInfo{Qr: r.Qrcode.Code, State: r.Instance.State}
	if info.Qr != "" {
		info.QrExpiresAt = time.Now().Add(60 * time.Second)
	}
	return info
}

func (c *HTTPClient) CreateInstance(ctx context.Context, name string, webhookURL string) (*SessionInfo, error) {
	var (
		resp sessionResponse
		body []byte
		code int
	)
	err := gout.POST(c.baseURL + "/instance/create").
		WithContext(ctx).
		SetHeader(c.headers()).
		SetJSON(gout.H{"instanceName": name, "qrcode": true, "webhook": webhookURL}).
		SetTimeout(c.timeout).
		Code(&code).
		BindBody(&body).
		Do()
	if err != nil {
		return nil, transportError(err)
	}
	if code < 200 || code >= 300 {
		return nil, apiError(code, body)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Code: "BAD_RESPONSE", Message: err.Error()}
	}
	return resp.toInfo(), nil
}

func (c *HTTPClient) ConnectInstance(ctx context.Context, name string) (*SessionInfo, error) {
	var (
		resp sessionResponse
		body []byte
		code int
	)
	err := gout.GET(c.baseURL + "/instance/connect/" + name).
		WithContext(ctx).
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		Code(&code).
		BindBody(&body).
		Do()
	if err != nil {
		return nil, transportError(err)
	}
	if code < 200 || code >= 300 {
		return nil, apiError(code, body)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Code: "BAD_RESPONSE", Message: err.Error()}
	}
	return resp.toInfo(), nil
}

func (c *HTTPClient) GetState(ctx context.Context, name string) (string, error) {
	v, err, _ := c.stateGroup.Do(name, func() (interface{}, error) {
		return c.getState(ctx, name)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *HTTPClient) getState(ctx context.Context, name string) (string, error) {
	var (
		resp struct {
			Instance struct {
				State string `json:"state"`
			} `json:"instance"`
		}
		body []byte
		code int
	)
	err := gout.GET(c.baseURL + "/instance/connectionState/" + name).
		WithContext(ctx).
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		Code(&code).
		BindBody(&body).
		Do()
	if err != nil {
		return "", transportError(err)
	}
	if code < 200 || code >= 300 {
		return "", apiError(code, body)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Code: "BAD_RESPONSE", Message: err.Error()}
	}
	return resp.Instance.State, nil
}

func (c *HTTPClient) RestartInstance(ctx context.Context, name string) error {
	var (
		body []byte
		code int
	)
	err := gout.PUT(c.baseURL + "/instance/restart/" + name).
		WithContext(ctx).
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		Code(&code).
		BindBody(&body).
		Do()
	if err != nil {
		return transportError(err)
	}
	if code < 200 || code >= 300 {
		return apiError(code, body)
	}
	return nil
}

func (c *HTTPClient) LogoutInstance(ctx context.Context, name string) error {
	var (
		body []byte
		code int
	)
	err := gout.DELETE(c.baseURL + "/instance/logout/" + name).
		WithContext(ctx).
		SetHeader(c.headers()).
		SetTimeout(c.timeout).
		Code(&code).
		BindBody(&body).
		Do()
	if err != nil {
		return transportError(err)
	}
	if code < 200 || code >= 300 {
		return apiError(code, body)
	}
	return nil
}

type messageResponse struct {
	Key struct {
		Id string `json:"id"`
	} `json:"key"`
}

func (c *HTTPClient) send(ctx context.Context, path string, payload interface{}) (*SendResult, error) {
	var (
		resp messageResponse
		body []byte
		code int
	)
	err := gout.POST(c.baseURL + path).
		WithContext(ctx).
		SetHeader(c.headers()).
		SetJSON(payload).
		SetTimeout(c.timeout).
		Code(&code).
		BindBody(&body).
		Do()
	if err != nil {
		return nil, transportError(err)
	}
	if code < 200 || code >= 300 {
		return nil, apiError(code, body)
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Code: "BAD_RESPONSE", Message: err.Error()}
	}
	if resp.Key.Id == "" {
		zap.L().Warn("bridge: send accepted without message id", zap.String("path", path))
	}
	return &SendResult{BridgeMessageId: resp.Key.Id}, nil
}

func (c *HTTPClient) SendText(ctx context.Context, name string, to string, text string) (*SendResult, error) {
	return c.send(ctx, "/message/sendText/"+name, gout.H{
		"number": to,
		"textMessage": gout.H{
			"text": text,
		},
	})
}

func (c *HTTPClient) SendMedia(ctx context.Context, name string, to string, mediaURL string, caption string) (*SendResult, error) {
	return c.send(ctx, "/message/sendMedia/"+name, gout.H{
		"number": to,
		"mediaMessage": gout.H{
			"media":   mediaURL,
			"caption": caption,
		},
	})
}

func (c *HTTPClient) SendGroup(ctx context.Context, name string, groupId string, text string) (*SendResult, error) {
	return c.send(ctx, "/message/sendText/"+name, gout.H{
		"number": groupId,
		"textMessage": gout.H{
			"text": text,
		},
	})
}
