// internal/service/payment/http_gateway.go
package payment

import (
	"context"
	"net/http"

	"bastion/internal/pkg/httpclient"

	"github.com/pkg/errors"
)

// HTTPGateway 是 Gateway 端口的 HTTP 实现，
// 把对真实支付服务的调用适配到领域接口，并按分类规则翻译失败。
type HTTPGateway struct {
	client     *httpclient.Client
	baseURL    string
	classifier *Classifier
}

func NewHTTPGateway(client *httpclient.Client, baseURL string, classifier *Classifier) *HTTPGateway {
	return &HTTPGateway{client: client, baseURL: baseURL, classifier: classifier}
}

// gatewayResponse 是支付服务的统一应答格式。
type gatewayResponse struct {
	OK        bool   `json:"ok"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Reference string `json:"reference"`
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var resp gatewayResponse
	status, err := g.client.PostJSON(ctx, g.baseURL+"/charge", req, &resp)
	if err != nil {
		// 传输层错误没有网关应答可分类，按瞬时失败处理
		return nil, &GatewayError{Kind: FailureTransient, Code: "TRANSPORT", Message: err.Error()}
	}
	if status == http.StatusOK && resp.OK {
		if resp.Reference == "" {
			return nil, errors.New("payment gateway returned success without a reference")
		}
		return &ChargeResult{Reference: resp.Reference}, nil
	}
	return nil, &GatewayError{
		Kind:    g.classifier.Classify(resp.Code, status, resp.Message),
		Code:    resp.Code,
		Message: resp.Message,
	}
}

func (g *HTTPGateway) Refund(ctx context.Context, reference string, amount int64) error {
	body := map[string]interface{}{"reference": reference, "amount": amount}
	var resp gatewayResponse
	status, err := g.client.PostJSON(ctx, g.baseURL+"/refund", body, &resp)
	if err != nil {
		return &GatewayError{Kind: FailureTransient, Code: "TRANSPORT", Message: err.Error()}
	}
	if status == http.StatusOK && resp.OK {
		return nil
	}
	return &GatewayError{
		Kind:    g.classifier.Classify(resp.Code, status, resp.Message),
		Code:    resp.Code,
		Message: resp.Message,
	}
}
