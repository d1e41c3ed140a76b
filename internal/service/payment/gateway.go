// internal/service/payment/gateway.go
package payment

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind 是支付失败的分类结果，决定编排方重试还是立刻放弃。
type FailureKind int

const (
	FailureTransient FailureKind = iota + 1 // 网关超时、临时不可用：同一暂扣下有限次重试
	FailurePermanent                        // 拒付、卡无效：立即释放库存，不重试
)

// GatewayError 是支付协作方返回的已分类错误。
type GatewayError struct {
	Kind    FailureKind
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway error [%s]: %s", e.Code, e.Message)
}

// IsTransient 判断 err 是否为可重试的支付失败。
func IsTransient(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == FailureTransient
	}
	// 未分类的错误（网络断开、超时）按瞬时处理，交给有限重试兜底
	return true
}

// IsPermanent 判断 err 是否为终局性的支付失败。
func IsPermanent(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == FailurePermanent
}

// ChargeRequest 描述一次扣款。金额以最小货币单位计。
type ChargeRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Method  string `json:"method"`
}

// ChargeResult 携带网关返回的外部引用号，退款时凭它定位。
type ChargeResult struct {
	Reference string `json:"reference"`
}

// Gateway 是支付协作方的出站端口。
// 实现负责把每个失败分类为 transient 或 permanent（GatewayError.Kind）。
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, reference string, amount int64) error
}
