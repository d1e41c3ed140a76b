// internal/service/order/domain/errors.go
package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrRateLimited 表示请求被准入闸门拒绝。核心不重试，调用方稍后再试。
var ErrRateLimited = errors.New("order submission rate limited")

// ErrOrderNotFound 表示仓储中不存在该订单。
var ErrOrderNotFound = errors.New("order not found")

// PaymentFailedError 表示支付终局失败（含瞬时失败重试耗尽）。
type PaymentFailedError struct {
	OrderID  string
	Attempts int
	Reason   string
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment failed for order %s after %d attempts: %s", e.OrderID, e.Attempts, e.Reason)
}
