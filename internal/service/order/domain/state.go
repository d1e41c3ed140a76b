// internal/service/order/domain/state.go
package domain

// State 定义了一次下单尝试的生命周期状态。
type State string

const (
	StateReceived       State = "RECEIVED"        // 请求已接收，尚未经过准入
	StateAdmitted       State = "ADMITTED"        // 限流闸门放行
	StateStockHeld      State = "STOCK_HELD"      // 所有行项目的库存已暂扣
	StatePaymentPending State = "PAYMENT_PENDING" // 支付调用进行中
	StateCompleted      State = "COMPLETED"       // 支付成功，库存已提交（终态）
	StatePaymentFailed  State = "PAYMENT_FAILED"  // 支付终局失败，库存已释放（终态）
	StateQueued         State = "QUEUED"          // 熔断开路，订单入队等待异步重试（终态）
	StateRejected       State = "REJECTED"        // 准入或库存阶段被拒（终态）
)

// Terminal 报告状态是否为终态。QUEUED 对本次提交是终态，
// 异步重试会基于持久化的订单重新推进。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePaymentFailed, StateQueued, StateRejected:
		return true
	}
	return false
}

// Outcome 是返回给调用方的结构化判定，区分"稍后再试"与"换个选择"。
type Outcome string

const (
	OutcomeAccepted          Outcome = "ACCEPTED"
	OutcomeQueued            Outcome = "QUEUED"
	OutcomeRejectedStock     Outcome = "REJECTED_STOCK"
	OutcomeRejectedThrottled Outcome = "REJECTED_THROTTLED"
	OutcomeRejectedPayment   Outcome = "REJECTED_PAYMENT"
)
