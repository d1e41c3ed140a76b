// internal/service/payment/classifier.go
package payment

import (
	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"
)

// 缺省分类规则。与网关的错误码约定一起演进，改配置即可，无需改代码。
const (
	DefaultTransientRule = `status >= 500 || code in ["TIMEOUT", "GATEWAY_BUSY", "RATE_LIMITED"]`
	DefaultPermanentRule = `code in ["DECLINED", "INVALID_CARD", "INSUFFICIENT_FUNDS", "FRAUD_SUSPECTED"]`
)

// Classifier 用 CEL 表达式把支付网关的失败响应分类为 transient/permanent。
// 规则面向 (code, status, message) 三个变量求值。
type Classifier struct {
	transient cel.Program
	permanent cel.Program
}

// NewClassifier 编译两条分类规则。表达式为空时使用缺省规则。
func NewClassifier(transientRule, permanentRule string) (*Classifier, error) {
	if transientRule == "" {
		transientRule = DefaultTransientRule
	}
	if permanentRule == "" {
		permanentRule = DefaultPermanentRule
	}

	env, err := cel.NewEnv(
		cel.Variable("code", cel.StringType),
		cel.Variable("status", cel.IntType),
		cel.Variable("message", cel.StringType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}

	compile := func(rule string) (cel.Program, error) {
		ast, issues := env.Compile(rule)
		if issues != nil && issues.Err() != nil {
			return nil, errors.Wrapf(issues.Err(), "compile rule %q", rule)
		}
		return env.Program(ast)
	}

	c := &Classifier{}
	if c.transient, err = compile(transientRule); err != nil {
		return nil, err
	}
	if c.permanent, err = compile(permanentRule); err != nil {
		return nil, err
	}
	return c, nil
}

// Classify 对一次失败响应求值。
// 两条规则都不命中的未知失败按 transient 处理：重试是有界的，
// 把可恢复的失败误判成终局失败则会白白丢单。
func (c *Classifier) Classify(code string, status int, message string) FailureKind {
	vars := map[string]interface{}{
		"code":    code,
		"status":  status,
		"message": message,
	}
	if c.eval(c.permanent, vars) {
		return FailurePermanent
	}
	if c.eval(c.transient, vars) {
		return FailureTransient
	}
	return FailureTransient
}

func (c *Classifier) eval(prog cel.Program, vars map[string]interface{}) bool {
	out, _, err := prog.Eval(vars)
	if err != nil {
		return false
	}
	result, ok := out.Value().(bool)
	return ok && result
}
