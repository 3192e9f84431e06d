package httpapi

// Result 统一响应包装
// - code: 2000 成功；40400 无数据（新用户/新设备，前端展示引导页）；-1 其他错误
// - type: 'success' | 'error' | 'warning'
type Result[T any] struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
	Result  T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
	ResultNoData  = 40400
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, Result: nil}
}

func NoData(message string) Result[any] {
	return Result[any]{Code: ResultNoData, Type: "warning", Message: message, Result: nil}
}
