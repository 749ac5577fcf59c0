package errors

// 错误码
const (
	// CodeOK 成功
	CodeOK = 0

	// 配置错误 (1xxx)，启动阶段致命
	CodeConfig      = 1001 // 配置无效
	CodeUnknownType = 1002 // 未知的检查或上报类型

	// 可恢复错误 (2xxx)，计为一次上报失败后重试
	CodeTransient    = 2001 // 临时故障：超时、连接断开
	CodeNotConnected = 2002 // 注册中心会话未建立
	CodeNoNode       = 2003 // 注册节点已消失

	// 不可恢复错误 (3xxx)，Watcher 直接退出
	CodeProtocol = 3001 // 注册中心返回了协议层错误

	CodeProbe     = 4001 // 健康探测失败
	CodeExhausted = 5001 // 连续上报失败次数耗尽
	CodeInternal  = 9000 // 内部错误
)

// 预定义错误
var (
	ErrNotConnected = New(CodeNotConnected, "registry not connected")
	ErrNoNode       = New(CodeNoNode, "registration node missing")
	ErrExhausted    = New(CodeExhausted, "too many repeated report failures")
)

// CodeMessage 错误码消息映射
var CodeMessage = map[int]string{
	CodeOK:           "ok",
	CodeConfig:       "invalid configuration",
	CodeUnknownType:  "unknown type",
	CodeTransient:    "transient failure",
	CodeNotConnected: "registry not connected",
	CodeNoNode:       "registration node missing",
	CodeProtocol:     "registry protocol error",
	CodeProbe:        "probe failed",
	CodeExhausted:    "too many repeated report failures",
	CodeInternal:     "internal error",
}

// GetMessageByCode 根据错误码获取消息
func GetMessageByCode(code int) string {
	if msg, ok := CodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}
