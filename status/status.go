package status

import (
	"fmt"
)

// 错误码定义，数值风格参考errno
const (
	CodeOK        int32 = 0
	CodeEPerm     int32 = 1 // 未初始化等非法状态调用
	CodeEIntr     int32 = 4 // 提交请求时被取消
	CodeEInval    int32 = 22
	CodeEShutdown int32 = 108
	CodeETimedout int32 = 110
	CodeEInternal int32 = 1004
)

// Status 一次rpc调用的结果描述，code为CodeOK时表示成功，
// 此时msg一定为空。构造后不再修改，按值传递
type Status struct {
	code int32
	msg  string
}

func OK() Status {
	return Status{}
}

func New(code int32, msg string) Status {
	if code == CodeOK {
		return Status{}
	}
	return Status{code: code, msg: msg}
}

func Newf(code int32, format string, args ...any) Status {
	return New(code, fmt.Sprintf(format, args...))
}

func (s Status) IsOK() bool {
	return s.code == CodeOK
}

func (s Status) Code() int32 {
	return s.code
}

func (s Status) Message() string {
	return s.msg
}

// Error Status可以按error传递
func (s Status) Error() string {
	return s.String()
}

func (s Status) String() string {
	if s.IsOK() {
		return "Status[OK]"
	}
	return fmt.Sprintf("Status[%s<%d>: %s]", codeName(s.code), s.code, s.msg)
}

func codeName(code int32) string {
	switch code {
	case CodeOK:
		return "OK"
	case CodeEPerm:
		return "EPERM"
	case CodeEIntr:
		return "EINTR"
	case CodeEInval:
		return "EINVAL"
	case CodeEShutdown:
		return "ESHUTDOWN"
	case CodeETimedout:
		return "ETIMEDOUT"
	case CodeEInternal:
		return "EINTERNAL"
	default:
		// 远端应用层自定义错误码
		return "EAPP"
	}
}
