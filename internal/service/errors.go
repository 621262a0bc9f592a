// Package service 包含了应用的业务逻辑层。
package service

import "errors"

// ErrRetrievalUnavailable 表示向量与词法两条召回通道全部不可用。
// 单通道失败只会降级，不会返回该错误。
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

// ErrPermissionDenied 表示当前用户无权访问目标资源。
var ErrPermissionDenied = errors.New("permission denied")
