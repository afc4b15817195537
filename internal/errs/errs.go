// Package errs defines the error taxonomy shared by the acquisition and
// transformation components. Components return these types (usually wrapped)
// and the HTTP layer classifies them with errors.As; nothing here knows about
// status codes.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError 表示调用方传入的参数非法，属于客户端错误。
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Invalid 构造 ValidationError。
func Invalid(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// FetchError 表示远端壁纸服务不可达或返回了无法使用的数据。
type FetchError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	msg := "fetch " + e.Op
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// EncodeError 表示原图损坏或目标格式编码失败。
type EncodeError struct {
	Op     string
	Format string
	Err    error
}

func (e *EncodeError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("%s image: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s image: %v", e.Op, e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// IOError 表示本地磁盘读写失败（磁盘已满、权限不足等）。
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// WrapIO 将 err 包装为 IOError；err 为 nil 或已是分类错误时原样返回。
func WrapIO(op, path string, err error) error {
	if err == nil || Classified(err) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// Classified 判断 err 链上是否已有本包定义的错误类型。
func Classified(err error) bool {
	var (
		v *ValidationError
		f *FetchError
		e *EncodeError
		i *IOError
	)
	return errors.As(err, &v) || errors.As(err, &f) || errors.As(err, &e) || errors.As(err, &i)
}
