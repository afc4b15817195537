// Package version carries build metadata injected through -ldflags.
package version

import "fmt"

// Version/Commit/BuildDate 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version   = "0.1.0"
	Commit    = "dev"
	BuildDate = "unknown"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("wallhub %s (%s, built %s)", Version, Commit, BuildDate)
}

// UserAgent 返回访问上游时使用的 User-Agent。
func UserAgent() string {
	return "wallhub/" + Version
}
