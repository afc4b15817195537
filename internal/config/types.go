package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听端口、日志、磁盘目录与并发度。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	SourceDir          string   `mapstructure:"SourceDir"`
	CacheDir           string   `mapstructure:"CacheDir"`
	Timezone           string   `mapstructure:"Timezone"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	TransformWorkers   int      `mapstructure:"TransformWorkers"`
	InvalidateOnRotate bool     `mapstructure:"InvalidateOnRotate"`
}

// ProviderConfig 描述每日壁纸来源（Bing HPImageArchive）的访问参数。
type ProviderConfig struct {
	Host        string `mapstructure:"Host"`
	Market      string `mapstructure:"Market"`
	Index       int    `mapstructure:"Index"`
	Count       int    `mapstructure:"Count"`
	ImageSuffix string `mapstructure:"ImageSuffix"`
}

// ScheduleConfig 描述后台定时任务的 cron 表达式。
type ScheduleConfig struct {
	RefreshCron      string `mapstructure:"RefreshCron"`
	PurgeCron        string `mapstructure:"PurgeCron"`
	RefreshOnStartup bool   `mapstructure:"RefreshOnStartup"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Provider ProviderConfig `mapstructure:"Provider"`
	Schedule ScheduleConfig `mapstructure:"Schedule"`
}

// SourcePath 返回原图目录；未显式配置时位于 StoragePath/images。
func (g GlobalConfig) SourcePath() string {
	if g.SourceDir != "" {
		return g.SourceDir
	}
	return filepath.Join(g.StoragePath, "images")
}

// CachePath 返回派生图缓存目录；未显式配置时位于 StoragePath/processed。
func (g GlobalConfig) CachePath() string {
	if g.CacheDir != "" {
		return g.CacheDir
	}
	return filepath.Join(g.StoragePath, "processed")
}

// Location 解析 Timezone，空值或 Local 返回 time.Local。
func (g GlobalConfig) Location() (*time.Location, error) {
	name := strings.TrimSpace(g.Timezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
