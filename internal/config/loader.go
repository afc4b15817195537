package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyProviderDefaults(&cfg.Provider)
	applyScheduleDefaults(&cfg.Schedule)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutize(&cfg.Global); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 3000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("Timezone", "Local")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("TransformWorkers", runtime.NumCPU())
	v.SetDefault("InvalidateOnRotate", true)
	v.SetDefault("Provider.Host", "https://cn.bing.com")
	v.SetDefault("Provider.Market", "zh-CN")
	v.SetDefault("Provider.Index", 0)
	v.SetDefault("Provider.Count", 1)
	v.SetDefault("Provider.ImageSuffix", "_UHD.jpg")
	v.SetDefault("Schedule.RefreshCron", "0 */12 * * *")
	v.SetDefault("Schedule.PurgeCron", "0 */6 * * *")
	v.SetDefault("Schedule.RefreshOnStartup", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 3000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.TransformWorkers == 0 {
		g.TransformWorkers = runtime.NumCPU()
	}
	g.Timezone = strings.TrimSpace(g.Timezone)
}

func applyProviderDefaults(p *ProviderConfig) {
	p.Host = strings.TrimRight(strings.TrimSpace(p.Host), "/")
	if p.Count == 0 {
		p.Count = 1
	}
	if p.ImageSuffix == "" {
		p.ImageSuffix = "_UHD.jpg"
	}
}

func applyScheduleDefaults(s *ScheduleConfig) {
	s.RefreshCron = strings.TrimSpace(s.RefreshCron)
	s.PurgeCron = strings.TrimSpace(s.PurgeCron)
}

func absolutize(g *GlobalConfig) error {
	absStorage, err := filepath.Abs(g.StoragePath)
	if err != nil {
		return fmt.Errorf("无法解析存储目录: %w", err)
	}
	g.StoragePath = absStorage
	if g.SourceDir != "" {
		if g.SourceDir, err = filepath.Abs(g.SourceDir); err != nil {
			return fmt.Errorf("无法解析原图目录: %w", err)
		}
	}
	if g.CacheDir != "" {
		if g.CacheDir, err = filepath.Abs(g.CacheDir); err != nil {
			return fmt.Errorf("无法解析缓存目录: %w", err)
		}
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
