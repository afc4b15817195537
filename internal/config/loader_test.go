package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data"
UpstreamTimeout = 15

[Provider]
Market = "en-US"
`
	cfgPath := writeTempConfig(t, cfg)
	loaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("整数秒应解析为 15s，得到 %s", loaded.Global.UpstreamTimeout.DurationValue())
	}
	if loaded.Provider.Market != "en-US" {
		t.Fatalf("Provider.Market 应被覆盖，得到 %s", loaded.Provider.Market)
	}
	if loaded.Provider.Host != "https://cn.bing.com" {
		t.Fatalf("Provider.Host 应保留默认值，得到 %s", loaded.Provider.Host)
	}
}

func TestLoadRejectsBadCron(t *testing.T) {
	cfg := `
StoragePath = "./data"

[Schedule]
PurgeCron = "whenever"
`
	if _, err := Load(writeTempConfig(t, cfg)); err == nil {
		t.Fatalf("非法 cron 表达式应失败")
	}
}
