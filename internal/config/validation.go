package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// CronParser 与调度器共用的五段式 cron 解析器。
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" && (g.SourceDir == "" || g.CacheDir == "") {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.TransformWorkers <= 0 {
		return newFieldError("Global.TransformWorkers", "必须大于 0")
	}
	if _, err := g.Location(); err != nil {
		return newFieldError("Global.Timezone", fmt.Sprintf("无法识别的时区: %s", g.Timezone))
	}
	if g.SourcePath() == g.CachePath() {
		return newFieldError("Global.CacheDir", "不能与原图目录相同")
	}

	if err := c.Provider.validate(); err != nil {
		return err
	}
	return c.Schedule.validate()
}

func (p ProviderConfig) validate() error {
	if err := validateUpstream(p.Host); err != nil {
		return fmt.Errorf("%s: %w", sectionField("Provider", "Host"), err)
	}
	if strings.TrimSpace(p.Market) == "" {
		return newFieldError(sectionField("Provider", "Market"), "不能为空")
	}
	if p.Index < 0 {
		return newFieldError(sectionField("Provider", "Index"), "不能为负数")
	}
	if p.Count < 1 || p.Count > 8 {
		return newFieldError(sectionField("Provider", "Count"), "必须在 1-8")
	}
	if strings.ContainsAny(p.ImageSuffix, "/?#") {
		return newFieldError(sectionField("Provider", "ImageSuffix"), "不允许包含路径或查询字符")
	}
	return nil
}

func (s ScheduleConfig) validate() error {
	if s.RefreshCron != "" {
		if _, err := CronParser.Parse(s.RefreshCron); err != nil {
			return newFieldError(sectionField("Schedule", "RefreshCron"), err.Error())
		}
	}
	if s.PurgeCron != "" {
		if _, err := CronParser.Parse(s.PurgeCron); err != nil {
			return newFieldError(sectionField("Schedule", "PurgeCron"), err.Error())
		}
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
