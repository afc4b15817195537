package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix 是所有派生图文件名的固定前缀。
const KeyPrefix = "wallpaper_"

// hashLength 取 MD5 十六进制前 8 位（32 bit）。这只是便于肉眼识别的近似唯一，
// 不是密码学保证：约 7.7 万个不同参数组合时碰撞概率达到 50%。
const hashLength = 8

// Key 将 (width, height, fit, format) 映射为缓存文件名，
// 形如 wallpaper_800x600_cover_1a2b3c4d.webp。相同参数始终得到相同结果。
func Key(width, height int, fit, format string) string {
	fit = strings.ToLower(strings.TrimSpace(fit))
	format = strings.ToLower(strings.TrimSpace(format))

	sum := md5.Sum([]byte(fmt.Sprintf("%d_%d_%s_%s", width, height, format, fit)))
	hash := hex.EncodeToString(sum[:])[:hashLength]

	return fmt.Sprintf("%s%dx%d_%s_%s.%s", KeyPrefix, width, height, fit, hash, format)
}
