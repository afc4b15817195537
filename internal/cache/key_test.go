package cache

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"testing"
)

var keyPattern = regexp.MustCompile(`^wallpaper_\d+x\d+_[a-z]+_[0-9a-f]{8}\.[a-z]+$`)

func TestKeyLayout(t *testing.T) {
	key := Key(800, 600, "cover", "webp")
	sum := md5.Sum([]byte("800_600_webp_cover"))
	want := "wallpaper_800x600_cover_" + hex.EncodeToString(sum[:])[:8] + ".webp"
	if key != want {
		t.Fatalf("key mismatch: want %s got %s", want, key)
	}
	if !keyPattern.MatchString(key) {
		t.Fatalf("key %s does not match layout", key)
	}
}

func TestKeyDeterministicAndCaseInsensitive(t *testing.T) {
	if Key(1920, 1080, "cover", "jpg") != Key(1920, 1080, "COVER", " JPG ") {
		t.Fatalf("相同参数应得到相同 key")
	}
}

func TestKeyDistinguishesParameters(t *testing.T) {
	base := Key(800, 600, "cover", "webp")
	variants := []string{
		Key(801, 600, "cover", "webp"),
		Key(800, 601, "cover", "webp"),
		Key(800, 600, "contain", "webp"),
		Key(800, 600, "cover", "png"),
	}
	for _, v := range variants {
		if v == base {
			t.Fatalf("不同参数不应得到相同 key: %s", v)
		}
	}
}
