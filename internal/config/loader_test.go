package config

import "testing"

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

func TestLoadParsesByteSizes(t *testing.T) {
	testCases := []struct {
		raw  string
		want int64
	}{
		{`MaxCacheSize = "1GiB"`, 1 << 30},
		{`MaxCacheSize = "100MB"`, 100 * 1000 * 1000},
		{`MaxCacheSize = 10485760`, 10 << 20},
	}
	for _, tc := range testCases {
		t.Run(tc.raw, func(t *testing.T) {
			path := writeTempConfig(t, "StoragePath = \"./data\"\n"+tc.raw+"\n")
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load 返回错误: %v", err)
			}
			if cfg.Global.MaxCacheSize.Int64() != tc.want {
				t.Fatalf("MaxCacheSize = %d, want %d", cfg.Global.MaxCacheSize, tc.want)
			}
		})
	}
}

func TestLoadRejectsInvalidByteSize(t *testing.T) {
	path := writeTempConfig(t, "MaxCacheSize = \"lots\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("无效容量应失败")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(testConfigPath(t, "absent.toml")); err == nil {
		t.Fatalf("配置文件不存在时应报错")
	}
}
