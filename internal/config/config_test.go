package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("VISION_MODEL", "")
	t.Setenv("IMAGE_MODEL", "")
	t.Setenv("DISPATCH_MODE", "")

	cfg := Load()
	assert.Equal(t, "gpt-4.1-mini", cfg.VisionModel)
	assert.Equal(t, "gpt-image-1.5", cfg.ImageModel)
	assert.Equal(t, DispatchLocal, cfg.DispatchMode)
	assert.Equal(t, 60*time.Second, cfg.ImageDownloadTimeout)
	assert.Equal(t, 3*time.Minute, cfg.SynthesisTimeout)
	assert.Empty(t, cfg.Synthesis().APIKey)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DISPATCH_MODE", "REDIS")
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("ASSET_S3_PATH_STYLE", "true")
	t.Setenv("MAX_UPLOAD_BYTES", "not-a-number")
	t.Setenv("SYNTHESIS_TIMEOUT", "90s")

	cfg := Load()
	assert.Equal(t, DispatchRedis, cfg.DispatchMode)
	assert.Equal(t, 9, cfg.WorkerConcurrency)
	assert.True(t, cfg.AssetS3PathStyle)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxUploadBytes)

	syn := cfg.Synthesis()
	assert.Equal(t, "sk-test", syn.APIKey)
	assert.Equal(t, 90*time.Second, syn.RequestTimeout)
	assert.Equal(t, cfg.ImageModel, cfg.Pipeline().ImageModel)
}
