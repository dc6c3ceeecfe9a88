package aws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Region(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	cfg, err := LoadConfig(context.Background(), Settings{Region: "eu-west-1"})
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", cfg.Region)

	assert.NotNil(t, NewSESClient(cfg, Settings{}))
	assert.NotNil(t, NewSNSClient(cfg, Settings{}))
	assert.NotNil(t, NewS3Client(cfg, Settings{Endpoint: "http://localhost:9000"}))
}

func TestEndpoint(t *testing.T) {
	assert.Nil(t, endpoint(Settings{}))
	ep := endpoint(Settings{Endpoint: "http://localhost:4566"})
	require.NotNil(t, ep)
	assert.Equal(t, "http://localhost:4566", *ep)
}
