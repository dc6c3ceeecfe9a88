// Package aws builds the AWS service clients used for outbound delivery and
// blob storage from the integrations.aws config section.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// Settings is the subset of integrations.aws the clients need. Endpoint is
// set for local stacks (localstack, minio) and left empty in production.
type Settings struct {
	Region   string
	Endpoint string
}

// LoadConfig resolves credentials from the default chain.
func LoadConfig(ctx context.Context, s Settings) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	return cfg, nil
}

func endpoint(s Settings) *string {
	if s.Endpoint == "" {
		return nil
	}
	return aws.String(s.Endpoint)
}
