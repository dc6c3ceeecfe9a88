package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3Client returns the blob store client. A custom endpoint switches to
// path-style addressing.
func NewS3Client(cfg aws.Config, s Settings) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if ep := endpoint(s); ep != nil {
			o.BaseEndpoint = ep
			o.UsePathStyle = true
		}
	})
}
