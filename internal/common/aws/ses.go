package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
)

// NewSESClient returns the email client used by notification delivery.
func NewSESClient(cfg aws.Config, s Settings) *ses.Client {
	return ses.NewFromConfig(cfg, func(o *ses.Options) {
		if ep := endpoint(s); ep != nil {
			o.BaseEndpoint = ep
		}
	})
}
