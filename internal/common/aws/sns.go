package aws

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
)

// NewSNSClient returns the SMS client used for high-priority notifications.
func NewSNSClient(cfg aws.Config, s Settings) *sns.Client {
	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if ep := endpoint(s); ep != nil {
			o.BaseEndpoint = ep
		}
	})
}
