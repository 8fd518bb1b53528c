package notify

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"github.com/cockroachdb/errors"
)

type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSTransport publishes text messages directly to phone numbers through AWS SNS.
type SMSTransport struct {
	newClient func(ctx context.Context, s SNSSettings) (snsPublisher, error)
}

// NewSMSTransport returns an SNS-backed SMS transport.
func NewSMSTransport() *SMSTransport {
	return &SMSTransport{newClient: newSNSClient}
}

func newSNSClient(ctx context.Context, s SNSSettings) (snsPublisher, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.Region)}
	if s.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return sns.NewFromConfig(cfg), nil
}

// Send implements Transport.
func (t *SMSTransport) Send(ctx context.Context, cfg ChannelConfig, msg Message) error {
	if cfg.SNS == nil || cfg.SNS.Region == "" {
		return configurationf("sms: sns region missing")
	}
	client, err := t.newClient(ctx, *cfg.SNS)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "sms"), ErrConfiguration)
	}

	attrs := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if cfg.SNS.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(cfg.SNS.SenderID)}
	}

	var failed []string
	var errs error
	for _, phone := range cfg.Recipients {
		_, err := client.Publish(ctx, &sns.PublishInput{
			PhoneNumber:       aws.String(phone),
			Message:           aws.String(msg.Short),
			MessageAttributes: attrs,
		})
		if err != nil {
			failed = append(failed, phone)
			errs = errors.CombineErrors(errs, describeSNSError(err))
		}
	}
	if errs != nil {
		return &RecipientsError{Failed: failed, Err: errs}
	}
	return nil
}

func describeSNSError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return errors.Wrapf(err, "sms: sns %s", apiErr.ErrorCode())
	}
	return errors.Wrap(err, "sms: publish")
}
