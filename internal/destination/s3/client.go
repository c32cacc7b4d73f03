package s3

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/Chapsvision-dev/backups/internal/version"
)

type settings struct {
	Bucket          string `ini:"bucket" validate:"required"`
	Region          string `ini:"region" validate:"required"`
	AccessKeyID     string `ini:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `ini:"secret_access_key" validate:"required_with=AccessKeyID"`
	Endpoint        string `ini:"endpoint" validate:"omitempty,url"`
	Prefix          string `ini:"prefix"`
	RoleARN         string `ini:"role_arn"`
	UseIAMProfile   bool   `ini:"use_iam_profile"`
	StorageClass    string `ini:"storage_class"`
}

// credentialsProvider picks the credential chain: static keys, optionally used to
// assume role_arn through STS, or the EC2 instance profile.
func credentialsProvider(s settings) aws.CredentialsProvider {
	static := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, ""))

	switch {
	case s.RoleARN != "":
		base := aws.CredentialsProvider(static)
		if s.UseIAMProfile {
			base = aws.NewCredentialsCache(ec2rolecreds.New())
		}
		stsClient := sts.New(sts.Options{Credentials: base, Region: s.Region})
		return aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, s.RoleARN))
	case s.UseIAMProfile:
		return aws.NewCredentialsCache(ec2rolecreds.New())
	default:
		return static
	}
}

// newClient builds the S3 client. Transport retries are left to internal/retry.
// A custom endpoint implies path-style addressing (MinIO, Ceph RGW, ...).
func newClient(s settings, httpClient s3.HTTPClient) *s3.Client {
	opts := s3.Options{
		Credentials:                credentialsProvider(s),
		Region:                     s.Region,
		Retryer:                    aws.NopRetryer{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
		AppID:                      "backups-" + strings.ReplaceAll(version.Version, " ", "_"),
	}
	if s.Endpoint != "" {
		opts.BaseEndpoint = aws.String(s.Endpoint)
		opts.UsePathStyle = true
	}
	if httpClient != nil {
		opts.HTTPClient = httpClient
	}
	return s3.New(opts)
}
