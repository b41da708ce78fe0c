package gitcreds

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AWSConfig holds settings for aws-sm:// refs. Region and credentials
// fall back to the SDK default chain when unset.
type AWSConfig struct {
	Region  string
	RoleARN string
}

type awsSource struct {
	client *secretsmanager.Client
}

var _ source = (*awsSource)(nil)

func newAWSSource(ctx context.Context, cfg AWSConfig) (*awsSource, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	if cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		awsCfg.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN))
	}
	return &awsSource{client: secretsmanager.NewFromConfig(awsCfg)}, nil
}

// resolve fetches a secret value. JSON-object secrets are indexed by
// the ref's #key; plain-string secrets are used whole.
func (s *awsSource) resolve(ctx context.Context, name, key string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("aws secretsmanager: get %s: %w", name, err)
	}

	var raw string
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case out.SecretBinary != nil:
		raw = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("aws secretsmanager: secret %s has no value", name)
	}

	if key == "" {
		return strings.TrimSpace(raw), nil
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", fmt.Errorf("aws secretsmanager: secret %s is not a JSON object, cannot select key %q", name, key)
	}
	token, ok := data[key]
	if !ok {
		return "", fmt.Errorf("aws secretsmanager: secret %s has no key %q", name, key)
	}
	return token, nil
}
