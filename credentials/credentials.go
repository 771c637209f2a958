// Package credentials finds the write token the channel authenticates with.
package credentials

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/newrelic/newrelic-telemetry-channel/config"
	"github.com/newrelic/newrelic-telemetry-channel/util"
)

var l = util.NewPackageLogger("credentials")

// DefaultSecretID is tried in Secrets Manager and then in SSM when nothing is configured.
const DefaultSecretID = "NR_CHANNEL_WRITE_TOKEN"

var (
	ErrNoWriteToken    = errors.New("no write token configured")
	ErrMalformedSecret = errors.New("malformed write token secret")
)

// SecretsManagerAPI defines the interface for Secrets Manager operations
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SSMAPI defines the interface for SSM operations
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type writeTokenSecret struct {
	WriteToken string
}

// Resolver looks the token up in configuration, Secrets Manager and SSM Parameter Store.
// Either API may be nil.
type Resolver struct {
	secrets SecretsManagerAPI
	params  SSMAPI
}

func NewResolver(secrets SecretsManagerAPI, params SSMAPI) *Resolver {
	return &Resolver{secrets: secrets, params: params}
}

// NewAWSResolver builds AWS clients from the default credential chain. Without AWS
// configuration it still resolves tokens set in the configuration.
func NewAWSResolver(ctx context.Context) *Resolver {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		l.Warnf("[credentials:NewAWSResolver] failed to load AWS config: %v", err)
		return NewResolver(nil, nil)
	}
	return NewResolver(secretsmanager.NewFromConfig(cfg), ssm.NewFromConfig(cfg))
}

// WriteToken returns the configured token, or the one stored in the configured secret or
// parameter. With none of those set it falls back to DefaultSecretID in both stores.
func (r *Resolver) WriteToken(ctx context.Context, conf *config.Configuration) (string, error) {
	if conf.WriteToken != "" {
		l.Debugf("[credentials:WriteToken] using write token from configuration")
		return conf.WriteToken, nil
	}

	if conf.WriteTokenSecret != "" {
		l.Infof("[credentials:WriteToken] fetching write token from secret %s", conf.WriteTokenSecret)
		return r.fromSecret(ctx, conf.WriteTokenSecret)
	}

	if conf.WriteTokenParam != "" {
		l.Infof("[credentials:WriteToken] fetching write token from parameter %s", conf.WriteTokenParam)
		return r.fromParameter(ctx, conf.WriteTokenParam)
	}

	l.Debugf("[credentials:WriteToken] no write token configured, trying %s", DefaultSecretID)
	if token, err := r.fromSecret(ctx, DefaultSecretID); err == nil {
		return token, nil
	}
	if token, err := r.fromParameter(ctx, DefaultSecretID); err == nil {
		return token, nil
	}
	return "", ErrNoWriteToken
}

// IsSecretConfigured reports whether the secret exists and can be read.
func (r *Resolver) IsSecretConfigured(ctx context.Context, conf *config.Configuration) bool {
	id := conf.WriteTokenSecret
	if id == "" {
		id = DefaultSecretID
	}
	_, err := r.fromSecret(ctx, id)
	return err == nil
}

// IsSSMParameterConfigured reports whether the parameter exists and can be read.
func (r *Resolver) IsSSMParameterConfigured(ctx context.Context, conf *config.Configuration) bool {
	name := conf.WriteTokenParam
	if name == "" {
		name = DefaultSecretID
	}
	_, err := r.fromParameter(ctx, name)
	return err == nil
}

func (r *Resolver) fromSecret(ctx context.Context, id string) (string, error) {
	if r.secrets == nil {
		return "", errors.New("Secrets Manager client not initialized")
	}
	out, err := r.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", errors.Wrapf(err, "reading secret %s", id)
	}
	if out.SecretString == nil {
		return "", errors.Wrapf(ErrMalformedSecret, "secret %s has no string value", id)
	}
	return decodeWriteToken(*out.SecretString)
}

// decodeWriteToken accepts {"WriteToken": "..."} or the bare token.
func decodeWriteToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		if raw == "" {
			return "", errors.Wrap(ErrMalformedSecret, "empty secret")
		}
		return raw, nil
	}
	var secret writeTokenSecret
	if err := json.Unmarshal([]byte(raw), &secret); err != nil {
		return "", errors.Wrap(ErrMalformedSecret, err.Error())
	}
	if secret.WriteToken == "" {
		return "", errors.Wrap(ErrMalformedSecret, `missing "WriteToken" attribute`)
	}
	return secret.WriteToken, nil
}

func (r *Resolver) fromParameter(ctx context.Context, name string) (string, error) {
	if r.params == nil {
		return "", errors.New("SSM client not initialized")
	}
	out, err := r.params.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(name), WithDecryption: aws.Bool(true)})
	if err != nil {
		return "", errors.Wrapf(err, "reading parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return "", errors.Wrapf(ErrMalformedSecret, "parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}
