// Package secrets resolves the backend session credential from the
// environment or from AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads Secrets Manager. A secret stored as a JSON object may be
// addressed as "<secret-id>#<field>".
type AWSProvider struct {
	client SecretsManagerAPI
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client SecretsManagerAPI) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	id, field, _ := strings.Cut(strings.TrimSpace(key), "#")
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("secrets: get %q: %w", id, err)
	}

	var raw string
	switch {
	case strings.TrimSpace(aws.ToString(out.SecretString)) != "":
		raw = strings.TrimSpace(aws.ToString(out.SecretString))
	case len(out.SecretBinary) > 0:
		raw = strings.TrimSpace(string(out.SecretBinary))
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return raw, nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("secrets: secret %q is not a json object: %w", id, err)
	}
	v, ok := obj[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(v), nil
}

type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnv() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v, _ := p.lookup(key)
	if v = strings.TrimSpace(v); v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Session is the credential attached to every backend request. At most one
// of the two fields is set.
type Session struct {
	BearerToken string
	Cookie      string
}

// SessionSource names where the credential lives. The first non-empty
// source wins: TokenSecret, then TokenEnv, then CookieEnv.
type SessionSource struct {
	TokenSecret string
	TokenEnv    string
	CookieEnv   string
}

func (s SessionSource) Empty() bool {
	return strings.TrimSpace(s.TokenSecret) == "" &&
		strings.TrimSpace(s.TokenEnv) == "" &&
		strings.TrimSpace(s.CookieEnv) == ""
}

// ResolveSession reads the credential. sm is only consulted when
// TokenSecret is set and may be nil otherwise.
func ResolveSession(ctx context.Context, src SessionSource, env, sm Provider) (Session, error) {
	if env == nil {
		return Session{}, fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	switch {
	case strings.TrimSpace(src.TokenSecret) != "":
		if sm == nil {
			return Session{}, fmt.Errorf("%w: token secret set without a secrets manager provider", ErrInvalidConfig)
		}
		tok, err := sm.Get(ctx, src.TokenSecret)
		if err != nil {
			return Session{}, err
		}
		return Session{BearerToken: tok}, nil
	case strings.TrimSpace(src.TokenEnv) != "":
		tok, err := env.Get(ctx, src.TokenEnv)
		if err != nil {
			return Session{}, err
		}
		return Session{BearerToken: tok}, nil
	case strings.TrimSpace(src.CookieEnv) != "":
		c, err := env.Get(ctx, src.CookieEnv)
		if err != nil {
			return Session{}, err
		}
		return Session{Cookie: c}, nil
	default:
		return Session{}, nil
	}
}
