package remote

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// Credentials supplies the bearer token sent with every request.
// Refresh is called at most once per request, after a 401.
type Credentials interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticCredentials never changes; a refresh returns the same token, so a
// second 401 is terminal.
type StaticCredentials string

func (s StaticCredentials) Token(context.Context) (string, error)   { return string(s), nil }
func (s StaticCredentials) Refresh(context.Context) (string, error) { return string(s), nil }

// ssmParamGetter is the subset of the SSM client we use. Extracted for tests.
type ssmParamGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMCredentials reads the token from a SecureString parameter and keeps it
// for ttl. Refresh always re-reads.
type SSMCredentials struct {
	client ssmParamGetter
	param  string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

// NewSSMCredentials caches the token for ttl; ttl <= 0 disables caching.
func NewSSMCredentials(client *ssm.Client, param string, ttl time.Duration) *SSMCredentials {
	return newSSMCredentials(client, param, ttl)
}

func newSSMCredentials(client ssmParamGetter, param string, ttl time.Duration) *SSMCredentials {
	return &SSMCredentials{client: client, param: param, ttl: ttl, now: time.Now}
}

func (c *SSMCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.ttl > 0 && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.token, nil
	}
	return c.fetchLocked(ctx)
}

func (c *SSMCredentials) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchLocked(ctx)
}

func (c *SSMCredentials) fetchLocked(ctx context.Context) (string, error) {
	v, err := getParameter(ctx, c.client, c.param)
	if err != nil {
		return "", xerrors.Mark(err, xerrors.ErrAuth)
	}
	c.token = v
	c.fetchedAt = c.now()
	return v, nil
}

// SecretFromSSM reads the codec secret from a SecureString parameter.
func SecretFromSSM(ctx context.Context, client *ssm.Client, param string) ([]byte, error) {
	return secretFromSSM(ctx, client, param)
}

func secretFromSSM(ctx context.Context, client ssmParamGetter, param string) ([]byte, error) {
	v, err := getParameter(ctx, client, param)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func getParameter(ctx context.Context, client ssmParamGetter, param string) (string, error) {
	if param == "" {
		return "", xerrors.New("SSM parameter name is required")
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", param)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", param)
	}
	return v, nil
}
