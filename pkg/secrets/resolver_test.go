package secrets

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testARN = "arn:aws:secretsmanager:us-east-1:123456789012:secret:api-key-AbCdEf"

type fakeSecretsAPI struct {
	mu      sync.Mutex
	secrets map[string]string
	err     error
	calls   atomic.Int32
}

func (f *fakeSecretsAPI) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
	optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.secrets[aws.ToString(params.SecretId)]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func newTestResolver(api *fakeSecretsAPI) *Resolver {
	return NewResolver(api, slog.Default())
}

func TestResolveEnv_PassthroughLiterals(t *testing.T) {
	api := &fakeSecretsAPI{}
	r := newTestResolver(api)

	out, err := r.ResolveEnv(context.Background(), map[string]string{
		"API_KEY": "plain-value",
		"DEBUG":   "1",
	})
	require.NoError(t, err)
	assert.Equal(t, "plain-value", out["API_KEY"])
	assert.Equal(t, "1", out["DEBUG"])
	assert.Zero(t, api.calls.Load(), "no API calls for literal values")
}

func TestResolveEnv_ResolvesARN(t *testing.T) {
	api := &fakeSecretsAPI{secrets: map[string]string{testARN: "s3cret"}}
	r := newTestResolver(api)

	out, err := r.ResolveEnv(context.Background(), map[string]string{"API_KEY": testARN})
	require.NoError(t, err)
	assert.Equal(t, "s3cret", out["API_KEY"])
}

func TestResolveEnv_JSONSecretPicksMatchingField(t *testing.T) {
	api := &fakeSecretsAPI{secrets: map[string]string{
		testARN: `{"API_KEY": "from-json", "OTHER": "x"}`,
	}}
	r := newTestResolver(api)

	out, err := r.ResolveEnv(context.Background(), map[string]string{"API_KEY": testARN})
	require.NoError(t, err)
	assert.Equal(t, "from-json", out["API_KEY"])

	// No matching field: the raw payload is used as-is.
	out, err = r.ResolveEnv(context.Background(), map[string]string{"MISSING": testARN})
	require.NoError(t, err)
	assert.JSONEq(t, `{"API_KEY": "from-json", "OTHER": "x"}`, out["MISSING"])
}

func TestResolveEnv_CachesSuccess(t *testing.T) {
	api := &fakeSecretsAPI{secrets: map[string]string{testARN: "s3cret"}}
	r := newTestResolver(api)

	for i := 0; i < 3; i++ {
		_, err := r.ResolveEnv(context.Background(), map[string]string{"API_KEY": testARN})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestResolveEnv_NeverCachesFailure(t *testing.T) {
	api := &fakeSecretsAPI{err: errors.New("throttled")}
	r := newTestResolver(api)

	_, err := r.ResolveEnv(context.Background(), map[string]string{"API_KEY": testARN})
	require.Error(t, err)

	// Clear the fault; the next resolution must retry and succeed.
	api.mu.Lock()
	api.err = nil
	api.secrets = map[string]string{testARN: "recovered"}
	api.mu.Unlock()

	out, err := r.ResolveEnv(context.Background(), map[string]string{"API_KEY": testARN})
	require.NoError(t, err)
	assert.Equal(t, "recovered", out["API_KEY"])
}

func TestResolveEnv_FailureAbortsWholeResolution(t *testing.T) {
	api := &fakeSecretsAPI{}
	r := newTestResolver(api)

	out, err := r.ResolveEnv(context.Background(), map[string]string{
		"GOOD": "literal",
		"BAD":  testARN,
	})
	require.Error(t, err)
	assert.Nil(t, out)
}

func TestResolveEnv_InputNotMutated(t *testing.T) {
	api := &fakeSecretsAPI{secrets: map[string]string{testARN: "s3cret"}}
	r := newTestResolver(api)

	in := map[string]string{"API_KEY": testARN}
	_, err := r.ResolveEnv(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, testARN, in["API_KEY"])
}

func TestResolveEnv_ConcurrentSingleFetch(t *testing.T) {
	api := &fakeSecretsAPI{secrets: map[string]string{testARN: "s3cret"}}
	r := newTestResolver(api)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.ResolveEnv(context.Background(), map[string]string{"K": testARN})
			assert.NoError(t, err)
			assert.Equal(t, "s3cret", out["K"])
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, api.calls.Load(), int32(2), "singleflight collapses concurrent lookups")
}

func TestIsReference(t *testing.T) {
	assert.True(t, IsReference(testARN))
	assert.False(t, IsReference("plain"))
	assert.False(t, IsReference("arn:aws:s3:::bucket"))
}
