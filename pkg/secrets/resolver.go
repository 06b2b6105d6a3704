// Package secrets resolves environment values that reference AWS Secrets
// Manager entries. Values that look like secret ARNs are fetched and replaced
// before a subprocess is launched; everything else passes through verbatim.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"golang.org/x/sync/singleflight"
)

// arnPrefix marks an env value as a Secrets Manager reference.
const arnPrefix = "arn:aws:secretsmanager:"

// API is the subset of the Secrets Manager client the resolver needs.
type API interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver swaps ARN-valued environment entries for their secret payloads.
// Successful lookups are cached for the process lifetime; failures are never
// cached so a transient outage does not poison later launches.
type Resolver struct {
	client API
	logger *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver builds a resolver over the given Secrets Manager client.
func NewResolver(client API, logger *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		logger: logger.With("component", "secrets"),
		cache:  make(map[string]string),
	}
}

// IsReference reports whether the value is a Secrets Manager ARN.
func IsReference(value string) bool {
	return strings.HasPrefix(value, arnPrefix)
}

// ResolveEnv returns a copy of env with every ARN-valued entry replaced by
// the resolved secret. The input map is never mutated. The first failed
// lookup aborts the whole resolution; partial environments are worse than
// a clean failure.
func (r *Resolver) ResolveEnv(ctx context.Context, env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		if !IsReference(value) {
			out[key] = value
			continue
		}
		resolved, err := r.resolve(ctx, key, value)
		if err != nil {
			return nil, fmt.Errorf("resolving secret for %s: %w", key, err)
		}
		out[key] = resolved
	}
	return out, nil
}

func (r *Resolver) resolve(ctx context.Context, envKey, arn string) (string, error) {
	r.mu.RLock()
	cached, ok := r.cache[arn]
	r.mu.RUnlock()
	if ok {
		return extractField(cached, envKey), nil
	}

	// Collapse concurrent lookups of the same ARN into one API call.
	raw, err, _ := r.group.Do(arn, func() (any, error) {
		out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(arn),
		})
		if err != nil {
			return nil, err
		}
		if out.SecretString == nil {
			return nil, fmt.Errorf("secret has no string payload")
		}
		return *out.SecretString, nil
	})
	if err != nil {
		r.logger.Warn("secret resolution failed", "secret_arn", arn, "error", err)
		return "", err
	}

	secret := raw.(string)
	r.mu.Lock()
	r.cache[arn] = secret
	r.mu.Unlock()

	r.logger.Debug("secret resolved", "secret_arn", arn)
	return extractField(secret, envKey), nil
}

// extractField handles JSON-object secrets: when the payload is an object
// containing the env key, that field is used; otherwise the raw payload is
// returned unchanged.
func extractField(secret, envKey string) string {
	trimmed := strings.TrimSpace(secret)
	if !strings.HasPrefix(trimmed, "{") {
		return secret
	}
	var fields map[string]string
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
		return secret
	}
	if v, ok := fields[envKey]; ok {
		return v
	}
	return secret
}
