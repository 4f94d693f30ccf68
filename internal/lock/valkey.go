package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

var releaseScript = valkey.NewLuaScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// ValkeyProvider takes locks with SET NX and releases them only while the stored token is ours.
type ValkeyProvider struct {
	client valkey.Client
	prefix string
	mu     sync.Mutex
	tokens map[string]string
}

func NewValkeyProvider(client valkey.Client, prefix string) *ValkeyProvider {
	return &ValkeyProvider{client: client, prefix: prefix, tokens: make(map[string]string)}
}

func (p *ValkeyProvider) key(name string) string { return p.prefix + "lock:" + name }

func (p *ValkeyProvider) TryAcquire(ctx context.Context, name string) (bool, error) {
	token := uuid.NewString()
	resp := p.client.Do(ctx, p.client.B().Set().Key(p.key(name)).Value(token).Nx().Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("set nx %s: %w", name, err)
	}
	p.mu.Lock()
	p.tokens[name] = token
	p.mu.Unlock()
	return true, nil
}

func (p *ValkeyProvider) Release(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	token, ok := p.tokens[name]
	delete(p.tokens, name)
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	n, err := releaseScript.Exec(ctx, p.client, []string{p.key(name)}, []string{token}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("release %s: %w", name, err)
	}
	return n == 1, nil
}

func (p *ValkeyProvider) Held(ctx context.Context, name string) (bool, error) {
	n, err := p.client.Do(ctx, p.client.B().Exists().Key(p.key(name)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", name, err)
	}
	return n > 0, nil
}
