package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound cubre tokens desconocidos, ya canjeados o revocados.
var ErrTokenNotFound = errors.New("checkin token not found")

// TokenRegistry administra los tokens de check-in de un solo uso. Emitir un
// token nuevo retira atomicamente el anterior del mismo usuario; canjear el
// mismo token dos veces concurrentes produce exactamente un exito.
type TokenRegistry interface {
	Issue(userKey string) (string, error)
	Redeem(token string) (string, error)
	RevokeAll(userKey string) error
}

func newCheckinToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type memoryTokenRegistry struct {
	mu      sync.Mutex
	byToken map[string]string
	byUser  map[string]string
}

func NewMemoryTokenRegistry() TokenRegistry {
	return &memoryTokenRegistry{
		byToken: make(map[string]string),
		byUser:  make(map[string]string),
	}
}

func (r *memoryTokenRegistry) Issue(userKey string) (string, error) {
	if strings.TrimSpace(userKey) == "" {
		return "", errors.New("user key is required")
	}
	token, err := newCheckinToken()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byUser[userKey]; ok {
		delete(r.byToken, old)
	}
	r.byToken[token] = userKey
	r.byUser[userKey] = token
	return token, nil
}

func (r *memoryTokenRegistry) Redeem(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrTokenNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	userKey, ok := r.byToken[token]
	if !ok {
		return "", ErrTokenNotFound
	}
	delete(r.byToken, token)
	if r.byUser[userKey] == token {
		delete(r.byUser, userKey)
	}
	return userKey, nil
}

func (r *memoryTokenRegistry) RevokeAll(userKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.byUser[userKey]; ok {
		delete(r.byToken, token)
		delete(r.byUser, userKey)
	}
	return nil
}

// Scripts Lua: la emision retira el token previo del usuario y el canje
// borra-y-devuelve en un solo paso, asi dos canjes concurrentes del mismo
// token resuelven en un unico ganador.
const redisTokenIssueScript = `
local old = redis.call("GET", KEYS[2])
if old then
  redis.call("DEL", "deadman:checkin:" .. old)
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
redis.call("SET", KEYS[2], ARGV[3], "EX", ARGV[2])
return 1
`

const redisTokenRedeemScript = `
local owner = redis.call("GET", KEYS[1])
if not owner then
  return false
end
redis.call("DEL", KEYS[1])
local current = redis.call("GET", "deadman:owner:" .. owner)
if current == ARGV[1] then
  redis.call("DEL", "deadman:owner:" .. owner)
end
return owner
`

// redisTokenClient es el subconjunto de comandos que usa el registry.
type redisTokenClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type redisTokenRegistry struct {
	client redisTokenClient
	ttl    time.Duration
}

// NewRedisTokenRegistry guarda los tokens en Redis para que sobrevivan al
// proceso. El TTL es solo un resguardo contra claves huerfanas; la revocacion
// real ocurre al canjear, reemitir o desarmar.
func NewRedisTokenRegistry(client *redis.Client, ttl time.Duration) TokenRegistry {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 35 * 24 * time.Hour
	}
	return &redisTokenRegistry{client: client, ttl: ttl}
}

func (r *redisTokenRegistry) tokenKey(token string) string   { return "deadman:checkin:" + token }
func (r *redisTokenRegistry) ownerKey(userKey string) string { return "deadman:owner:" + userKey }

func (r *redisTokenRegistry) Issue(userKey string) (string, error) {
	if strings.TrimSpace(userKey) == "" {
		return "", errors.New("user key is required")
	}
	token, err := newCheckinToken()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	seconds := int(r.ttl.Seconds())
	err = r.client.Eval(ctx, redisTokenIssueScript,
		[]string{r.tokenKey(token), r.ownerKey(userKey)},
		userKey, seconds, token,
	).Err()
	if err != nil {
		return "", err
	}
	return token, nil
}

func (r *redisTokenRegistry) Redeem(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrTokenNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	owner, err := r.client.Eval(ctx, redisTokenRedeemScript,
		[]string{r.tokenKey(token)},
		token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

func (r *redisTokenRegistry) RevokeAll(userKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	token, err := r.client.GetDel(ctx, r.ownerKey(userKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.client.Del(ctx, r.tokenKey(token)).Err()
}
