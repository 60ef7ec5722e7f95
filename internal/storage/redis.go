package storage

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-auth-provider/internal/constants"
	"github.com/quantumauth-io/quantum-auth-provider/internal/securefile"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "quantumauth:provider:"

// Redis stores items in a shared Redis instance, e.g. for a provider running
// as a service next to other instances. Values are sealed with the same
// envelope as SecureFile before they leave the process.
type Redis struct {
	client   *redis.Client
	prefix   string
	password []byte
	opt      securefile.Options
}

type redisItem struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func NewRedis(client *redis.Client, prefix string, password []byte, sealer securefile.Sealer) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		password: append([]byte(nil), password...),
		opt: securefile.Options{
			AAD:         func(key string) []byte { return []byte(constants.AADConstant + ":" + key) },
			Sealer:      sealer,
			SealerLabel: constants.StoreSealerLabel,
		},
	}
}

// WithKDF overrides the passphrase KDF parameters.
func (r *Redis) WithKDF(kdf securefile.KDF) *Redis {
	r.opt.KDF = kdf
	return r
}

// DialRedis connects to addr and checks the connection.
func DialRedis(ctx context.Context, addr, password string, db int, passphrase []byte, sealer securefile.Sealer) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return NewRedis(client, "", passphrase, sealer), nil
}

func (r *Redis) GetItem(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %q", key)
	}
	item, err := securefile.OpenAuto[redisItem](ctx, key, data, r.password, r.opt)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", key)
	}
	if item.Key != key {
		return nil, errors.Newf("storage: redis entry for %q holds %q", key, item.Key)
	}
	return item.Value, nil
}

func (r *Redis) SetItem(ctx context.Context, key string, value []byte) error {
	data, err := securefile.SealAuto(ctx, key, redisItem{Key: key, Value: value}, r.password, r.opt)
	if err != nil {
		return errors.Wrapf(err, "seal %q", key)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, 0).Err(); err != nil {
		return errors.Wrapf(err, "redis set %q", key)
	}
	return nil
}

func (r *Redis) RemoveItem(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "redis del %q", key)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
