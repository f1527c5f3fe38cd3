// Package refreshvalkey shares refresh results between instances through
// valkey.
package refreshvalkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/openkcm/session-edge/pkg/refresh"
)

const objectType = "refresh"

type Cache struct {
	valkey valkey.Client
	prefix string
}

var _ refresh.Cache = (*Cache)(nil)

func NewCache(valkeyClient valkey.Client, prefix string) *Cache {
	prefix = strings.TrimSuffix(prefix, ":")
	return &Cache{
		valkey: valkeyClient,
		prefix: prefix,
	}
}

func (c *Cache) Get(ctx context.Context, key string) (refresh.Entry, bool, error) {
	bytes, err := c.valkey.Do(ctx, c.valkey.B().Get().Key(c.key(key)).Build()).AsBytes()
	if err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return refresh.Entry{}, false, nil
		}

		return refresh.Entry{}, false, fmt.Errorf("executing get command: %w", err)
	}

	var entry refresh.Entry
	if err := json.Unmarshal(bytes, &entry); err != nil {
		return refresh.Entry{}, false, fmt.Errorf("unmarshaling json: %w", err)
	}

	return entry, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, entry refresh.Entry, ttl time.Duration) error {
	bytes, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling json: %w", err)
	}

	if ttl <= 0 {
		ttl = refresh.DefaultCacheTTL
	}

	cmd := c.valkey.B().Set().Key(c.key(key)).Value(valkey.BinaryString(bytes)).PxMilliseconds(ttl.Milliseconds()).Build()
	if err := c.valkey.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.valkey.Do(ctx, c.valkey.B().Del().Key(c.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

func (c *Cache) key(id string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, objectType, id)
}
