package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"themeplane/model"
)

const defaultRedisPrefix = "themeplane"

// RedisLedger keeps asset ownership in Redis so several instances sharing an
// asset store agree on what may be swept. Each theme owns a hash of
// path -> record, and a set indexes the owning themes.
type RedisLedger struct {
	client *redis.Client
	prefix string
}

func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) ownerKey(themeID string) string {
	return fmt.Sprintf("%s:assets:%s", l.prefix, themeID)
}

func (l *RedisLedger) themesKey() string {
	return l.prefix + ":asset-owners"
}

func (l *RedisLedger) Add(ctx context.Context, rec model.AssetRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode asset record: %w", err)
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, l.ownerKey(rec.ThemeID), rec.Path, data)
		pipe.SAdd(ctx, l.themesKey(), rec.ThemeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record asset %s: %w", rec.Path, err)
	}
	return nil
}

func (l *RedisLedger) Remove(ctx context.Context, themeID string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	key := l.ownerKey(themeID)
	if err := l.client.HDel(ctx, key, paths...).Err(); err != nil {
		return fmt.Errorf("forget assets of %s: %w", themeID, err)
	}
	n, err := l.client.HLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("count assets of %s: %w", themeID, err)
	}
	if n == 0 {
		if err := l.client.SRem(ctx, l.themesKey(), themeID).Err(); err != nil {
			return fmt.Errorf("drop asset owner %s: %w", themeID, err)
		}
	}
	return nil
}

func (l *RedisLedger) Owned(ctx context.Context, themeID string) ([]model.AssetRecord, error) {
	raw, err := l.client.HGetAll(ctx, l.ownerKey(themeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load assets of %s: %w", themeID, err)
	}
	out := make([]model.AssetRecord, 0, len(raw))
	for path, data := range raw {
		var rec model.AssetRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			rec = model.AssetRecord{Path: path, ThemeID: themeID}
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (l *RedisLedger) Themes(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.themesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list asset owners: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
