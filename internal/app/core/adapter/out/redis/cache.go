package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-balance-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-balance-ledger/internal/app/core/usecase"
)

const keyPrefix = "balance:"

// setIfVersion 失效版本沒變才寫入帳戶
//
// KEYS[1]: 帳戶 key, KEYS[2]: 版本 key
// ARGV[1]: 讀取時的版本, ARGV[2]: 帳戶 JSON, ARGV[3]: TTL (毫秒，0 表示不過期)
var setIfVersion = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// BalanceCache 以 Redis 實作 GetAccount 的 cache-aside
//
// 每個帳戶兩個 key，以 hash tag 放在同一個 slot：
//
//	balance:{id}          帳戶 JSON，有 TTL
//	balance:{id}:version  失效版本，Invalidate 時 INCR
type BalanceCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewBalanceCache(client redis.Cmdable, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

type cachedAccount struct {
	ID        int64           `json:"id"`
	OwnerID   int64           `json:"ownerId"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func accountKey(id int64) string {
	return keyPrefix + "{" + strconv.FormatInt(id, 10) + "}"
}

func versionKey(id int64) string {
	return accountKey(id) + ":version"
}

// Get 回傳 (帳戶, 失效版本, 錯誤)，未命中時帳戶為 nil
func (c *BalanceCache) Get(ctx context.Context, accountID int64) (*domain.Account, int64, error) {
	vals, err := c.client.MGet(ctx, accountKey(accountID), versionKey(accountID)).Result()
	if err != nil {
		return nil, 0, err
	}
	version, err := parseVersion(vals[1])
	if err != nil {
		return nil, 0, err
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, version, nil
	}
	var v cachedAccount
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		// 壞掉的快取當作未命中，下次 Set 會覆蓋
		return nil, version, nil
	}
	return &domain.Account{
		ID:        v.ID,
		OwnerID:   v.OwnerID,
		Balance:   v.Balance,
		UpdatedAt: v.UpdatedAt,
	}, version, nil
}

// Set 只在失效版本仍為 version 時寫入
func (c *BalanceCache) Set(ctx context.Context, account *domain.Account, version int64) error {
	raw, err := json.Marshal(cachedAccount{
		ID:        account.ID,
		OwnerID:   account.OwnerID,
		Balance:   account.Balance,
		UpdatedAt: account.UpdatedAt,
	})
	if err != nil {
		return err
	}
	keys := []string{accountKey(account.ID), versionKey(account.ID)}
	return setIfVersion.Run(ctx, c.client, keys, strconv.FormatInt(version, 10), raw, c.ttl.Milliseconds()).Err()
}

// Invalidate 遞增失效版本並刪除帳戶 key
func (c *BalanceCache) Invalidate(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Incr(ctx, versionKey(id))
			pipe.Del(ctx, accountKey(id))
		}
		return nil
	})
	return err
}

func parseVersion(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cache version %q: %w", s, err)
	}
	return version, nil
}

var _ usecase.AccountCache = (*BalanceCache)(nil)
