package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/RubensPaulo1/NexFun-sub000/app/models"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/cache"
	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/database"
)

const (
	keyPrefix = "billing:counters:"
	// KindVerify is the kind under which verifier tiers are counted.
	KindVerify = "verify"
)

// Recorder counts webhook outcomes and verifier tiers in Redis hashes keyed by
// day. It satisfies billing.WebhookRecorder and billing.VerifyRecorder.
type Recorder struct {
	client *redis.Client
	now    func() time.Time
}

func NewRecorder(client *redis.Client) *Recorder {
	return &Recorder{client: client, now: time.Now}
}

// Default returns a recorder on the shared cache client.
func Default() *Recorder {
	return NewRecorder(cache.GetClient())
}

func (r *Recorder) RecordWebhook(ctx context.Context, provider, kind, result string) {
	r.incr(ctx, provider, kind, result)
}

func (r *Recorder) RecordVerify(ctx context.Context, provider, tier string) {
	r.incr(ctx, provider, KindVerify, tier)
}

func (r *Recorder) incr(ctx context.Context, provider, kind, result string) {
	if r.client == nil {
		return
	}
	key := keyPrefix + r.now().UTC().Format("2006-01-02")
	if err := r.client.HIncrBy(context.WithoutCancel(ctx), key, field(provider, kind, result), 1).Err(); err != nil {
		log.Warnf("[Counter] Failed to count %s/%s/%s: %v", provider, kind, result, err)
	}
}

func field(provider, kind, result string) string {
	return strings.Join([]string{clean(provider), clean(kind), clean(result)}, "|")
}

func clean(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "|", "_"))
	if s == "" {
		return "unknown"
	}
	return s
}

// FlushAll drains the shared counters into webhook_daily_stats.
func FlushAll() error {
	db := database.GetDB()
	if db == nil {
		return fmt.Errorf("database not initialized")
	}
	_, err := Flush(context.Background(), cache.GetClient(), db)
	return err
}

// Flush drains every day hash into webhook_daily_stats and returns the number
// of counter fields drained.
func Flush(ctx context.Context, rdb *redis.Client, db *gorm.DB) (int, error) {
	var keys []string
	iter := rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if !strings.Contains(iter.Val(), ":tmp:") {
			keys = append(keys, iter.Val())
		}
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	sort.Strings(keys)

	total := 0
	for _, key := range keys {
		n, err := flushKey(ctx, rdb, db, key)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// flushKey moves the hash to a temporary key with RENAME so increments that
// arrive during the flush land in a fresh hash.
func flushKey(ctx context.Context, rdb *redis.Client, db *gorm.DB, key string) (int, error) {
	day := strings.TrimPrefix(key, keyPrefix)
	tmpKey := fmt.Sprintf("%s:tmp:%d", key, time.Now().UnixNano())
	if err := rdb.Rename(ctx, key, tmpKey).Err(); err != nil {
		if err == redis.Nil || strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return 0, nil
		}
		return 0, err
	}

	data, err := rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return 0, err
	}

	defer rdb.Del(ctx, tmpKey)

	flushed := make(map[string]bool, len(data))
	for f, v := range data {
		parts := strings.SplitN(f, "|", 3)
		inc, perr := strconv.ParseInt(v, 10, 64)
		if len(parts) != 3 || perr != nil || inc == 0 {
			flushed[f] = true
			continue
		}
		stat := models.WebhookDailyStat{Day: day, Provider: parts[0], Kind: parts[1], Result: parts[2], Count: inc}
		err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "day"}, {Name: "provider"}, {Name: "kind"}, {Name: "result"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      gorm.Expr("webhook_daily_stats.count + ?", inc),
				"updated_at": time.Now().UTC(),
			}),
		}).Create(&stat).Error
		if err != nil {
			restore(ctx, rdb, key, data, flushed)
			return countTrue(flushed), fmt.Errorf("flush counter %s %s: %w", day, f, err)
		}
		flushed[f] = true
	}
	return countTrue(flushed), nil
}

// restore adds the counts that did not reach the database back to key.
func restore(ctx context.Context, rdb *redis.Client, key string, data map[string]string, flushed map[string]bool) {
	for f, v := range data {
		if flushed[f] {
			continue
		}
		if inc, err := strconv.ParseInt(v, 10, 64); err == nil {
			if err := rdb.HIncrBy(ctx, key, f, inc).Err(); err != nil {
				log.Errorf("[Counter] Lost %d counts of %s %s: %v", inc, key, f, err)
			}
		}
	}
}

func countTrue(m map[string]bool) int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}
