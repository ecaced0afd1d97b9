package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Redis adapts a Redis instance into a Backend. Documents live as JSON
// strings under doc:{collection}:{id}, collection membership in the
// set ids:{collection}, and every write publishes on
// updates:{collection}. Subscribers re-list the collection on each
// notification, which yields the full-replace snapshot semantics.
type Redis struct {
	client *redis.Client
	logger *log.Logger
}

// NewRedis creates a Backend backed by the given Redis client.
func NewRedis(client *redis.Client, logger *log.Logger) *Redis {
	if client == nil {
		panic("backend.NewRedis: redis client is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Redis{client: client, logger: logger}
}

func docKey(collection, id string) string {
	return "doc:" + collection + ":" + id
}

func idsKey(collection string) string {
	return "ids:" + collection
}

func updatesKey(collection string) string {
	return "updates:" + collection
}

// Subscribe opens a live query on the collection. The initial snapshot
// and all subsequent ones are delivered from a dedicated goroutine in
// receipt order.
func (r *Redis) Subscribe(ctx context.Context, collection string, filter Filter, fn SnapshotFunc) (CancelFunc, error) {
	sub := r.client.Subscribe(ctx, updatesKey(collection))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	var live atomic.Bool
	live.Store(true)

	deliver := func() {
		snap, err := r.list(ctx, collection, filter)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Errorf("list %s: %v", collection, err)
			}
			return
		}
		if !live.Load() {
			return
		}
		fn(snap)
	}

	go func() {
		deliver()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if !live.Load() {
					return
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			live.Store(false)
			if err := sub.Close(); err != nil {
				r.logger.Debugf("close subscription %s: %v", collection, err)
			}
		})
	}
	return cancel, nil
}

func (r *Redis) list(ctx context.Context, collection string, filter Filter) (Snapshot, error) {
	ids, err := r.client.SMembers(ctx, idsKey(collection)).Result()
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Collection: collection, Docs: []Document{}}
	if len(ids) == 0 {
		return snap, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return Snapshot{}, err
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Entry deleted between SMEMBERS and MGET.
			continue
		}
		data := []byte(raw)
		if filter.Field != "" {
			node, err := sonic.Get(data, filter.Field)
			if err != nil {
				continue
			}
			val, err := node.String()
			if err != nil || val != filter.Equals {
				continue
			}
		}
		snap.Docs = append(snap.Docs, Document{ID: ids[i], Data: data})
	}
	return snap, nil
}

// Create writes a new document under a generated id.
func (r *Redis) Create(ctx context.Context, collection string, fields Fields) (string, error) {
	id := uuid.NewString()
	if err := r.Put(ctx, collection, id, fields); err != nil {
		return "", err
	}
	return id, nil
}

// Put upserts the full document.
func (r *Redis) Put(ctx context.Context, collection, id string, fields Fields) error {
	resolved, err := r.resolve(ctx, fields)
	if err != nil {
		return err
	}
	resolved["id"] = id
	data, err := sonic.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return r.write(ctx, collection, id, data)
}

// Update merges fields into an existing document.
func (r *Redis) Update(ctx context.Context, collection, id string, fields Fields) error {
	current, err := r.client.Get(ctx, docKey(collection, id)).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	doc := map[string]any{}
	if err := sonic.Unmarshal(current, &doc); err != nil {
		// Replace an unreadable document rather than failing the write.
		doc = map[string]any{}
	}
	resolved, err := r.resolve(ctx, fields)
	if err != nil {
		return err
	}
	for k, v := range resolved {
		doc[k] = v
	}
	doc["id"] = id
	data, err := sonic.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, id, err)
	}
	return r.write(ctx, collection, id, data)
}

// Delete removes the document and notifies subscribers.
func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, docKey(collection, id))
	pipe.SRem(ctx, idsKey(collection), id)
	pipe.Publish(ctx, updatesKey(collection), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) write(ctx context.Context, collection, id string, data []byte) error {
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, docKey(collection, id), data, 0)
	pipe.SAdd(ctx, idsKey(collection), id)
	pipe.Publish(ctx, updatesKey(collection), id)
	_, err := pipe.Exec(ctx)
	return err
}

// resolve copies fields, replacing ServerTimestamp sentinels with the
// Redis server clock. The clock is read at most once per write.
func (r *Redis) resolve(ctx context.Context, fields Fields) (map[string]any, error) {
	out := make(map[string]any, len(fields)+1)
	var now time.Time
	for k, v := range fields {
		if _, ok := v.(serverTimestamp); ok {
			if now.IsZero() {
				t, err := r.client.Time(ctx).Result()
				if err != nil {
					return nil, fmt.Errorf("server clock: %w", err)
				}
				now = t.UTC()
			}
			out[k] = now
			continue
		}
		out[k] = v
	}
	return out, nil
}
