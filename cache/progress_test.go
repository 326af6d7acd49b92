package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestProgressStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	stores := map[string]ProgressStore{
		"redis":  CreateRedisProgressStore(client, time.Hour),
		"memory": CreateMemoryProgressStore(time.Hour),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := store.Get(ctx, "o1")
			if err != nil || got != nil {
				t.Fatalf("Get() before Set = %v, %v, want nil, nil", got, err)
			}

			store.Set(ctx, &ProgressSnapshot{OrderID: "o1", JobID: "j1", Percent: 20, Phase: "script"})
			store.Set(ctx, &ProgressSnapshot{OrderID: "o1", JobID: "j1", Percent: 65, Phase: "render"})

			got, err = store.Get(ctx, "o1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Percent != 65 || got.Phase != "render" {
				t.Errorf("Get() = %d %s, want latest snapshot 65 render", got.Percent, got.Phase)
			}
			if got.UpdatedAt.IsZero() {
				t.Error("UpdatedAt not stamped")
			}

			if err := store.Delete(ctx, "o1"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if got, _ := store.Get(ctx, "o1"); got != nil {
				t.Errorf("Get() after Delete = %+v, want nil", got)
			}
		})
	}
}

func TestRedisProgressStore_Expires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := CreateRedisProgressStore(client, time.Minute)
	ctx := context.Background()

	store.Set(ctx, &ProgressSnapshot{OrderID: "o1", Percent: 10})
	mr.FastForward(2 * time.Minute)

	if got, _ := store.Get(ctx, "o1"); got != nil {
		t.Errorf("Get() after TTL = %+v, want nil", got)
	}
}
