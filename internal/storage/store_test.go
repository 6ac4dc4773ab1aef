package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "reelforge/pkg/logx"
)

type item struct {
	ID      string `json:"id"`
	Channel string `json:"channelId,omitempty"`
	Status  string `json:"status"`
	Auto    bool   `json:"isAuto"`
	Count   int    `json:"count"`
}

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "store.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func TestStoreContract(t *testing.T) {
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, CreateJSON(ctx, st, "items", "a", item{ID: "a", Channel: "c1", Status: "queued", Auto: true, Count: 1}))
			err := CreateJSON(ctx, st, "items", "a", item{ID: "a"})
			require.True(t, errors.Is(err, ErrConflict), "got %v", err)

			require.NoError(t, CreateJSON(ctx, st, "items", "b", item{ID: "b", Channel: "c1", Status: "ready", Count: 2}))
			require.NoError(t, CreateJSON(ctx, st, "items", "c", item{ID: "c", Status: "queued", Count: 2}))

			got, err := GetJSON[item](ctx, st, "items", "a")
			require.NoError(t, err)
			assert.Equal(t, "queued", got.Status)

			_, err = st.Get(ctx, "items", "missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			byChannel, err := QueryJSON[item](ctx, st, "items", Eq("channelId", "c1"))
			require.NoError(t, err)
			require.Len(t, byChannel, 2)
			assert.Equal(t, "a", byChannel[0].ID, "insertion order")

			auto, err := QueryJSON[item](ctx, st, "items", Eq("isAuto", true))
			require.NoError(t, err)
			require.Len(t, auto, 1)

			counted, err := QueryJSON[item](ctx, st, "items", Eq("count", 2))
			require.NoError(t, err)
			assert.Len(t, counted, 2)

			active, err := QueryJSON[item](ctx, st, "items", In("status", "queued", "sending"))
			require.NoError(t, err)
			assert.Len(t, active, 2)

			notC1, err := QueryJSON[item](ctx, st, "items", Ne("channelId", "c1"))
			require.NoError(t, err)
			require.Len(t, notC1, 1)
			assert.Equal(t, "c", notC1[0].ID)

			none, err := QueryJSON[item](ctx, st, "items", In("status"))
			require.NoError(t, err)
			assert.Empty(t, none)

			require.NoError(t, st.Delete(ctx, "items", "c"))
			assert.True(t, errors.Is(st.Delete(ctx, "items", "c"), ErrNotFound))
		})
	}
}

func TestUpdateStripsNil(t *testing.T) {
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, CreateJSON(ctx, st, "items", "a", item{ID: "a", Channel: "c1", Status: "queued", Count: 1}))

			require.NoError(t, Update(ctx, st, "items", "a", map[string]any{"status": "ready", "channelId": nil}))
			got, err := GetJSON[item](ctx, st, "items", "a")
			require.NoError(t, err)
			assert.Equal(t, "ready", got.Status)
			assert.Equal(t, "c1", got.Channel)

			err = Update(ctx, st, "items", "nope", map[string]any{"status": "x"})
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestMutateIsAtomic(t *testing.T) {
	for name, st := range drivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, CreateJSON(ctx, st, "items", "lease", item{ID: "lease"}))

			errHeld := errors.New("held")
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := MutateJSON(ctx, st, "items", "lease", func(cur *item) error {
						if cur.Status == "held" {
							return errHeld
						}
						cur.Status = "held"
						return nil
					})
					if err == nil {
						wins.Add(1)
					} else {
						assert.True(t, errors.Is(err, errHeld))
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}
