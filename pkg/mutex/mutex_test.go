package mutex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex_Acquire(t *testing.T) {
	t.Run("unlocked mutex is acquired immediately", func(t *testing.T) {
		m := New()
		release, err := m.Acquire(context.Background())
		require.NoError(t, err)
		assert.True(t, m.IsLocked())

		release()
		assert.False(t, m.IsLocked())
	})

	t.Run("double release unlocks once", func(t *testing.T) {
		m := New()
		release, err := m.Acquire(context.Background())
		require.NoError(t, err)
		release()
		release()

		second, err := m.Acquire(context.Background())
		require.NoError(t, err)
		assert.True(t, m.IsLocked())
		second()
	})

	t.Run("waiter gives up when context is canceled", func(t *testing.T) {
		m := New()
		release, err := m.Acquire(context.Background())
		require.NoError(t, err)
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err = m.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestMutex_FIFO(t *testing.T) {
	m := New()
	release, err := m.Acquire(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r, err := m.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			r()
		}(i)
		// let the goroutine reach the wait queue before starting the next one
		time.Sleep(10 * time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestRunExclusive(t *testing.T) {
	t.Run("returns result and releases", func(t *testing.T) {
		m := New()
		v, err := RunExclusive(context.Background(), m, func() (int, error) {
			assert.True(t, m.IsLocked())
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
		assert.False(t, m.IsLocked())
	})

	t.Run("releases on error", func(t *testing.T) {
		m := New()
		boom := errors.New("boom")
		err := m.Do(context.Background(), func() error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, m.IsLocked())
	})

	t.Run("releases on panic", func(t *testing.T) {
		m := New()
		assert.Panics(t, func() {
			_ = m.Do(context.Background(), func() error { panic("boom") })
		})
		assert.False(t, m.IsLocked())
	})

	t.Run("serializes concurrent bodies", func(t *testing.T) {
		m := New()
		var (
			inside  int
			maxSeen int
			wg      sync.WaitGroup
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = m.Do(context.Background(), func() error {
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					time.Sleep(time.Millisecond)
					inside--
					return nil
				})
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
	})
}
