package pending

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/joeydtaylor/steeze-node/pkg/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateMonotonicNonZero(t *testing.T) {
	tbl := New()

	var mu sync.Mutex
	seen := map[uint64]bool{}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := uint64(0)
			for i := 0; i < 200; i++ {
				id, _ := tbl.Allocate()
				assert.NotZero(t, id)
				assert.Greater(t, id, last, "ids must grow per caller")
				last = id
				mu.Lock()
				assert.False(t, seen[id], "duplicate id %d", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1600)
}

func TestCompleteAtMostOnce(t *testing.T) {
	tbl := New()
	id, _ := tbl.Allocate()

	require.NoError(t, tbl.Complete(id, []byte("a"), nil))
	err := tbl.Complete(id, []byte("b"), nil)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.NotFound))

	err = tbl.Complete(id+100, nil, nil)
	assert.True(t, apierr.IsKind(err, apierr.NotFound))
}

func TestCompleteBeforeTake(t *testing.T) {
	tbl := New()
	id, wait := tbl.Allocate()
	require.NoError(t, tbl.Complete(id, []byte("payload"), nil))

	select {
	case <-wait:
	default:
		t.Fatal("wait handle not released by Complete")
	}

	data, err := tbl.Take(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = tbl.Take(context.Background(), id)
	assert.True(t, apierr.IsKind(err, apierr.NotFound))
	assert.Zero(t, tbl.Len())
}

func TestTakeBeforeComplete(t *testing.T) {
	tbl := New()
	id, _ := tbl.Allocate()

	got := make(chan error, 1)
	go func() {
		_, err := tbl.Take(context.Background(), id)
		got <- err
	}()

	select {
	case <-got:
		t.Fatal("Take returned before Complete")
	case <-time.After(20 * time.Millisecond):
	}

	want := apierr.New(apierr.NotAllowed, "denied")
	require.NoError(t, tbl.Complete(id, nil, want))
	select {
	case err := <-got:
		assert.Equal(t, want, err)
	case <-time.After(time.Second):
		t.Fatal("Take not released")
	}
}

func TestRoutingWithPermutedReplies(t *testing.T) {
	tbl := New()
	const n = 50

	ids := make([]uint64, n)
	for i := range ids {
		ids[i], _ = tbl.Allocate()
	}

	results := make([]string, n)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			data, err := tbl.Take(context.Background(), id)
			assert.NoError(t, err)
			results[i] = string(data)
		}(i, id)
	}

	order := rand.Perm(n)
	for _, i := range order {
		require.NoError(t, tbl.Complete(ids[i], []byte(fmt.Sprintf("reply-%d", ids[i])), nil))
	}
	wg.Wait()

	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("reply-%d", id), results[i])
	}
}

func TestTakeTimeoutAbandons(t *testing.T) {
	tbl := New()
	id, _ := tbl.Allocate()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := tbl.Take(ctx, id)
	assert.True(t, apierr.IsKind(err, apierr.Timeout))

	assert.ErrorIs(t, tbl.Complete(id, []byte("late"), nil), ErrAbandoned)
	assert.True(t, apierr.IsKind(tbl.Complete(id, []byte("later"), nil), apierr.NotFound))
	assert.Zero(t, tbl.Len())
}

func TestTakeCancelIsClosed(t *testing.T) {
	tbl := New()
	id, _ := tbl.Allocate()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tbl.Take(ctx, id)
	assert.True(t, apierr.IsKind(err, apierr.Closed))
}

func TestDrainReleasesEveryone(t *testing.T) {
	tbl := New()
	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		id, _ := tbl.Allocate()
		go func() {
			_, err := tbl.Take(context.Background(), id)
			errs <- err
		}()
	}

	closing := apierr.New(apierr.Closed, "shutdown")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, tbl.Drain(closing))

	deadline := time.After(time.Second)
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, closing))
		case <-deadline:
			t.Fatalf("only %d of %d awaiters released", i, n)
		}
	}

	id, wait := tbl.Allocate()
	<-wait
	_, err := tbl.Take(context.Background(), id)
	assert.True(t, apierr.IsKind(err, apierr.Closed))
}
