package parallel_test

import (
	"context"
	"iter"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/parallel"
)

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(ctx context.Context, d time.Duration) (int, error) {
		select {
		case <-time.After(d):
			return int(d), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	type given struct {
		limit   int
		timeout time.Duration
	}
	type then struct {
		elapsed time.Duration
		all     bool
	}

	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{"limit 1", given{1, 0}, then{18 * time.Second, true}},
		{"limit 10", given{10, 0}, then{10 * time.Second, true}},
		{"limit 1, cancel 1500ms", given{1, 1500 * time.Millisecond}, then{1500 * time.Millisecond, false}},
		{"limit 10, cancel 1500ms", given{10, 1500 * time.Millisecond}, then{1500 * time.Millisecond, false}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				ctx := t.Context()
				if tt.given.timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, tt.given.timeout)
					defer cancel()
				}

				start := time.Now()
				got := values(parallel.NewMap(ctx, tt.given.limit, f).Iter(parallel.Items(input)))
				synctest.Wait()
				require.Equal(t, tt.then.elapsed, time.Since(start))
				if tt.then.all {
					require.ElementsMatch(t, expected, got)
					return
				}
				// only the first entry finished before the deadline
				require.LessOrEqual(t, len(got), 1)
			})
		})
	}
}

func TestItemsStop(t *testing.T) {
	var seen []int
	for i := range parallel.Items([]int{1, 2, 3}) {
		seen = append(seen, i)
		if i == 2 {
			break
		}
	}
	require.Equal(t, []int{1, 2}, seen)
}

func values[T any](i iter.Seq2[T, error]) []T {
	var ret []T
	for k, err := range i {
		if err != nil {
			continue
		}
		ret = append(ret, k)
	}
	return ret
}
