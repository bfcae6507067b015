package reconnect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineWalksCandidatesInOrder(t *testing.T) {
	m, err := New([]string{"a", "b", "c"}).Handle(Start)
	require.NoError(t, err)
	target, ok := m.Target()
	require.True(t, ok)
	assert.Equal(t, "a", target)

	m, err = m.Handle(AttemptTimedOut)
	require.NoError(t, err)
	target, _ = m.Target()
	assert.Equal(t, "b", target)

	m, err = m.Handle(AttemptFailed)
	require.NoError(t, err)
	target, _ = m.Target()
	assert.Equal(t, "c", target)
	assert.Equal(t, 2, m.Attempt())

	m, err = m.Handle(AttemptSucceeded)
	require.NoError(t, err)
	assert.Equal(t, Connected, m.Phase())

	_, err = m.Handle(AttemptFailed)
	assert.ErrorIs(t, err, ErrBadEvent)

	m, err = m.Handle(ConnectionLost)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, m.Phase())

	m, err = m.Handle(Start)
	require.NoError(t, err)
	target, _ = m.Target()
	assert.Equal(t, "a", target)
}

func TestMachineExhausts(t *testing.T) {
	m, _ := New([]string{"a"}).Handle(Start)
	m, err := m.Handle(AttemptFailed)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, m.Phase())
	_, ok := m.Target()
	assert.False(t, ok)

	_, err = m.Handle(Start)
	assert.ErrorIs(t, err, ErrBadEvent)
	m, err = m.Handle(Reset)
	require.NoError(t, err)
	assert.Equal(t, Disconnected, m.Phase())

	empty, err := New(nil).Handle(Start)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, empty.Phase())
}

func TestMachineIsAValue(t *testing.T) {
	orig, _ := New([]string{"a", "b"}).Handle(Start)
	_, _ = orig.Handle(AttemptFailed)
	target, _ := orig.Target()
	assert.Equal(t, "a", target)
}

func TestRunThirdCandidateAfterTwoTimeouts(t *testing.T) {
	var tried []string
	dial := func(ctx context.Context, ep string) (string, error) {
		tried = append(tried, ep)
		if ep == "C" {
			return "conn-" + ep, nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	}

	conn, ep, err := Run(context.Background(), []string{"A", "B", "C", "D"}, 20*time.Millisecond, DialFunc[string](dial))
	require.NoError(t, err)
	assert.Equal(t, "C", ep)
	assert.Equal(t, "conn-C", conn)
	assert.Equal(t, []string{"A", "B", "C"}, tried)
}

func TestRunStopsAtFirstSuccess(t *testing.T) {
	calls := 0
	_, ep, err := Run(context.Background(), []string{"A", "B"}, time.Second, func(context.Context, string) (int, error) {
		calls++
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "A", ep)
	assert.Equal(t, 1, calls)
}

func TestRunExhaustedWrapsLastError(t *testing.T) {
	boom := errors.New("refused")
	_, _, err := Run(context.Background(), []string{"A", "B"}, time.Second, func(context.Context, string) (int, error) {
		return 0, boom
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "B")

	_, _, err = Run(context.Background(), nil, time.Second, func(context.Context, string) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRunHonoursParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := Run(ctx, []string{"A", "B"}, time.Second, func(ctx context.Context, _ string) (int, error) {
		calls++
		cancel()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestStringersFallBackForUnknownValues(t *testing.T) {
	assert.Equal(t, "attempt-timed-out", AttemptTimedOut.String())
	assert.Equal(t, "Event(42)", Event(42).String())
	assert.Equal(t, "Event(-1)", Event(-1).String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}
