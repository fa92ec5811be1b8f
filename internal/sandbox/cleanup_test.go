package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCleanup_RunsInReverseOrderOnce(t *testing.T) {
	t.Parallel()

	c := NewCleanup(zaptest.NewLogger(t))

	var order []int
	for i := range 3 {
		c.Add(func(context.Context) error {
			order = append(order, i)

			return nil
		})
	}

	require.NoError(t, c.Run(t.Context()))
	require.NoError(t, c.Run(t.Context()))
	assert.Equal(t, []int{2, 1, 0}, order)

	c.Add(func(context.Context) error {
		order = append(order, 3)

		return nil
	})
	require.NoError(t, c.Run(t.Context()))
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestCleanup_JoinsErrors(t *testing.T) {
	t.Parallel()

	c := NewCleanup(zaptest.NewLogger(t))

	errA := errors.New("a")
	errB := errors.New("b")

	c.Add(func(context.Context) error { return errA })
	c.Add(func(context.Context) error { return nil })
	c.Add(func(context.Context) error { return errB })

	err := c.Run(t.Context())
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)

	// The first result is kept.
	assert.Equal(t, err, c.Run(t.Context()))
}

func TestCleanup_IgnoresCanceledContext(t *testing.T) {
	t.Parallel()

	c := NewCleanup(zaptest.NewLogger(t))

	var ctxErr error
	c.Add(func(ctx context.Context) error {
		ctxErr = ctx.Err()

		return nil
	})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.NoError(t, c.Run(ctx))
	assert.NoError(t, ctxErr)
}
