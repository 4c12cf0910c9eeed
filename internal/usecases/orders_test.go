package usecases

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

func TestTransitionGraphClosure(t *testing.T) {
	allowed := map[[2]entities.OrderStatus]bool{
		{entities.StatusPending, entities.StatusVerified}:           true,
		{entities.StatusPending, entities.StatusFailed}:             true,
		{entities.StatusVerified, entities.StatusListed}:            true,
		{entities.StatusListed, entities.StatusEscrowed}:            true,
		{entities.StatusEscrowed, entities.StatusTransferring}:      true,
		{entities.StatusTransferring, entities.StatusTransferred}:   true,
		{entities.StatusTransferred, entities.StatusCompleted}:      true,
		{entities.StatusTransferred, entities.StatusDisputed}:       true,
		{entities.StatusTransferred, entities.StatusReleasePending}: true,
		{entities.StatusDisputed, entities.StatusCompleted}:         true,
		{entities.StatusDisputed, entities.StatusRefunded}:          true,
		{entities.StatusDisputed, entities.StatusReleasePending}:    true,
		{entities.StatusDisputed, entities.StatusRefundPending}:      true,
		{entities.StatusReleasePending, entities.StatusCompleted}:   true,
		{entities.StatusRefundPending, entities.StatusRefunded}:     true,
	}

	statuses := KnownStatuses()
	require.Len(t, statuses, 12)

	ctx := context.Background()
	for _, from := range statuses {
		for _, to := range statuses {
			repo := newMemOrders()
			repo.put(entities.Order{ID: "order-1", Status: from})
			svc := NewOrderService(discard, repo, passthroughTransactor{}, nil)

			_, err := svc.Transition(ctx, "order-1", from, to, nil)
			if allowed[[2]entities.OrderStatus{from, to}] {
				require.NoError(t, err, "%s -> %s", from, to)
				require.Equal(t, to, repo.get(t, "order-1").Status)
				continue
			}

			require.ErrorIs(t, err, entities.ErrInvalidStatus, "%s -> %s", from, to)
			require.Equal(t, entities.CodeConflict, entities.CodeOf(err))
			require.Equal(t, from, repo.get(t, "order-1").Status, "%s -> %s must not change state", from, to)
		}
	}

	for _, terminal := range []entities.OrderStatus{entities.StatusFailed, entities.StatusCompleted, entities.StatusRefunded} {
		for _, to := range statuses {
			require.False(t, CanTransition(terminal, to), "%s is terminal", terminal)
		}
	}
}

func TestTransition(t *testing.T) {
	ctx := context.Background()

	t.Run("stale expected status", func(t *testing.T) {
		repo := newMemOrders()
		repo.put(entities.Order{ID: "order-1", Status: entities.StatusVerified})
		notifier := &recordingNotifier{}
		svc := NewOrderService(discard, repo, passthroughTransactor{}, notifier)

		_, err := svc.Transition(ctx, "order-1", entities.StatusPending, entities.StatusVerified,
			entities.FieldUpdates{entities.ColAmount: 10.0})
		require.ErrorIs(t, err, entities.ErrStaleTransition)
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))
		require.Zero(t, repo.get(t, "order-1").Amount)
		require.Empty(t, notifier.seen())
	})

	t.Run("columns of another edge are rejected", func(t *testing.T) {
		repo := newMemOrders()
		repo.put(entities.Order{ID: "order-1", Status: entities.StatusPending})
		svc := NewOrderService(discard, repo, passthroughTransactor{}, nil)

		_, err := svc.Transition(ctx, "order-1", entities.StatusPending, entities.StatusVerified,
			entities.FieldUpdates{entities.ColBuyerAddress: "0xabc"})
		require.Error(t, err)
		require.Equal(t, entities.StatusPending, repo.get(t, "order-1").Status)
	})

	t.Run("unknown order", func(t *testing.T) {
		svc := NewOrderService(discard, newMemOrders(), passthroughTransactor{}, nil)

		_, err := svc.Transition(ctx, "missing", entities.StatusPending, entities.StatusFailed, nil)
		require.Equal(t, entities.CodeNotFound, entities.CodeOf(err))
	})

	t.Run("failing prepare aborts the transition", func(t *testing.T) {
		repo := newMemOrders()
		repo.put(entities.Order{ID: "order-1", Status: entities.StatusPending})
		notifier := &recordingNotifier{}
		svc := NewOrderService(discard, repo, passthroughTransactor{}, notifier)

		boom := errors.New("insert failed")
		_, err := svc.TransitionWithin(ctx, "order-1", entities.StatusPending, entities.StatusVerified, nil,
			func(context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
		require.Equal(t, entities.StatusPending, repo.get(t, "order-1").Status)
		require.Empty(t, notifier.seen())
	})

	t.Run("concurrent writers advance once", func(t *testing.T) {
		repo := newMemOrders()
		repo.put(entities.Order{ID: "order-1", Status: entities.StatusTransferring})
		notifier := &recordingNotifier{}
		svc := NewOrderService(discard, repo, passthroughTransactor{}, notifier)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var won, stale int
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Transition(ctx, "order-1", entities.StatusTransferring, entities.StatusTransferred,
					entities.FieldUpdates{entities.ColConfirmationCode: "ABC123"})

				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					won++
				} else if errors.Is(err, entities.ErrStaleTransition) {
					stale++
				}
			}()
		}
		wg.Wait()

		require.Equal(t, 1, won)
		require.Equal(t, 15, stale)
		require.Equal(t, []entities.OrderStatus{entities.StatusTransferred}, notifier.seen())
	})
}
