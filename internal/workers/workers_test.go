package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sand/loyalty-escrow/backend/internal/entities"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSource struct {
	head    uint64
	events  []entities.DepositEvent
	fetched [][2]uint64
	failAt  uint64
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSource) FetchDeposits(_ context.Context, from, to uint64) ([]entities.DepositEvent, error) {
	f.fetched = append(f.fetched, [2]uint64{from, to})
	if f.failAt != 0 && from <= f.failAt && f.failAt <= to {
		return nil, errors.New("rpc timeout")
	}

	var out []entities.DepositEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

type memCursors struct {
	last  uint64
	found bool
	saves []uint64
}

func (m *memCursors) LoadCursor(_ context.Context, name string) (uint64, bool, error) {
	if name != ReconcilerCursor {
		return 0, false, errors.New("unexpected cursor " + name)
	}
	return m.last, m.found, nil
}

func (m *memCursors) SaveCursor(_ context.Context, _ string, block uint64) error {
	m.last, m.found = block, true
	m.saves = append(m.saves, block)
	return nil
}

// onceApplier matches the escrow service contract: a replayed event is a duplicate.
type onceApplier struct {
	seen    map[string]bool
	applied []string
	err     error
}

func (a *onceApplier) ApplyDeposit(_ context.Context, ev *entities.DepositEvent) (entities.DepositOutcome, error) {
	if a.err != nil {
		return "", a.err
	}
	if a.seen == nil {
		a.seen = map[string]bool{}
	}
	if a.seen[ev.TxHash] {
		return entities.DepositDuplicate, nil
	}
	a.seen[ev.TxHash] = true
	a.applied = append(a.applied, ev.TxHash)
	return entities.DepositMatched, nil
}

func TestEscrowReconciler(t *testing.T) {
	ctx := context.Background()
	opts := ReconcilerOptions{Confirmations: 2, MaxBlockRange: 10}

	t.Run("first run starts at the safe head", func(t *testing.T) {
		source := &fakeSource{head: 100}
		cursors := &memCursors{}

		r := NewEscrowReconciler(discard, source, cursors, &onceApplier{}, opts)
		require.NoError(t, r.Tick(ctx))
		require.Equal(t, uint64(98), cursors.last)
		require.Empty(t, source.fetched)
	})

	t.Run("configured start block is scanned in windows", func(t *testing.T) {
		source := &fakeSource{head: 127, events: []entities.DepositEvent{
			{TxHash: "0x1", BlockNumber: 101},
			{TxHash: "0x2", BlockNumber: 118},
			{TxHash: "0x3", BlockNumber: 126},
		}}
		cursors := &memCursors{}
		applier := &onceApplier{}

		r := NewEscrowReconciler(discard, source, cursors, applier,
			ReconcilerOptions{StartBlock: 100, Confirmations: 2, MaxBlockRange: 10})
		require.NoError(t, r.Tick(ctx))

		require.Equal(t, [][2]uint64{{100, 109}, {110, 119}, {120, 125}}, source.fetched)
		require.Equal(t, []uint64{109, 119, 125}, cursors.saves)
		require.Equal(t, []string{"0x1", "0x2"}, applier.applied)
	})

	t.Run("failed window keeps the cursor", func(t *testing.T) {
		source := &fakeSource{head: 132, failAt: 115}
		cursors := &memCursors{last: 100, found: true}

		r := NewEscrowReconciler(discard, source, cursors, &onceApplier{}, opts)
		require.Error(t, r.Tick(ctx))
		require.Equal(t, uint64(110), cursors.last)

		source.failAt = 0
		require.NoError(t, r.Tick(ctx))
		require.Equal(t, uint64(130), cursors.last)
	})

	t.Run("apply error stops before the cursor moves", func(t *testing.T) {
		source := &fakeSource{head: 110, events: []entities.DepositEvent{{TxHash: "0x1", BlockNumber: 105}}}
		cursors := &memCursors{last: 100, found: true}

		r := NewEscrowReconciler(discard, source, cursors, &onceApplier{err: errors.New("db down")}, opts)
		require.Error(t, r.Tick(ctx))
		require.Equal(t, uint64(100), cursors.last)
		require.Empty(t, cursors.saves)
	})

	t.Run("replayed range applies once", func(t *testing.T) {
		source := &fakeSource{head: 110, events: []entities.DepositEvent{{TxHash: "0x1", BlockNumber: 105}}}
		cursors := &memCursors{last: 100, found: true}
		applier := &onceApplier{}

		r := NewEscrowReconciler(discard, source, cursors, applier, opts)
		require.NoError(t, r.Tick(ctx))

		// Crash before the cursor was committed.
		cursors.last = 100
		require.NoError(t, r.Tick(ctx))

		require.Equal(t, []string{"0x1"}, applier.applied)
	})

	t.Run("head inside confirmation depth", func(t *testing.T) {
		source := &fakeSource{head: 1}
		cursors := &memCursors{}

		r := NewEscrowReconciler(discard, source, cursors, &onceApplier{}, opts)
		require.NoError(t, r.Tick(ctx))
		require.False(t, cursors.found)
	})
}

type fakeStuckOrders struct {
	mu        sync.Mutex
	flagCalls int
	retries   []int
	flagErr   error
}

func (f *fakeStuckOrders) FlagStuckTransfers(context.Context, time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flagCalls++
	return 1, f.flagErr
}

func (f *fakeStuckOrders) RetryPendingSettlements(_ context.Context, _ time.Duration, budget int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, budget)
	return 0, nil
}

func (f *fakeStuckOrders) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flagCalls, len(f.retries)
}

func TestStuckOrderSweeper(t *testing.T) {
	t.Run("flag failure still retries releases", func(t *testing.T) {
		orders := &fakeStuckOrders{flagErr: errors.New("db down")}
		s := NewStuckOrderSweeper(discard, orders, time.Hour, time.Minute, 5)

		s.Sweep(context.Background())
		require.Equal(t, []int{5}, orders.retries)
	})

	t.Run("runs until cancelled", func(t *testing.T) {
		orders := &fakeStuckOrders{}
		s := NewStuckOrderSweeper(discard, orders, time.Hour, 5*time.Millisecond, 3)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Start(ctx)
			close(done)
		}()

		require.Eventually(t, func() bool {
			flags, _ := orders.counts()
			return flags >= 2
		}, time.Second, time.Millisecond)

		cancel()
		<-done
	})
}
