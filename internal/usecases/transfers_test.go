package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sand/loyalty-escrow/backend/internal/agent"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/pkg/retry"
)

// age moves the order's last update into the past.
func (m *memOrders) age(id string, by time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.orders[id]
	o.UpdatedAt = time.Now().Add(-by)
	m.orders[id] = o
}

func (h *harness) escrowed(id string) {
	h.seed(id, entities.StatusEscrowed, 8030, 0.015, 1000)
	h.orders.mu.Lock()
	defer h.orders.mu.Unlock()

	o := h.orders.orders[id]
	buyer, dep, dest, miles := buyerAddress, "JFK", "LHR", 5000.0
	o.BuyerAddress, o.BuyerDeparture, o.BuyerDestination, o.PurchasedMiles = &buyer, &dep, &dest, &miles
	h.orders.orders[id] = o
}

func TestTriggerTransfer(t *testing.T) {
	ctx := context.Background()

	t.Run("dispatches the purchase to the agent", func(t *testing.T) {
		h := newHarness(t, nil)
		h.escrowed("order-1")

		require.NoError(t, h.transfers.TriggerTransfer(ctx, "order-1"))
		require.Equal(t, entities.StatusTransferring, h.orders.get(t, "order-1").Status)

		require.Len(t, h.dispatcher.requests, 1)
		req := h.dispatcher.requests[0]
		require.Equal(t, "order-1", req.OrderID)
		require.Equal(t, "sealed", req.EncryptedCreds)
		require.Equal(t, int64(5000), req.MilesAmount)
		require.Equal(t, "JFK", req.Departure)
		require.Equal(t, "LHR", req.Destination)
		require.Equal(t, "http://localhost:8080/callback/transfer", req.CallbackURL)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		h := newHarness(t, nil)
		h.escrowed("order-1")
		h.dispatcher.errs = []error{errors.New("connection refused"), errors.New("503")}

		require.NoError(t, h.transfers.TriggerTransfer(ctx, "order-1"))
		require.Equal(t, 3, h.dispatcher.calls())
		require.Empty(t, h.deadLetters.open(entities.DeadLetterAgentDispatch))
	})

	t.Run("exhausted dispatch stays transferring with a dead letter", func(t *testing.T) {
		h := newHarness(t, nil)
		h.escrowed("order-1")
		down := errors.New("connection refused")
		h.dispatcher.errs = []error{down, down, down}

		err := h.transfers.TriggerTransfer(ctx, "order-1")
		require.ErrorIs(t, err, down)

		order := h.orders.get(t, "order-1")
		require.Equal(t, entities.StatusTransferring, order.Status)
		require.NotNil(t, order.ErrorMsg)

		letters := h.deadLetters.open(entities.DeadLetterAgentDispatch)
		require.Len(t, letters, 1)
		require.Equal(t, 3, letters[0].Attempts)
	})

	t.Run("rejected request is not retried", func(t *testing.T) {
		h := newHarness(t, nil)
		h.escrowed("order-1")
		h.dispatcher.errs = []error{retry.Permanent(errors.New("400 bad request"))}

		require.Error(t, h.transfers.TriggerTransfer(ctx, "order-1"))
		require.Equal(t, 1, h.dispatcher.calls())
		require.Len(t, h.deadLetters.open(entities.DeadLetterAgentDispatch), 1)
	})

	t.Run("escrowed order without purchased miles is not dispatched", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed("order-1", entities.StatusEscrowed, 8030, 0.015, 1000)

		err := h.transfers.TriggerTransfer(ctx, "order-1")
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))

		order := h.orders.get(t, "order-1")
		require.Equal(t, entities.StatusEscrowed, order.Status)
		require.NotNil(t, order.ErrorMsg)
		require.Zero(t, h.dispatcher.calls())
		require.Len(t, h.deadLetters.open(entities.DeadLetterAgentDispatch), 1)
	})

	t.Run("second trigger conflicts", func(t *testing.T) {
		h := newHarness(t, nil)
		h.escrowed("order-1")

		require.NoError(t, h.transfers.TriggerTransfer(ctx, "order-1"))
		err := h.transfers.TriggerTransfer(ctx, "order-1")
		require.ErrorIs(t, err, entities.ErrStaleTransition)
		require.Equal(t, 1, h.dispatcher.calls())
	})
}

func TestCompleteTransfer(t *testing.T) {
	ctx := context.Background()
	cb := agent.Callback{
		OrderID:          "order-1",
		ConfirmationCode: "ABC123",
		TicketDetails:    json.RawMessage(`{"flight":"UA 100","seat":"12A"}`),
	}

	t.Run("records the booking once", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed("order-1", entities.StatusTransferring, 8030, 0.015, 1000)

		_, err := h.transfers.Ticket(ctx, "order-1")
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))

		order, err := h.transfers.CompleteTransfer(ctx, cb)
		require.NoError(t, err)
		require.Equal(t, entities.StatusTransferred, order.Status)
		require.Equal(t, "ABC123", *order.ConfirmationCode)

		_, err = h.transfers.CompleteTransfer(ctx, cb)
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))

		ticket, err := h.transfers.Ticket(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, "ABC123", ticket.ConfirmationCode)
		require.JSONEq(t, `{"flight":"UA 100","seat":"12A"}`, string(ticket.TicketDetails))
	})

	t.Run("resolves the stuck letter", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed("order-1", entities.StatusTransferring, 8030, 0.015, 1000)
		h.orders.age("order-1", time.Hour)

		flagged, err := h.transfers.FlagStuckTransfers(ctx, 30*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, flagged)
		require.Equal(t, entities.StatusTransferring, h.orders.get(t, "order-1").Status)
		require.Len(t, h.deadLetters.open(entities.DeadLetterStuckOrder), 1)

		_, err = h.transfers.CompleteTransfer(ctx, cb)
		require.NoError(t, err)
		require.Empty(t, h.deadLetters.open(entities.DeadLetterStuckOrder))
	})

	tests := []struct {
		name string
		cb   agent.Callback
	}{
		{"missing order", agent.Callback{ConfirmationCode: "ABC123"}},
		{"missing confirmation", agent.Callback{OrderID: "order-1"}},
		{"ticket details not json", agent.Callback{OrderID: "order-1", ConfirmationCode: "ABC123", TicketDetails: json.RawMessage(`{flight`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.seed("order-1", entities.StatusTransferring, 8030, 0.015, 1000)

			_, err := h.transfers.CompleteTransfer(ctx, tt.cb)
			require.Equal(t, entities.CodeInvalidInput, entities.CodeOf(err))
			require.Equal(t, entities.StatusTransferring, h.orders.get(t, "order-1").Status)
		})
	}
}

func TestFlagStuckTransfers(t *testing.T) {
	h := newHarness(t, nil)
	h.seed("old", entities.StatusTransferring, 8030, 0.015, 1000)
	h.seed("fresh", entities.StatusTransferring, 8030, 0.015, 1000)
	h.seed("done", entities.StatusTransferred, 8030, 0.015, 1000)
	h.orders.age("old", time.Hour)
	h.orders.age("done", time.Hour)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		flagged, err := h.transfers.FlagStuckTransfers(ctx, 30*time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, flagged)
	}

	letters := h.deadLetters.open(entities.DeadLetterStuckOrder)
	require.Len(t, letters, 1)
	require.Equal(t, "old", *letters[0].OrderID)
	require.Equal(t, 2, letters[0].Attempts)
	require.Equal(t, entities.StatusTransferring, h.orders.get(t, "old").Status)
}

func TestSettlement(t *testing.T) {
	ctx := context.Background()

	funded := func() *fakeLedger {
		return &fakeLedger{escrows: map[string]*entities.OnchainEscrow{
			"order-1": {Amount: bigUnits(75), Status: entities.EscrowStatusFunded},
		}}
	}

	t.Run("approve without ledger completes", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed("order-1", entities.StatusTransferred, 8030, 0.015, 1000)

		order, err := h.transfers.Approve(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, entities.StatusCompleted, order.Status)
		require.Nil(t, order.SettlementTx)
	})

	t.Run("approve releases the escrow", func(t *testing.T) {
		ledger := funded()
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusTransferred, 8030, 0.015, 1000)

		order, err := h.transfers.Approve(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, entities.StatusCompleted, order.Status)
		require.Equal(t, "0xrelease-order-1", *order.SettlementTx)
		require.Equal(t, []string{"order-1"}, ledger.released)
		require.Equal(t, []entities.OrderStatus{entities.StatusReleasePending, entities.StatusCompleted}, h.notifier.seen())

		_, err = h.transfers.Approve(ctx, "order-1")
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))
		require.Len(t, ledger.released, 1)
	})

	t.Run("escrow released out of band is not paid twice", func(t *testing.T) {
		ledger := funded()
		ledger.escrows["order-1"].Status = entities.EscrowStatusReleased
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusTransferred, 8030, 0.015, 1000)

		order, err := h.transfers.Approve(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, entities.StatusCompleted, order.Status)
		require.Empty(t, ledger.released)
	})

	t.Run("failed release waits in release pending", func(t *testing.T) {
		ledger := funded()
		ledger.releaseErr = errors.New("rpc unavailable")
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusTransferred, 8030, 0.015, 1000)

		order, err := h.transfers.Approve(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, entities.StatusReleasePending, order.Status)
		require.NotNil(t, order.ErrorMsg)

		letters := h.deadLetters.open(entities.DeadLetterRelease)
		require.Len(t, letters, 1)
		require.Equal(t, 3, letters[0].Attempts)
	})

	t.Run("release mined before an error is not sent again", func(t *testing.T) {
		ledger := funded()
		ledger.releaseErr = errors.New("receipt wait timed out")
		ledger.landOnError = true
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusTransferred, 8030, 0.015, 1000)

		order, err := h.transfers.Approve(ctx, "order-1")
		require.NoError(t, err)
		require.Equal(t, entities.StatusCompleted, order.Status)
		require.Equal(t, 1, ledger.releaseCalls)
		require.Empty(t, h.deadLetters.open(entities.DeadLetterRelease))
	})

	t.Run("release retries respect the budget", func(t *testing.T) {
		ledger := funded()
		ledger.releaseErr = errors.New("rpc unavailable")
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusTransferred, 8030, 0.015, 1000)

		_, err := h.transfers.Approve(ctx, "order-1")
		require.NoError(t, err)
		h.orders.age("order-1", time.Hour)

		settled, err := h.transfers.RetryPendingSettlements(ctx, time.Minute, 6)
		require.NoError(t, err)
		require.Zero(t, settled)
		require.Equal(t, 6, h.deadLetters.open(entities.DeadLetterRelease)[0].Attempts)

		ledger.mu.Lock()
		ledger.releaseErr = nil
		ledger.mu.Unlock()

		settled, err = h.transfers.RetryPendingSettlements(ctx, time.Minute, 6)
		require.NoError(t, err)
		require.Zero(t, settled)
		require.Equal(t, entities.StatusReleasePending, h.orders.get(t, "order-1").Status)

		settled, err = h.transfers.RetryPendingSettlements(ctx, time.Minute, 10)
		require.NoError(t, err)
		require.Equal(t, 1, settled)
		require.Equal(t, entities.StatusCompleted, h.orders.get(t, "order-1").Status)
		require.Empty(t, h.deadLetters.open(entities.DeadLetterRelease))
	})

	t.Run("dispute then refund", func(t *testing.T) {
		ledger := funded()
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusTransferred, 8030, 0.015, 1000)

		_, err := h.transfers.Dispute(ctx, "order-1", " ")
		require.Equal(t, entities.CodeInvalidInput, entities.CodeOf(err))

		order, err := h.transfers.Dispute(ctx, "order-1", "wrong flight booked")
		require.NoError(t, err)
		require.Equal(t, entities.StatusDisputed, order.Status)
		require.Equal(t, "wrong flight booked", *order.DisputeReason)

		_, err = h.transfers.Resolve(ctx, "order-1", "split")
		require.Equal(t, entities.CodeInvalidInput, entities.CodeOf(err))

		order, err = h.transfers.Resolve(ctx, "order-1", ResolveRefund)
		require.NoError(t, err)
		require.Equal(t, entities.StatusRefunded, order.Status)
		require.Equal(t, "0xrefund-order-1", *order.SettlementTx)
		require.Equal(t, []string{"order-1"}, ledger.refunded)
		require.Equal(t, []entities.OrderStatus{
			entities.StatusDisputed, entities.StatusRefundPending, entities.StatusRefunded,
		}, h.notifier.seen())

		_, err = h.transfers.Approve(ctx, "order-1")
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))
		_, err = h.transfers.Dispute(ctx, "order-1", "again")
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))
		_, err = h.transfers.Resolve(ctx, "order-1", ResolveRefund)
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))
		require.Len(t, ledger.refunded, 1)
	})

	t.Run("refund without ledger", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed("order-1", entities.StatusDisputed, 8030, 0.015, 1000)

		order, err := h.transfers.Resolve(ctx, "order-1", ResolveRefund)
		require.NoError(t, err)
		require.Equal(t, entities.StatusRefunded, order.Status)
		require.Equal(t, []entities.OrderStatus{entities.StatusRefunded}, h.notifier.seen())
	})

	t.Run("release during a refund conflicts", func(t *testing.T) {
		ledger := funded()
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusDisputed, 8030, 0.015, 1000)

		var releaseErr error
		ledger.beforeRefund = func() {
			_, releaseErr = h.transfers.Resolve(ctx, "order-1", ResolveRelease)
		}

		order, err := h.transfers.Resolve(ctx, "order-1", ResolveRefund)
		require.NoError(t, err)
		require.Equal(t, entities.StatusRefunded, order.Status)

		require.Equal(t, entities.CodeConflict, entities.CodeOf(releaseErr))
		require.Empty(t, ledger.released)
		require.Equal(t, []string{"order-1"}, ledger.refunded)
		require.Equal(t, []entities.OrderStatus{entities.StatusRefundPending, entities.StatusRefunded}, h.notifier.seen())
	})

	t.Run("failed refund waits in refund pending", func(t *testing.T) {
		ledger := funded()
		ledger.refundErr = retry.Permanent(errors.New("execution reverted"))
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusDisputed, 8030, 0.015, 1000)

		order, err := h.transfers.Resolve(ctx, "order-1", ResolveRefund)
		require.NoError(t, err)
		require.Equal(t, entities.StatusRefundPending, order.Status)
		require.NotNil(t, order.ErrorMsg)
		require.Len(t, h.deadLetters.open(entities.DeadLetterRefund), 1)

		_, err = h.transfers.Resolve(ctx, "order-1", ResolveRelease)
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))
		_, err = h.transfers.Approve(ctx, "order-1")
		require.Equal(t, entities.CodeConflict, entities.CodeOf(err))
		require.Empty(t, ledger.released)

		ledger.mu.Lock()
		ledger.refundErr = nil
		ledger.mu.Unlock()
		h.orders.age("order-1", time.Hour)

		settled, err := h.transfers.RetryPendingSettlements(ctx, time.Minute, 5)
		require.NoError(t, err)
		require.Equal(t, 1, settled)
		require.Equal(t, entities.StatusRefunded, h.orders.get(t, "order-1").Status)
		require.Empty(t, h.deadLetters.open(entities.DeadLetterRefund))
	})

	t.Run("dispute resolved for the seller", func(t *testing.T) {
		ledger := funded()
		h := newHarness(t, ledger)
		h.seed("order-1", entities.StatusDisputed, 8030, 0.015, 1000)

		order, err := h.transfers.Resolve(ctx, "order-1", ResolveRelease)
		require.NoError(t, err)
		require.Equal(t, entities.StatusCompleted, order.Status)
		require.Equal(t, []string{"order-1"}, ledger.released)
	})
}
