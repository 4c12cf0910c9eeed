package usecases

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/sand/loyalty-escrow/backend/internal/agent"
	"github.com/sand/loyalty-escrow/backend/internal/entities"
	"github.com/sand/loyalty-escrow/backend/internal/proofs"
	"github.com/sand/loyalty-escrow/backend/internal/vault"
	"github.com/sand/loyalty-escrow/backend/pkg/retry"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// memOrders is an in-memory OrdersRepository with the same compare-and-swap contract as Postgres.
type memOrders struct {
	mu     sync.Mutex
	orders map[string]entities.Order
}

func newMemOrders() *memOrders {
	return &memOrders{orders: map[string]entities.Order{}}
}

func (m *memOrders) InsertOrder(_ context.Context, order *entities.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	order.CreatedAt, order.UpdatedAt = now, now
	m.orders[order.ID] = *order
	return nil
}

func (m *memOrders) put(order entities.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.OrderHash == "" {
		order.OrderHash = entities.HashOrderID(order.ID)
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = time.Now()
	}
	m.orders[order.ID] = order
}

func (m *memOrders) get(t *testing.T, id string) entities.Order {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	require.True(t, ok, "order %s", id)
	return o
}

func (m *memOrders) FindOrder(_ context.Context, id string) (*entities.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, entities.WrapError(entities.ErrNotFound, "order %s", id)
	}
	return &o, nil
}

func (m *memOrders) FindOrderByHash(_ context.Context, orderHash string) (*entities.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.OrderHash == orderHash {
			return &o, nil
		}
	}
	return nil, entities.WrapError(entities.ErrNotFound, "order with hash %s", orderHash)
}

func (m *memOrders) FindOrdersByStatus(_ context.Context, status entities.OrderStatus) ([]entities.Order, error) {
	return m.filter(func(o entities.Order) bool { return o.Status == status }), nil
}

func (m *memOrders) FindActiveOrder(_ context.Context, username, providerID string) (*entities.Order, error) {
	found := m.filter(func(o entities.Order) bool {
		return o.Username == username && o.ProviderID == providerID && !o.Status.IsTerminal()
	})
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (m *memOrders) FindOrdersUpdatedBefore(_ context.Context, status entities.OrderStatus, olderThan time.Duration) ([]entities.Order, error) {
	cutoff := time.Now().Add(-olderThan)
	return m.filter(func(o entities.Order) bool {
		return o.Status == status && o.UpdatedAt.Before(cutoff)
	}), nil
}

func (m *memOrders) filter(keep func(o entities.Order) bool) []entities.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []entities.Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memOrders) CompareAndSwapStatus(
	_ context.Context,
	id string,
	expected, next entities.OrderStatus,
	updates entities.FieldUpdates,
) (*entities.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, entities.WrapError(entities.ErrNotFound, "order %s", id)
	}
	if o.Status != expected {
		return nil, entities.ErrStaleTransition
	}

	for column, value := range updates {
		applyColumn(&o, column, value)
	}
	o.Status = next
	o.UpdatedAt = time.Now()
	m.orders[id] = o
	return &o, nil
}

func (m *memOrders) SetErrorMsg(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return entities.WrapError(entities.ErrNotFound, "order %s", id)
	}
	o.ErrorMsg = &msg
	m.orders[id] = o
	return nil
}

func applyColumn(o *entities.Order, column string, value any) {
	str := func() *string { s := value.(string); return &s }
	num := func() *float64 { f := value.(float64); return &f }

	switch column {
	case entities.ColAmount:
		o.Amount = value.(float64)
	case entities.ColProofID:
		o.ProofID = str()
	case entities.ColPrice:
		o.Price = num()
	case entities.ColPricePerMile:
		o.PricePerMile = num()
	case entities.ColMinMiles:
		o.MinMiles = num()
	case entities.ColBuyerAddress:
		o.BuyerAddress = str()
	case entities.ColBuyerDeparture:
		o.BuyerDeparture = str()
	case entities.ColBuyerDestination:
		o.BuyerDestination = str()
	case entities.ColEscrowTx:
		o.EscrowTx = str()
	case entities.ColPurchasedMiles:
		o.PurchasedMiles = num()
	case entities.ColConfirmationCode:
		o.ConfirmationCode = str()
	case entities.ColTicketDetails:
		o.TicketDetails = value.([]byte)
	case entities.ColErrorMsg:
		o.ErrorMsg = str()
	case entities.ColDisputeReason:
		o.DisputeReason = str()
	case entities.ColSettlementTx:
		o.SettlementTx = str()
	}
}

type passthroughTransactor struct{}

func (passthroughTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []entities.OrderStatus
}

func (n *recordingNotifier) NotifyStatus(order *entities.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, order.Status)
}

func (n *recordingNotifier) seen() []entities.OrderStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]entities.OrderStatus(nil), n.changes...)
}

type memDeposits struct {
	mu        sync.Mutex
	processed map[string]entities.DepositOutcome
}

func depositKey(txHash string, logIndex uint) string {
	return fmt.Sprintf("%s/%d", txHash, logIndex)
}

func (d *memDeposits) IsProcessed(_ context.Context, txHash string, logIndex uint) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.processed[depositKey(txHash, logIndex)]
	return ok, nil
}

func (d *memDeposits) MarkProcessed(_ context.Context, ev *entities.DepositEvent, _ string, outcome entities.DepositOutcome) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.processed == nil {
		d.processed = map[string]entities.DepositOutcome{}
	}
	key := depositKey(ev.TxHash, ev.LogIndex)
	if _, ok := d.processed[key]; !ok {
		d.processed[key] = outcome
	}
	return nil
}

// memDeadLetters keeps one open letter per order and kind, like the unique index in Postgres.
type memDeadLetters struct {
	mu      sync.Mutex
	letters []entities.DeadLetter
}

func (d *memDeadLetters) InsertDeadLetter(_ context.Context, letter *entities.DeadLetter) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.letters {
		l := &d.letters[i]
		if letter.OrderID != nil && l.OrderID != nil && *l.OrderID == *letter.OrderID &&
			l.Kind == letter.Kind && l.ResolvedAt == nil {
			l.Reason = letter.Reason
			l.Attempts += letter.Attempts
			return nil
		}
	}

	letter.ID = int64(len(d.letters) + 1)
	letter.CreatedAt = time.Now()
	d.letters = append(d.letters, *letter)
	return nil
}

func (d *memDeadLetters) FindOpenDeadLetters(context.Context) ([]entities.DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var open []entities.DeadLetter
	for _, l := range d.letters {
		if l.ResolvedAt == nil {
			open = append(open, l)
		}
	}
	return open, nil
}

func (d *memDeadLetters) ResolveDeadLetters(_ context.Context, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for i := range d.letters {
		if d.letters[i].OrderID != nil && *d.letters[i].OrderID == orderID {
			d.letters[i].ResolvedAt = &now
		}
	}
	return nil
}

func (d *memDeadLetters) open(kind entities.DeadLetterKind) []entities.DeadLetter {
	letters, _ := d.FindOpenDeadLetters(context.Background())
	var out []entities.DeadLetter
	for _, l := range letters {
		if l.Kind == kind {
			out = append(out, l)
		}
	}
	return out
}

type memProviders map[string]entities.Provider

func (p memProviders) FindProvider(_ context.Context, id string) (*entities.Provider, error) {
	provider, ok := p[id]
	if !ok {
		return nil, entities.WrapError(entities.ErrNotFound, "provider %s", id)
	}
	return &provider, nil
}

type memProofs struct {
	mu     sync.Mutex
	proofs []entities.Proof
}

func (p *memProofs) InsertProof(_ context.Context, proof *entities.Proof) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proofs = append(p.proofs, *proof)
	return nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []agent.ExecuteRequest
	errs     []error // returned in order, then success
}

func (f *fakeDispatcher) Execute(_ context.Context, req agent.ExecuteRequest) (*agent.ExecuteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &agent.ExecuteResponse{Status: "ACCEPTED"}, nil
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeLedger struct {
	mu         sync.Mutex
	escrows    map[string]*entities.OnchainEscrow
	releaseErr error
	refundErr  error
	released   []string
	refunded   []string

	// landOnError settles the escrow even when releaseErr is returned, like a
	// transaction that was mined after its receipt wait timed out.
	landOnError  bool
	releaseCalls int

	beforeRefund func()
}

func (l *fakeLedger) GetEscrow(_ context.Context, orderID string) (*entities.OnchainEscrow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.escrows[orderID]; ok {
		copied := *e
		return &copied, nil
	}
	return &entities.OnchainEscrow{Status: entities.EscrowStatusNone}, nil
}

func (l *fakeLedger) Release(_ context.Context, orderID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.releaseCalls++
	if l.releaseErr != nil {
		if e, ok := l.escrows[orderID]; ok && l.landOnError {
			e.Status = entities.EscrowStatusReleased
		}
		return "", l.releaseErr
	}
	l.released = append(l.released, orderID)
	if e, ok := l.escrows[orderID]; ok {
		e.Status = entities.EscrowStatusReleased
	}
	return "0xrelease-" + orderID, nil
}

func (l *fakeLedger) Refund(_ context.Context, orderID string) (string, error) {
	if l.beforeRefund != nil {
		l.beforeRefund()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refundErr != nil {
		return "", l.refundErr
	}
	l.refunded = append(l.refunded, orderID)
	if e, ok := l.escrows[orderID]; ok {
		e.Status = entities.EscrowStatusRefunded
	}
	return "0xrefund-" + orderID, nil
}

// harness wires every service over in-memory stores.
type harness struct {
	orders      *memOrders
	notifier    *recordingNotifier
	deposits    *memDeposits
	deadLetters *memDeadLetters
	proofRepo   *memProofs
	dispatcher  *fakeDispatcher
	backend     *proofs.MockBackend

	agentPub    *[32]byte
	agentKey    *[32]byte

	orderSvc  *OrderService
	deadSvc   *DeadLetterService
	sellers   *SellerService
	listings  *ListingService
	escrow    *EscrowService
	transfers *TransferService
}

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func newHarness(t *testing.T, ledger Ledger) *harness {
	t.Helper()

	pub, priv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sealer, err := vault.New(base64.StdEncoding.EncodeToString(pub[:]))
	require.NoError(t, err)

	backend, err := proofs.NewMockBackend("mock attestor seed", "http://localhost:8080")
	require.NoError(t, err)

	h := &harness{
		orders:      newMemOrders(),
		notifier:    &recordingNotifier{},
		deposits:    &memDeposits{},
		deadLetters: &memDeadLetters{},
		proofRepo:   &memProofs{},
		dispatcher:  &fakeDispatcher{},
		backend:     backend,
		agentPub:    pub,
		agentKey:    priv,
	}

	providers := memProviders{
		"united": {ID: "united", Name: "United MileagePlus", ItemType: "miles", DashboardURL: "www.united.com"},
	}

	h.orderSvc = NewOrderService(discard, h.orders, passthroughTransactor{}, h.notifier)
	h.deadSvc = NewDeadLetterService(discard, h.deadLetters)
	h.transfers = NewTransferService(discard, h.orderSvc, h.dispatcher, ledger, h.deadSvc, TransferOptions{
		CallbackURL:   "http://localhost:8080/callback/transfer",
		Dispatch:      fastPolicy,
		Release:       fastPolicy,
		MaxConcurrent: 2,
	})
	h.sellers = NewSellerService(discard, h.orderSvc, providers, h.proofRepo, backend, sealer, h.deadSvc)
	h.listings = NewListingService(discard, h.orderSvc, ledger, h.transfers, testChain)
	h.escrow = NewEscrowService(discard, h.orderSvc, h.deposits, h.deadSvc, h.transfers, 18)

	return h
}

// seed stores an order directly in status with the given listing terms.
func (h *harness) seed(id string, status entities.OrderStatus, amount, pricePerMile, minMiles float64) {
	o := entities.Order{
		ID:             id,
		ItemType:       "miles",
		ProviderID:     "united",
		Username:       "seller-" + id,
		SellerAddress:  "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		EncryptedCreds: "sealed",
		Amount:         amount,
		Status:         status,
	}
	if pricePerMile > 0 {
		price := pricePerMile * amount
		o.Price, o.PricePerMile, o.MinMiles = &price, &pricePerMile, &minMiles
	}
	h.orders.put(o)
}
