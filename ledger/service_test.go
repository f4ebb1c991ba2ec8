package ledger_test

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rodmar/ledger-engine/ledger"
	"github.com/rodmar/ledger-engine/ledger/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FIXTURES
// =============================================================================

var (
	bank     = ledger.Party{Type: ledger.PartyBank, ID: "principal"}
	treasury = ledger.Party{Type: ledger.PartyTreasury, ID: "caja"}
)

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// recorder collects notified events.
type recorder struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (r *recorder) Notify(_ context.Context, ev ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	ctx    context.Context
	store  *faultyStore
	svc    *ledger.Service
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := &faultyStore{Memory: store.NewMemory()}
	rec := &recorder{}
	return &fixture{
		ctx:    context.Background(),
		store:  fs,
		svc:    ledger.NewService(fs, nil, rec, quietLogger()),
		events: rec,
	}
}

func (f *fixture) account(t *testing.T, typ ledger.AccountType, name string) ledger.Account {
	t.Helper()
	a, err := f.svc.CreateAccount(f.ctx, ledger.Account{Type: typ, Name: name, OwnerUserID: "u1"})
	require.NoError(t, err)
	return a
}

func (f *fixture) trip(t *testing.T, trip ledger.Trip) ledger.Trip {
	t.Helper()
	if trip.Status == "" {
		trip.Status = ledger.TripCompleted
	}
	created, err := f.svc.CreateTrip(f.ctx, ledger.TripDraft{Trip: trip}, "u1")
	require.NoError(t, err)
	return created
}

func (f *fixture) transfer(t *testing.T, from, to ledger.Party, amount int64, concept string) ledger.Transaction {
	t.Helper()
	tx, err := f.svc.CreateTransaction(f.ctx, ledger.Transaction{From: from, To: to, Amount: dec(amount), Concept: concept})
	require.NoError(t, err)
	return tx
}

func (f *fixture) balance(t *testing.T, ref ledger.AccountRef) decimal.Decimal {
	t.Helper()
	entry, err := f.svc.GetBalance(f.ctx, ref)
	require.NoError(t, err)
	return entry.Balance
}

// assertCoherent checks the cache, the calculator and the aggregate view
// agree for ref.
func (f *fixture) assertCoherent(t *testing.T, ref ledger.AccountRef) {
	t.Helper()
	v, err := f.svc.ValidateBalance(f.ctx, ref)
	require.NoError(t, err)
	assert.True(t, v.Valid, "cached %s computed %s", v.Cached, v.Computed)
	assert.False(t, v.Stale)

	all, err := f.svc.AllBalances(f.ctx, ref.Type)
	require.NoError(t, err)
	assert.True(t, all[ref.ID].Balance.Equal(v.Computed), "aggregate %s computed %s", all[ref.ID].Balance, v.Computed)
}

func id(n int64) *int64 { return &n }

// faultyStore injects failures into a memory store.
type faultyStore struct {
	*store.Memory

	// failReads breaks TransactionsByParty outside transactions.
	failReads bool
	// failDelete and failTxUpdateIDs break writes inside transactions.
	failDelete      bool
	failTxUpdateIDs map[int64]bool
	// bareBackups serves fusion backups without their driver names.
	bareBackups bool
}

var errInjected = errors.New("injected failure")

func (f *faultyStore) TransactionsByParty(ctx context.Context, p ledger.Party) ([]ledger.Transaction, error) {
	if f.failReads {
		return nil, errInjected
	}
	return f.Memory.TransactionsByParty(ctx, p)
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	return f.Memory.WithTx(ctx, func(s ledger.Store) error {
		return fn(&faultyTx{Store: s, parent: f})
	})
}

type faultyTx struct {
	ledger.Store
	parent *faultyStore
}

func (t *faultyTx) DeleteAccount(ctx context.Context, ref ledger.AccountRef) error {
	if t.parent.failDelete {
		return errInjected
	}
	return t.Store.DeleteAccount(ctx, ref)
}

func (t *faultyTx) UpdateTransaction(ctx context.Context, tx ledger.Transaction) error {
	if t.parent.failTxUpdateIDs[tx.ID] {
		return errInjected
	}
	return t.Store.UpdateTransaction(ctx, tx)
}

func (t *faultyTx) GetBackup(ctx context.Context, id int64) (*ledger.FusionBackup, error) {
	b, err := t.Store.GetBackup(ctx, id)
	if err == nil && t.parent.bareBackups {
		b.DriverNames = nil
	}
	return b, err
}

func (t *faultyTx) WithSavepoint(ctx context.Context, name string, fn func(ledger.Store) error) error {
	return t.Store.WithSavepoint(ctx, name, func(sp ledger.Store) error {
		return fn(&faultyTx{Store: sp, parent: t.parent})
	})
}

// =============================================================================
// BALANCES THROUGH THE SERVICE
// =============================================================================

func TestService_MinePartialPayment(t *testing.T) {
	// GIVEN: A mine with a completed trip and a payment to the bank
	f := newFixture(t)
	mine := f.account(t, ledger.AccountMine, "Mina M")
	f.trip(t, ledger.Trip{MineID: &mine.ID, TotalPurchase: dec(2_100_000)})
	f.transfer(t, mine.Ref().Party(), bank, 500_000, "Pago parcial")

	// THEN: Balance is 2,600,000 and every view agrees
	assert.True(t, f.balance(t, mine.Ref()).Equal(dec(2_600_000)))
	f.assertCoherent(t, mine.Ref())
}

func TestService_BuyerRemittance(t *testing.T) {
	f := newFixture(t)
	buyer := f.account(t, ledger.AccountBuyer, "Comprador B")
	f.trip(t, ledger.Trip{BuyerID: &buyer.ID, AmountToRemit: dec(3_360_000)})

	assert.True(t, f.balance(t, buyer.Ref()).Equal(dec(-3_360_000)))
	f.assertCoherent(t, buyer.Ref())
}

func TestService_PendingTripCountsOnceCompleted(t *testing.T) {
	// GIVEN: A pending trip
	f := newFixture(t)
	mine := f.account(t, ledger.AccountMine, "Mina")
	trip := f.trip(t, ledger.Trip{MineID: &mine.ID, TotalPurchase: dec(900), Status: ledger.TripPending})
	assert.True(t, f.balance(t, mine.Ref()).IsZero())

	// WHEN: Completing it
	trip.Status = ledger.TripCompleted
	_, err := f.svc.UpdateTrip(f.ctx, ledger.TripDraft{Trip: trip}, "u1")
	require.NoError(t, err)

	// THEN: The cached balance follows immediately
	assert.True(t, f.balance(t, mine.Ref()).Equal(dec(900)))

	// WHEN: Hiding it
	trip.Hidden = true
	_, err = f.svc.UpdateTrip(f.ctx, ledger.TripDraft{Trip: trip}, "u1")
	require.NoError(t, err)

	// THEN: It no longer counts
	assert.True(t, f.balance(t, mine.Ref()).IsZero())
	f.assertCoherent(t, mine.Ref())
}

func TestService_UpdateTripRefreshesOldAndNewAccounts(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, ledger.AccountMine, "Mina A")
	b := f.account(t, ledger.AccountMine, "Mina B")
	trip := f.trip(t, ledger.Trip{MineID: &a.ID, TotalPurchase: dec(500)})

	trip.MineID = &b.ID
	_, err := f.svc.UpdateTrip(f.ctx, ledger.TripDraft{Trip: trip}, "u1")
	require.NoError(t, err)

	assert.True(t, f.balance(t, a.Ref()).IsZero())
	assert.True(t, f.balance(t, b.Ref()).Equal(dec(500)))
	f.assertCoherent(t, a.Ref())
	f.assertCoherent(t, b.Ref())
}

func TestService_DeleteTripAndTransaction(t *testing.T) {
	f := newFixture(t)
	trucker := f.account(t, ledger.AccountTrucker, "Volquetero")
	trip := f.trip(t, ledger.Trip{TruckerID: &trucker.ID, TotalFreight: dec(300_000)})
	tx := f.transfer(t, treasury, trucker.Ref().Party(), 100_000, "Anticipo flete")
	assert.True(t, f.balance(t, trucker.Ref()).Equal(dec(200_000)))

	require.NoError(t, f.svc.DeleteTransaction(f.ctx, tx.ID))
	assert.True(t, f.balance(t, trucker.Ref()).Equal(dec(300_000)))

	require.NoError(t, f.svc.DeleteTrip(f.ctx, trip.ID))
	assert.True(t, f.balance(t, trucker.Ref()).IsZero())

	assert.True(t, ledger.IsNotFound(f.svc.DeleteTrip(f.ctx, trip.ID)))
}

func TestService_TripConceptMarksSystemGenerated(t *testing.T) {
	// GIVEN: A shadow entry created by an older client with "trip" in its concept
	f := newFixture(t)
	trucker := f.account(t, ledger.AccountTrucker, "Volquetero")
	f.trip(t, ledger.Trip{TruckerID: &trucker.ID, TotalFreight: dec(300_000)})
	shadow := f.transfer(t, treasury, trucker.Ref().Party(), 300_000, "Flete trip TR-1")

	// THEN: It is flagged and not counted twice
	assert.True(t, shadow.IsSystemGenerated)
	assert.True(t, f.balance(t, trucker.Ref()).Equal(dec(300_000)))

	// WHEN: The concept is edited
	shadow.Concept = "Flete"
	updated, err := f.svc.UpdateTransaction(f.ctx, shadow)
	require.NoError(t, err)

	// THEN: The flag decided at creation sticks
	assert.True(t, updated.IsSystemGenerated)
	assert.True(t, f.balance(t, trucker.Ref()).Equal(dec(300_000)))
	f.assertCoherent(t, trucker.Ref())
}

func TestService_UpdateTransactionMovesParties(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, ledger.AccountThirdParty, "Tercero A")
	b := f.account(t, ledger.AccountThirdParty, "Tercero B")
	tx := f.transfer(t, treasury, a.Ref().Party(), 1_000, "Prestamo")
	assert.True(t, f.balance(t, a.Ref()).Equal(dec(-1_000)))

	tx.To = b.Ref().Party()
	_, err := f.svc.UpdateTransaction(f.ctx, tx)
	require.NoError(t, err)

	assert.True(t, f.balance(t, a.Ref()).IsZero())
	assert.True(t, f.balance(t, b.Ref()).Equal(dec(-1_000)))
}

func TestService_CreateTransactionValidation(t *testing.T) {
	f := newFixture(t)
	mine := f.account(t, ledger.AccountMine, "Mina")

	_, err := f.svc.CreateTransaction(f.ctx, ledger.Transaction{From: ledger.Party{Type: ledger.PartyMine, ID: "99"}, To: bank, Amount: dec(1)})
	assert.True(t, ledger.IsNotFound(err))

	_, err = f.svc.CreateTransaction(f.ctx, ledger.Transaction{From: ledger.Party{Type: "moon", ID: "1"}, To: bank, Amount: dec(1)})
	assert.ErrorIs(t, err, ledger.ErrInvalidOperation)

	_, err = f.svc.CreateTransaction(f.ctx, ledger.Transaction{From: mine.Ref().Party(), To: bank, Amount: dec(-5)})
	assert.ErrorIs(t, err, ledger.ErrInvalidOperation)
}

func TestService_TripResolvesNamesAndDrivers(t *testing.T) {
	// GIVEN: Trips naming their accounts instead of referencing ids
	f := newFixture(t)
	first, err := f.svc.CreateTrip(f.ctx, ledger.TripDraft{
		Trip:      ledger.Trip{DriverName: "Pedro  Gomez", Status: ledger.TripCompleted, TotalFreight: dec(10)},
		MineName:  "Mina Nueva",
		BuyerName: "Comprador Nuevo",
	}, "u1")
	require.NoError(t, err)
	second, err := f.svc.CreateTrip(f.ctx, ledger.TripDraft{
		Trip:     ledger.Trip{DriverName: "PEDRO GOMEZ", Status: ledger.TripCompleted, TotalFreight: dec(20)},
		MineName: "Mina Nueva",
	}, "u1")
	require.NoError(t, err)

	// THEN: Accounts were created once and reused
	require.NotNil(t, first.MineID)
	require.NotNil(t, second.MineID)
	assert.Equal(t, *first.MineID, *second.MineID)
	assert.Equal(t, *first.TruckerID, *second.TruckerID)

	trucker, err := f.svc.GetAccount(f.ctx, ledger.AccountRef{Type: ledger.AccountTrucker, ID: *first.TruckerID})
	require.NoError(t, err)
	assert.Equal(t, "Pedro Gomez", trucker.Name)
	assert.True(t, f.balance(t, trucker.Ref()).Equal(dec(30)))
}

func TestService_TripWithUnknownAccountIDRollsBack(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateTrip(f.ctx, ledger.TripDraft{
		Trip:      ledger.Trip{MineID: id(42), DriverName: "Nadie"},
		BuyerName: "Comprador",
	}, "u1")
	require.True(t, ledger.IsNotFound(err))

	buyers, err := f.svc.ListAccounts(f.ctx, ledger.AccountBuyer)
	require.NoError(t, err)
	assert.Empty(t, buyers)
	truckers, err := f.svc.ListAccounts(f.ctx, ledger.AccountTrucker)
	require.NoError(t, err)
	assert.Empty(t, truckers)
}

func TestService_EmitsOneEventPerWrite(t *testing.T) {
	f := newFixture(t)
	mine := f.account(t, ledger.AccountMine, "Mina")
	buyer := f.account(t, ledger.AccountBuyer, "Comprador")
	f.trip(t, ledger.Trip{MineID: &mine.ID, BuyerID: &buyer.ID, TotalPurchase: dec(1)})

	require.Len(t, f.events.events, 3)
	last := f.events.events[2]
	assert.Equal(t, ledger.EventCreated, last.Type)
	assert.Equal(t, "trip", last.Subject)
	assert.ElementsMatch(t, []ledger.AccountType{ledger.AccountMine, ledger.AccountBuyer}, last.AffectedAccountTypes)
}

// =============================================================================
// CACHE
// =============================================================================

func TestService_RefreshFailureLeavesAccountStale(t *testing.T) {
	// GIVEN: Reads that start failing after the account exists
	f := newFixture(t)
	mine := f.account(t, ledger.AccountMine, "Mina")
	f.store.failReads = true

	// WHEN: Writing a transaction
	created, err := f.svc.CreateTransaction(f.ctx, ledger.Transaction{From: mine.Ref().Party(), To: bank, Amount: dec(10)})

	// THEN: The write committed, the refresh error is reported, and the
	// account is left stale for the scheduler
	require.ErrorIs(t, err, ledger.ErrRefreshFailed)
	assert.ErrorIs(t, err, errInjected)
	var refresh *ledger.RefreshError
	require.ErrorAs(t, err, &refresh)
	assert.Equal(t, []ledger.AccountRef{mine.Ref()}, refresh.Refs)
	assert.NotZero(t, created.ID)
	stale, err := f.svc.StaleAccounts(f.ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, mine.Ref(), stale[0].Ref)

	// WHEN: Reads recover and the balance is recalculated
	f.store.failReads = false
	summary, err := f.svc.RecalculateAll(f.ctx)
	require.NoError(t, err)

	// THEN: Nothing is stale any more
	assert.Equal(t, 1, summary.Accounts)
	assert.Equal(t, 1, summary.Changed)
	stale, err = f.svc.StaleAccounts(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)
	f.assertCoherent(t, mine.Ref())
}

func TestService_ValidateReportsMismatchWithoutFixing(t *testing.T) {
	// GIVEN: A cached balance that was never invalidated
	f := newFixture(t)
	mine := f.account(t, ledger.AccountMine, "Mina")
	f.transfer(t, mine.Ref().Party(), bank, 100, "Deposito")
	require.NoError(t, f.store.SaveCacheEntry(f.ctx, ledger.CacheEntry{
		Ref: mine.Ref(), Balance: dec(42), RecomputedAt: time.Now(),
	}))

	// WHEN: Validating
	v, err := f.svc.ValidateBalance(f.ctx, mine.Ref())
	require.NoError(t, err)

	// THEN: The mismatch is reported
	assert.False(t, v.Valid)
	assert.True(t, v.Difference.Equal(dec(58)))
	var staleErr *ledger.StaleBalanceError
	require.ErrorAs(t, v.Err(), &staleErr)
	assert.ErrorIs(t, v.Err(), ledger.ErrStaleBalanceDetected)

	// AND: The cache is left as it was
	entry, err := f.svc.GetBalance(f.ctx, mine.Ref())
	require.NoError(t, err)
	assert.True(t, entry.Balance.Equal(dec(42)))
}

func TestService_ValidateWithinTolerance(t *testing.T) {
	f := newFixture(t)
	mine := f.account(t, ledger.AccountMine, "Mina")
	require.NoError(t, f.store.SaveCacheEntry(f.ctx, ledger.CacheEntry{
		Ref: mine.Ref(), Balance: decimal.RequireFromString("0.01"), RecomputedAt: time.Now(),
	}))

	v, err := f.svc.ValidateBalance(f.ctx, mine.Ref())
	require.NoError(t, err)
	assert.True(t, v.Valid)
}

func TestService_GetBalanceRecomputesStaleEntry(t *testing.T) {
	f := newFixture(t)
	mine := f.account(t, ledger.AccountMine, "Mina")
	f.transfer(t, mine.Ref().Party(), bank, 100, "Deposito")
	require.NoError(t, f.store.MarkStale(f.ctx, mine.Ref()))

	entry, err := f.svc.GetBalance(f.ctx, mine.Ref())
	require.NoError(t, err)

	assert.False(t, entry.Stale)
	assert.True(t, entry.Balance.Equal(dec(100)))
}

// =============================================================================
// AGGREGATE REPORTER
// =============================================================================

func TestReporter_AgreesWithCalculatorOnStaleEntries(t *testing.T) {
	// GIVEN: Several truckers with mixed trips and transfers, all stale
	f := newFixture(t)
	var refs []ledger.AccountRef
	for i := int64(1); i <= 3; i++ {
		tr := f.account(t, ledger.AccountTrucker, "Volquetero "+strconv.FormatInt(i, 10))
		refs = append(refs, tr.Ref())
		f.trip(t, ledger.Trip{TruckerID: &tr.ID, TotalFreight: dec(100 * i)})
		f.trip(t, ledger.Trip{TruckerID: &tr.ID, TotalFreight: dec(7), FreightPayer: ledger.FreightPaidByBuyer})
		f.transfer(t, treasury, tr.Ref().Party(), 10*i, "Anticipo")
		f.transfer(t, tr.Ref().Party(), bank, i, "Devolucion")
		require.NoError(t, f.store.MarkStale(f.ctx, tr.Ref()))
	}

	// WHEN: Listing every trucker
	all, err := f.svc.AllBalances(f.ctx, ledger.AccountTrucker)
	require.NoError(t, err)

	// THEN: Each row matches the calculator and reports two trips
	for _, ref := range refs {
		want, err := f.svc.ComputeBalance(f.ctx, ref)
		require.NoError(t, err)
		row := all[ref.ID]
		assert.False(t, row.FromCache)
		assert.True(t, row.Balance.Equal(want), "%s: aggregate %s computed %s", ref, row.Balance, want)
		assert.Equal(t, 2, row.TripCount)
	}
}

func TestReporter_LastMonthCounts(t *testing.T) {
	f := newFixture(t)
	f.svc.Reporter.Now = func() time.Time { return time.Date(2025, time.March, 15, 0, 0, 0, 0, time.UTC) }
	mine := f.account(t, ledger.AccountMine, "Mina")

	for _, day := range []time.Time{
		time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
	} {
		f.trip(t, ledger.Trip{MineID: &mine.ID, Date: day, TotalPurchase: dec(1)})
	}
	f.trip(t, ledger.Trip{MineID: &mine.ID, Date: time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC), Status: ledger.TripPending})

	all, err := f.svc.AllBalances(f.ctx, ledger.AccountMine)
	require.NoError(t, err)

	assert.Equal(t, 4, all[mine.ID].TripCount)
	assert.Equal(t, 2, all[mine.ID].TripCountLastMonth)
}

func TestReporter_RejectsUnknownType(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AllBalances(f.ctx, "planet")

	assert.ErrorIs(t, err, ledger.ErrInvalidOperation)
}
