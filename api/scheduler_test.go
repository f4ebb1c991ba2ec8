package api

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rodmar/ledger-engine/ledger"
	"github.com/rodmar/ledger-engine/ledger/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSchedulerFixture(t *testing.T) (*StaleBalanceScheduler, *store.Memory, ledger.AccountRef) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mem := store.NewMemory()
	svc := ledger.NewService(mem, nil, nil, logger)
	acc, err := svc.CreateAccount(context.Background(), ledger.Account{Type: ledger.AccountMine, Name: "Mina"})
	require.NoError(t, err)

	// Simulate a refresh that failed after the write committed.
	require.NoError(t, mem.MarkStale(context.Background(), acc.Ref()))
	return NewStaleBalanceScheduler(svc, logger), mem, acc.Ref()
}

func TestScheduler_ReportsWithoutRepair(t *testing.T) {
	// GIVEN: A stale account and auto repair off
	ss, mem, ref := newSchedulerFixture(t)

	// WHEN: Running a check
	result := ss.RunNow(context.Background())

	// THEN: It is reported and left stale
	assert.Equal(t, CheckResult{Stale: 1}, result)
	entry, err := mem.GetCacheEntry(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, entry.Stale)
}

func TestScheduler_AutoRepair(t *testing.T) {
	ss, mem, ref := newSchedulerFixture(t)
	ss.AutoRepair = true

	result := ss.RunNow(context.Background())

	assert.Equal(t, CheckResult{Stale: 1, Repaired: 1}, result)
	entry, err := mem.GetCacheEntry(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, entry.Stale)
	assert.False(t, entry.RecomputedAt.IsZero())
}

func TestScheduler_StartStop(t *testing.T) {
	ss, _, _ := newSchedulerFixture(t)
	ss.CheckInterval = 10 * time.Millisecond
	ss.AutoRepair = true

	ss.Start()
	assert.Eventually(t, func() bool {
		stale, err := ss.Service.StaleAccounts(context.Background())
		return err == nil && len(stale) == 0
	}, time.Second, 10*time.Millisecond)
	ss.Stop()

	assert.False(t, ss.GetNextRunTime().IsZero())
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	ss, _, _ := newSchedulerFixture(t)
	ss.Enabled = false

	ss.Start()
	ss.Stop()

	assert.Nil(t, ss.ticker)
}
