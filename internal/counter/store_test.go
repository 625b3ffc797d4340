package counter

import (
	"context"
	"testing"

	"github.com/fiskalwerk/rksv/internal/config"
	"github.com/fiskalwerk/rksv/internal/counter/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) domain.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:counterstore?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&domain.CounterRecord{}))
	db.Exec("DELETE FROM counter_states")

	return NewStore(Params{
		DB:     db,
		Fiscal: config.NewStaticFiscalConfigHolder(config.DefaultFiscalConfig()),
		Log:    zap.NewNop(),
	})
}

func TestInitializeStartsAtZero(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, store.Initialize(ctx, "KASSE001"))

	state, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), state.ReceiptCounter)
	assert.Equal(t, int64(0), state.SignatureCounter)
	assert.Equal(t, int64(0), state.TurnoverCounter)
	assert.Equal(t, "", state.LastReceiptHash)
}

func TestInitializeTwiceFails(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, store.Initialize(ctx, "KASSE001"))
	assert.ErrorIs(t, store.Initialize(ctx, "KASSE001"), domain.ErrAlreadyInitialized)
}

func TestReadAbsentReturnsZeroState(t *testing.T) {
	store := newTestStore(t)

	state, err := store.Read(context.Background(), "GHOST")
	assert.NoError(t, err)
	assert.Equal(t, domain.State{}, state)
}

func TestCommitAdvancesByExactlyOne(t *testing.T) {
	store := newTestStore(t).(*Store)
	ctx := context.Background()

	assert.NoError(t, store.Initialize(ctx, "KASSE001"))
	state, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)

	next := state.Next(1000, "aabbcc")
	assert.NoError(t, store.db.Transaction(func(tx *gorm.DB) error {
		return store.CommitTx(ctx, tx, "KASSE001", next)
	}))

	got, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.Equal(t, int64(1), got.ReceiptCounter)
	assert.Equal(t, int64(1), got.SignatureCounter)
	assert.Equal(t, int64(1000), got.TurnoverCounter)
	assert.Equal(t, "aabbcc", got.LastReceiptHash)
	assert.Equal(t, int64(1), got.Version)
}

func TestCommitStaleVersionConflicts(t *testing.T) {
	store := newTestStore(t).(*Store)
	ctx := context.Background()

	assert.NoError(t, store.Initialize(ctx, "KASSE001"))
	state, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)

	// Two writers read the same state; only the first commit lands.
	first := state.Next(500, "h1")
	second := state.Next(700, "h2")

	assert.NoError(t, store.db.Transaction(func(tx *gorm.DB) error {
		return store.CommitTx(ctx, tx, "KASSE001", first)
	}))
	err = store.db.Transaction(func(tx *gorm.DB) error {
		return store.CommitTx(ctx, tx, "KASSE001", second)
	})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.Equal(t, int64(500), got.TurnoverCounter)
	assert.Equal(t, "h1", got.LastReceiptHash)
}

func TestRolledBackCommitLeavesStateUntouched(t *testing.T) {
	store := newTestStore(t).(*Store)
	ctx := context.Background()

	assert.NoError(t, store.Initialize(ctx, "KASSE001"))
	state, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)

	boom := assert.AnError
	err = store.db.Transaction(func(tx *gorm.DB) error {
		if err := store.CommitTx(ctx, tx, "KASSE001", state.Next(1000, "h1")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), got.ReceiptCounter)
	assert.Equal(t, int64(0), got.Version)
}

func TestTurnoverMayGoNegative(t *testing.T) {
	store := newTestStore(t).(*Store)
	ctx := context.Background()

	assert.NoError(t, store.Initialize(ctx, "KASSE001"))
	state, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)

	next := state.Next(-2500, "h1")
	assert.NoError(t, store.db.Transaction(func(tx *gorm.DB) error {
		return store.CommitTx(ctx, tx, "KASSE001", next)
	}))

	got, err := store.Read(ctx, "KASSE001")
	assert.NoError(t, err)
	assert.Equal(t, int64(-2500), got.TurnoverCounter)
}

func TestOverflowBoundary(t *testing.T) {
	atCeiling := domain.State{ReceiptCounter: domain.MaxCounterValue, SignatureCounter: domain.MaxCounterValue}
	assert.True(t, atCeiling.Overflowed())

	oneBelow := domain.State{ReceiptCounter: domain.MaxCounterValue - 1, SignatureCounter: domain.MaxCounterValue - 1}
	assert.False(t, oneBelow.Overflowed())
}
