package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/progami/WMS-EcomOS-sub000/internal/masterdata"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

type memoryRepo struct {
	mu        sync.Mutex
	batches   map[BatchKey]Batch
	movements []Movement
	reserved  map[BatchKey]int64
	idem      map[string]shared.IdempotencyRecord
	nextID    int64
}

type memoryTx struct {
	repo      *memoryRepo
	batches   map[BatchKey]Batch
	movements []Movement
	idem      map[string]shared.IdempotencyRecord
	nextID    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		batches:  make(map[BatchKey]Batch),
		reserved: make(map[BatchKey]int64),
		idem:     make(map[string]shared.IdempotencyRecord),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &memoryTx{repo: r, batches: make(map[BatchKey]Batch), idem: make(map[string]shared.IdempotencyRecord), nextID: r.nextID}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, b := range tx.batches {
		r.batches[k] = b
	}
	r.movements = append(r.movements, tx.movements...)
	for k, rec := range tx.idem {
		r.idem[k] = rec
	}
	r.nextID = tx.nextID
	return nil
}

func (r *memoryRepo) ListBatches(_ context.Context, f BalanceFilter) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Batch
	for k, b := range r.batches {
		if matches(k, f.WarehouseID, f.SKUID, f.BatchLot) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListMovements(_ context.Context, f MovementFilter) ([]Movement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Movement
	for _, m := range r.movements {
		if matches(m.Key(), f.WarehouseID, f.SKUID, f.BatchLot) && (f.Before.IsZero() || m.OccurredAt.Before(f.Before)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memoryRepo) FindIdempotency(_ context.Context, scope, key string) (shared.IdempotencyRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.idem[scope+"|"+key]
	return rec, ok, nil
}

func (r *memoryRepo) movementCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.movements)
}

func matches(k BatchKey, warehouseID, skuID int64, lot string) bool {
	return (warehouseID == 0 || k.WarehouseID == warehouseID) &&
		(skuID == 0 || k.SKUID == skuID) &&
		(lot == "" || k.BatchLot == lot)
}

func (tx *memoryTx) LockBatch(_ context.Context, key BatchKey) (Batch, bool, error) {
	if b, ok := tx.batches[key]; ok {
		return b, true, nil
	}
	b, ok := tx.repo.batches[key]
	return b, ok, nil
}

func (tx *memoryTx) LockBatches(_ context.Context, warehouseID, skuID int64) ([]Batch, error) {
	merged := make(map[BatchKey]Batch)
	for k, b := range tx.repo.batches {
		merged[k] = b
	}
	for k, b := range tx.batches {
		merged[k] = b
	}
	var out []Batch
	for k, b := range merged {
		if k.WarehouseID == warehouseID && k.SKUID == skuID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchLot < out[j].BatchLot })
	return out, nil
}

func (tx *memoryTx) InsertBatch(_ context.Context, b Batch) error {
	if _, ok := tx.repo.batches[b.BatchKey]; ok {
		return errors.New("duplicate batch")
	}
	tx.batches[b.BatchKey] = b
	return nil
}

func (tx *memoryTx) MovementsForKey(_ context.Context, key BatchKey) ([]Movement, error) {
	var out []Movement
	for _, m := range append(append([]Movement{}, tx.repo.movements...), tx.movements...) {
		if m.Key() == key {
			out = append(out, m)
		}
	}
	return out, nil
}

func (tx *memoryTx) ReservedCartons(_ context.Context, warehouseID, skuID int64) (map[string]int64, error) {
	out := make(map[string]int64)
	for k, v := range tx.repo.reserved {
		if k.WarehouseID == warehouseID && k.SKUID == skuID {
			out[k.BatchLot] = v
		}
	}
	return out, nil
}

func (tx *memoryTx) InsertMovement(_ context.Context, m Movement) (int64, error) {
	tx.nextID++
	m.ID = tx.nextID
	tx.movements = append(tx.movements, m)
	return m.ID, nil
}

func (tx *memoryTx) FindIdempotency(_ context.Context, scope, key string) (shared.IdempotencyRecord, bool, error) {
	if rec, ok := tx.idem[scope+"|"+key]; ok {
		return rec, true, nil
	}
	rec, ok := tx.repo.idem[scope+"|"+key]
	return rec, ok, nil
}

func (tx *memoryTx) SaveIdempotency(_ context.Context, rec shared.IdempotencyRecord) error {
	tx.idem[rec.Scope+"|"+rec.Key] = rec
	return nil
}

func (tx *memoryTx) Querier() db.DBTX { return nil }

var day = func(d int) time.Time { return time.Date(2024, time.January, d, 9, 0, 0, 0, time.UTC) }

func newTestService(repo *memoryRepo, order AllocationOrder, hook PostingHook) *Service {
	lookup := masterdata.NewStatic(
		[]masterdata.Warehouse{{ID: 1, Code: "LDN", Active: true}, {ID: 2, Code: "MAN", Active: true}, {ID: 3, Code: "OLD", Active: false}},
		[]masterdata.SKU{{ID: 10, Code: "CS-007", UnitsPerCarton: 12}, {ID: 11, Code: "CS-008", UnitsPerCarton: 6}},
	)
	return NewService(repo, lookup, nil, hook, nil, nil, ServiceConfig{AllocationOrder: order})
}

func receive(t *testing.T, svc *Service, lot string, cartons int64, at time.Time) MovementResult {
	t.Helper()
	res, err := svc.CreateMovement(context.Background(), CreateMovementInput{
		Type:        MovementReceive,
		WarehouseID: 1,
		OccurredAt:  at,
		Items: []MovementItem{{
			SKUID: 10, BatchLot: lot, Cartons: cartons,
			StorageCartonsPerPallet: 10, ShippingCartonsPerPallet: 20,
		}},
	})
	require.NoError(t, err)
	return res
}

func balanceOf(t *testing.T, svc *Service, lot string) Balance {
	t.Helper()
	got, err := svc.GetBalance(context.Background(), BalanceFilter{WarehouseID: 1, SKUID: 10, BatchLot: lot, IncludeZero: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func TestReceiveAndShipFoldToBalance(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	ctx := context.Background()

	receive(t, svc, "LOT-A", 100, day(1))
	res, err := svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementShip, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{{SKUID: 10, BatchLot: "LOT-A", Cartons: 30}},
	})
	require.NoError(t, err)
	require.Len(t, res.MovementIDs, 1)
	require.Len(t, res.BalancesAffected, 1)
	require.EqualValues(t, 70, res.BalancesAffected[0].CurrentCartons)

	bal := balanceOf(t, svc, "LOT-A")
	require.EqualValues(t, 70, bal.CurrentCartons)
	require.EqualValues(t, 840, bal.CurrentUnits)
	require.EqualValues(t, 4, bal.CurrentPallets)
	require.EqualValues(t, 10, bal.StorageCartonsPerPallet)
	require.Equal(t, day(1), bal.FirstReceivedAt)

	movs, err := repo.ListMovements(ctx, MovementFilter{WarehouseID: 1})
	require.NoError(t, err)
	var in, out int64
	for _, m := range movs {
		in += m.CartonsIn
		out += m.CartonsOut
		require.EqualValues(t, 20, m.ShippingCartonsPerPallet)
	}
	require.Equal(t, bal.CurrentCartons, in-out)
}

func TestShipBeyondBalanceIsRejectedWithoutEffect(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)

	receive(t, svc, "LOT-A", 10, day(1))
	before := repo.movementCount()

	_, err := svc.CreateMovement(context.Background(), CreateMovementInput{
		Type: MovementShip, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{{SKUID: 10, BatchLot: "LOT-A", Cartons: 11}},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientInventory)
	var short *InsufficientInventoryError
	require.True(t, errors.As(err, &short))
	require.EqualValues(t, 1, short.Shortfall())
	require.Equal(t, shared.KindInsufficientInventory, shared.KindOf(err))

	require.Equal(t, before, repo.movementCount())
	require.EqualValues(t, 10, balanceOf(t, svc, "LOT-A").CurrentCartons)
}

func TestMultiItemRequestIsAtomic(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	receive(t, svc, "LOT-A", 10, day(1))
	before := repo.movementCount()

	_, err := svc.CreateMovement(context.Background(), CreateMovementInput{
		Type: MovementShip, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{
			{SKUID: 10, BatchLot: "LOT-A", Cartons: 6},
			{SKUID: 10, BatchLot: "LOT-A", Cartons: 6},
		},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientInventory)
	require.Equal(t, before, repo.movementCount())
}

func TestShipAllocatesOldestBatchFirst(t *testing.T) {
	for name, reverse := range map[string]bool{"received in age order": false, "received out of order": true} {
		t.Run(name, func(t *testing.T) {
			repo := newMemoryRepo()
			svc := newTestService(repo, OrderFIFO, nil)
			if reverse {
				receive(t, svc, "B", 100, day(2))
				receive(t, svc, "A", 50, day(1))
			} else {
				receive(t, svc, "A", 50, day(1))
				receive(t, svc, "B", 100, day(2))
			}

			res, err := svc.CreateMovement(context.Background(), CreateMovementInput{
				Type: MovementShip, WarehouseID: 1, OccurredAt: day(3),
				Items: []MovementItem{{SKUID: 10, Cartons: 60}},
			})
			require.NoError(t, err)
			require.Equal(t, []AllocationLine{{BatchLot: "A", Cartons: 50}, {BatchLot: "B", Cartons: 10}}, res.Allocations)
			require.Len(t, res.MovementIDs, 2)
			require.EqualValues(t, 0, balanceOf(t, svc, "A").CurrentCartons)
			require.EqualValues(t, 90, balanceOf(t, svc, "B").CurrentCartons)
		})
	}
}

func TestShipWithoutLotFailsAtomicallyOnShortfall(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	receive(t, svc, "A", 50, day(1))
	receive(t, svc, "B", 100, day(2))
	before := repo.movementCount()

	_, err := svc.CreateMovement(context.Background(), CreateMovementInput{
		Type: MovementShip, WarehouseID: 1, OccurredAt: day(3),
		Items: []MovementItem{{SKUID: 10, Cartons: 151}},
	})
	var short *InsufficientInventoryError
	require.True(t, errors.As(err, &short))
	require.EqualValues(t, 150, short.Available)
	require.EqualValues(t, 1, short.Shortfall())
	require.Equal(t, []BatchAvailability{{BatchLot: "A", Available: 50}, {BatchLot: "B", Available: 100}}, short.Batches)
	require.Equal(t, before, repo.movementCount())
}

func TestReservedCartonsAreNotAllocated(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	receive(t, svc, "A", 50, day(1))
	receive(t, svc, "B", 100, day(2))
	repo.reserved[BatchKey{WarehouseID: 1, SKUID: 10, BatchLot: "A"}] = 45

	res, err := svc.CreateMovement(context.Background(), CreateMovementInput{
		Type: MovementShip, WarehouseID: 1, OccurredAt: day(3),
		Items: []MovementItem{{SKUID: 10, Cartons: 20}},
	})
	require.NoError(t, err)
	require.Equal(t, []AllocationLine{{BatchLot: "A", Cartons: 5}, {BatchLot: "B", Cartons: 15}}, res.Allocations)
}

func TestFEFOPrefersEarliestExpiry(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFEFO, nil)
	ctx := context.Background()
	soon := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	later := time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	for _, b := range []struct {
		lot    string
		at     time.Time
		expiry *time.Time
	}{{"OLD", day(1), &later}, {"NEW", day(5), &soon}, {"NOEXP", day(2), nil}} {
		_, err := svc.CreateMovement(ctx, CreateMovementInput{
			Type: MovementReceive, WarehouseID: 1, OccurredAt: b.at,
			Items: []MovementItem{{SKUID: 10, BatchLot: b.lot, Cartons: 10, StorageCartonsPerPallet: 5, ShippingCartonsPerPallet: 5, ExpiryDate: b.expiry}},
		})
		require.NoError(t, err)
	}

	res, err := svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementShip, WarehouseID: 1, OccurredAt: day(6),
		Items: []MovementItem{{SKUID: 10, Cartons: 25}},
	})
	require.NoError(t, err)
	require.Equal(t, []AllocationLine{{BatchLot: "NEW", Cartons: 10}, {BatchLot: "OLD", Cartons: 10}, {BatchLot: "NOEXP", Cartons: 5}}, res.Allocations)
}

func TestIdempotentReplayAndConflict(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	ctx := context.Background()
	input := CreateMovementInput{
		Type: MovementReceive, WarehouseID: 1, OccurredAt: day(1), IdempotencyKey: "rcv-1",
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: 40, StorageCartonsPerPallet: 10, ShippingCartonsPerPallet: 20}},
	}

	first, err := svc.CreateMovement(ctx, input)
	require.NoError(t, err)
	second, err := svc.CreateMovement(ctx, input)
	require.NoError(t, err)
	require.Equal(t, first.MovementIDs, second.MovementIDs)
	require.Equal(t, 1, repo.movementCount())
	require.EqualValues(t, 40, balanceOf(t, svc, "A").CurrentCartons)

	changed := input
	changed.Items = []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: 41}}
	_, err = svc.CreateMovement(ctx, changed)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.True(t, shared.IsRetryable(err))
	require.Equal(t, 1, repo.movementCount())

	outcome, found, err := svc.ResolveIdempotent(ctx, "rcv-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first.MovementIDs, outcome.MovementIDs)

	_, found, err = svc.ResolveIdempotent(ctx, "never-sent")
	require.NoError(t, err)
	require.False(t, found)
}

func TestReplayIgnoresSubmittingActor(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	ctx := context.Background()
	input := CreateMovementInput{
		Type: MovementReceive, WarehouseID: 1, OccurredAt: day(1), IdempotencyKey: "rcv-7", CreatedBy: "edi-gateway",
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: 40, StorageCartonsPerPallet: 10, ShippingCartonsPerPallet: 20}},
	}
	first, err := svc.CreateMovement(ctx, input)
	require.NoError(t, err)

	retry := input
	retry.CreatedBy = "ops-console"
	second, err := svc.CreateMovement(ctx, retry)
	require.NoError(t, err)
	require.Equal(t, first.MovementIDs, second.MovementIDs)
	require.Equal(t, 1, repo.movementCount())
}

func TestConcurrentShipsHaveOneWinner(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	receive(t, svc, "LOT-A", 10, day(1))

	const callers = 4
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.CreateMovement(context.Background(), CreateMovementInput{
				Type: MovementShip, WarehouseID: 1, OccurredAt: day(2),
				Items: []MovementItem{{SKUID: 10, BatchLot: "LOT-A", Cartons: 8}},
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var won, short int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, shared.ErrInsufficientInventory):
			short++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, callers-1, short)
	require.Equal(t, 2, repo.movementCount())
	require.EqualValues(t, 2, balanceOf(t, svc, "LOT-A").CurrentCartons)
}

func TestReferenceDerivesIdempotencyKey(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	ctx := context.Background()
	receive(t, svc, "A", 40, day(1))
	input := CreateMovementInput{
		Type: MovementShip, WarehouseID: 1, OccurredAt: day(2), Reference: "SO-1001",
		Items: []MovementItem{{SKUID: 10, Cartons: 5}},
	}
	require.Equal(t, "SHIP:1:SO-1001", IdempotencyKeyFor(input))

	_, err := svc.CreateMovement(ctx, input)
	require.NoError(t, err)
	_, err = svc.CreateMovement(ctx, input)
	require.NoError(t, err)
	require.EqualValues(t, 35, balanceOf(t, svc, "A").CurrentCartons)
}

func TestReceiveKeepsFirstPalletConfiguration(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	ctx := context.Background()
	receive(t, svc, "A", 10, day(1))

	_, err := svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementReceive, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: 10, StorageCartonsPerPallet: 12}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementReceive, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: 10}},
	})
	require.NoError(t, err)
	bal := balanceOf(t, svc, "A")
	require.EqualValues(t, 20, bal.CurrentCartons)
	require.EqualValues(t, 10, bal.StorageCartonsPerPallet)

	_, err = svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementReceive, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{{SKUID: 10, BatchLot: "NEW", Cartons: 10}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestTransferMovesStockBetweenWarehouses(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	ctx := context.Background()
	receive(t, svc, "A", 20, day(1))

	res, err := svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementTransfer, WarehouseID: 1, DestinationWarehouseID: 2, OccurredAt: day(3),
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: 5}},
	})
	require.NoError(t, err)
	require.Len(t, res.MovementIDs, 2)

	dest, err := svc.GetBalance(ctx, BalanceFilter{WarehouseID: 2})
	require.NoError(t, err)
	require.Len(t, dest, 1)
	require.EqualValues(t, 5, dest[0].CurrentCartons)
	require.EqualValues(t, 10, dest[0].StorageCartonsPerPallet)
	require.Equal(t, day(1), dest[0].FirstReceivedAt)
	require.EqualValues(t, 15, balanceOf(t, svc, "A").CurrentCartons)

	_, err = svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementTransfer, WarehouseID: 1, DestinationWarehouseID: 2, OccurredAt: day(4),
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: 50}},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientInventory)
}

func TestAdjustCannotDriveBalanceNegative(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo, OrderFIFO, nil)
	ctx := context.Background()
	receive(t, svc, "A", 5, day(1))

	_, err := svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementAdjust, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: -6}},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientInventory)

	_, err = svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementAdjust, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: -5}},
	})
	require.NoError(t, err)

	zero, err := svc.GetBalance(ctx, BalanceFilter{WarehouseID: 1})
	require.NoError(t, err)
	require.Empty(t, zero)
	require.EqualValues(t, 0, balanceOf(t, svc, "A").CurrentCartons)
}

func TestCreateMovementRejectsBadReferences(t *testing.T) {
	svc := newTestService(newMemoryRepo(), OrderFIFO, nil)
	ctx := context.Background()

	_, err := svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementReceive, WarehouseID: 1,
		Items: []MovementItem{{SKUID: 99, BatchLot: "A", Cartons: 1, StorageCartonsPerPallet: 1, ShippingCartonsPerPallet: 1}},
	})
	require.ErrorIs(t, err, shared.ErrExternalLookup)

	_, err = svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementReceive, WarehouseID: 3,
		Items: []MovementItem{{SKUID: 10, BatchLot: "A", Cartons: 1, StorageCartonsPerPallet: 1, ShippingCartonsPerPallet: 1}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.CreateMovement(ctx, CreateMovementInput{
		Type: MovementShip, WarehouseID: 1,
		Items: []MovementItem{{SKUID: 10, BatchLot: "MISSING", Cartons: 1}},
	})
	require.ErrorIs(t, err, shared.ErrExternalLookup)

	_, err = svc.CreateMovement(ctx, CreateMovementInput{Type: "RETURN", WarehouseID: 1, Items: []MovementItem{{SKUID: 10, Cartons: 1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
	var typed *shared.Error
	require.True(t, errors.As(err, &typed))
	require.Contains(t, typed.Fields, "type")

	_, err = svc.CreateMovement(ctx, CreateMovementInput{Type: MovementShip, WarehouseID: 1, Items: []MovementItem{{SKUID: 10, Cartons: -1}}})
	require.ErrorIs(t, err, shared.ErrValidation)
}

type recordingHook struct {
	posted []PostedMovement
	err    error
}

func (h *recordingHook) MovementsPosted(_ context.Context, _ TxRepository, posted []PostedMovement) error {
	h.posted = append(h.posted, posted...)
	return h.err
}

func TestPostingHookRunsInsideTransaction(t *testing.T) {
	repo := newMemoryRepo()
	hook := &recordingHook{}
	svc := newTestService(repo, OrderFIFO, hook)
	receive(t, svc, "A", 30, day(1))
	require.Len(t, hook.posted, 1)
	require.EqualValues(t, 12, hook.posted[0].UnitsPerCarton)
	require.NotZero(t, hook.posted[0].ID)

	hook.err = errors.New("rate table unavailable")
	_, err := svc.CreateMovement(context.Background(), CreateMovementInput{
		Type: MovementShip, WarehouseID: 1, OccurredAt: day(2),
		Items: []MovementItem{{SKUID: 10, Cartons: 5}},
	})
	require.Error(t, err)
	require.Equal(t, 1, repo.movementCount())
}
