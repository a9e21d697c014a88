package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/progami/WMS-EcomOS-sub000/internal/masterdata"
	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
	"github.com/progami/WMS-EcomOS-sub000/internal/shared"
)

// MovementScope namespaces movement idempotency keys.
const MovementScope = "movements"

const readAttempts = 3

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListBatches(ctx context.Context, filter BalanceFilter) ([]Batch, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
	FindIdempotency(ctx context.Context, scope, key string) (shared.IdempotencyRecord, bool, error)
}

// PostingHook runs inside the movement transaction once movements are
// appended. An error aborts the whole request.
type PostingHook interface {
	MovementsPosted(ctx context.Context, tx TxRepository, posted []PostedMovement) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllocationOrder AllocationOrder
	Now             func() time.Time
}

// Service coordinates ledger operations.
type Service struct {
	repo    RepositoryPort
	lookup  masterdata.Lookup
	cache   *Cache
	hook    PostingHook
	metrics *Metrics
	logger  *slog.Logger
	order   AllocationOrder
	now     func() time.Time
}

// NewService builds Service. cache, hook and metrics may be nil.
func NewService(repo RepositoryPort, lookup masterdata.Lookup, cache *Cache, hook PostingHook, metrics *Metrics, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	order := cfg.AllocationOrder
	if order == "" {
		order = OrderFIFO
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:    repo,
		lookup:  lookup,
		cache:   cache,
		hook:    hook,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "ledger")),
		order:   order,
		now:     now,
	}
}

// CreateMovement validates and appends the movements described by input in
// one transaction. Outbound quantities never drive a balance below zero. A
// repeated request with the same idempotency key returns the stored result.
func (s *Service) CreateMovement(ctx context.Context, input CreateMovementInput) (MovementResult, error) {
	const op = "ledger.create_movement"
	if err := shared.ValidateStruct(op, input); err != nil {
		return MovementResult{}, err
	}
	if err := checkItems(op, input); err != nil {
		return MovementResult{}, err
	}
	refs, err := s.resolveRefs(ctx, input)
	if err != nil {
		return MovementResult{}, err
	}
	key := IdempotencyKeyFor(input)
	occurredAt := input.OccurredAt.UTC()
	if input.OccurredAt.IsZero() {
		occurredAt = s.now().UTC()
	}

	var (
		result   MovementResult
		replayed bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		out, rep, err := shared.Idempotent(ctx, tx, MovementScope, key, idempotencyPayload(input), func(ctx context.Context) (MovementResult, error) {
			w := &unitOfWork{tx: tx, refs: refs, order: s.order, occurredAt: occurredAt, key: key, input: input}
			return w.run(ctx, s.hook)
		})
		result, replayed = out, rep
		return err
	})
	if err != nil {
		s.observeFailure(input, err)
		return MovementResult{}, err
	}
	if replayed {
		s.metrics.replay()
		s.logger.Debug("movement replayed", slog.String("idempotency_key", key))
		return result, nil
	}
	s.metrics.appended(input.Type, len(result.MovementIDs))
	if err := s.cache.Bump(ctx, affectedWarehouses(result)...); err != nil {
		s.logger.Warn("balance cache bump failed", slog.Any("error", err))
	}
	s.logger.Info("movement appended",
		slog.String("type", string(input.Type)),
		slog.Int64("warehouse_id", input.WarehouseID),
		slog.Int("movements", len(result.MovementIDs)),
		slog.String("reference", input.Reference))
	return result, nil
}

// GetBalance projects balances for the filter. Zero balances are dropped
// unless IncludeZero is set. Reads scoped to a warehouse may be served from
// the display cache.
func (s *Service) GetBalance(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	load := func(ctx context.Context) ([]Balance, error) {
		return s.projectBalances(ctx, filter)
	}
	if s.cache == nil || filter.WarehouseID == 0 {
		return load(ctx)
	}
	key, err := s.cache.BuildKey(ctx, filter)
	if err != nil {
		s.logger.Warn("balance cache unavailable", slog.Any("error", err))
		return load(ctx)
	}
	return s.cache.FetchBalances(ctx, key, load)
}

// ResolveIdempotent reports the stored outcome of a movement request, letting
// a caller with an indeterminate write decide whether to resubmit.
func (s *Service) ResolveIdempotent(ctx context.Context, key string) (MovementResult, bool, error) {
	if key == "" {
		return MovementResult{}, false, shared.Validation("ledger.resolve_idempotent", "idempotency key is required")
	}
	type lookup struct {
		rec   shared.IdempotencyRecord
		found bool
	}
	res, err := db.RetryRead(ctx, readAttempts, func(ctx context.Context) (lookup, error) {
		rec, found, err := s.repo.FindIdempotency(ctx, MovementScope, key)
		return lookup{rec: rec, found: found}, err
	})
	if err != nil || !res.found {
		return MovementResult{}, false, err
	}
	var out MovementResult
	if err := json.Unmarshal(res.rec.Response, &out); err != nil {
		return MovementResult{}, false, fmt.Errorf("ledger: decode stored result: %w", err)
	}
	return out, true, nil
}

// IdempotencyKeyFor returns the client key or, failing that, one derived from
// the natural reference. Requests with neither are not deduplicated.
func IdempotencyKeyFor(input CreateMovementInput) string {
	if input.IdempotencyKey != "" {
		return input.IdempotencyKey
	}
	if input.Reference == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d:%s", input.Type, input.WarehouseID, input.Reference)
}

// idempotencyPayload is the request as fingerprinted for replays. The
// submitting actor is left out so a retry from another session still replays.
func idempotencyPayload(input CreateMovementInput) CreateMovementInput {
	input.CreatedBy = ""
	return input
}

func (s *Service) projectBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	batches, err := db.RetryRead(ctx, readAttempts, func(ctx context.Context) ([]Batch, error) {
		return s.repo.ListBatches(ctx, filter)
	})
	if err != nil {
		return nil, err
	}
	movements, err := db.RetryRead(ctx, readAttempts, func(ctx context.Context) ([]Movement, error) {
		return s.repo.ListMovements(ctx, MovementFilter{WarehouseID: filter.WarehouseID, SKUID: filter.SKUID, BatchLot: filter.BatchLot})
	})
	if err != nil {
		return nil, err
	}
	units := make(map[int64]int64)
	for _, b := range batches {
		if _, ok := units[b.SKUID]; ok {
			continue
		}
		sku, err := s.lookup.SKU(ctx, b.SKUID)
		if err != nil {
			return nil, err
		}
		units[b.SKUID] = sku.UnitsPerCarton
	}
	balances, err := ProjectAll(movements, batches, func(id int64) int64 { return units[id] })
	if err != nil {
		if errors.Is(err, shared.ErrDataIntegrity) {
			s.metrics.integrityError()
			s.logger.Error("ledger projection failed", slog.Any("error", err))
		}
		return nil, err
	}
	if !filter.IncludeZero {
		balances = NonZero(balances)
	}
	return balances, nil
}

func (s *Service) observeFailure(input CreateMovementInput, err error) {
	var short *InsufficientInventoryError
	switch {
	case errors.As(err, &short):
		s.metrics.shortfall(input.Type)
		s.logger.Info("movement rejected",
			slog.Int64("warehouse_id", short.WarehouseID),
			slog.Int64("sku_id", short.SKUID),
			slog.Int64("shortfall", short.Shortfall()))
	case errors.Is(err, shared.ErrDataIntegrity):
		s.metrics.integrityError()
		s.logger.Error("ledger integrity violation", slog.String("type", string(input.Type)), slog.Any("error", err))
	case errors.Is(err, shared.ErrConflict):
		s.logger.Warn("movement conflict", slog.String("reference", input.Reference), slog.Any("error", err))
	}
}

type movementRefs struct {
	skus map[int64]masterdata.SKU
}

func (r movementRefs) unitsPerCarton(skuID int64) int64 {
	return r.skus[skuID].UnitsPerCarton
}

func (s *Service) resolveRefs(ctx context.Context, input CreateMovementInput) (movementRefs, error) {
	ids := []int64{input.WarehouseID}
	if input.Type == MovementTransfer {
		ids = append(ids, input.DestinationWarehouseID)
	}
	for _, id := range ids {
		wh, err := s.lookup.Warehouse(ctx, id)
		if err != nil {
			return movementRefs{}, err
		}
		if !wh.Active {
			return movementRefs{}, shared.Validation("ledger.create_movement", "warehouse %s is inactive", wh.Code)
		}
	}
	refs := movementRefs{skus: make(map[int64]masterdata.SKU)}
	for _, item := range input.Items {
		if _, ok := refs.skus[item.SKUID]; ok {
			continue
		}
		sku, err := s.lookup.SKU(ctx, item.SKUID)
		if err != nil {
			return movementRefs{}, err
		}
		refs.skus[item.SKUID] = sku
	}
	return refs, nil
}

func checkItems(op string, input CreateMovementInput) error {
	if input.Type == MovementTransfer {
		if input.DestinationWarehouseID == 0 {
			return shared.Validation(op, "destination warehouse is required for TRANSFER")
		}
		if input.DestinationWarehouseID == input.WarehouseID {
			return shared.Validation(op, "source and destination warehouse must differ")
		}
	} else if input.DestinationWarehouseID != 0 {
		return shared.Validation(op, "destination warehouse is only valid for TRANSFER")
	}
	for i, item := range input.Items {
		if input.Type != MovementShip && item.BatchLot == "" {
			return shared.Validation(op, "items[%d]: batch lot is required for %s", i, input.Type)
		}
		if input.Type != MovementAdjust && item.Cartons <= 0 {
			return shared.Validation(op, "items[%d]: cartons must be positive for %s", i, input.Type)
		}
		if input.Type != MovementReceive && item.ExpiryDate != nil {
			return shared.Validation(op, "items[%d]: expiry date is only accepted on RECEIVE", i)
		}
	}
	return nil
}

func affectedWarehouses(result MovementResult) []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	for _, b := range result.BalancesAffected {
		if _, ok := seen[b.WarehouseID]; ok {
			continue
		}
		seen[b.WarehouseID] = struct{}{}
		out = append(out, b.WarehouseID)
	}
	return out
}

// unitOfWork plans and appends the movements for one request. Every balance
// it touches is read from the ledger under a row lock on the batch.
type unitOfWork struct {
	tx         TxRepository
	refs       movementRefs
	order      AllocationOrder
	occurredAt time.Time
	key        string
	input      CreateMovementInput

	balances    map[BatchKey]*Balance
	reserved    map[[2]int64]map[string]int64
	planned     []Movement
	allocations []AllocationLine
}

func (w *unitOfWork) run(ctx context.Context, hook PostingHook) (MovementResult, error) {
	w.balances = make(map[BatchKey]*Balance)
	w.reserved = make(map[[2]int64]map[string]int64)

	if err := w.lockExplicit(ctx); err != nil {
		return MovementResult{}, err
	}
	for _, item := range w.input.Items {
		var err error
		switch w.input.Type {
		case MovementReceive:
			err = w.receive(ctx, item)
		case MovementShip:
			err = w.ship(ctx, item)
		case MovementAdjust:
			err = w.adjust(ctx, item)
		case MovementTransfer:
			err = w.transfer(ctx, item)
		}
		if err != nil {
			return MovementResult{}, err
		}
	}

	result := MovementResult{Allocations: w.allocations}
	posted := make([]PostedMovement, 0, len(w.planned))
	for _, m := range w.planned {
		id, err := w.tx.InsertMovement(ctx, m)
		if err != nil {
			return MovementResult{}, fmt.Errorf("ledger: append movement: %w", err)
		}
		m.ID = id
		result.MovementIDs = append(result.MovementIDs, id)
		posted = append(posted, PostedMovement{Movement: m, UnitsPerCarton: w.refs.unitsPerCarton(m.SKUID)})
	}
	if hook != nil {
		if err := hook.MovementsPosted(ctx, w.tx, posted); err != nil {
			return MovementResult{}, err
		}
	}

	keys := make([]BatchKey, 0, len(w.balances))
	for k := range w.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		result.BalancesAffected = append(result.BalancesAffected, *w.balances[k])
	}
	return result, nil
}

// lockExplicit takes row locks on every named batch in key order before any
// balance is read, so concurrent requests lock in the same sequence.
func (w *unitOfWork) lockExplicit(ctx context.Context) error {
	var keys []BatchKey
	for _, item := range w.input.Items {
		if item.BatchLot == "" {
			continue
		}
		keys = append(keys, BatchKey{WarehouseID: w.input.WarehouseID, SKUID: item.SKUID, BatchLot: item.BatchLot})
		if w.input.Type == MovementTransfer {
			keys = append(keys, BatchKey{WarehouseID: w.input.DestinationWarehouseID, SKUID: item.SKUID, BatchLot: item.BatchLot})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	for _, k := range keys {
		if _, err := w.load(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// load returns the authoritative balance for key, or nil when the batch does
// not exist yet.
func (w *unitOfWork) load(ctx context.Context, key BatchKey) (*Balance, error) {
	if bal, ok := w.balances[key]; ok {
		return bal, nil
	}
	batch, found, err := w.tx.LockBatch(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return w.fold(ctx, batch)
}

func (w *unitOfWork) fold(ctx context.Context, batch Batch) (*Balance, error) {
	if bal, ok := w.balances[batch.BatchKey]; ok {
		return bal, nil
	}
	movements, err := w.tx.MovementsForKey(ctx, batch.BatchKey)
	if err != nil {
		return nil, err
	}
	bal, err := Project(batch.BatchKey, movements, w.refs.unitsPerCarton(batch.SKUID))
	if err != nil {
		return nil, err
	}
	applyBatch(&bal, batch)
	w.balances[batch.BatchKey] = &bal
	return &bal, nil
}

func (w *unitOfWork) reservedFor(ctx context.Context, warehouseID, skuID int64) (map[string]int64, error) {
	k := [2]int64{warehouseID, skuID}
	if r, ok := w.reserved[k]; ok {
		return r, nil
	}
	r, err := w.tx.ReservedCartons(ctx, warehouseID, skuID)
	if err != nil {
		return nil, err
	}
	w.reserved[k] = r
	return r, nil
}

func (w *unitOfWork) movement(t MovementType, bal *Balance) Movement {
	return Movement{
		Type:            t,
		WarehouseID:     bal.WarehouseID,
		SKUID:           bal.SKUID,
		BatchLot:        bal.BatchLot,
		PalletConfig:    bal.PalletConfig,
		OccurredAt:      w.occurredAt,
		Reference:       w.input.Reference,
		IdempotencyKey:  w.key,
		CreatedBy:       w.input.CreatedBy,
		TransportMode:   w.input.TransportMode,
		ContainerNumber: w.input.ContainerNumber,
	}
}

// apply records m against its in-memory balance.
func (w *unitOfWork) apply(bal *Balance, m Movement) {
	w.planned = append(w.planned, m)
	bal.CurrentCartons += m.Net()
	bal.CurrentUnits = bal.CurrentCartons * w.refs.unitsPerCarton(bal.SKUID)
	bal.CurrentPallets = CeilDiv(bal.CurrentCartons, bal.ShippingCartonsPerPallet)
	if bal.LastMovementAt.Before(m.OccurredAt) {
		bal.LastMovementAt = m.OccurredAt
	}
}

func (w *unitOfWork) receive(ctx context.Context, item MovementItem) error {
	key := BatchKey{WarehouseID: w.input.WarehouseID, SKUID: item.SKUID, BatchLot: item.BatchLot}
	bal, err := w.load(ctx, key)
	if err != nil {
		return err
	}
	cfg := PalletConfig{StorageCartonsPerPallet: item.StorageCartonsPerPallet, ShippingCartonsPerPallet: item.ShippingCartonsPerPallet}
	if bal == nil {
		if cfg.StorageCartonsPerPallet <= 0 || cfg.ShippingCartonsPerPallet <= 0 {
			return shared.Validation("ledger.receive", "batch %s needs storage and shipping cartons per pallet on first receipt", key)
		}
		bal, err = w.createBatch(ctx, Batch{BatchKey: key, PalletConfig: cfg, FirstReceivedAt: w.occurredAt, ExpiryDate: item.ExpiryDate})
		if err != nil {
			return err
		}
	} else if !sameConfig(bal.PalletConfig, cfg) {
		return shared.Validation("ledger.receive", "pallet configuration for batch %s is fixed at %d/%d", key, bal.StorageCartonsPerPallet, bal.ShippingCartonsPerPallet)
	}
	m := w.movement(MovementReceive, bal)
	m.CartonsIn = item.Cartons
	w.apply(bal, m)
	return nil
}

// sameConfig treats omitted values in the request as inherited.
func sameConfig(snapshot, requested PalletConfig) bool {
	if requested.StorageCartonsPerPallet != 0 && requested.StorageCartonsPerPallet != snapshot.StorageCartonsPerPallet {
		return false
	}
	if requested.ShippingCartonsPerPallet != 0 && requested.ShippingCartonsPerPallet != snapshot.ShippingCartonsPerPallet {
		return false
	}
	return true
}

func (w *unitOfWork) createBatch(ctx context.Context, batch Batch) (*Balance, error) {
	if err := w.tx.InsertBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("ledger: create batch %s: %w", batch.BatchKey, err)
	}
	bal := &Balance{
		BatchKey:        batch.BatchKey,
		PalletConfig:    batch.PalletConfig,
		FirstReceivedAt: batch.FirstReceivedAt,
		ExpiryDate:      batch.ExpiryDate,
	}
	w.balances[batch.BatchKey] = bal
	return bal, nil
}

func (w *unitOfWork) existing(ctx context.Context, key BatchKey) (*Balance, error) {
	bal, err := w.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, shared.ExternalLookup("ledger", "batch %s not found", key)
	}
	return bal, nil
}

// withdraw checks that cartons can leave bal without going below the
// unreserved quantity.
func (w *unitOfWork) withdraw(ctx context.Context, bal *Balance, cartons int64) error {
	reserved, err := w.reservedFor(ctx, bal.WarehouseID, bal.SKUID)
	if err != nil {
		return err
	}
	available := max(bal.CurrentCartons-reserved[bal.BatchLot], 0)
	if cartons > available {
		return &InsufficientInventoryError{
			WarehouseID: bal.WarehouseID,
			SKUID:       bal.SKUID,
			Requested:   cartons,
			Available:   available,
			Batches:     []BatchAvailability{{BatchLot: bal.BatchLot, Available: available}},
		}
	}
	return nil
}

func (w *unitOfWork) ship(ctx context.Context, item MovementItem) error {
	if item.BatchLot != "" {
		bal, err := w.existing(ctx, BatchKey{WarehouseID: w.input.WarehouseID, SKUID: item.SKUID, BatchLot: item.BatchLot})
		if err != nil {
			return err
		}
		if err := w.withdraw(ctx, bal, item.Cartons); err != nil {
			return err
		}
		m := w.movement(MovementShip, bal)
		m.CartonsOut = item.Cartons
		w.apply(bal, m)
		w.allocations = append(w.allocations, AllocationLine{BatchLot: bal.BatchLot, Cartons: item.Cartons})
		return nil
	}

	batches, err := w.tx.LockBatches(ctx, w.input.WarehouseID, item.SKUID)
	if err != nil {
		return err
	}
	reserved, err := w.reservedFor(ctx, w.input.WarehouseID, item.SKUID)
	if err != nil {
		return err
	}
	candidates := make([]Candidate, 0, len(batches))
	for _, b := range batches {
		bal, err := w.fold(ctx, b)
		if err != nil {
			return err
		}
		candidates = append(candidates, Candidate{Balance: *bal, Reserved: reserved[b.BatchLot]})
	}
	alloc, err := Allocate(w.order, w.input.WarehouseID, item.SKUID, item.Cartons, candidates)
	if err != nil {
		return err
	}
	for _, line := range alloc.Lines {
		bal := w.balances[BatchKey{WarehouseID: w.input.WarehouseID, SKUID: item.SKUID, BatchLot: line.BatchLot}]
		m := w.movement(MovementShip, bal)
		m.CartonsOut = line.Cartons
		w.apply(bal, m)
	}
	w.allocations = append(w.allocations, alloc.Lines...)
	return nil
}

func (w *unitOfWork) adjust(ctx context.Context, item MovementItem) error {
	bal, err := w.existing(ctx, BatchKey{WarehouseID: w.input.WarehouseID, SKUID: item.SKUID, BatchLot: item.BatchLot})
	if err != nil {
		return err
	}
	m := w.movement(MovementAdjust, bal)
	if item.Cartons > 0 {
		m.CartonsIn = item.Cartons
	} else {
		if err := w.withdraw(ctx, bal, -item.Cartons); err != nil {
			return err
		}
		m.CartonsOut = -item.Cartons
	}
	w.apply(bal, m)
	return nil
}

func (w *unitOfWork) transfer(ctx context.Context, item MovementItem) error {
	src, err := w.existing(ctx, BatchKey{WarehouseID: w.input.WarehouseID, SKUID: item.SKUID, BatchLot: item.BatchLot})
	if err != nil {
		return err
	}
	if err := w.withdraw(ctx, src, item.Cartons); err != nil {
		return err
	}
	dstKey := BatchKey{WarehouseID: w.input.DestinationWarehouseID, SKUID: item.SKUID, BatchLot: item.BatchLot}
	dst, err := w.load(ctx, dstKey)
	if err != nil {
		return err
	}
	if dst == nil {
		dst, err = w.createBatch(ctx, Batch{BatchKey: dstKey, PalletConfig: src.PalletConfig, FirstReceivedAt: src.FirstReceivedAt, ExpiryDate: src.ExpiryDate})
		if err != nil {
			return err
		}
	}
	out := w.movement(MovementTransfer, src)
	out.CartonsOut = item.Cartons
	w.apply(src, out)
	in := w.movement(MovementTransfer, dst)
	in.CartonsIn = item.Cartons
	w.apply(dst, in)
	return nil
}
