package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"IRIS-lending/internal/asset_mgmt/lendstore"
	"IRIS-lending/internal/platform/apierr"
	"IRIS-lending/internal/platform/clock"
	"IRIS-lending/internal/platform/idgen"
)

// Catalog owns item records and is the only writer of available_quantity.
type Catalog struct {
	store  lendstore.Store
	log    *zap.Logger
	clock  clock.Clock
	id     idgen.IDGen
	tracer trace.Tracer
}

type Option func(*Catalog)

func WithClock(c clock.Clock) Option { return func(s *Catalog) { s.clock = c } }
func WithIDGen(g idgen.IDGen) Option { return func(s *Catalog) { s.id = g } }

func NewCatalog(store lendstore.Store, log *zap.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		store:  store,
		log:    log,
		clock:  clock.Real{},
		id:     idgen.NewULID(),
		tracer: otel.Tracer("IRIS-lending/inventory"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ===== reservation =====

// Reserve takes quantity units of an item inside the caller's unit of work.
// The item row stays locked until tx ends.
func (c *Catalog) Reserve(ctx context.Context, tx lendstore.Tx, itemID string, quantity int) error {
	ctx, span := c.tracer.Start(ctx, "inventory.reserve", trace.WithAttributes(
		attribute.String("item.id", itemID),
		attribute.Int("quantity", quantity),
	))
	defer span.End()

	if quantity <= 0 {
		return apierr.ErrInvalid("quantity must be > 0")
	}
	it, err := c.lock(ctx, tx, itemID)
	if err != nil {
		return traceErr(span, err)
	}
	if it.Status != lendstore.ItemActive {
		return traceErr(span, apierr.ErrInvalidState(fmt.Sprintf("item %s is %s and cannot be borrowed", itemID, it.Status)))
	}
	if it.AvailableQuantity < quantity {
		return traceErr(span, &InsufficientAvailabilityError{ItemID: itemID, Requested: quantity, Available: it.AvailableQuantity})
	}

	it.AvailableQuantity -= quantity
	it.UpdatedAt = c.clock.Now()
	if err := tx.UpdateItem(ctx, it); err != nil {
		return traceErr(span, fmt.Errorf("reserve %s: %w", itemID, err))
	}
	span.SetAttributes(attribute.Int("available.after", it.AvailableQuantity))
	return nil
}

// Release gives quantity units back. A release that would push available
// past total is refused and logged; the quantity is never clamped.
func (c *Catalog) Release(ctx context.Context, tx lendstore.Tx, itemID string, quantity int) error {
	ctx, span := c.tracer.Start(ctx, "inventory.release", trace.WithAttributes(
		attribute.String("item.id", itemID),
		attribute.Int("quantity", quantity),
	))
	defer span.End()

	if quantity <= 0 {
		return apierr.ErrInvalid("quantity must be > 0")
	}
	it, err := c.lock(ctx, tx, itemID)
	if err != nil {
		return traceErr(span, err)
	}
	if it.AvailableQuantity < 0 || it.AvailableQuantity+quantity > it.TotalQuantity {
		cerr := &ConsistencyError{ItemID: itemID, Total: it.TotalQuantity, Available: it.AvailableQuantity, Delta: quantity}
		c.log.Error("inventory consistency violation",
			zap.String("item_id", itemID),
			zap.Int("total", it.TotalQuantity),
			zap.Int("available", it.AvailableQuantity),
			zap.Int("release", quantity),
		)
		return traceErr(span, cerr)
	}

	it.AvailableQuantity += quantity
	it.UpdatedAt = c.clock.Now()
	if err := tx.UpdateItem(ctx, it); err != nil {
		return traceErr(span, fmt.Errorf("release %s: %w", itemID, err))
	}
	span.SetAttributes(attribute.Int("available.after", it.AvailableQuantity))
	return nil
}

// Status is a lock-free snapshot of an item's counters.
func (c *Catalog) Status(ctx context.Context, itemID string) (*StatusResponse, error) {
	it, err := c.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, notFound(err, itemID)
	}
	return &StatusResponse{ItemID: it.ItemID, Total: it.TotalQuantity, Available: it.AvailableQuantity, Status: string(it.Status)}, nil
}

// ===== administration =====

func (c *Catalog) CreateItem(ctx context.Context, req CreateItemRequest) (*ItemResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apierr.ErrInvalid("name is required")
	}
	if lendstore.TooLong(name, lendstore.MaxTextLen) {
		return nil, errNameTooLong()
	}
	if lendstore.TooLong(strings.TrimSpace(req.ItemID), lendstore.MaxRefLen) {
		return nil, apierr.ErrInvalid(fmt.Sprintf("item_id must be at most %d characters", lendstore.MaxRefLen))
	}
	if req.TotalQuantity < 0 {
		return nil, apierr.ErrInvalid("total_quantity must be >= 0")
	}
	status := lendstore.ItemActive
	if req.Status != "" {
		status = lendstore.ItemStatus(req.Status)
		if !status.Valid() {
			return nil, apierr.ErrInvalid("status must be one of active, maintenance, lost")
		}
	}

	now := c.clock.Now()
	itemID := strings.TrimSpace(req.ItemID)
	if itemID == "" {
		itemID = c.id.NewULID(now)
	}
	it := &lendstore.Item{
		ItemID:            itemID,
		Name:              name,
		TotalQuantity:     req.TotalQuantity,
		AvailableQuantity: req.TotalQuantity,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err := c.store.WithTx(ctx, func(ctx context.Context, tx lendstore.Tx) error {
		return tx.InsertItem(ctx, it)
	})
	if errors.Is(err, lendstore.ErrDuplicate) {
		return nil, apierr.ErrConflict(fmt.Sprintf("item %s already exists", itemID))
	}
	if err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}

	c.log.Info("item created", zap.String("item_id", itemID), zap.Int("total", it.TotalQuantity))
	resp := toItemResponse(it)
	return &resp, nil
}

// UpdateItem renames, restocks or changes the status of an item.
// Restocking moves available by the same delta as total and may not drop
// total below what is currently lent out.
func (c *Catalog) UpdateItem(ctx context.Context, itemID string, req UpdateItemRequest) (*ItemResponse, error) {
	if req.Name == nil && req.TotalQuantity == nil && req.Status == nil {
		return nil, apierr.ErrInvalid("nothing to update")
	}
	var out *lendstore.Item
	err := c.store.WithTx(ctx, func(ctx context.Context, tx lendstore.Tx) error {
		it, err := c.lock(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return apierr.ErrInvalid("name must not be empty")
			}
			if lendstore.TooLong(name, lendstore.MaxTextLen) {
				return errNameTooLong()
			}
			it.Name = name
		}
		if req.TotalQuantity != nil {
			total := *req.TotalQuantity
			reserved := it.Reserved()
			if total < 0 {
				return apierr.ErrInvalid("total_quantity must be >= 0")
			}
			if total < reserved {
				return apierr.ErrConflict(fmt.Sprintf("total_quantity %d is below the %d units currently lent out", total, reserved)).
					WithDetail("reserved", reserved)
			}
			it.TotalQuantity = total
			it.AvailableQuantity = total - reserved
		}
		if req.Status != nil {
			st := lendstore.ItemStatus(*req.Status)
			if !st.Valid() {
				return apierr.ErrInvalid("status must be one of active, maintenance, lost")
			}
			it.Status = st
		}
		it.UpdatedAt = c.clock.Now()
		if err := tx.UpdateItem(ctx, it); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		out = it
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("item updated",
		zap.String("item_id", itemID),
		zap.Int("total", out.TotalQuantity),
		zap.Int("available", out.AvailableQuantity),
		zap.String("status", string(out.Status)),
	)
	resp := toItemResponse(out)
	return &resp, nil
}

func (c *Catalog) GetItem(ctx context.Context, itemID string) (*ItemResponse, error) {
	it, err := c.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, notFound(err, itemID)
	}
	resp := toItemResponse(it)
	return &resp, nil
}

func (c *Catalog) ListItems(ctx context.Context, f lendstore.ItemFilter, p lendstore.Page) (*ListItemsResponse, error) {
	p = p.Normalize()
	items, total, err := c.store.ListItems(ctx, f, p)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	out := &ListItemsResponse{Items: make([]ItemResponse, 0, len(items)), Total: total}
	for i := range items {
		out.Items = append(out.Items, toItemResponse(&items[i]))
	}
	if next := p.Offset + len(items); int64(next) < total {
		out.NextOffset = &next
	}
	return out, nil
}

// ---------- helpers ----------

func (c *Catalog) lock(ctx context.Context, tx lendstore.Tx, itemID string) (*lendstore.Item, error) {
	it, err := tx.LockItem(ctx, itemID)
	if err != nil {
		return nil, notFound(err, itemID)
	}
	return it, nil
}

func notFound(err error, itemID string) error {
	if errors.Is(err, lendstore.ErrNotFound) {
		return apierr.ErrNotFound(fmt.Sprintf("item %s not found", itemID))
	}
	return err
}

func traceErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
