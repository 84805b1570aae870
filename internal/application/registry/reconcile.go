package registry

// reconcile.go: sincroniza el mapa local con las posiciones del ledger.
//
// Each ledger position maps to exactly one local record: first by ledger id,
// then by core identifiers, and only then by a deterministic id. Running the
// same reconciliation twice never creates a second record.

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alejandrodnm/lpkeeper/internal/domain"
	"github.com/alejandrodnm/lpkeeper/internal/ports"
	"github.com/alejandrodnm/lpkeeper/internal/retry"
	"github.com/google/uuid"
)

type priceKey struct {
	token0 string
	token1 string
	fee    domain.FeeTier
}

// Reconcile refreshes local positions from the ledger and returns snapshots
// of every position the ledger reported.
//
// Positions the ledger no longer reports are closed locally, but only after a
// complete fetch and only if they existed before this call started.
func (r *Registry) Reconcile(ctx context.Context) ([]domain.Position, error) {
	start := r.now()

	remote, complete, err := r.fetchLedgerPositions(ctx)
	if err != nil {
		return nil, err
	}

	// In-flight adds finish storing their record before matching starts.
	r.syncMu.Lock()
	defer r.syncMu.Unlock()

	byLedger, byKey := r.indexes()
	prices := make(map[priceKey]float64)
	claimed := make(map[string]bool, len(remote))
	var created, updated, collisions int

	for _, lp := range remote {
		if lp.Liquidity.Sign() <= 0 {
			continue
		}
		if err := domain.ValidateTicks(lp.TickLower, lp.TickUpper); err != nil {
			r.log.Error("registry: skipping corrupt ledger position", "ledger_id", lp.ID, "err", err)
			continue
		}

		price, havePrice := r.cachedPrice(ctx, prices, lp.Token0, lp.Token1, lp.Fee)

		if id, ok := r.match(lp, byLedger, byKey, claimed); ok {
			if r.refresh(ctx, id, lp, price, havePrice) {
				claimed[id] = true
				updated++
				continue
			}
		}

		id, collided := r.insert(ctx, lp, price, havePrice)
		claimed[id] = true
		created++
		if collided {
			collisions++
		}
	}

	closed := 0
	if complete {
		closed = r.closeMissing(ctx, claimed, start)
	}

	r.log.Info("registry: reconciled",
		"ledger", len(remote),
		"created", created,
		"updated", updated,
		"closed", closed,
		"collisions", collisions,
		"complete", complete,
		"duration", r.now().Sub(start).Round(time.Millisecond),
	)

	out := make([]domain.Position, 0, len(claimed))
	for id := range claimed {
		if p, ok := r.GetPosition(id); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fetchLedgerPositions pages through the owner's positions. complete is false
// when MaxPages was reached before the ledger ran out of results.
func (r *Registry) fetchLedgerPositions(ctx context.Context) ([]ports.LedgerPosition, bool, error) {
	var all []ports.LedgerPosition
	for page := 1; page <= r.cfg.MaxPages; page++ {
		batch, err := retry.Do(ctx, r.cfg.Retry, func(ctx context.Context) ([]ports.LedgerPosition, error) {
			return r.ledger.GetUserPositions(ctx, r.cfg.Owner, page, r.cfg.PageSize)
		})
		if err != nil {
			return nil, false, &domain.LedgerError{Op: "get_user_positions", Err: fmt.Errorf("page %d: %w", page, err)}
		}
		all = append(all, batch...)
		if len(batch) < r.cfg.PageSize {
			return all, true, nil
		}
	}
	r.log.Warn("registry: position listing truncated", "max_pages", r.cfg.MaxPages, "page_size", r.cfg.PageSize)
	return all, false, nil
}

// indexes snapshots the lookup tables used to match ledger positions.
func (r *Registry) indexes() (map[string]string, map[domain.PositionKey][]string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byLedger := make(map[string]string, len(r.positions))
	byKey := make(map[domain.PositionKey][]string, len(r.positions))
	for id, p := range r.positions {
		if p.LedgerID != "" {
			byLedger[p.LedgerID] = id
		}
		byKey[canonicalKey(p.Key())] = append(byKey[canonicalKey(p.Key())], id)
	}
	for k := range byKey {
		sort.Strings(byKey[k])
	}
	return byLedger, byKey
}

// match finds the local record for lp. A record matched by core identifiers
// must belong to the same owner and must not carry a different ledger id.
func (r *Registry) match(lp ports.LedgerPosition, byLedger map[string]string, byKey map[domain.PositionKey][]string, claimed map[string]bool) (string, bool) {
	if lp.ID != "" {
		if id, ok := byLedger[lp.ID]; ok && !claimed[id] {
			return id, true
		}
	}

	key := canonicalKey(ledgerKey(lp))
	owner := domain.OwnerFragment(r.ownerOf(lp))
	for _, id := range byKey[key] {
		if claimed[id] {
			continue
		}
		p, ok := r.GetPosition(id)
		if !ok || domain.OwnerFragment(p.Owner) != owner {
			continue
		}
		if p.LedgerID != "" && lp.ID != "" && p.LedgerID != lp.ID {
			continue
		}
		return id, true
	}
	return "", false
}

// refresh copies the ledger state into an existing record. It returns false
// if the record disappeared in the meantime.
func (r *Registry) refresh(ctx context.Context, id string, lp ports.LedgerPosition, price float64, havePrice bool) bool {
	unlock := r.locks.Lock(id)
	defer unlock()

	now := r.now()
	r.mu.Lock()
	p, ok := r.positions[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if p.LedgerID == "" {
		p.LedgerID = lp.ID
	}
	p.Liquidity = lp.Liquidity
	p.UncollectedFees0 = lp.TokensOwed0
	p.UncollectedFees1 = lp.TokensOwed1
	inRange := p.InRange
	if havePrice {
		inRange = p.PriceInRange(price)
		if a0, a1, err := domain.AmountsForPosition(lp.Liquidity, price, p.TickLower, p.TickUpper); err == nil {
			p.Amount0, p.Amount1 = a0, a1
		}
	}
	p.Track(now, inRange)
	snapshot := *p
	r.mu.Unlock()

	r.update(ctx, id, ports.PatchFrom(snapshot))
	return true
}

// insert creates a local record for a ledger position no local record
// matched. It returns the id used and whether a collision was mitigated.
func (r *Registry) insert(ctx context.Context, lp ports.LedgerPosition, price float64, havePrice bool) (string, bool) {
	owner := r.ownerOf(lp)
	key := ledgerKey(lp)
	candidate := lp.ID
	if candidate == "" {
		candidate = r.deriveID(key, owner)
	}

	now := r.now()
	pos := domain.Position{
		LedgerID:         lp.ID,
		Owner:            owner,
		Token0:           lp.Token0,
		Token1:           lp.Token1,
		Fee:              lp.Fee,
		TickLower:        lp.TickLower,
		TickUpper:        lp.TickUpper,
		MinPrice:         domain.TickToPrice(lp.TickLower),
		MaxPrice:         domain.TickToPrice(lp.TickUpper),
		Liquidity:        lp.Liquidity,
		UncollectedFees0: lp.TokensOwed0,
		UncollectedFees1: lp.TokensOwed1,
		CreatedAt:        now,
		LastUpdate:       now,
	}
	if havePrice {
		pos.InRange = pos.PriceInRange(price)
		if a0, a1, err := domain.AmountsForPosition(lp.Liquidity, price, lp.TickLower, lp.TickUpper); err == nil {
			pos.Amount0, pos.Amount1 = a0, a1
		}
	}

	r.mu.Lock()
	if lp.ID != "" {
		for existingID, p := range r.positions {
			if p.LedgerID == lp.ID {
				r.mu.Unlock()
				r.log.Debug("registry: ledger position already tracked", "id", existingID, "ledger_id", lp.ID)
				r.refresh(ctx, existingID, lp, price, havePrice)
				return existingID, false
			}
		}
	}
	id := candidate
	var collision *domain.CollisionError
	if existing, taken := r.positions[candidate]; taken {
		id = collisionSafeID(candidate, now)
		for r.positions[id] != nil {
			id = collisionSafeID(candidate, now)
		}
		collision = &domain.CollisionError{ID: candidate, SafeID: id, Existing: existing.Key(), Incoming: key}
	}
	pos.ID = id
	r.positions[id] = &pos
	r.mu.Unlock()

	if collision != nil {
		// Nunca se sobrescribe: ambos registros quedan guardados.
		r.log.Error("registry: reconciliation id collision",
			"id", collision.ID,
			"safe_id", collision.SafeID,
			"existing", collision.Existing.String(),
			"incoming", collision.Incoming.String(),
			"err", collision,
		)
	}

	r.save(ctx, pos)
	r.log.Debug("registry: position discovered on ledger", "id", id, "ledger_id", lp.ID, "key", key.String())
	return id, collision != nil
}

// closeMissing drops local positions the ledger no longer reports. Records
// created after since are kept: they may not be visible on the ledger yet.
func (r *Registry) closeMissing(ctx context.Context, seen map[string]bool, since time.Time) int {
	var stale []string
	r.mu.RLock()
	for id, p := range r.positions {
		if !seen[id] && p.CreatedAt.Before(since) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	closed := 0
	for _, id := range stale {
		unlock := r.locks.Lock(id)
		r.mu.Lock()
		_, ok := r.positions[id]
		delete(r.positions, id)
		r.mu.Unlock()
		unlock()
		if !ok {
			continue
		}

		now := r.now()
		r.update(ctx, id, ports.PositionPatch{ClosedAt: &now, LastUpdate: now})
		r.log.Info("registry: position no longer on ledger, closed", "id", id)
		closed++
	}
	return closed
}

// cachedPrice fetches each pool price once per reconciliation.
func (r *Registry) cachedPrice(ctx context.Context, cache map[priceKey]float64, token0, token1 string, fee domain.FeeTier) (float64, bool) {
	k := priceKey{token0: domain.NormalizeToken(token0), token1: domain.NormalizeToken(token1), fee: fee}
	if p, ok := cache[k]; ok {
		return p, p > 0
	}
	price, err := r.CurrentPrice(ctx, token0, token1, fee)
	if err != nil {
		r.log.Warn("registry: pool price unavailable", "pair", token0+"/"+token1, "fee", fee, "err", err)
		cache[k] = 0
		return 0, false
	}
	cache[k] = price
	return price, true
}

func (r *Registry) ownerOf(lp ports.LedgerPosition) string {
	if lp.Owner != "" {
		return lp.Owner
	}
	return r.cfg.Owner
}

// Run reconciles on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	r.log.Info("registry: reconciliation loop starting", "interval", interval)

	if _, err := r.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error("registry: reconcile failed", "err", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("registry: reconciliation loop stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("registry: reconcile failed", "err", err)
			}
		}
	}
}

func ledgerKey(lp ports.LedgerPosition) domain.PositionKey {
	return domain.PositionKey{
		Token0:    lp.Token0,
		Token1:    lp.Token1,
		Fee:       lp.Fee,
		TickLower: lp.TickLower,
		TickUpper: lp.TickUpper,
	}
}

func canonicalKey(k domain.PositionKey) domain.PositionKey {
	k.Token0 = domain.NormalizeToken(k.Token0)
	k.Token1 = domain.NormalizeToken(k.Token1)
	return k
}

// collisionSafeID appends a timestamp and a random suffix to id.
func collisionSafeID(id string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s_%x_%s", id, now.UnixMilli(), suffix)
}
