package feed

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"campaign-vtt/combat"
	"campaign-vtt/game"
	"campaign-vtt/store"
)

// Watcher keeps one (campaign, map) view in sync with the store: it owns the
// spatial state and the combat state for that view and feeds both from the
// changefeed. On subscribe (and on every re-subscribe after a dropped feed)
// it re-fetches full state first, so a change landing between fetch and
// subscribe is healed by the idempotent re-apply that follows.
type Watcher struct {
	store      store.Store
	campaignID string
	mapID      string

	mu      sync.Mutex
	spatial *game.State
	combats CombatState

	// OnEvent, when set, observes every applied change event. The session
	// layer uses it to rebroadcast committed rows to connected clients.
	OnEvent func(store.Event)
}

func NewWatcher(st store.Store, campaignID, mapID string) *Watcher {
	return &Watcher{
		store:      st,
		campaignID: campaignID,
		mapID:      mapID,
		spatial:    game.NewState(),
	}
}

// Snapshot returns a render-safe copy of the spatial state.
func (w *Watcher) Snapshot() game.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spatial.Snapshot()
}

// Combat returns a copy of the current combat view.
func (w *Watcher) Combat() CombatState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.combats.Clone()
}

// ApplyLocal runs a mutation against the spatial state immediately, before
// any network round-trip. This is the optimistic half of a write; the echo
// arriving later through the feed no-ops when values already match.
func (w *Watcher) ApplyLocal(fn func(*game.State)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.spatial)
}

// Run bootstraps and then consumes the changefeed until ctx is done,
// re-subscribing (with a fresh bootstrap) whenever the feed drops.
func (w *Watcher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := w.Bootstrap(ctx); err != nil {
			log.Printf("warning: view bootstrap failed: %v", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		ch, cancel, err := w.store.Subscribe(ctx, w.campaignID)
		if err != nil {
			log.Printf("warning: changefeed subscribe failed: %v", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		w.consume(ctx, ch)
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Bootstrap fetches the full view state: map, tokens, fog, then the active
// encounter and, if one exists, its roster in one shot.
func (w *Watcher) Bootstrap(ctx context.Context) error {
	spatial := game.NewState()

	if w.mapID != "" {
		m, err := w.store.GetMap(ctx, w.mapID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		spatial.SetMap(m)

		tokens, err := w.store.ListTokens(ctx, w.mapID)
		if err != nil {
			return err
		}
		spatial.SetTokens(tokens)

		fogDoc, err := w.store.GetFog(ctx, w.mapID)
		if err != nil {
			return err
		}
		spatial.SetFog(fogDoc)
	}

	var cs CombatState
	enc, err := w.store.ActiveEncounter(ctx, w.campaignID, w.mapID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		cs.Encounter = &enc
		roster, err := w.store.ListParticipants(ctx, enc.ID)
		if err != nil {
			return err
		}
		cs.Participants = roster
	}

	w.mu.Lock()
	spatial.SetStageTransform(w.spatial.Stage)
	w.spatial = spatial
	w.combats = cs
	w.mu.Unlock()
	return nil
}

func (w *Watcher) consume(ctx context.Context, ch <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			w.apply(ctx, ev)
		}
	}
}

// apply routes one event: spatial tables go straight into the state store
// (idempotent by value), combat tables go through the reconciler, and any
// requested roster re-fetch happens here, outside the pure function.
func (w *Watcher) apply(ctx context.Context, ev store.Event) {
	w.mu.Lock()
	switch ev.Table {
	case store.TableMaps:
		if m, ok := ev.Row.(game.Map); ok && m.ID == w.mapID {
			if ev.Op == store.OpDelete {
				w.spatial.SetMap(game.Map{})
				w.spatial.SetTokens(nil)
				w.spatial.SetFog(game.FogDocument{})
			} else {
				w.spatial.SetMap(m)
			}
		}
	case store.TableTokens:
		if t, ok := ev.Row.(game.Token); ok && (w.mapID == "" || t.MapID == w.mapID) {
			if ev.Op == store.OpDelete {
				w.spatial.RemoveToken(t.ID)
			} else {
				w.spatial.UpsertToken(t)
			}
		}
	case store.TableFog:
		if doc, ok := ev.Row.(game.FogDocument); ok && (w.mapID == "" || doc.MapID == w.mapID) {
			w.spatial.SetFog(doc)
		}
	default:
		next, action := Reconcile(w.combats, ev, w.mapID)
		w.combats = next
		if action == ActionRefetchRoster && next.Encounter != nil {
			encID := next.Encounter.ID
			w.mu.Unlock()
			w.refetchRoster(ctx, encID)
			w.notifyEvent(ev)
			return
		}
	}
	w.mu.Unlock()
	w.notifyEvent(ev)
}

func (w *Watcher) refetchRoster(ctx context.Context, encounterID string) {
	roster, err := w.store.ListParticipants(ctx, encounterID)
	if err != nil {
		log.Printf("warning: roster re-fetch failed: %v", err)
		return
	}
	w.mu.Lock()
	if w.combats.Encounter != nil && w.combats.Encounter.ID == encounterID {
		w.combats.Participants = roster
	}
	w.mu.Unlock()
}

func (w *Watcher) notifyEvent(ev store.Event) {
	if w.OnEvent != nil {
		w.OnEvent(ev)
	}
}

// RosterFor is a convenience for display layers: the roster sorted by turn
// order.
func RosterFor(cs CombatState) []combat.Participant {
	roster := make([]combat.Participant, len(cs.Participants))
	copy(roster, cs.Participants)
	combat.SortRoster(roster)
	return roster
}
