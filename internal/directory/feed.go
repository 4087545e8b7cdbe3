package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"estate-chat/internal/models"
	"estate-chat/internal/repositories"
)

// Loader is the part of Service a Feed needs.
type Loader interface {
	Load(ctx context.Context, viewerID string) ([]models.ConversationView, error)
	Refresh(ctx context.Context, viewerID, conversationID string) (models.ConversationView, error)
}

// Sink receives every snapshot a Feed applies, in order.
type Sink func(ctx context.Context, views []models.ConversationView) error

// Feed keeps one viewer's directory current. Every full load takes a generation number and
// only the result of the latest issued generation is applied.
type Feed struct {
	loader   Loader
	viewerID string
	sink     Sink
	logger   *slog.Logger

	issued atomic.Uint64

	mu      sync.Mutex
	applied uint64
	views   []models.ConversationView
}

func NewFeed(loader Loader, viewerID string, sink Sink, logger *slog.Logger) *Feed {
	return &Feed{
		loader:   loader,
		viewerID: viewerID,
		sink:     sink,
		logger:   logger.With("viewer_id", viewerID),
	}
}

// Reload runs a full directory load. A load that is overtaken by a later one is dropped.
// A failed load publishes an empty directory and returns the error.
func (f *Feed) Reload(ctx context.Context) error {
	gen := f.issued.Add(1)
	views, loadErr := f.loader.Load(ctx, f.viewerID)
	if views == nil {
		views = []models.ConversationView{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.issued.Load() || gen <= f.applied {
		f.logger.DebugContext(ctx, "discarding stale directory load", "generation", gen)
		return loadErr
	}
	f.applied = gen
	f.views = views
	if err := f.push(ctx); err != nil {
		return err
	}
	return loadErr
}

// Run loads the directory and then applies change events until ctx ends or events closes.
func (f *Feed) Run(ctx context.Context, events <-chan models.ChangeEvent) error {
	if err := f.Reload(ctx); err != nil {
		f.logger.WarnContext(ctx, "initial directory load failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := f.Apply(ctx, ev); err != nil {
				f.logger.WarnContext(ctx, "directory update failed", "op", ev.Op, "conversation_id", ev.ConversationID, "error", err)
			}
		}
	}
}

// Apply patches the directory for a single change event.
func (f *Feed) Apply(ctx context.Context, ev models.ChangeEvent) error {
	if !ev.Concerns(f.viewerID) {
		return nil
	}
	if ev.Op == models.ChangeResync || f.reloading() {
		return f.Reload(ctx)
	}

	switch ev.Op {
	case models.ChangeDelete:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.remove(ev.ConversationID) {
			return f.push(ctx)
		}
		return nil
	case models.ChangeInsert, models.ChangeUpdate:
		if !f.has(ev.ConversationID) {
			return f.Reload(ctx)
		}
		gen := f.issued.Load()
		view, err := f.loader.Refresh(ctx, f.viewerID, ev.ConversationID)

		f.mu.Lock()
		defer f.mu.Unlock()
		if gen != f.issued.Load() {
			// a full load started meanwhile and will include this change
			return nil
		}
		switch {
		case errors.Is(err, repositories.ErrConversationNotFound):
			if f.remove(ev.ConversationID) {
				return f.push(ctx)
			}
			return nil
		case err != nil:
			return err
		}
		f.replace(view)
		return f.push(ctx)
	}
	return nil
}

// Republish sends the current directory to the sink again.
func (f *Feed) Republish(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.push(ctx)
}

// Snapshot returns a copy of the current directory.
func (f *Feed) Snapshot() []models.ConversationView {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.ConversationView, len(f.views))
	copy(out, f.views)
	return out
}

func (f *Feed) reloading() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued.Load() != f.applied
}

func (f *Feed) has(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := Select(f.views, conversationID)
	return ok
}

// caller holds f.mu
func (f *Feed) remove(conversationID string) bool {
	for i, v := range f.views {
		if v.ID == conversationID {
			f.views = append(f.views[:i:i], f.views[i+1:]...)
			return true
		}
	}
	return false
}

// caller holds f.mu
func (f *Feed) replace(view models.ConversationView) {
	next := make([]models.ConversationView, 0, len(f.views))
	for _, v := range f.views {
		if v.ID != view.ID {
			next = append(next, v)
		}
	}
	next = append(next, view)
	SortByActivity(next)
	f.views = next
}

// caller holds f.mu
func (f *Feed) push(ctx context.Context) error {
	if f.sink == nil {
		return nil
	}
	out := make([]models.ConversationView, len(f.views))
	copy(out, f.views)
	return f.sink(ctx, out)
}
