package client

import (
	"context"
	"fmt"
	"log/slog"

	"cardscan/internal/logging"
)

// Mutation is one optimistic change: Forward runs on the view at once, Remote
// performs it on the server, Inverse undoes Forward if Remote fails.
type Mutation struct {
	Name    string
	Forward func(*View)
	Inverse func(*View)
	Remote  func(ctx context.Context) error
}

// Remote is the server API the store talks to; *API implements it.
type Remote interface {
	ListScans(ctx context.Context, status string) ([]Scan, error)
	DeleteScan(ctx context.Context, id string) error
	Approve(ctx context.Context, id string, version int64) (Scan, error)
	Retry(ctx context.Context, id string) (string, error)
}

type Store struct {
	view   *View
	remote Remote
}

func NewStore(remote Remote) *Store {
	return &Store{view: NewView(), remote: remote}
}

func (s *Store) View() *View { return s.view }

// Apply runs m and returns the remote error, after the view was rolled back.
func (s *Store) Apply(ctx context.Context, m Mutation) error {
	if m.Forward != nil {
		m.Forward(s.view)
	}
	if err := m.Remote(ctx); err != nil {
		if m.Inverse != nil {
			m.Inverse(s.view)
		}
		logging.FromContext(ctx).Warn("mutation rolled back", slog.String("mutation", m.Name), slog.Any("error", err))
		return fmt.Errorf("%s: %w", m.Name, err)
	}
	return nil
}

func (s *Store) Refresh(ctx context.Context) error {
	scans, err := s.remote.ListScans(ctx, "")
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	s.view.Sync(scans)
	return nil
}

// snapshotMutation builds a mutation whose inverse restores the scan as it
// was before edit ran.
func (s *Store) snapshotMutation(name, id string, edit func(*View), remote func(ctx context.Context) error) Mutation {
	snapshot, had := s.view.Get(id)
	return Mutation{
		Name:    name,
		Forward: edit,
		Inverse: func(v *View) {
			if had {
				v.Restore(snapshot)
			}
		},
		Remote: remote,
	}
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.Apply(ctx, s.snapshotMutation("delete scan", id,
		func(v *View) { v.Remove(id) },
		func(ctx context.Context) error { return s.remote.DeleteScan(ctx, id) },
	))
}

func (s *Store) Approve(ctx context.Context, id string) error {
	snapshot, ok := s.view.Get(id)
	if !ok {
		return fmt.Errorf("approve scan %s: not loaded", id)
	}
	return s.Apply(ctx, s.snapshotMutation("approve scan", id,
		func(v *View) { v.Update(id, func(sc *Scan) { sc.Status = "approved" }) },
		func(ctx context.Context) error {
			updated, err := s.remote.Approve(ctx, id, snapshot.Version)
			if err != nil {
				return err
			}
			s.view.Merge(updated)
			return nil
		},
	))
}

func (s *Store) Retry(ctx context.Context, id string) error {
	return s.Apply(ctx, s.snapshotMutation("retry scan", id,
		func(v *View) {
			v.Update(id, func(sc *Scan) {
				sc.Status = "queued"
				sc.ErrorMessage = ""
			})
		},
		func(ctx context.Context) error {
			_, err := s.remote.Retry(ctx, id)
			return err
		},
	))
}
