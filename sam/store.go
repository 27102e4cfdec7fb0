package sam

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/docflow/storage"
)

// Store persists solicitations and notices. Both are keyed by their natural
// key within a tenant, so repeated pulls upsert in place.
type Store interface {
	UpsertSolicitation(ctx context.Context, s *Solicitation) (created bool, err error)
	GetSolicitation(ctx context.Context, org, number string) (*Solicitation, error)
	ListSolicitations(ctx context.Context, org string) ([]*Solicitation, error)
	MutateSolicitation(ctx context.Context, org, number string, fn func(*Solicitation) error) (*Solicitation, error)

	UpsertNotice(ctx context.Context, n *Notice) (created bool, err error)
	GetNotice(ctx context.Context, org, noticeID string) (*Notice, error)
	ListNotices(ctx context.Context, org string) ([]*Notice, error)
}

const casAttempts = 10

type kvStore struct {
	solicitations *storage.KV
	notices       *storage.KV
}

// NewStore opens the solicitation and notice buckets.
func NewStore(ctx context.Context, js jetstream.JetStream) (Store, error) {
	solicitations, err := storage.OpenKV(ctx, js, storage.BucketSolicitations)
	if err != nil {
		return nil, err
	}
	notices, err := storage.OpenKV(ctx, js, storage.BucketNotices)
	if err != nil {
		return nil, err
	}
	return &kvStore{solicitations: solicitations, notices: notices}, nil
}

func solicitationKey(org, number string) string { return storage.IndexKey(org, number) }
func noticeKey(org, noticeID string) string     { return storage.IndexKey(org, noticeID) }

// UpsertSolicitation inserts the record, or merges it onto the existing one
// keyed (organization, solicitation number). The stored summary survives
// updates from the feed.
func (s *kvStore) UpsertSolicitation(ctx context.Context, sol *Solicitation) (bool, error) {
	key := solicitationKey(sol.OrganizationID, sol.SolicitationNumber)
	now := time.Now().UTC()
	for attempt := 0; attempt < casAttempts; attempt++ {
		var existing Solicitation
		rev, err := s.solicitations.Get(ctx, key, &existing)
		if errors.Is(err, storage.ErrNotFound) {
			sol.ID = uuid.New().String()
			sol.CreatedAt = now
			sol.UpdatedAt = now
			err = s.solicitations.Create(ctx, key, sol)
			if errors.Is(err, storage.ErrAlreadyExists) {
				continue
			}
			return err == nil, err
		}
		if err != nil {
			return false, err
		}
		merged := mergeSolicitation(&existing, sol)
		merged.UpdatedAt = now
		err = s.solicitations.Update(ctx, key, merged, rev)
		if err == nil {
			*sol = *merged
			return false, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return false, err
		}
	}
	return false, fmt.Errorf("upsert solicitation %s: %w", sol.SolicitationNumber, storage.ErrRevisionConflict)
}

func mergeSolicitation(existing, incoming *Solicitation) *Solicitation {
	merged := *existing
	merged.Title = incoming.Title
	merged.Agency = incoming.Agency
	merged.NoticeType = incoming.NoticeType
	merged.PostedDate = incoming.PostedDate
	merged.ResponseDeadline = incoming.ResponseDeadline
	merged.SAMURL = incoming.SAMURL
	merged.Active = incoming.Active
	if incoming.Description != "" {
		merged.Description = incoming.Description
	}
	return &merged
}

func (s *kvStore) GetSolicitation(ctx context.Context, org, number string) (*Solicitation, error) {
	var sol Solicitation
	if _, err := s.solicitations.Get(ctx, solicitationKey(org, number), &sol); err != nil {
		return nil, err
	}
	return &sol, nil
}

func (s *kvStore) ListSolicitations(ctx context.Context, org string) ([]*Solicitation, error) {
	keys, err := s.solicitations.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Solicitation
	for _, key := range keys {
		var sol Solicitation
		if _, err := s.solicitations.Get(ctx, key, &sol); err != nil {
			continue
		}
		if org != "" && sol.OrganizationID != org {
			continue
		}
		out = append(out, &sol)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *kvStore) MutateSolicitation(ctx context.Context, org, number string, fn func(*Solicitation) error) (*Solicitation, error) {
	key := solicitationKey(org, number)
	for attempt := 0; attempt < casAttempts; attempt++ {
		var sol Solicitation
		rev, err := s.solicitations.Get(ctx, key, &sol)
		if err != nil {
			return nil, err
		}
		if err := fn(&sol); err != nil {
			return nil, err
		}
		sol.UpdatedAt = time.Now().UTC()
		err = s.solicitations.Update(ctx, key, &sol, rev)
		if err == nil {
			return &sol, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("mutate solicitation %s: %w", number, storage.ErrRevisionConflict)
}

// UpsertNotice inserts or replaces the record keyed (organization, notice id).
func (s *kvStore) UpsertNotice(ctx context.Context, n *Notice) (bool, error) {
	key := noticeKey(n.OrganizationID, n.NoticeID)
	now := time.Now().UTC()
	for attempt := 0; attempt < casAttempts; attempt++ {
		var existing Notice
		rev, err := s.notices.Get(ctx, key, &existing)
		if errors.Is(err, storage.ErrNotFound) {
			n.ID = uuid.New().String()
			n.CreatedAt = now
			n.UpdatedAt = now
			err = s.notices.Create(ctx, key, n)
			if errors.Is(err, storage.ErrAlreadyExists) {
				continue
			}
			return err == nil, err
		}
		if err != nil {
			return false, err
		}
		n.ID = existing.ID
		n.CreatedAt = existing.CreatedAt
		n.UpdatedAt = now
		err = s.notices.Update(ctx, key, n, rev)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, storage.ErrRevisionConflict) {
			return false, err
		}
	}
	return false, fmt.Errorf("upsert notice %s: %w", n.NoticeID, storage.ErrRevisionConflict)
}

func (s *kvStore) GetNotice(ctx context.Context, org, noticeID string) (*Notice, error) {
	var n Notice
	if _, err := s.notices.Get(ctx, noticeKey(org, noticeID), &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *kvStore) ListNotices(ctx context.Context, org string) ([]*Notice, error) {
	keys, err := s.notices.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Notice
	for _, key := range keys {
		var n Notice
		if _, err := s.notices.Get(ctx, key, &n); err != nil {
			continue
		}
		if org != "" && n.OrganizationID != org {
			continue
		}
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
