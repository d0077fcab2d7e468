// Package firestore persists recipient state in Google Cloud Firestore.
// The engine reads snapshots from here during selection; the registration
// API and the reconciler's token cleanup are the only writers.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/hailwave/go-dispatch-service/pkg/dispatch"
)

const recipientsCollection = "recipients"

// RecipientStore implements dispatch.RecipientStore on Firestore, one
// document per recipient keyed by URN.
type RecipientStore struct {
	client *firestore.Client
}

var _ dispatch.RecipientStore = (*RecipientStore)(nil)

func NewRecipientStore(client *firestore.Client) *RecipientStore {
	return &RecipientStore{client: client}
}

// recipientDoc is the internal DB representation.
type recipientDoc struct {
	Role        string             `firestore:"role"`
	PushAddress string             `firestore:"push_address,omitempty"`
	Platform    string             `firestore:"platform,omitempty"`
	Approved    bool               `firestore:"approved"`
	Available   bool               `firestore:"available"`
	Preferences map[string]bool    `firestore:"preferences,omitempty"`
	LastPos     *dispatch.Position `firestore:"last_position,omitempty"`
	UpdatedAt   time.Time          `firestore:"updated_at"`
}

func (d *recipientDoc) toSnapshot(id urn.URN) *dispatch.Recipient {
	return &dispatch.Recipient{
		ID:                id,
		Role:              dispatch.Role(d.Role),
		PushAddress:       d.PushAddress,
		Platform:          dispatch.Platform(d.Platform),
		Approved:          d.Approved,
		Available:         d.Available,
		Preferences:       d.Preferences,
		LastKnownPosition: d.LastPos,
	}
}

func (s *RecipientStore) ref(id urn.URN) *firestore.DocumentRef {
	return s.client.Collection(recipientsCollection).Doc(id.String())
}

// Fetch returns the current snapshot. A recipient with no stored record
// comes back with an empty push address; that is a valid "no notification
// destination" result, not an error.
func (s *RecipientStore) Fetch(ctx context.Context, id urn.URN) (*dispatch.Recipient, error) {
	snap, err := s.ref(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return &dispatch.Recipient{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recipient read failed: %w", err)
	}

	var doc recipientDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("recipient document corrupt: %w", err)
	}
	return doc.toSnapshot(id), nil
}

// FetchAll returns snapshots for the given ids preserving input order,
// skipping ids with no record.
func (s *RecipientStore) FetchAll(ctx context.Context, ids []urn.URN) ([]*dispatch.Recipient, error) {
	if len(ids) == 0 {
		return []*dispatch.Recipient{}, nil
	}

	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = s.ref(id)
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("recipient batch read failed: %w", err)
	}

	out := make([]*dispatch.Recipient, 0, len(ids))
	for i, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc recipientDoc
		if err := snap.DataTo(&doc); err != nil {
			// Skip corrupt rows rather than fail the whole selection.
			continue
		}
		out = append(out, doc.toSnapshot(ids[i]))
	}
	return out, nil
}

func (s *RecipientStore) RegisterToken(ctx context.Context, id urn.URN, address string, platform dispatch.Platform) error {
	_, err := s.ref(id).Set(ctx, map[string]any{
		"push_address": address,
		"platform":     string(platform),
		"updated_at":   time.Now(),
	}, firestore.MergeAll)
	return err
}

// UnregisterToken clears the address from every recipient holding it, not
// just the given one. A dead token is dead everywhere; this also covers a
// token re-registered under a fresh account. Idempotent.
func (s *RecipientStore) UnregisterToken(ctx context.Context, id urn.URN, address string) error {
	if address == "" {
		return nil
	}

	iter := s.client.Collection(recipientsCollection).
		Where("push_address", "==", address).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("token lookup failed: %w", err)
		}
		_, err = doc.Ref.Update(ctx, []firestore.Update{
			{Path: "push_address", Value: firestore.Delete},
			{Path: "updated_at", Value: time.Now()},
		})
		if err != nil {
			return fmt.Errorf("token removal failed: %w", err)
		}
	}
	return nil
}

func (s *RecipientStore) SetPreference(ctx context.Context, id urn.URN, category string, allowed bool) error {
	_, err := s.ref(id).Set(ctx, map[string]any{
		"preferences": map[string]any{category: allowed},
		"updated_at":  time.Now(),
	}, firestore.MergeAll)
	return err
}

func (s *RecipientStore) UpdateLocation(ctx context.Context, id urn.URN, pos dispatch.Position, available bool) error {
	_, err := s.ref(id).Set(ctx, map[string]any{
		"available": available,
		"last_position": map[string]any{
			"lat":         pos.Lat,
			"lng":         pos.Lng,
			"observed_at": pos.ObservedAt,
		},
		"updated_at": time.Now(),
	}, firestore.MergeAll)
	return err
}
