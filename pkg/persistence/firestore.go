package persistence

import (
	"context"
	"fmt"
	"net/url"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rs/zerolog"
)

// FirestoreMediumConfig holds configuration for the Firestore-backed medium.
type FirestoreMediumConfig struct {
	ProjectID      string
	CollectionName string
}

// firestoreRecord is the document shape: one document per persisted key.
type firestoreRecord struct {
	Value string `firestore:"value"`
}

// docID escapes a cache key for use as a Firestore document ID. Keys may
// contain slashes (timezone dimensions do), which would otherwise form an
// invalid document path.
func docID(key string) string {
	return url.PathEscape(key)
}

// FirestoreMedium is a Medium backed by a Firestore collection.
type FirestoreMedium struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreMedium creates a FirestoreMedium over an injected client.
func NewFirestoreMedium(cfg *FirestoreMediumConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreMedium, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("collection name cannot be empty")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreMedium initialized.")

	return &FirestoreMedium{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreMedium").Logger(),
	}, nil
}

func (m *FirestoreMedium) Get(ctx context.Context, key string) (string, error) {
	docSnap, err := m.client.Collection(m.collectionName).Doc(docID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("firestore get for %s: %w", key, err)
	}
	var record firestoreRecord
	if err := docSnap.DataTo(&record); err != nil {
		return "", fmt.Errorf("firestore DataTo for %s: %w", key, err)
	}
	return record.Value, nil
}

func (m *FirestoreMedium) Set(ctx context.Context, key string, value string) error {
	_, err := m.client.Collection(m.collectionName).Doc(docID(key)).Set(ctx, firestoreRecord{Value: value})
	if err != nil {
		return fmt.Errorf("firestore set for %s: %w", key, err)
	}
	return nil
}

func (m *FirestoreMedium) Delete(ctx context.Context, key string) error {
	_, err := m.client.Collection(m.collectionName).Doc(docID(key)).Delete(ctx)
	if err != nil {
		return fmt.Errorf("firestore delete for %s: %w", key, err)
	}
	return nil
}

func (m *FirestoreMedium) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	refs := m.client.Collection(m.collectionName).DocumentRefs(ctx)
	for {
		ref, err := refs.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list documents: %w", err)
		}
		key, err := url.PathUnescape(ref.ID)
		if err != nil {
			// Not one of ours; skip rather than fail the whole listing.
			m.logger.Warn().Str("doc_id", ref.ID).Msg("Skipping document with unparseable ID.")
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (m *FirestoreMedium) Close() error {
	m.logger.Info().Msg("FirestoreMedium does not close the injected Firestore client.")
	return nil
}

// ALLOW FIRESTORE TO BE USED IN LOW VOLUME DEPLOYMENTS
// don't use it like this in high volume deployments - that's what redis is for.
