// Package vector stores claim vectors in Weaviate, one class per
// workspace and claim type.
package vector

import (
	"context"

	"github.com/go-openapi/strfmt"
	"github.com/rotisserie/eris"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate/entities/models"
)

// Point is one vector plus its payload, addressed by a stable ID so
// re-indexing the same claim overwrites rather than duplicates.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// Store defines the vector database operations the indexer uses.
type Store interface {
	EnsureCollection(ctx context.Context, name string) error
	UpsertPoints(ctx context.Context, collection string, points []Point) error
	DeleteCollection(ctx context.Context, name string) error
}

type weaviateStore struct {
	client *weaviate.Client
}

// NewWeaviate connects to a Weaviate instance. apiKey may be empty for
// anonymous local deployments.
func NewWeaviate(host, scheme, apiKey string) (Store, error) {
	cfg := weaviate.Config{
		Host:   host,
		Scheme: scheme,
	}
	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "vector: create client")
	}
	return &weaviateStore{client: client}, nil
}

// EnsureCollection creates the class if it does not exist. Vectors are
// supplied by the indexer, so the class runs without a vectorizer.
func (s *weaviateStore) EnsureCollection(ctx context.Context, name string) error {
	_, err := s.client.Schema().ClassGetter().WithClassName(name).Do(ctx)
	if err == nil {
		return nil
	}

	class := &models.Class{
		Class:      name,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "claimId", DataType: []string{"text"}},
			{Name: "workspaceId", DataType: []string{"text"}},
			{Name: "chunkId", DataType: []string{"text"}},
			{Name: "claimType", DataType: []string{"text"}},
			{Name: "cardText", DataType: []string{"text"}},
			{Name: "epistemicTag", DataType: []string{"text"}},
		},
	}
	if err := s.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return eris.Wrapf(err, "vector: create class %s", name)
	}
	return nil
}

func (s *weaviateStore) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(points))
	for i, p := range points {
		objects[i] = &models.Object{
			Class:      collection,
			ID:         strfmt.UUID(p.ID),
			Vector:     models.C11yVector(p.Vector),
			Properties: p.Payload,
		}
	}

	result, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return eris.Wrapf(err, "vector: batch upsert into %s", collection)
	}
	for _, obj := range result {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return eris.Errorf("vector: upsert into %s: %s", collection, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (s *weaviateStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.Schema().ClassDeleter().WithClassName(name).Do(ctx); err != nil {
		return eris.Wrapf(err, "vector: delete class %s", name)
	}
	return nil
}
