package store

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudbridge/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r, err := schema.NewRegistry(
		&schema.Entity{
			Name:     "Widget",
			UserInfo: schema.UserInfo{schema.KeyRESTBaseURL: "/widgets"},
			Attributes: []*schema.Attribute{
				{Name: "identifier", Type: schema.TypeInteger},
				{Name: "name", Type: schema.TypeString},
				{Name: "price", Type: schema.TypeDouble},
				{Name: "createdAt", Type: schema.TypeDate},
				{Name: "blob", Type: schema.TypeBinary},
				{Name: "extra", Type: schema.TypeTransformable},
				{Name: PendingChangesKey, Type: schema.TypeBoolean},
				{Name: PendingDeletionKey, Type: schema.TypeBoolean},
			},
			Relationships: []*schema.Relationship{
				{Name: "parts", Destination: "Part", Inverse: "widget", ToMany: true, CascadeDelete: true},
				{Name: "owner", Destination: "Person", Inverse: "widgets"},
			},
		},
		&schema.Entity{
			Name: "Part",
			Attributes: []*schema.Attribute{
				{Name: "identifier", Type: schema.TypeInteger},
				{Name: "label", Type: schema.TypeString},
			},
			Relationships: []*schema.Relationship{
				{Name: "widget", Destination: "Widget", Inverse: "parts"},
			},
		},
		&schema.Entity{
			Name:     "Person",
			UserInfo: schema.UserInfo{schema.KeyRESTIdentifier: "uid"},
			Attributes: []*schema.Attribute{
				{Name: "uid", Type: schema.TypeString},
			},
			Relationships: []*schema.Relationship{
				{Name: "widgets", Destination: "Widget", Inverse: "owner", ToMany: true},
			},
		},
		&schema.Entity{
			Name:     "Vehicle",
			UserInfo: schema.UserInfo{schema.KeySTIKeyPath: "type"},
			Attributes: []*schema.Attribute{
				{Name: "identifier", Type: schema.TypeInteger},
			},
		},
		&schema.Entity{Name: "Car", Parent: "Vehicle", UserInfo: schema.UserInfo{schema.KeySTIValue: "car"}},
		&schema.Entity{Name: "Truck", Parent: "Vehicle", UserInfo: schema.UserInfo{schema.KeySTIValue: "truck"}},
	)
	require.NoError(t, err)
	return r
}

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	return NewMemory(testRegistry(t), WithLogger(testLogger()))
}

// insert commits one object of entity with the given attribute values.
func insert(t *testing.T, s Store, entity string, values map[string]any) *Object {
	t.Helper()
	ctx := context.Background()
	var id ObjectID
	err := s.Transaction(ctx, func(ctx context.Context, tx *Tx) error {
		o, err := tx.New(s.EntityForType(entity))
		if err != nil {
			return err
		}
		for k, v := range values {
			if err := o.Set(k, v); err != nil {
				return err
			}
		}
		id = o.ID()
		return nil
	})
	require.NoError(t, err)
	o, err := s.Get(ctx, id)
	require.NoError(t, err)
	return o
}
