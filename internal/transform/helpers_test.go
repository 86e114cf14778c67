package transform

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/mapping"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
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
				{Name: "identifier", Type: schema.TypeInteger, UserInfo: schema.UserInfo{schema.KeyRESTKeyPath: "id"}},
				{Name: "name", Type: schema.TypeString},
				{Name: "createdAt", Type: schema.TypeDate},
				{Name: "price", Type: schema.TypeDouble},
				{Name: "active", Type: schema.TypeBoolean},
				{Name: "blob", Type: schema.TypeBinary},
				{Name: "meta", Type: schema.TypeTransformable},
				{Name: "secret", Type: schema.TypeString, UserInfo: schema.UserInfo{schema.KeyRESTDisabled: true}},
				{Name: store.PendingChangesKey, Type: schema.TypeBoolean},
				{Name: store.PendingDeletionKey, Type: schema.TypeBoolean},
			},
			Relationships: []*schema.Relationship{
				{Name: "parts", Destination: "Part", Inverse: "widget", ToMany: true, CascadeDelete: true,
					UserInfo: schema.UserInfo{schema.KeyRESTIncluded: true}},
				{Name: "owner", Destination: "Person", Inverse: "widgets",
					UserInfo: schema.UserInfo{schema.KeyRESTIncluded: schema.IncludeIdentifier}},
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
			Name: "Person",
			Attributes: []*schema.Attribute{
				{Name: "identifier", Type: schema.TypeString},
				{Name: "fullName", Type: schema.TypeString},
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
				{Name: "wheels", Type: schema.TypeInteger},
			},
		},
		&schema.Entity{
			Name:       "Car",
			Parent:     "Vehicle",
			UserInfo:   schema.UserInfo{schema.KeySTIValue: "car"},
			Attributes: []*schema.Attribute{{Name: "doors", Type: schema.TypeInteger}},
		},
		&schema.Entity{
			Name:     "SportsCar",
			Parent:   "Car",
			UserInfo: schema.UserInfo{schema.KeySTIValue: "sports_car"},
		},
		&schema.Entity{
			Name:     "Note",
			UserInfo: schema.UserInfo{schema.KeyRESTPrefix: "note"},
			Attributes: []*schema.Attribute{
				{Name: "identifier", Type: schema.TypeInteger},
				{Name: "body", Type: schema.TypeString},
			},
		},
	)
	require.NoError(t, err)
	return r
}

func newTestStore(t *testing.T) *store.Memory {
	t.Helper()
	return store.NewMemory(testRegistry(t), store.WithLogger(testLogger()))
}

func newTransformer(opts ...Option) *Transformer {
	return New(mapping.Underscored{}, append([]Option{WithLogger(testLogger())}, opts...)...)
}

// upsert applies c in its own transaction and returns the committed object.
func upsert(t *testing.T, tr *Transformer, s store.Store, c cloud.Object, entity string) (*store.Object, Result) {
	t.Helper()
	ctx := context.Background()
	var id store.ObjectID
	var res Result
	err := s.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		obj, r, err := tr.PersistentObjectFromCloudObject(ctx, tx, c, s.EntityForType(entity))
		if err != nil {
			return err
		}
		id, res = obj.ID(), r
		return nil
	})
	require.NoError(t, err)
	obj, err := s.Get(ctx, id)
	require.NoError(t, err)
	return obj, res
}

// create commits one object with the given attribute values.
func create(t *testing.T, s store.Store, entity string, values map[string]any) *store.Object {
	t.Helper()
	ctx := context.Background()
	var id store.ObjectID
	err := s.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
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

func decode(t *testing.T, data string) cloud.Object {
	t.Helper()
	c, err := cloud.DecodeObject([]byte(data))
	require.NoError(t, err)
	return c
}

func assertGolden(t *testing.T, name string, c cloud.Object) {
	t.Helper()
	data, err := cloud.MarshalCanonical(c)
	require.NoError(t, err)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
