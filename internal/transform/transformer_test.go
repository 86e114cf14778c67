package transform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/mapping"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

func TestWidgetFromCloudObject(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()

	w, res := upsert(t, tr, s, decode(t, `{"id": 7, "name": "Foo", "created_at": "2024-01-01T00:00:00Z"}`), "Widget")

	assert.True(t, res.Created)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, "Widget", w.Entity().Name)
	assert.Equal(t, int64(7), w.Value("identifier"))
	assert.Equal(t, "Foo", w.Value("name"))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), w.Value("createdAt"))
	assert.Equal(t, int64(7), w.PrimaryKey())
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	c := decode(t, `{"id": 7, "name": "Foo"}`)

	first, res := upsert(t, tr, s, c, "Widget")
	require.True(t, res.Created)
	seq := s.CommitSeq()

	second, res := upsert(t, tr, s, c, "Widget")
	assert.False(t, res.Created)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, first.Version(), second.Version(), "no field changed")
	assert.Equal(t, seq, s.CommitSeq())

	all, err := s.Fetch(context.Background(), store.FetchRequest{Entity: s.EntityForType("Widget")})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBatchDeduplicatesWithinBatch(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	ctx := context.Background()
	existing, _ := upsert(t, tr, s, decode(t, `{"id": 1, "name": "old"}`), "Widget")

	batch := []cloud.Object{
		decode(t, `{"id": 1, "name": "new"}`),
		decode(t, `{"id": 2, "name": "b"}`),
		decode(t, `{"id": 2, "name": "b2"}`),
		decode(t, `{"name": "no id"}`),
	}
	err := s.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		objs, results, err := tr.PersistentObjectsFromCloudObjects(ctx, tx, batch, s.EntityForType("Widget"))
		require.NoError(t, err)
		require.Len(t, objs, 4)
		assert.Equal(t, existing.ID(), objs[0].ID())
		assert.False(t, results[0].Created)
		assert.True(t, results[1].Created)
		assert.Same(t, objs[1], objs[2])
		assert.False(t, results[2].Created)
		assert.True(t, results[3].Created)
		return nil
	})
	require.NoError(t, err)

	all, err := s.Fetch(ctx, store.FetchRequest{Entity: s.EntityForType("Widget"), SortBy: []store.SortDescriptor{{Key: "name"}}})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b2", all[0].Value("name"))
	assert.Equal(t, "new", all[1].Value("name"))
}

func TestRoundTrip(t *testing.T) {
	src := newTestStore(t)
	tr := newTransformer()
	ctx := context.Background()

	w := create(t, src, "Widget", map[string]any{
		"identifier": 3,
		"name":       "Gear",
		"createdAt":  time.Date(2023, 6, 1, 12, 30, 45, 0, time.UTC),
		"price":      12.25,
		"active":     true,
		"blob":       []byte{0xde, 0xad},
		"meta":       map[string]any{"tags": []any{"a", "b"}, "n": int64(2)},
	})
	c := tr.CloudObjectFromPersistentObject(ctx, src, w)

	dst := newTestStore(t)
	got, res := upsert(t, tr, dst, c, "Widget")
	assert.Empty(t, res.Skipped)
	assert.Equal(t, w.PrimaryKey(), got.PrimaryKey())
	for _, attr := range w.Entity().AllAttributes() {
		assert.Equal(t, w.Value(attr.Name), got.Value(attr.Name), attr.Name)
	}
}

func TestRoundTripTruncatesSubsecondDates(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	w := create(t, s, "Widget", map[string]any{
		"identifier": 1,
		"createdAt":  time.Date(2023, 6, 1, 12, 30, 45, 999, time.UTC),
	})
	c := tr.CloudObjectFromPersistentObject(context.Background(), s, w)
	assert.Equal(t, cloud.String("2023-06-01T12:30:45Z"), c["created_at"])
}

func TestDisabledAndBookkeepingKeysStayLocal(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	w := create(t, s, "Widget", map[string]any{
		"identifier":            1,
		"secret":                "hunter2",
		store.PendingChangesKey: true,
	})
	c := tr.CloudObjectFromPersistentObject(context.Background(), s, w)
	assert.NotContains(t, c, "secret")
	assert.NotContains(t, c, store.PendingChangesKey)
	assert.NotContains(t, c, "has_pending_cloud_bridge_changes")
	assert.Equal(t, cloud.Null{}, c["name"], "unset attributes are sent as null")

	got, _ := upsert(t, tr, s, decode(t, `{"id": 1, "secret": "leak", "has_pending_cloud_bridge_changes": false}`), "Widget")
	assert.Equal(t, "hunter2", got.Value("secret"))
	assert.Equal(t, true, got.Value(store.PendingChangesKey))
}

func TestCoercionFailuresDegradePerField(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	upsert(t, tr, s, decode(t, `{"id": 1, "name": "keep", "created_at": "2024-01-01T00:00:00Z", "price": 1.5}`), "Widget")

	got, res := upsert(t, tr, s, decode(t, `{
		"id": 1,
		"name": 5,
		"created_at": "yesterday",
		"price": "cheap",
		"active": 1,
		"unknown_key": true
	}`), "Widget")

	assert.ElementsMatch(t, []string{"name", "createdAt", "price"}, res.Skipped)
	assert.Equal(t, "keep", got.Value("name"))
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got.Value("createdAt"))
	assert.Equal(t, 1.5, got.Value("price"))
	assert.Equal(t, true, got.Value("active"), "numeric 1 is accepted for booleans")
}

func TestNullClearsAttribute(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	upsert(t, tr, s, decode(t, `{"id": 1, "name": "x"}`), "Widget")
	got, _ := upsert(t, tr, s, decode(t, `{"id": 1, "name": null}`), "Widget")
	assert.False(t, got.Has("name"))
}

func TestSingleTableInheritance(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	vehicle := s.EntityForType("Vehicle")

	tests := []struct {
		json string
		want string
	}{
		{`{"identifier": 1, "type": "sports_car"}`, "SportsCar"},
		{`{"identifier": 2, "type": "car"}`, "Car"},
		{`{"identifier": 3, "type": "boat"}`, "Vehicle"},
		{`{"identifier": 4}`, "Vehicle"},
	}
	for _, tt := range tests {
		c := decode(t, tt.json)
		assert.Equal(t, tt.want, tr.EntityForCloudObject(c, vehicle).Name, tt.json)
		obj, _ := upsert(t, tr, s, c, "Vehicle")
		assert.Equal(t, tt.want, obj.Entity().Name, tt.json)
	}

	car, err := s.ObjectWithPrimaryKey(context.Background(), s.EntityForType("Car"), 1)
	require.NoError(t, err)
	require.NotNil(t, car, "sports cars are cars")
	assert.Equal(t, "SportsCar", car.Entity().Name)
}

func TestSTIDiscriminatorGolden(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	car := create(t, s, "SportsCar", map[string]any{"identifier": 3, "wheels": 4, "doors": 2})
	assertGolden(t, "sports_car_outbound", tr.CloudObjectFromPersistentObject(context.Background(), s, car))
}

func TestPrefixWrapping(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	note := create(t, s, "Note", map[string]any{"identifier": 1, "body": "hello"})

	c := tr.CloudObjectFromPersistentObject(context.Background(), s, note)
	assertGolden(t, "note_outbound", c)

	assert.Equal(t, int64(1), tr.PrimaryKey(c, s.EntityForType("Note")))
	got, _ := upsert(t, tr, s, decode(t, `{"note": {"identifier": 1, "body": "updated"}}`), "Note")
	assert.Equal(t, note.ID(), got.ID())
	assert.Equal(t, "updated", got.Value("body"))

	// Unwrapped payloads are accepted too.
	got, _ = upsert(t, tr, s, decode(t, `{"identifier": 1, "body": "bare"}`), "Note")
	assert.Equal(t, "bare", got.Value("body"))
}

func TestInlineRelationshipsOutbound(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	ctx := context.Background()

	owner := create(t, s, "Person", map[string]any{"identifier": "p1", "fullName": "Ada"})
	part := create(t, s, "Part", map[string]any{"identifier": 10, "label": "bolt"})
	w := create(t, s, "Widget", map[string]any{
		"identifier": 7,
		"name":       "Foo",
		"createdAt":  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"price":      9.5,
		"active":     true,
		"blob":       []byte("hi"),
		"meta":       map[string]any{"k": "v"},
	})
	w, err := s.Mutate(ctx, w, func(o *store.Object) error {
		if err := o.AddRelated("parts", part); err != nil {
			return err
		}
		return o.SetRelated("owner", owner)
	})
	require.NoError(t, err)

	assertGolden(t, "widget_outbound", tr.CloudObjectFromPersistentObject(ctx, s, w))
}

func TestInlineRelationshipsInbound(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer()
	ctx := context.Background()
	known := create(t, s, "Part", map[string]any{"identifier": 11, "label": "known"})

	w, res := upsert(t, tr, s, decode(t, `{
		"id": 1,
		"parts": [{"identifier": 10, "label": "new"}, 11, 12, true],
		"owner": "p9"
	}`), "Widget")
	assert.Equal(t, []string{"parts[3]"}, res.Skipped)

	ids := w.RelatedIDs("parts")
	require.Len(t, ids, 3)
	assert.Equal(t, known.ID(), ids[1])

	stub, err := s.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, int64(12), stub.Value("identifier"))
	assert.False(t, stub.Has("label"))

	inline, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "new", inline.Value("label"))
	back, ok := inline.RelatedID("widget")
	require.True(t, ok, "inverse maintained")
	assert.Equal(t, w.ID(), back)

	ownerID, ok := w.RelatedID("owner")
	require.True(t, ok)
	owner, err := s.Get(ctx, ownerID)
	require.NoError(t, err)
	assert.Equal(t, "p9", owner.PrimaryKey())

	// null clears the relationship.
	w, _ = upsert(t, tr, s, decode(t, `{"id": 1, "owner": null}`), "Widget")
	_, ok = w.RelatedID("owner")
	assert.False(t, ok)
}

func TestInlineCycleFallsBackToIdentifier(t *testing.T) {
	reg := schema.MustRegistry(
		&schema.Entity{
			Name:       "Node",
			Attributes: []*schema.Attribute{{Name: "identifier", Type: schema.TypeInteger}},
			Relationships: []*schema.Relationship{
				{Name: "next", Destination: "Node", UserInfo: schema.UserInfo{schema.KeyRESTIncluded: true}},
			},
		},
	)
	s := store.NewMemory(reg, store.WithLogger(testLogger()))
	tr := New(mapping.Identity{}, WithLogger(testLogger()))
	ctx := context.Background()

	a := create(t, s, "Node", map[string]any{"identifier": 1})
	b := create(t, s, "Node", map[string]any{"identifier": 2})
	_, err := s.Mutate(ctx, a, func(o *store.Object) error { return o.SetRelated("next", b) })
	require.NoError(t, err)
	b, err = s.Mutate(ctx, b, func(o *store.Object) error {
		na, err := s.Get(ctx, a.ID())
		if err != nil {
			return err
		}
		return o.SetRelated("next", na)
	})
	require.NoError(t, err)

	a, err = s.Get(ctx, a.ID())
	require.NoError(t, err)
	c := tr.CloudObjectFromPersistentObject(ctx, s, a)
	assert.Equal(t, cloud.Object{
		"identifier": cloud.Int(1),
		"next": cloud.Object{
			"identifier": cloud.Int(2),
			"next":       cloud.Int(1),
		},
	}, c)
}

func TestCustomDateLayout(t *testing.T) {
	s := newTestStore(t)
	tr := newTransformer(WithDateLayout("2006-01-02"))
	w := create(t, s, "Widget", map[string]any{"identifier": 1, "createdAt": time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)})

	c := tr.CloudObjectFromPersistentObject(context.Background(), s, w)
	assert.Equal(t, cloud.String("2024-02-03"), c["created_at"])

	got, res := upsert(t, tr, s, decode(t, `{"id": 1, "created_at": "2024-02-03T10:00:00+02:00"}`), "Widget")
	assert.Empty(t, res.Skipped)
	assert.Equal(t, time.Date(2024, 2, 3, 8, 0, 0, 0, time.UTC), got.Value("createdAt"))
}
