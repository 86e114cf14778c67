package threading

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/store"
)

// transfer produces the destination context's copy of value.
func (e *Environment) transfer(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64,
		time.Time, time.Duration, store.ObjectID:
		return v, nil
	case []byte:
		return bytes.Clone(v), nil
	case cloud.Object:
		return v.Clone(), nil
	case cloud.Value:
		return cloud.Clone(v), nil
	case cloud.DeletedObjectIdentifier:
		id, err := e.transfer(ctx, v.CloudIdentifier)
		if err != nil {
			return nil, err
		}
		return cloud.DeletedObjectIdentifier{CloudIdentifier: id, EntityName: v.EntityName}, nil
	case *store.Object:
		return e.resolve(ctx, v)
	case []*store.Object:
		out := make([]*store.Object, len(v))
		for i, o := range v {
			r, err := e.resolve(ctx, o)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	}
	return e.transferReflect(ctx, reflect.ValueOf(value))
}

func (e *Environment) resolve(ctx context.Context, o *store.Object) (*store.Object, error) {
	if o == nil {
		return nil, nil
	}
	if !o.IsPersisted() {
		return nil, fmt.Errorf("%w: %s was never committed", ErrNotTransferable, o.ID())
	}
	if e.resolver == nil {
		return nil, fmt.Errorf("%w: no store to resolve %s", ErrNotTransferable, o.ID())
	}
	r, err := e.resolver.Get(ctx, o.ID())
	if err != nil {
		return nil, fmt.Errorf("threading: resolve %s: %w", o.ID(), err)
	}
	return r, nil
}

// transferReflect handles slices and maps of transferable values.
func (e *Environment) transferReflect(ctx context.Context, rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return rv.Interface(), nil
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			moved, err := e.transferElem(ctx, rv.Index(i), rv.Type().Elem())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out.Index(i).Set(moved)
		}
		return out.Interface(), nil
	case reflect.Map:
		if rv.IsNil() {
			return rv.Interface(), nil
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			moved, err := e.transferElem(ctx, iter.Value(), rv.Type().Elem())
			if err != nil {
				return nil, fmt.Errorf("[%v]: %w", iter.Key().Interface(), err)
			}
			out.SetMapIndex(iter.Key(), moved)
		}
		return out.Interface(), nil
	}
	return nil, fmt.Errorf("%w: %T", ErrNotTransferable, rv.Interface())
}

func (e *Environment) transferElem(ctx context.Context, elem reflect.Value, typ reflect.Type) (reflect.Value, error) {
	if elem.Kind() == reflect.Interface && elem.IsNil() {
		return reflect.Zero(typ), nil
	}
	moved, err := e.transfer(ctx, elem.Interface())
	if err != nil {
		return reflect.Value{}, err
	}
	if moved == nil {
		return reflect.Zero(typ), nil
	}
	return reflect.ValueOf(moved), nil
}
