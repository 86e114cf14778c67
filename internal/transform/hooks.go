package transform

import (
	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

// Hooks are optional per-entity callbacks. Nil slots are skipped.
//
// Objects passed to the inbound hooks are editable inside the merge
// transaction; outbound hooks receive whatever object is being sent.
type Hooks struct {
	// AwakeFromCloudFetch runs once for every object created by a merge,
	// after its values were applied.
	AwakeFromCloudFetch func(obj *store.Object)
	// PrepareCloudObject rewrites an incoming cloud object before its
	// entity and primary key are resolved. It is class-level: no object
	// exists yet.
	PrepareCloudObject func(entity *schema.Entity, c cloud.Object) cloud.Object
	// PrepareForUpdate runs before values are applied and may return a
	// replacement cloud object. Returning nil keeps c.
	PrepareForUpdate func(obj *store.Object, c cloud.Object) cloud.Object
	// FinalizeUpdate runs after values are applied.
	FinalizeUpdate func(obj *store.Object, c cloud.Object)
	// FinalizeCloudObject rewrites an outgoing cloud object. Returning nil
	// keeps c.
	FinalizeCloudObject func(obj *store.Object, c cloud.Object) cloud.Object
	// SetCloudValue takes over applying one inbound property. Return true
	// when the value was handled.
	SetCloudValue func(obj *store.Object, value cloud.Value, key string, c cloud.Object) bool
	// CloudValueForKey supplies the outbound value of one property. Return
	// false to fall back to the default coercion.
	CloudValueForKey func(obj *store.Object, key string) (cloud.Value, bool)
}

// HookSet registers Hooks by entity name. Subentities inherit every slot
// they do not set themselves.
type HookSet map[string]Hooks

// For returns the effective hooks of entity.
func (hs HookSet) For(entity *schema.Entity) Hooks {
	var h Hooks
	for cur := entity; cur != nil; cur = cur.ParentEntity() {
		reg, ok := hs[cur.Name]
		if !ok {
			continue
		}
		if h.AwakeFromCloudFetch == nil {
			h.AwakeFromCloudFetch = reg.AwakeFromCloudFetch
		}
		if h.PrepareCloudObject == nil {
			h.PrepareCloudObject = reg.PrepareCloudObject
		}
		if h.PrepareForUpdate == nil {
			h.PrepareForUpdate = reg.PrepareForUpdate
		}
		if h.FinalizeUpdate == nil {
			h.FinalizeUpdate = reg.FinalizeUpdate
		}
		if h.FinalizeCloudObject == nil {
			h.FinalizeCloudObject = reg.FinalizeCloudObject
		}
		if h.SetCloudValue == nil {
			h.SetCloudValue = reg.SetCloudValue
		}
		if h.CloudValueForKey == nil {
			h.CloudValueForKey = reg.CloudValueForKey
		}
	}
	return h
}
