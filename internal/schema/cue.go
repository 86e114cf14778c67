package schema

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
)

// CompileCUE builds a registry from CUE source. Entities live under the
// top-level "entity" struct:
//
//	entity: Widget: {
//		userInfo: restBaseURL: "/widgets"
//		attributes: {
//			identifier: {type: "integer", userInfo: restKeyPath: "id"}
//			name:       "string"
//		}
//		relationships: parts: {destination: "Part", inverse: "widget", toMany: true}
//	}
//
// Field order in the source is the declaration order of the entity.
func CompileCUE(src []byte, filename string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	return registryFromCUE(v)
}

// LoadCUEDir loads the CUE package in dir and builds a registry from it.
func LoadCUEDir(dir string) (*Registry, error) {
	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &Error{Code: ErrCodeParse, Message: fmt.Sprintf("no CUE instances in %s", dir)}
	}
	if err := instances[0].Err; err != nil {
		return nil, cueError(err)
	}
	return registryFromCUE(ctx.BuildInstance(instances[0]))
}

func registryFromCUE(root cue.Value) (*Registry, error) {
	if err := root.Err(); err != nil {
		return nil, cueError(err)
	}
	entitiesVal := root.LookupPath(cue.ParsePath("entity"))
	if !entitiesVal.Exists() {
		return nil, &Error{Code: ErrCodeParse, Message: "no entity definitions", Pos: root.Pos()}
	}
	iter, err := entitiesVal.Fields()
	if err != nil {
		return nil, cueError(err)
	}

	var entities []*Entity
	var errs []error
	for iter.Next() {
		e, entityErrs := entityFromCUE(iter.Label(), iter.Value())
		errs = append(errs, entityErrs...)
		if e != nil {
			entities = append(entities, e)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewRegistry(entities...)
}

func entityFromCUE(name string, v cue.Value) (*Entity, []error) {
	e := &Entity{Name: name}
	var errs []error

	if p := v.LookupPath(cue.ParsePath("parent")); p.Exists() {
		parent, err := p.String()
		if err != nil {
			return nil, []error{cueError(err)}
		}
		e.Parent = parent
	}
	info, err := userInfoFromCUE(v)
	if err != nil {
		return nil, []error{err}
	}
	e.UserInfo = info

	if attrs := v.LookupPath(cue.ParsePath("attributes")); attrs.Exists() {
		iter, err := attrs.Fields()
		if err != nil {
			return nil, []error{cueError(err)}
		}
		for iter.Next() {
			a, err := attributeFromCUE(iter.Label(), iter.Value())
			if err != nil {
				var se *Error
				if errors.As(err, &se) {
					se.Entity = name
				}
				errs = append(errs, err)
				continue
			}
			e.Attributes = append(e.Attributes, a)
		}
	}

	if rels := v.LookupPath(cue.ParsePath("relationships")); rels.Exists() {
		iter, err := rels.Fields()
		if err != nil {
			return nil, []error{cueError(err)}
		}
		for iter.Next() {
			rel, err := relationshipFromCUE(iter.Label(), iter.Value())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			e.Relationships = append(e.Relationships, rel)
		}
	}
	return e, errs
}

// attributeFromCUE accepts either a bare type name or a struct with type
// and userInfo.
func attributeFromCUE(name string, v cue.Value) (*Attribute, error) {
	typeName, err := v.String()
	var info UserInfo
	if err != nil {
		t := v.LookupPath(cue.ParsePath("type"))
		if !t.Exists() {
			return nil, &Error{Code: ErrCodeBadType, Property: name, Message: "attribute type is required", Pos: v.Pos()}
		}
		if typeName, err = t.String(); err != nil {
			return nil, cueError(err)
		}
		if info, err = userInfoFromCUE(v); err != nil {
			return nil, err
		}
	}
	typ, err := ParseAttributeType(typeName)
	if err != nil {
		return nil, &Error{Code: ErrCodeBadType, Property: name, Message: err.Error(), Pos: v.Pos()}
	}
	return &Attribute{Name: name, Type: typ, UserInfo: info}, nil
}

func relationshipFromCUE(name string, v cue.Value) (*Relationship, error) {
	rel := &Relationship{Name: name}
	var err error
	if rel.Destination, err = optionalString(v, "destination"); err != nil {
		return nil, err
	}
	if rel.Inverse, err = optionalString(v, "inverse"); err != nil {
		return nil, err
	}
	if rel.ToMany, err = optionalBool(v, "toMany"); err != nil {
		return nil, err
	}
	if rel.CascadeDelete, err = optionalBool(v, "cascadeDelete"); err != nil {
		return nil, err
	}
	if rel.UserInfo, err = userInfoFromCUE(v); err != nil {
		return nil, err
	}
	return rel, nil
}

func userInfoFromCUE(v cue.Value) (UserInfo, error) {
	u := v.LookupPath(cue.ParsePath("userInfo"))
	if !u.Exists() {
		return nil, nil
	}
	var m map[string]any
	if err := u.Decode(&m); err != nil {
		return nil, cueError(err)
	}
	return UserInfo(m), nil
}

func optionalString(v cue.Value, field string) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", cueError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, field string) (bool, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return false, nil
	}
	b, err := f.Bool()
	if err != nil {
		return false, cueError(err)
	}
	return b, nil
}

// cueError converts the first CUE error into a positioned *Error.
func cueError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Code: ErrCodeParse, Message: err.Error()}
	}
	first := errs[0]
	out := &Error{Code: ErrCodeParse, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		out.Pos = positions[0]
	}
	return out
}
