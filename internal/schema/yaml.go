package schema

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlSchema is the on-disk YAML layout:
//
//	entities:
//	  - name: Widget
//	    userInfo: {restBaseURL: /widgets}
//	    attributes:
//	      - {name: identifier, type: integer, userInfo: {restKeyPath: id}}
//	    relationships:
//	      - {name: parts, destination: Part, inverse: widget, toMany: true}
type yamlSchema struct {
	Entities []yamlEntity `yaml:"entities"`
}

type yamlEntity struct {
	Name          string             `yaml:"name"`
	Parent        string             `yaml:"parent,omitempty"`
	UserInfo      map[string]any     `yaml:"userInfo,omitempty"`
	Attributes    []yamlAttribute    `yaml:"attributes,omitempty"`
	Relationships []yamlRelationship `yaml:"relationships,omitempty"`
}

type yamlAttribute struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	UserInfo map[string]any `yaml:"userInfo,omitempty"`
}

type yamlRelationship struct {
	Name          string         `yaml:"name"`
	Destination   string         `yaml:"destination"`
	Inverse       string         `yaml:"inverse,omitempty"`
	ToMany        bool           `yaml:"toMany,omitempty"`
	CascadeDelete bool           `yaml:"cascadeDelete,omitempty"`
	UserInfo      map[string]any `yaml:"userInfo,omitempty"`
}

// LoadYAML parses a YAML schema document and builds a validated registry.
func LoadYAML(data []byte) (*Registry, error) {
	var doc yamlSchema
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: err.Error()}
	}

	var errs []error
	entities := make([]*Entity, 0, len(doc.Entities))
	for _, ye := range doc.Entities {
		e := &Entity{
			Name:     ye.Name,
			Parent:   ye.Parent,
			UserInfo: UserInfo(ye.UserInfo),
		}
		for _, ya := range ye.Attributes {
			typ, err := ParseAttributeType(ya.Type)
			if err != nil {
				errs = append(errs, &Error{
					Code:     ErrCodeBadType,
					Entity:   ye.Name,
					Property: ya.Name,
					Message:  err.Error(),
				})
				continue
			}
			e.Attributes = append(e.Attributes, &Attribute{
				Name:     ya.Name,
				Type:     typ,
				UserInfo: UserInfo(ya.UserInfo),
			})
		}
		for _, yr := range ye.Relationships {
			e.Relationships = append(e.Relationships, &Relationship{
				Name:          yr.Name,
				Destination:   yr.Destination,
				Inverse:       yr.Inverse,
				ToMany:        yr.ToMany,
				CascadeDelete: yr.CascadeDelete,
				UserInfo:      UserInfo(yr.UserInfo),
			})
		}
		entities = append(entities, e)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewRegistry(entities...)
}

// LoadYAMLFile reads and parses a YAML schema file.
func LoadYAMLFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", path, err)
	}
	return LoadYAML(data)
}
