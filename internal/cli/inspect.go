package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cloudbridge/internal/mapping"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Mapping string
}

// EntityInfo describes how one entity appears in cloud objects.
type EntityInfo struct {
	Name          string             `json:"name"`
	Parent        string             `json:"parent,omitempty"`
	BaseURL       string             `json:"base_url,omitempty"`
	Prefix        string             `json:"prefix,omitempty"`
	Identifier    string             `json:"identifier,omitempty"`
	STIKeyPath    string             `json:"sti_key_path,omitempty"`
	STIValue      string             `json:"sti_value,omitempty"`
	Attributes    []AttributeInfo    `json:"attributes"`
	Relationships []RelationshipInfo `json:"relationships,omitempty"`
}

// AttributeInfo is one attribute and its cloud key. An empty CloudKey
// means the attribute never leaves the store.
type AttributeInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	CloudKey string `json:"cloud_key"`
}

// RelationshipInfo is one relationship and its cloud key.
type RelationshipInfo struct {
	Name        string `json:"name"`
	Destination string `json:"destination"`
	Inverse     string `json:"inverse,omitempty"`
	ToMany      bool   `json:"to_many"`
	CloudKey    string `json:"cloud_key"`
	Included    string `json:"included,omitempty"` // "objects" or "identifier"
}

// InspectResult is the inspect command output.
type InspectResult struct {
	Mapping  string       `json:"mapping"`
	Entities []EntityInfo `json:"entities"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [schema]",
		Short: "Show the cloud key of every property",
		Long: `Show each entity with the cloud key paths its properties map to.

Inherited properties are listed on every subentity. Properties without a
cloud key are disabled or bookkeeping-only and are never sent.

Examples:
  cloudbridge inspect schema.yaml
  cloudbridge inspect schema.cue --mapping identity --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Mapping, "mapping", "", "property mapping (identity|underscored); defaults to the configured one")

	return cmd
}

func runInspect(opts *InspectOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	path, err := opts.schemaPath(args)
	if err != nil {
		return err
	}
	registry, err := schema.LoadPath(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeSchema, "failed to load schema", err)
	}

	name := opts.Mapping
	if name == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		name = cfg.Mapping
	}
	m, ok := mapping.ByName(name)
	if !ok {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, fmt.Sprintf("unknown mapping %q", name), nil)
	}

	return formatter.Success(describe(registry, m, name))
}

func describe(registry *schema.Registry, m mapping.PropertyMapping, name string) InspectResult {
	result := InspectResult{Mapping: name}
	for _, e := range registry.Entities() {
		info := EntityInfo{
			Name:       e.Name,
			Parent:     e.Parent,
			BaseURL:    e.RESTBaseURL(),
			Prefix:     e.RESTPrefix(),
			STIKeyPath: e.STIKeyPath(),
			STIValue:   e.STIValue(),
			Attributes: []AttributeInfo{},
		}
		if id := e.IdentifierAttribute(); id != nil {
			info.Identifier = id.Name
		}
		for _, a := range e.AllAttributes() {
			key := m.CloudKeyPath(a)
			if store.IsBookkeepingKey(a.Name) {
				key = ""
			}
			info.Attributes = append(info.Attributes, AttributeInfo{
				Name:     a.Name,
				Type:     a.Type.String(),
				CloudKey: key,
			})
		}
		for _, r := range e.AllRelationships() {
			ri := RelationshipInfo{
				Name:        r.Name,
				Destination: r.Destination,
				Inverse:     r.Inverse,
				ToMany:      r.ToMany,
				CloudKey:    m.CloudKeyPath(r),
			}
			switch {
			case r.IncludesIdentifierOnly():
				ri.Included = "identifier"
			case r.IsIncluded():
				ri.Included = "objects"
			}
			info.Relationships = append(info.Relationships, ri)
		}
		result.Entities = append(result.Entities, info)
	}
	return result
}

// WriteText renders the result as an indented listing.
func (r InspectResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "mapping: %s\n", r.Mapping)
	for _, e := range r.Entities {
		fmt.Fprintf(w, "\n%s", e.Name)
		if e.Parent != "" {
			fmt.Fprintf(w, " : %s", e.Parent)
		}
		if e.BaseURL != "" {
			fmt.Fprintf(w, "  %s", e.BaseURL)
		}
		fmt.Fprintln(w)
		for _, a := range e.Attributes {
			key := a.CloudKey
			if key == "" {
				key = "-"
			}
			marker := " "
			if a.Name == e.Identifier {
				marker = "*"
			}
			fmt.Fprintf(w, "  %s %-20s %-13s -> %s\n", marker, a.Name, a.Type, key)
		}
		for _, rel := range e.Relationships {
			kind := "to-one"
			if rel.ToMany {
				kind = "to-many"
			}
			key := rel.CloudKey
			if key == "" {
				key = "-"
			}
			line := fmt.Sprintf("    %-20s %-13s -> %s (%s)", rel.Name, kind, key, rel.Destination)
			if rel.Included != "" {
				line += " inline " + rel.Included
			}
			fmt.Fprintln(w, line)
		}
	}
}
