package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cloudbridge/internal/cloud"
	"github.com/roach88/cloudbridge/internal/mapping"
	"github.com/roach88/cloudbridge/internal/store"
	"github.com/roach88/cloudbridge/internal/transform"
)

// TransformOptions holds flags for the transform command.
type TransformOptions struct {
	*RootOptions
	Schema  string
	Mapping string
}

// TransformedObject is one input cloud object after merging.
type TransformedObject struct {
	Object      string              `json:"object"`
	Entity      string              `json:"entity"`
	Created     bool                `json:"created"`
	Values      map[string]any      `json:"values"`
	Related     map[string][]string `json:"related,omitempty"`
	Skipped     []string            `json:"skipped,omitempty"`
	Outbound    json.RawMessage     `json:"outbound"`
	Fingerprint string              `json:"fingerprint"`
}

// TransformResult is the transform command output.
type TransformResult struct {
	Entity  string              `json:"entity"`
	Input   int                 `json:"input"`
	Objects []TransformedObject `json:"objects"`
}

// NewTransformCommand creates the transform command.
func NewTransformCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransformOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transform <entity> [file]",
		Short: "Preview how cloud objects merge into the store",
		Long: `Merge cloud JSON into a scratch in-memory store and show the result.

Input is one JSON object or an array of objects, read from file or stdin.
Objects sharing a primary key collapse into one persistent object. Each
result lists the persistent values, the properties whose cloud values
could not be applied, and the cloud object the bridge would send back.

Examples:
  cloudbridge transform Widget widgets.json --schema schema.yaml
  curl -s https://api.example.com/widgets | cloudbridge transform Widget --format json`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransform(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Schema, "schema", "", "schema file or CUE directory; defaults to the configured one")
	cmd.Flags().StringVar(&opts.Mapping, "mapping", "", "property mapping (identity|underscored); defaults to the configured one")

	return cmd
}

func runTransform(opts *TransformOptions, args []string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Schema != "" {
		cfg.Schema = opts.Schema
	}
	if opts.Mapping != "" {
		cfg.Mapping = opts.Mapping
	}
	m, ok := mapping.ByName(cfg.Mapping)
	if !ok {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, fmt.Sprintf("unknown mapping %q", cfg.Mapping), nil)
	}
	registry, err := cfg.LoadSchema()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeSchema, "failed to load schema", err)
	}
	entity := registry.Entity(args[0])
	if entity == nil {
		return formatter.Fail(ExitCommandError, ErrCodeEntity, fmt.Sprintf("unknown entity %q", args[0]), nil)
	}

	data, err := readInput(cmd, args[1:])
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "failed to read input", err)
	}
	cs, err := decodeCloudInput(data)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeInput, "input is not a cloud object or array of objects", err)
	}

	logger, closer, err := opts.logger(cfg, cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	topts := []transform.Option{transform.WithLogger(logger)}
	if cfg.DateLayout != "" {
		topts = append(topts, transform.WithDateLayout(cfg.DateLayout))
	}
	t := transform.New(m, topts...)
	s := store.NewMemory(registry, store.WithLogger(logger))

	var (
		ids     []store.ObjectID
		results = map[store.ObjectID]transform.Result{}
	)
	err = s.Transaction(ctx, func(ctx context.Context, tx *store.Tx) error {
		objs, res, err := t.PersistentObjectsFromCloudObjects(ctx, tx, cs, entity)
		if err != nil {
			return err
		}
		for i, obj := range objs {
			if _, seen := results[obj.ID()]; !seen {
				ids = append(ids, obj.ID())
			}
			prev := results[obj.ID()]
			results[obj.ID()] = transform.Result{
				Created: prev.Created || res[i].Created,
				Skipped: append(prev.Skipped, res[i].Skipped...),
			}
		}
		return nil
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeTransform, "merge failed", err)
	}
	formatter.VerboseLog("Merged %d cloud object(s) into %d %s object(s)", len(cs), len(ids), entity.Name)

	result := TransformResult{Entity: entity.Name, Input: len(cs), Objects: []TransformedObject{}}
	for _, id := range ids {
		obj, err := s.Get(ctx, id)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeTransform, "merged object missing", err)
		}
		out, err := describeObject(ctx, t, s, obj, results[id])
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeTransform, "encode outbound object", err)
		}
		result.Objects = append(result.Objects, out)
	}
	return formatter.Success(result)
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[0])
}

// decodeCloudInput accepts a single object or an array of objects.
func decodeCloudInput(data []byte) ([]cloud.Object, error) {
	v, err := cloud.Decode(data)
	if err != nil {
		return nil, err
	}
	if obj, ok := v.(cloud.Object); ok {
		return []cloud.Object{obj}, nil
	}
	return cloud.DecodeObjects(data)
}

func describeObject(ctx context.Context, t *transform.Transformer, r store.Reader, obj *store.Object, res transform.Result) (TransformedObject, error) {
	outbound := t.CloudObjectFromPersistentObject(ctx, r, obj)
	canonical, err := cloud.MarshalCanonical(outbound)
	if err != nil {
		return TransformedObject{}, err
	}
	fp, err := cloud.Fingerprint(outbound)
	if err != nil {
		return TransformedObject{}, err
	}
	out := TransformedObject{
		Object:      obj.ID().String(),
		Entity:      obj.Entity().Name,
		Created:     res.Created,
		Values:      map[string]any{},
		Skipped:     res.Skipped,
		Outbound:    canonical,
		Fingerprint: fp,
	}
	for _, a := range obj.Entity().AllAttributes() {
		if v := obj.Value(a.Name); v != nil {
			out.Values[a.Name] = v
		}
	}
	for _, rel := range obj.Entity().AllRelationships() {
		related := obj.RelatedIDs(rel.Name)
		if len(related) == 0 {
			continue
		}
		if out.Related == nil {
			out.Related = map[string][]string{}
		}
		for _, id := range related {
			out.Related[rel.Name] = append(out.Related[rel.Name], id.String())
		}
	}
	return out, nil
}

// WriteText renders one block per object.
func (r TransformResult) WriteText(w io.Writer) {
	fmt.Fprintf(w, "%d cloud object(s) -> %d %s object(s)\n", r.Input, len(r.Objects), r.Entity)
	for _, o := range r.Objects {
		state := "updated"
		if o.Created {
			state = "created"
		}
		fmt.Fprintf(w, "\n%s (%s, %s)\n", o.Object, o.Entity, state)
		keys := make([]string, 0, len(o.Values))
		for k := range o.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-20s %v\n", k, o.Values[k])
		}
		names := make([]string, 0, len(o.Related))
		for name := range o.Related {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %-20s -> %s\n", name, strings.Join(o.Related[name], ", "))
		}
		if len(o.Skipped) > 0 {
			fmt.Fprintf(w, "  skipped: %s\n", strings.Join(o.Skipped, ", "))
		}
		fmt.Fprintf(w, "  outbound: %s\n", o.Outbound)
	}
}
