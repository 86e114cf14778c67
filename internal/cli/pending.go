package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cloudbridge/internal/bridge"
	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

// PendingOptions holds flags for the pending command.
type PendingOptions struct {
	*RootOptions
	Entity        string
	FailOnPending bool
}

// PendingObject is one object waiting for reconciliation.
type PendingObject struct {
	Object     string `json:"object"`
	PrimaryKey any    `json:"primary_key,omitempty"`
	Deletion   bool   `json:"deletion"`
}

// PendingEntity groups the pending objects of one exact entity.
type PendingEntity struct {
	Name      string          `json:"name"`
	Changes   int             `json:"changes"`
	Deletions int             `json:"deletions"`
	Objects   []PendingObject `json:"objects"`
}

// PendingResult is the pending command output.
type PendingResult struct {
	Total    int             `json:"total"`
	Entities []PendingEntity `json:"entities"`
}

// NewPendingCommand creates the pending command.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PendingOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List changes queued while offline",
		Long: `List objects in the configured store that wait for reconciliation.

Objects created or saved offline carry the pending-changes marker; objects
deleted offline carry the pending-deletion marker until the cloud confirms
the deletion. Only entities declaring both markers are searched.

Examples:
  cloudbridge pending --config cloudbridge.yaml
  cloudbridge pending --entity Widget --format json
  cloudbridge pending --fail-on-pending   # exit 1 if anything is queued`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPending(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Entity, "entity", "", "only list this entity and its subentities")
	cmd.Flags().BoolVar(&opts.FailOnPending, "fail-on-pending", false, "exit with status 1 when changes are pending")

	return cmd
}

func runPending(opts *PendingOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	registry, err := cfg.LoadSchema()
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeSchema, "failed to load schema", err)
	}
	entities := registry.Entities()
	if opts.Entity != "" {
		root := registry.Entity(opts.Entity)
		if root == nil {
			return formatter.Fail(ExitCommandError, ErrCodeEntity, fmt.Sprintf("unknown entity %q", opts.Entity), nil)
		}
		entities = kindsOf(entities, root)
	}

	logger, closer, err := opts.logger(cfg, cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	s, storeCloser, err := cfg.OpenStore(registry, logger)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer storeCloser.Close()
	formatter.VerboseLog("Opened %s store", cfg.Store.Driver)

	objs, err := bridge.Pending(ctx, s, entities)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "failed to query pending objects", err)
	}

	result := summarizePending(objs)
	if err := formatter.Success(result); err != nil {
		return err
	}
	if opts.FailOnPending && result.Total > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d pending object(s)", result.Total))
	}
	return nil
}

func kindsOf(entities []*schema.Entity, root *schema.Entity) []*schema.Entity {
	var out []*schema.Entity
	for _, e := range entities {
		if e.IsKindOf(root) {
			out = append(out, e)
		}
	}
	return out
}

// summarizePending groups objs, which arrive grouped by exact entity.
func summarizePending(objs []*store.Object) PendingResult {
	result := PendingResult{Total: len(objs), Entities: []PendingEntity{}}
	for _, obj := range objs {
		name := obj.Entity().Name
		n := len(result.Entities)
		if n == 0 || result.Entities[n-1].Name != name {
			result.Entities = append(result.Entities, PendingEntity{Name: name})
			n++
		}
		group := &result.Entities[n-1]
		deletion := obj.Bool(store.PendingDeletionKey)
		if deletion {
			group.Deletions++
		} else {
			group.Changes++
		}
		group.Objects = append(group.Objects, PendingObject{
			Object:     obj.ID().String(),
			PrimaryKey: obj.PrimaryKey(),
			Deletion:   deletion,
		})
	}
	return result
}

// WriteText renders a per-entity summary.
func (r PendingResult) WriteText(w io.Writer) {
	if r.Total == 0 {
		fmt.Fprintln(w, "No pending changes")
		return
	}
	fmt.Fprintf(w, "%d pending object(s)\n", r.Total)
	for _, e := range r.Entities {
		fmt.Fprintf(w, "\n%s: %d change(s), %d deletion(s)\n", e.Name, e.Changes, e.Deletions)
		for _, o := range e.Objects {
			kind := "change"
			if o.Deletion {
				kind = "delete"
			}
			pk := "-"
			if o.PrimaryKey != nil {
				pk = fmt.Sprint(o.PrimaryKey)
			}
			fmt.Fprintf(w, "  %-6s %-16s pk=%s\n", kind, o.Object, pk)
		}
	}
}
