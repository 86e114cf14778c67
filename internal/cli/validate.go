package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cloudbridge/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Entities int             `json:"entities,omitempty"`
	Errors   []SchemaProblem `json:"errors,omitempty"`
}

// SchemaProblem is one schema error in CLI output.
type SchemaProblem struct {
	Code     string `json:"code"`
	Entity   string `json:"entity,omitempty"`
	Property string `json:"property,omitempty"`
	Message  string `json:"message"`
	Line     int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [schema]",
		Short: "Validate an entity schema",
		Long: `Validate a YAML or CUE entity schema.

Checks names, attribute types, parent chains, relationship destinations
and inverse consistency. Without an argument the schema from the config
file is used.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	path, err := opts.schemaPath(args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("schema not found: %s", path), err)
	}
	formatter.VerboseLog("Loading schema %s", path)

	registry, err := schema.LoadPath(path)
	if err != nil {
		problems := schemaProblems(err)
		if len(problems) == 0 {
			return formatter.Fail(ExitCommandError, ErrCodeSchema, "failed to load schema", err)
		}
		return outputValidationErrors(formatter, problems)
	}

	result := ValidationResult{Valid: true, Entities: len(registry.Entities())}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Schema valid (%d entities)\n", result.Entities)
	return nil
}

// schemaPath returns the schema argument or the configured schema.
func (o *RootOptions) schemaPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Schema == "" {
		return "", NewExitError(ExitCommandError, ErrCodeSchema+": no schema given and none configured")
	}
	return cfg.Schema, nil
}

func schemaProblems(err error) []SchemaProblem {
	var out []SchemaProblem
	for _, se := range schema.Errors(err) {
		p := SchemaProblem{
			Code:     se.Code,
			Entity:   se.Entity,
			Property: se.Property,
			Message:  se.Message,
		}
		if se.Pos.IsValid() {
			p.Line = se.Pos.Line()
		}
		out = append(out, p)
	}
	return out
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, problems []SchemaProblem) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: problems},
			Error: &CLIError{
				Code:    ErrCodeSchema,
				Message: problems[0].Message,
			},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, p := range problems {
		loc := p.Entity
		if p.Property != "" {
			loc += "." + p.Property
		}
		if p.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", p.Line)
		}
		if loc != "" {
			fmt.Fprintf(formatter.Writer, "  %s %s: %s\n\n", p.Code, loc, p.Message)
		} else {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", p.Code, p.Message)
		}
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(problems)))
}
