package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/underthetree/internal/harness"
	"github.com/roach88/underthetree/internal/model"
)

// ValidationError is one problem found by validate.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Scenarios int               `json:"scenarios"`
	Errors    []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [scenarios-dir]",
		Short: "Validate config, schemas and scenarios without running them",
		Long: `Validate the config file, the model reply schemas and, when a
directory is given, every scenario file in it.

Scenarios are parsed and checked but not played. Use test to run them.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(rootOpts, dir, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, scenariosDir string, cmd *cobra.Command) error {
	formatter := NewOutputFormatter(cmd, opts)

	var errs []ValidationError
	if _, err := LoadConfig(opts); err != nil {
		errs = append(errs, ValidationError{Field: "config", Message: err.Error(), Code: ErrCodeConfig})
	} else {
		formatter.VerboseLog("config ok")
	}

	if _, err := model.LoadSchemas(); err != nil {
		errs = append(errs, ValidationError{Field: "schemas", Message: err.Error(), Code: ErrCodeModel})
	} else {
		formatter.VerboseLog("model schemas ok")
	}

	count := 0
	if scenariosDir != "" {
		info, err := os.Stat(scenariosDir)
		if err != nil || !info.IsDir() {
			return outputValidateError(formatter, ErrCodeNotFound, fmt.Sprintf("scenarios directory not found: %s", scenariosDir), nil)
		}
		paths, err := scenarioPaths(scenariosDir)
		if err != nil {
			return outputValidateError(formatter, ErrCodeGeneric, err.Error(), nil)
		}
		for _, path := range paths {
			count++
			formatter.VerboseLog("Validating scenario: %s", filepath.Base(path))
			if _, err := harness.LoadScenario(path); err != nil {
				errs = append(errs, ValidationError{
					Field:   filepath.Base(path),
					Message: err.Error(),
					Code:    ErrCodeScenario,
				})
			}
		}
	}

	if len(errs) > 0 {
		return outputValidationErrors(formatter, count, errs)
	}
	return outputValidateSuccess(formatter, count)
}

// scenarioPaths lists the YAML files directly under dir, sorted.
func scenarioPaths(dir string) ([]string, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, m...)
	}
	sort.Strings(paths)
	return paths, nil
}

func outputValidateSuccess(formatter *OutputFormatter, scenarios int) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true, Scenarios: scenarios})
	}

	if scenarios > 0 {
		fmt.Fprintf(formatter.Writer, "✓ Config, schemas and %d scenario(s) valid\n", scenarios)
		return nil
	}
	fmt.Fprintln(formatter.Writer, "✓ Config and schemas valid")
	return nil
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details interface{}) error {
	_ = formatter.Error(code, message, details)
	// Validation errors are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, scenarios int, errs []ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data: ValidationResult{
				Valid:     false,
				Scenarios: scenarios,
				Errors:    errs,
			},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}

		if err := writeJSON(formatter.Writer, response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "%s\n  %s: %s\n\n", err.Field, err.Code, err.Message)
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
