package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/me/tdl/internal/parser"
	"github.com/me/tdl/internal/schedule"
	"github.com/me/tdl/pkg/model"
)

// loadModule parses and validates a module file. Validation errors are
// printed to w and reported as a single error.
func loadModule(w io.Writer, path, startMode string) (*model.Module, []model.FieldError, error) {
	m, err := parser.New(logger).ParseFile(path)
	if err != nil {
		return nil, nil, err
	}
	if startMode != "" {
		m.Start = startMode
	}
	v := parser.NewValidator(logger)
	if apiErr := v.Validate(m); apiErr != nil {
		printFieldErrors(w, red("error"), apiErr.Details)
		return nil, nil, fmt.Errorf("%s: %s", path, apiErr.Message)
	}
	return m, v.Warnings(m), nil
}

// compileModule loads a module file and builds its schedule graph.
func compileModule(w io.Writer, path, startMode string) (*model.Module, *schedule.Graph, error) {
	m, warnings, err := loadModule(w, path, startMode)
	if err != nil {
		return nil, nil, err
	}
	printFieldErrors(w, yellow("warning"), warnings)
	g, err := schedule.Build(m, schedule.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	return m, g, nil
}

func printFieldErrors(w io.Writer, label string, errs []model.FieldError) {
	for _, fe := range errs {
		if fe.Field == "" {
			fmt.Fprintf(w, "%s: %s\n", label, fe.Message)
			continue
		}
		fmt.Fprintf(w, "%s: %s: %s\n", label, cyan(fe.Field), strings.TrimSpace(fe.Message))
	}
}
