// Package parser reads TDL module declarations from YAML and validates them.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/me/tdl/internal/slots"
	"github.com/me/tdl/pkg/model"
)

// Parser converts raw YAML into a model.Module.
type Parser struct {
	logger *slog.Logger
}

// New creates a Parser with the given logger.
func New(logger *slog.Logger) *Parser {
	return &Parser{logger: logger.With("component", "parser")}
}

// Parse decodes a module document. Unknown keys are rejected.
func (p *Parser) Parse(data []byte) (*model.Module, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m model.Module
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("YAML parse error: empty document")
		}
		return nil, fmt.Errorf("YAML parse error: %w", err)
	}
	p.applyDefaults(&m)
	p.logger.Debug("module parsed", "module", m.Name, "modes", len(m.Modes), "sensors", len(m.Sensors))
	return &m, nil
}

// ParseFile reads and parses a module file.
func (p *Parser) ParseFile(path string) (*model.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := p.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// applyDefaults fills in the start mode and default slot selections.
func (p *Parser) applyDefaults(m *model.Module) {
	if m.Start == "" && len(m.Modes) > 0 {
		m.Start = m.Modes[0].Name
	}
	for i := range m.Modes {
		for j := range m.Modes[i].Tasks {
			t := &m.Modes[i].Tasks[j]
			if t.Slots == "" {
				t.Slots = slots.DefaultSelection
			}
		}
	}
}
