// Package jobs loads the fixed set of job definitions from a YAML file at
// startup.
//
// Example:
//
//	jobs:
//	  - id: geo-reimport
//	    name: Quarterly geodata re-import
//	    cron: "0 3 1 */3 *"
//	    max_retries: 3
//	    retry_delay: 5m
//	    timeout: 2h
//	    recipients: [gis-ops@example.com]
//	    handler:
//	      kind: shell
//	      command: /opt/geo/bin/reimport
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"jobkeeper/internal/domain"
	"jobkeeper/internal/scheduler"
)

const (
	DefaultRetryDelay = time.Minute
	DefaultTimeout    = time.Hour
)

// Factory builds a handler from its JSON configuration.
type Factory func(payload json.RawMessage) (domain.Handler, error)

type file struct {
	Jobs []entry `yaml:"jobs"`
}

type entry struct {
	ID           string         `yaml:"id"`
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Cron         string         `yaml:"cron"`
	Enabled      *bool          `yaml:"enabled"`
	MaxRetries   int            `yaml:"max_retries"`
	RetryDelay   *time.Duration `yaml:"retry_delay"`
	Timeout      *time.Duration `yaml:"timeout"`
	Recipients   []string       `yaml:"recipients"`
	FatalCodes   []string       `yaml:"fatal_codes"`
	ProgressStat string         `yaml:"progress_stat"`
	Handler      map[string]any `yaml:"handler"`
}

// Load reads and validates the definitions file at path.
func Load(path string, factories map[string]Factory) ([]domain.JobDefinition, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job definitions: %w", err)
	}
	defs, err := Parse(bytes.NewReader(b), factories)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

func Parse(r io.Reader, factories map[string]Factory) ([]domain.JobDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode job definitions: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Jobs))
	defs := make([]domain.JobDefinition, 0, len(f.Jobs))
	for i, s := range f.Jobs {
		def, err := s.build(factories)
		if err != nil {
			return nil, fmt.Errorf("job #%d (%s): %w", i+1, s.ID, err)
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("duplicate job id %q", def.ID)
		}
		seen[def.ID] = struct{}{}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s entry) build(factories map[string]Factory) (domain.JobDefinition, error) {
	if s.ID == "" {
		return domain.JobDefinition{}, errors.New("id is required")
	}
	if err := scheduler.ValidateCronExpression(s.Cron); err != nil {
		return domain.JobDefinition{}, fmt.Errorf("invalid cron %q: %w", s.Cron, err)
	}
	if s.MaxRetries < 0 {
		return domain.JobDefinition{}, errors.New("max_retries must not be negative")
	}

	handler, err := buildHandler(s.Handler, factories)
	if err != nil {
		return domain.JobDefinition{}, err
	}

	def := domain.JobDefinition{
		ID:           s.ID,
		Name:         s.Name,
		Description:  s.Description,
		CronExpr:     s.Cron,
		Enabled:      true,
		MaxRetries:   s.MaxRetries,
		RetryDelay:   DefaultRetryDelay,
		Timeout:      DefaultTimeout,
		Recipients:   s.Recipients,
		FatalCodes:   s.FatalCodes,
		ProgressStat: s.ProgressStat,
		Handler:      handler,
	}
	if def.Name == "" {
		def.Name = s.ID
	}
	if s.Enabled != nil {
		def.Enabled = *s.Enabled
	}
	if s.RetryDelay != nil {
		def.RetryDelay = *s.RetryDelay
	}
	if s.Timeout != nil {
		def.Timeout = *s.Timeout
	}
	return def, nil
}

func buildHandler(cfg map[string]any, factories map[string]Factory) (domain.Handler, error) {
	kind, _ := cfg["kind"].(string)
	if kind == "" {
		return nil, errors.New("handler.kind is required")
	}
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown handler kind %q", kind)
	}

	rest := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if k != "kind" {
			rest[k] = v
		}
	}
	payload, err := json.Marshal(rest)
	if err != nil {
		return nil, fmt.Errorf("encode handler config: %w", err)
	}
	h, err := factory(payload)
	if err != nil {
		return nil, fmt.Errorf("%s handler: %w", kind, err)
	}
	return h, nil
}
