// Package seed loads demo subjects and records from YAML and writes them
// through the normal ledger append path.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/medchain/internal/ir"
	"github.com/roach88/medchain/internal/ledger"
)

// Fixture is a seed file.
type Fixture struct {
	Subjects []Subject `yaml:"subjects"`
}

// Subject is one patient: the genesis payload plus the records that follow.
type Subject struct {
	ID      string         `yaml:"id"`
	Genesis map[string]any `yaml:"genesis"`
	Records []Record       `yaml:"records,omitempty"`
}

// Record is one entry in a non-genesis lane.
type Record struct {
	Category string         `yaml:"category"`
	RecordID string         `yaml:"record_id,omitempty"`
	Fields   map[string]any `yaml:"fields"`
}

// Appender is the part of the ledger seeding writes through.
type Appender interface {
	Genesis(ctx context.Context, subject ir.SubjectID, payload ir.IRObject) (ir.LedgerEntry, error)
	Append(ctx context.Context, subject ir.SubjectID, category ir.Category, recordID string, payload ir.IRObject) (ir.LedgerEntry, error)
}

// Result counts what Apply did.
type Result struct {
	Subjects int `json:"subjects"`
	Skipped  int `json:"skipped"`
	Entries  int `json:"entries"`
}

func (r Result) String() string {
	return fmt.Sprintf("seeded %d subjects (%d skipped), %d entries", r.Subjects, r.Skipped, r.Entries)
}

// Load reads a seed file. Unknown keys are rejected.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates seed YAML.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse seed YAML: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}
	return &f, nil
}

func (f *Fixture) validate() error {
	if len(f.Subjects) == 0 {
		return errors.New("subjects list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(f.Subjects))
	for i, s := range f.Subjects {
		if s.ID == "" {
			return fmt.Errorf("subjects[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("subjects[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
		if len(s.Genesis) == 0 {
			return fmt.Errorf("subjects[%d]: genesis is required", i)
		}
		for j, r := range s.Records {
			if r.Category == "" {
				return fmt.Errorf("subjects[%d].records[%d]: category is required", i, j)
			}
			if ir.Category(r.Category) == ir.CategoryGenesis {
				return fmt.Errorf("subjects[%d].records[%d]: genesis belongs in the genesis key", i, j)
			}
		}
	}
	return nil
}

// Apply writes the fixture. A subject whose genesis already exists is
// skipped entirely, so running the same file twice adds nothing.
func Apply(ctx context.Context, l Appender, f *Fixture) (Result, error) {
	var res Result
	for _, s := range f.Subjects {
		subject := ir.SubjectID(s.ID)

		payload, err := ir.NewPayload(s.Genesis)
		if err != nil {
			return res, fmt.Errorf("subject %s: genesis: %w", s.ID, err)
		}
		if _, err := l.Genesis(ctx, subject, payload); err != nil {
			if ledger.IsGenesisExists(err) {
				slog.Debug("seed subject already present", "subject", s.ID)
				res.Skipped++
				continue
			}
			return res, fmt.Errorf("subject %s: genesis: %w", s.ID, err)
		}
		res.Subjects++
		res.Entries++

		for _, r := range s.Records {
			payload, err := ir.NewPayload(r.Fields)
			if err != nil {
				return res, fmt.Errorf("subject %s: %s: %w", s.ID, r.Category, err)
			}
			if _, err := l.Append(ctx, subject, ir.Category(r.Category), r.RecordID, payload); err != nil {
				return res, fmt.Errorf("subject %s: %s: %w", s.ID, r.Category, err)
			}
			res.Entries++
		}
	}

	slog.Info("seed applied", "subjects", res.Subjects, "skipped", res.Skipped, "entries", res.Entries)
	return res, nil
}
