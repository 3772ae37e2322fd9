package pipeline

import (
	"fmt"
	"os"

	"relex-backend/internal/toolchain"

	"gopkg.in/yaml.v2"
)

// DefaultRunCount matches the original five-seed ensemble setup.
const DefaultRunCount = 5

const DefaultDataset = "test"

type RunSpec struct {
	Id   string `yaml:"id"`
	Seed int64  `yaml:"seed"`
}

// Manifest is the declarative description of a pipeline: which dataset to
// ensemble over and which seeded runs to train.
type Manifest struct {
	Name                string    `yaml:"name"`
	Dataset             string    `yaml:"dataset"`
	PositionalAttention *bool     `yaml:"positional_attention"`
	Runs                []RunSpec `yaml:"runs"`
}

// DefaultManifest reproduces the original pipeline: five runs with ids 01-05,
// seeds equal to the run number, diagonal positional attention on, ensembled
// on the test split.
func DefaultManifest() Manifest {
	m := Manifest{Name: "ensemble", Dataset: DefaultDataset}
	for i := 1; i <= DefaultRunCount; i++ {
		id, _ := toolchain.FormatRunId(i)
		m.Runs = append(m.Runs, RunSpec{Id: id, Seed: int64(i)})
	}
	return m
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("could not read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("could not parse manifest %s: %w", path, err)
	}

	if m.Name == "" {
		m.Name = "ensemble"
	}
	if m.Dataset == "" {
		m.Dataset = DefaultDataset
	}
	if len(m.Runs) == 0 {
		m.Runs = DefaultManifest().Runs
	}

	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	return m, nil
}

func (m Manifest) Validate() error {
	if m.Dataset == "" {
		return fmt.Errorf("dataset must not be empty")
	}
	if len(m.Runs) == 0 {
		return fmt.Errorf("at least one run is required")
	}

	seen := make(map[string]struct{}, len(m.Runs))
	for _, run := range m.Runs {
		if err := toolchain.ValidateRunId(run.Id); err != nil {
			return err
		}
		if _, ok := seen[run.Id]; ok {
			return fmt.Errorf("duplicate run id %q", run.Id)
		}
		seen[run.Id] = struct{}{}
	}

	return nil
}

// Attention reports whether runs pass --diagonal_positional_attention. The
// original pipeline always did, so an unset field defaults to true.
func (m Manifest) Attention() bool {
	return m.PositionalAttention == nil || *m.PositionalAttention
}
