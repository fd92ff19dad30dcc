package bench

import (
	"fmt"
	"io"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Report is the persisted form of the root's Result.
type Report struct {
	Processes int     `yaml:"processes"`
	Root      int     `yaml:"root"`
	Strategy  string  `yaml:"strategy"`
	ArraySize int     `yaml:"array_size"`
	Seed      uint64  `yaml:"seed"`
	Seconds   float64 `yaml:"seconds"`
	Timestamp string  `yaml:"timestamp"`
}

func NewReport(res Result, at time.Time) Report {
	return Report{
		Processes: res.Size,
		Root:      res.Root,
		Strategy:  res.Strategy.String(),
		ArraySize: res.ArraySize,
		Seed:      res.Seed,
		Seconds:   res.Elapsed.Seconds(),
		Timestamp: at.UTC().Format(time.RFC3339),
	}
}

func WriteReport(w io.Writer, r Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	return enc.Close()
}

func ReadReport(r io.Reader) (Report, error) {
	var rep Report
	if err := yaml.NewDecoder(r).Decode(&rep); err != nil {
		return Report{}, fmt.Errorf("decoding report: %w", err)
	}
	return rep, nil
}
