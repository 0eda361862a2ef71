package model

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Document is the caller-owned model handle. Serialize writes the canonical
// on-disk representation; two documents that serialize to the same bytes are
// the same simulation input regardless of their in-memory state.
type Document interface {
	Serialize(w io.Writer) error
}

// RawDocument is a Document that is already in canonical form.
type RawDocument []byte

// Serialize writes the raw bytes unchanged.
func (d RawDocument) Serialize(w io.Writer) error {
	_, err := w.Write(d)
	return err
}

// FileDocument is a Document read from a model file on disk.
type FileDocument string

// Serialize copies the file contents to w.
func (p FileDocument) Serialize(w io.Writer) error {
	f, err := os.Open(string(p))
	if err != nil {
		return fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read model file: %w", err)
	}
	return nil
}

// WeatherRef points at the weather input of a job. Path is a local weather
// file, URI is a remote or virtual source identified only by its reference
// string. At most one of them is set.
type WeatherRef struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	URI  string `json:"uri,omitempty" yaml:"uri,omitempty"`
}

// IsZero reports whether no weather input was given (design-day runs).
func (w WeatherRef) IsZero() bool {
	return w.Path == "" && w.URI == ""
}

// IsLocal reports whether the weather input is a local file.
func (w WeatherRef) IsLocal() bool {
	return w.Path != ""
}

// Options are the engine execution flags that affect results.
type Options struct {
	// DesignDay restricts the run to design-day periods.
	DesignDay bool `json:"design_day,omitempty" yaml:"design_day,omitempty"`

	// AnnualOnly forces a full weather-file run period.
	AnnualOnly bool `json:"annual_only,omitempty" yaml:"annual_only,omitempty"`

	// ExpandObjects runs the template-object expansion preprocessor.
	ExpandObjects bool `json:"expand_objects,omitempty" yaml:"expand_objects,omitempty"`

	// ReadVars runs the output-variable post processor.
	ReadVars bool `json:"read_vars,omitempty" yaml:"read_vars,omitempty"`

	// EngineVersion pins the engine release the job expects.
	EngineVersion string `json:"engine_version,omitempty" yaml:"engine_version,omitempty"`

	// Extra carries engine flags without a dedicated field.
	Extra map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// JobSpec describes one run of the engine. The scheduler never mutates it.
type JobSpec struct {
	Document  Document      `json:"-" yaml:"-"`
	Weather   WeatherRef    `json:"weather" yaml:"weather"`
	Options   Options       `json:"options" yaml:"options"`
	OutputDir string        `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Label     string        `json:"label,omitempty" yaml:"label,omitempty"`
}

// DisplayLabel returns the job label, or a positional name when none was set.
func (j JobSpec) DisplayLabel(index int) string {
	if j.Label != "" {
		return j.Label
	}
	return fmt.Sprintf("job-%d", index)
}
