package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/simforge/internal/model"
)

// manifest is the YAML description of a batch for "simforge run". Relative
// paths are resolved against the manifest's directory.
//
//	defaults:
//	  weather: {path: weather/denver.epw}
//	  options: {annual_only: true}
//	  timeout: 30m
//	jobs:
//	  - model: models/baseline.idf
//	    output_dir: out/baseline
//	  - model: models/retrofit.idf
//	    output_dir: out/retrofit
//	    options: {design_day: true}
type manifest struct {
	Defaults manifestJob   `yaml:"defaults"`
	Jobs     []manifestJob `yaml:"jobs"`
}

type manifestJob struct {
	Model     string            `yaml:"model"`
	Weather   *model.WeatherRef `yaml:"weather"`
	Options   *model.Options    `yaml:"options"`
	OutputDir string            `yaml:"output_dir"`
	Timeout   string            `yaml:"timeout"`
	Label     string            `yaml:"label"`
}

// loadManifest reads a manifest file and turns it into job specs.
func loadManifest(path string) ([]model.JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	return parseManifest(data, filepath.Dir(path))
}

func parseManifest(data []byte, baseDir string) ([]model.JobSpec, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	if len(m.Jobs) == 0 {
		return nil, errors.New("manifest has no jobs")
	}

	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	jobs := make([]model.JobSpec, len(m.Jobs))
	for i, mj := range m.Jobs {
		if mj.Model == "" {
			return nil, errors.Newf("job %d: model is required", i)
		}

		weather := m.Defaults.Weather
		if mj.Weather != nil {
			weather = mj.Weather
		}
		opts := m.Defaults.Options
		if mj.Options != nil {
			opts = mj.Options
		}
		timeout := m.Defaults.Timeout
		if mj.Timeout != "" {
			timeout = mj.Timeout
		}

		j := model.JobSpec{
			Document:  model.FileDocument(resolve(mj.Model)),
			OutputDir: resolve(mj.OutputDir),
			Label:     mj.Label,
		}
		if weather != nil {
			if weather.Path != "" && weather.URI != "" {
				return nil, errors.Newf("job %d: weather path and uri are mutually exclusive", i)
			}
			j.Weather = model.WeatherRef{Path: resolve(weather.Path), URI: weather.URI}
		}
		if opts != nil {
			j.Options = *opts
		}
		if timeout != "" {
			d, err := time.ParseDuration(timeout)
			if err != nil {
				return nil, errors.Wrapf(err, "job %d: parse timeout", i)
			}
			j.Timeout = d
		}
		if j.Label == "" {
			j.Label = trimExt(filepath.Base(mj.Model))
		}
		jobs[i] = j
	}
	return jobs, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
