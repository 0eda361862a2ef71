package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/simforge/internal/model"
)

var simulationDayRe = regexp.MustCompile(`(?:Starting|Continue) Simulation at (\d{1,2})/(\d{1,2})`)

// progressParser maps engine stdout lines to job phases. Percentages are only
// reported for full-period runs, where the simulated day of the year is a
// meaningful measure of progress.
type progressParser struct {
	fullPeriod bool
}

func newProgressParser(job model.JobSpec) *progressParser {
	o := job.Options
	return &progressParser{fullPeriod: o.AnnualOnly || (!o.DesignDay && !job.Weather.IsZero())}
}

// Parse reports the phase a line signals. ok is false for lines that carry no
// progress information.
func (p *progressParser) Parse(line string) (phase model.Phase, pct *float64, ok bool) {
	line = strings.TrimSpace(line)
	if strings.Contains(line, "Warming up") {
		return model.PhaseWarmingUp, nil, true
	}

	m := simulationDayRe.FindStringSubmatch(line)
	if m == nil {
		return "", nil, false
	}
	if !p.fullPeriod {
		return model.PhaseRunning, nil, true
	}

	month, _ := strconv.Atoi(m[1])
	day, _ := strconv.Atoi(m[2])
	doy, valid := dayOfYear(month, day)
	if !valid {
		return model.PhaseRunning, nil, true
	}
	v := float64(doy-1) / 365 * 100
	return model.PhaseRunning, &v, true
}

// dayOfYear uses a non-leap year, which is what typical weather years have.
func dayOfYear(month, day int) (int, bool) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, false
	}
	t := time.Date(2001, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if int(t.Month()) != month {
		return 0, false
	}
	return t.YearDay(), true
}
