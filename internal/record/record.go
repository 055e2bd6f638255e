// Package record writes the per-run CSV artefacts: roaming events, fired
// triggers, station positions and an appended cross-run summary.
package record

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/signalsfoundry/roaming-simulator/model"
)

// SummaryFile is the name of the cross-run summary inside the output dir.
const SummaryFile = "roaming_summary.csv"

var (
	eventHeader    = []string{"time_s", "type", "ap"}
	triggerHeader  = []string{"time_s", "serving", "target", "serving_dbm", "target_dbm"}
	positionHeader = []string{"time_s", "x", "y", "serving", "serving_dbm", "best_alt_dbm"}
	summaryHeader  = []string{"apDistance", "staSpeed", "moveStart", "seed", "triggers", "roams", "firstRoamS", "meanServingDbm"}
)

// table is a CSV writer that emits its header before the first row and
// flushes after every row.
type table struct {
	w      *csv.Writer
	header []string
	wrote  bool
}

func newTable(w io.Writer, header []string) *table {
	return &table{w: csv.NewWriter(w), header: header}
}

func (t *table) write(row []string) error {
	if !t.wrote {
		if err := t.w.Write(t.header); err != nil {
			return err
		}
		t.wrote = true
	}
	if err := t.w.Write(row); err != nil {
		return err
	}
	t.w.Flush()
	return t.w.Error()
}

func seconds(epoch, t time.Time) string {
	return strconv.FormatFloat(t.Sub(epoch).Seconds(), 'f', 3, 64)
}

func dbm(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// EventLog records confirmed roam events and fired triggers, timestamped in
// seconds since epoch.
type EventLog struct {
	epoch    time.Time
	events   *table
	triggers *table
}

// NewEventLog writes roam events to events and triggers to triggers. Either
// writer may be nil to skip that table.
func NewEventLog(epoch time.Time, events, triggers io.Writer) *EventLog {
	l := &EventLog{epoch: epoch}
	if events != nil {
		l.events = newTable(events, eventHeader)
	}
	if triggers != nil {
		l.triggers = newTable(triggers, triggerHeader)
	}
	return l
}

// Roam appends one roam event.
func (l *EventLog) Roam(ev model.RoamEvent) error {
	if l == nil || l.events == nil {
		return nil
	}
	return l.events.write([]string{seconds(l.epoch, ev.Time), ev.Kind.String(), ev.To})
}

// Trigger appends one fired trigger.
func (l *EventLog) Trigger(ev model.TriggerEvent) error {
	if l == nil || l.triggers == nil {
		return nil
	}
	return l.triggers.write([]string{
		seconds(l.epoch, ev.Time),
		ev.ServingAP,
		ev.TargetAP,
		dbm(ev.ServingDbm),
		dbm(ev.TargetDbm),
	})
}

// PositionSample is one periodic observation of the station.
type PositionSample struct {
	Time       time.Time
	Position   model.Point
	Serving    string
	ServingDbm float64
	// BestAlt is the strongest non-serving AP, empty when there is none.
	BestAlt    string
	BestAltDbm float64
}

// PositionLog records periodic station samples and keeps the serving signal
// levels for the summary mean.
type PositionLog struct {
	epoch   time.Time
	table   *table
	serving []float64
}

// NewPositionLog writes samples to w; a nil w only accumulates statistics.
func NewPositionLog(epoch time.Time, w io.Writer) *PositionLog {
	l := &PositionLog{epoch: epoch}
	if w != nil {
		l.table = newTable(w, positionHeader)
	}
	return l
}

// Sample appends one observation. Samples without a serving AP are written
// but do not count towards the mean.
func (l *PositionLog) Sample(s PositionSample) error {
	servingDbm, altDbm := "", ""
	if s.Serving != "" {
		l.serving = append(l.serving, s.ServingDbm)
		servingDbm = dbm(s.ServingDbm)
	}
	if s.BestAlt != "" {
		altDbm = dbm(s.BestAltDbm)
	}
	if l.table == nil {
		return nil
	}
	return l.table.write([]string{
		seconds(l.epoch, s.Time),
		strconv.FormatFloat(s.Position.X, 'f', 3, 64),
		strconv.FormatFloat(s.Position.Y, 'f', 3, 64),
		s.Serving,
		servingDbm,
		altDbm,
	})
}

// MeanServingDbm returns the mean serving signal over all associated
// samples, or NaN when there were none.
func (l *PositionLog) MeanServingDbm() float64 {
	return stat.Mean(l.serving, nil)
}

// Summary is one row of the cross-run summary.
type Summary struct {
	APDistance   float64
	StationSpeed float64
	MoveStart    time.Duration
	Seed         uint64
	Triggers     int
	Roams        int
	// FirstRoam is the offset of the first ROAM event, or negative if the
	// station never roamed.
	FirstRoam      time.Duration
	MeanServingDbm float64
}

func (s Summary) row() []string {
	first := "-1"
	if s.FirstRoam >= 0 {
		first = strconv.FormatFloat(s.FirstRoam.Seconds(), 'f', 3, 64)
	}
	return []string{
		strconv.FormatFloat(s.APDistance, 'g', -1, 64),
		strconv.FormatFloat(s.StationSpeed, 'g', -1, 64),
		strconv.FormatFloat(s.MoveStart.Seconds(), 'g', -1, 64),
		strconv.FormatUint(s.Seed, 10),
		strconv.Itoa(s.Triggers),
		strconv.Itoa(s.Roams),
		first,
		dbm(s.MeanServingDbm),
	}
}

// AppendSummary appends s to the CSV at path, writing the header first when
// the file is new or empty.
func AppendSummary(path string, s Summary) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open summary: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close summary: %w", cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat summary: %w", err)
	}
	t := newTable(f, summaryHeader)
	t.wrote = info.Size() > 0
	if err := t.write(s.row()); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// Files owns the per-run output files in one directory.
type Files struct {
	Dir       string
	Events    *EventLog
	Positions *PositionLog

	closers []io.Closer
}

// Create opens roaming_events_<tag>.csv, triggers_<tag>.csv and
// sta_pos_<tag>.csv under dir, creating dir if needed. Existing files are
// truncated.
func Create(dir, tag string, epoch time.Time) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	files := &Files{Dir: dir}
	open := func(name string) (io.Writer, error) {
		f, err := os.Create(filepath.Join(dir, name+"_"+tag+".csv"))
		if err != nil {
			return nil, err
		}
		files.closers = append(files.closers, f)
		return f, nil
	}

	events, err := open("roaming_events")
	if err != nil {
		return nil, errors.Join(err, files.Close())
	}
	triggers, err := open("triggers")
	if err != nil {
		return nil, errors.Join(err, files.Close())
	}
	positions, err := open("sta_pos")
	if err != nil {
		return nil, errors.Join(err, files.Close())
	}
	files.Events = NewEventLog(epoch, events, triggers)
	files.Positions = NewPositionLog(epoch, positions)
	return files, nil
}

// SummaryPath is where AppendSummary should write for this directory.
func (f *Files) SummaryPath() string {
	return filepath.Join(f.Dir, SummaryFile)
}

// Close closes every file, returning all close errors joined.
func (f *Files) Close() error {
	var errs []error
	for _, c := range f.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.closers = nil
	return errors.Join(errs...)
}
