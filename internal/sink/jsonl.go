package sink

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Facts layout under the run directory.
const (
	FactsDir                 = "facts"
	FactsRunManifestFile     = "run_manifest.json"
	FactsTrialsFile          = "trials.jsonl"
	FactsMetricsLongFile     = "metrics_long.jsonl"
	FactsEventsFile          = "events.jsonl"
	FactsVariantSnapshotFile = "variant_snapshots.jsonl"
)

// JSONLSink appends fact rows to the facts/ JSONL files. Flush pushes the
// buffered writers and syncs the files; the committer requires a successful
// flush before schedule progress may advance.
type JSONLSink struct {
	manifestPath string

	trials           *appendWriter
	metrics          *appendWriter
	events           *appendWriter
	variantSnapshots *appendWriter
}

type appendWriter struct {
	f *os.File
	w *bufio.Writer
}

func openAppend(path string) (*appendWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filepath.Base(path))
	}
	return &appendWriter{f: f, w: bufio.NewWriter(f)}, nil
}

func (a *appendWriter) appendRow(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := a.w.Write(raw); err != nil {
		return err
	}
	return a.w.WriteByte('\n')
}

func (a *appendWriter) flush() error {
	if err := a.w.Flush(); err != nil {
		return err
	}
	return a.f.Sync()
}

func (a *appendWriter) close() error {
	flushErr := a.flush()
	closeErr := a.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// NewJSONLSink opens (creating if needed) the facts directory under runDir.
func NewJSONLSink(runDir string) (*JSONLSink, error) {
	factsDir := filepath.Join(runDir, FactsDir)
	if err := os.MkdirAll(factsDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create facts dir")
	}
	s := &JSONLSink{manifestPath: filepath.Join(factsDir, FactsRunManifestFile)}
	var err error
	if s.trials, err = openAppend(filepath.Join(factsDir, FactsTrialsFile)); err != nil {
		return nil, err
	}
	if s.metrics, err = openAppend(filepath.Join(factsDir, FactsMetricsLongFile)); err != nil {
		return nil, err
	}
	if s.events, err = openAppend(filepath.Join(factsDir, FactsEventsFile)); err != nil {
		return nil, err
	}
	if s.variantSnapshots, err = openAppend(filepath.Join(factsDir, FactsVariantSnapshotFile)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLSink) WriteRunManifest(rec RunManifestRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.manifestPath, raw, 0o644)
}

func (s *JSONLSink) AppendTrialRecord(row TrialRecord) error {
	return s.trials.appendRow(row)
}

func (s *JSONLSink) AppendMetricRows(rows []MetricRow) error {
	for _, row := range rows {
		if err := s.metrics.appendRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSink) AppendEventRows(rows []EventRow) error {
	for _, row := range rows {
		if err := s.events.appendRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSink) AppendVariantSnapshots(rows []VariantSnapshotRow) error {
	for _, row := range rows {
		if err := s.variantSnapshots.appendRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLSink) Flush() error {
	for _, w := range []*appendWriter{s.trials, s.metrics, s.events, s.variantSnapshots} {
		if err := w.flush(); err != nil {
			return errors.Wrap(err, "flush fact sink")
		}
	}
	return nil
}

// Close flushes and closes every stream.
func (s *JSONLSink) Close() error {
	var firstErr error
	for _, w := range []*appendWriter{s.trials, s.metrics, s.events, s.variantSnapshots} {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
