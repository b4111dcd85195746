package sink

// BufferedSink collects rows in memory. Worker payloads use it so a trial's
// facts come back through the completion envelope instead of touching shared
// files from inside the executor.
type BufferedSink struct {
	manifest *RunManifestRecord
	rows     DeferredRows
}

func NewBufferedSink() *BufferedSink {
	return &BufferedSink{}
}

func (b *BufferedSink) WriteRunManifest(rec RunManifestRecord) error {
	b.manifest = &rec
	return nil
}

func (b *BufferedSink) AppendTrialRecord(row TrialRecord) error {
	b.rows.Trial = &row
	return nil
}

func (b *BufferedSink) AppendMetricRows(rows []MetricRow) error {
	b.rows.Metrics = append(b.rows.Metrics, rows...)
	return nil
}

func (b *BufferedSink) AppendEventRows(rows []EventRow) error {
	b.rows.Events = append(b.rows.Events, rows...)
	return nil
}

func (b *BufferedSink) AppendVariantSnapshots(rows []VariantSnapshotRow) error {
	b.rows.VariantSnapshots = append(b.rows.VariantSnapshots, rows...)
	return nil
}

// Flush is a no-op; durability belongs to the committer's sink.
func (b *BufferedSink) Flush() error { return nil }

// Drain returns the collected rows and resets the buffer.
func (b *BufferedSink) Drain() DeferredRows {
	out := b.rows
	b.rows = DeferredRows{}
	return out
}
