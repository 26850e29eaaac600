package ckv

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

type dbMetrics struct {
	set *metrics.Set

	objectHits     *metrics.Counter
	objectMisses   *metrics.Counter
	metadataHits   *metrics.Counter
	metadataMisses *metrics.Counter

	commits           *metrics.Counter
	rollbacks         *metrics.Counter
	rejected          *metrics.Counter
	changeSetsApplied *metrics.Counter

	writeWait     *metrics.Histogram
	writeDuration *metrics.Histogram
}

func newDBMetrics(db *DB) *dbMetrics {
	s := metrics.NewSet()
	m := &dbMetrics{
		set:               s,
		objectHits:        s.NewCounter(`ckv_cache_hits_total{part="object"}`),
		objectMisses:      s.NewCounter(`ckv_cache_misses_total{part="object"}`),
		metadataHits:      s.NewCounter(`ckv_cache_hits_total{part="metadata"}`),
		metadataMisses:    s.NewCounter(`ckv_cache_misses_total{part="metadata"}`),
		commits:           s.NewCounter(`ckv_commits_total`),
		rollbacks:         s.NewCounter(`ckv_rollbacks_total`),
		rejected:          s.NewCounter(`ckv_rejected_total`),
		changeSetsApplied: s.NewCounter(`ckv_changesets_applied_total`),
		writeWait:         s.NewHistogram(`ckv_write_wait_seconds`),
		writeDuration:     s.NewHistogram(`ckv_write_duration_seconds`),
	}
	s.NewGauge(`ckv_snapshot`, func() float64 {
		return float64(db.snapshot.Load())
	})
	s.NewGauge(`ckv_connections`, func() float64 {
		return float64(db.ConnCount())
	})
	s.NewGauge(`ckv_readers`, func() float64 {
		return float64(db.ReaderCount.Load())
	})
	s.NewGauge(`ckv_pending_writers`, func() float64 {
		return float64(db.PendingWriterCount.Load())
	})
	return m
}

func (m *dbMetrics) cacheLookup(part Part, hit bool) {
	switch {
	case part == PartObject && hit:
		m.objectHits.Inc()
	case part == PartObject:
		m.objectMisses.Inc()
	case hit:
		m.metadataHits.Inc()
	default:
		m.metadataMisses.Inc()
	}
}

// Metrics returns the database's metric set, suitable for registering with
// metrics.RegisterSet.
func (db *DB) Metrics() *metrics.Set {
	return db.metrics.set
}

// WritePrometheus writes the database's metrics in Prometheus text format.
func (db *DB) WritePrometheus(w io.Writer) {
	db.metrics.set.WritePrometheus(w)
}

type Stats struct {
	Snapshot       uint64
	Connections    int
	Readers        int64
	Writers        int64
	PendingWriters int64
	Reads          uint64
	Writes         uint64
	Commits        uint64
	Rollbacks      uint64
	Rejected       uint64
	CacheHits      uint64
	CacheMisses    uint64
}

func (db *DB) Stats() Stats {
	m := db.metrics
	return Stats{
		Snapshot:       db.snapshot.Load(),
		Connections:    db.ConnCount(),
		Readers:        db.ReaderCount.Load(),
		Writers:        db.WriterCount.Load(),
		PendingWriters: db.PendingWriterCount.Load(),
		Reads:          db.ReadCount.Load(),
		Writes:         db.WriteCount.Load(),
		Commits:        m.commits.Get(),
		Rollbacks:      m.rollbacks.Get(),
		Rejected:       m.rejected.Get(),
		CacheHits:      m.objectHits.Get() + m.metadataHits.Get(),
		CacheMisses:    m.objectMisses.Get() + m.metadataMisses.Get(),
	}
}

// StoreStats describes the stored data as seen by one transaction.
type StoreStats struct {
	Collections int
	Rows        int
	Size        int64
}

func (tx *ReadTx) StoreStats() (StoreStats, error) {
	colls, err := tx.Collections()
	if err != nil {
		return StoreStats{}, err
	}
	return StoreStats{
		Collections: len(colls),
		Rows:        tx.countRows(),
		Size:        tx.stx.Size(),
	}, nil
}
