package changelog

import (
	"fmt"
	"time"

	"github.com/andreyvit/ckv"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is the change log form of a committed ckv.ChangeSet. Values are
// not recorded, only which rows changed.
type Entry struct {
	Snapshot           uint64   `msgpack:"s"`
	Origin             uint64   `msgpack:"o"`
	Updated            []RowRef `msgpack:"u,omitempty"`
	Removed            []RowRef `msgpack:"r,omitempty"`
	RemovedCollections []string `msgpack:"rc,omitempty"`
	AllRemoved         bool     `msgpack:"all,omitempty"`
}

type RowRef struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Rowid      uint64
	Collection string
	Key        string
}

// String formats the row like ckv does. Rows removed together with their
// collection carry no identity and print as a bare rowid.
func (r RowRef) String() string {
	if r.Collection == "" && r.Key == "" {
		return fmt.Sprintf("#%d", r.Rowid)
	}
	return fmt.Sprintf("%s/%s#%d", r.Collection, r.Key, r.Rowid)
}

// NewEntry summarizes cs. Rows whose identity the change set does not know
// are recorded by rowid alone.
func NewEntry(cs *ckv.ChangeSet) *Entry {
	e := &Entry{
		Snapshot:           cs.Snapshot(),
		Origin:             cs.Origin(),
		RemovedCollections: cs.RemovedCollections(),
		AllRemoved:         cs.AllRemoved(),
	}
	ref := func(rowid ckv.Rowid) RowRef {
		id, _ := cs.Identity(rowid)
		return RowRef{Rowid: uint64(rowid), Collection: id.Collection, Key: id.Key}
	}
	for _, rowid := range cs.UpdatedRowids() {
		e.Updated = append(e.Updated, ref(rowid))
	}
	for _, rowid := range cs.RemovedRowids() {
		e.Removed = append(e.Removed, ref(rowid))
	}
	return e
}

func DecodeEntry(data []byte) (*Entry, error) {
	e := new(Entry)
	if err := msgpack.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("changelog: cannot decode entry: %w", err)
	}
	return e, nil
}

// Recorder is a ckv.Extension that appends every committed change set to
// a Log, one record per commit.
type Recorder struct {
	log *Log
	now func() time.Time
}

var _ ckv.Extension = (*Recorder)(nil)

const RecorderName = "changelog"

func NewRecorder(log *Log) *Recorder {
	return &Recorder{log: log, now: log.now}
}

func (r *Recorder) Log() *Log {
	return r.log
}

func (r *Recorder) Name() string {
	return RecorderName
}

func (r *Recorder) WriteBegan(tx *ckv.WriteTx) error {
	return nil
}

func (r *Recorder) WillCommit(tx *ckv.WriteTx, cs *ckv.ChangeSet) error {
	return nil
}

// DidCommit records cs. The database has already committed, so a failure
// is only logged; the log refuses further appends until reopened.
func (r *Recorder) DidCommit(cs *ckv.ChangeSet) {
	if cs.IsEmpty() {
		return
	}
	data, err := msgpack.Marshal(NewEntry(cs))
	if err == nil {
		err = r.log.Append(r.now(), data)
	}
	if err == nil {
		err = r.log.Commit()
	}
	if err != nil {
		r.log.logger.Error("changelog: cannot record change set", "snapshot", cs.Snapshot(), "err", err)
	}
}

func (r *Recorder) DidRollback(err error) {}
