package engine

import (
	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

// Column families are emulated with a short key prefix; pebble has a single
// keyspace. The prefix is part of every stored key, including keys inside
// externally prepared SST files.
const (
	CfData = "d"
	CfMeta = "m"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = pebble.ErrNotFound

// Entry is one mutation of an atomic write. A nil-Value entry with Delete
// set removes the key.
type Entry struct {
	Cf     string
	Key    []byte
	Value  []byte
	Delete bool
}

// DB is the narrow engine interface the write path consumes. The write-ahead
// log is disabled on the implementation; durability comes from the
// replication log.
type DB interface {
	// Get returns the stored value for (cf, key), or ErrNotFound.
	Get(cf string, key []byte) ([]byte, error)
	// Write applies all entries in one atomic batch.
	Write(entries []Entry) error
	// Ingest moves externally prepared SST files into the keyspace.
	Ingest(paths []string) error
	Close() error
}

// KeyWithCF prepends the column-family prefix to a key.
func KeyWithCF(cf string, key []byte) []byte {
	return append([]byte(cf+"_"), key...)
}

// Pebble is the production DB backed by a cockroachdb/pebble store.
type Pebble struct {
	db     *pebble.DB
	logger *zap.Logger
}

// pebbleLogger adapts zap to pebble's event logger.
type pebbleLogger struct {
	l *zap.SugaredLogger
}

func (p pebbleLogger) Infof(format string, args ...interface{})  { p.l.Infof(format, args...) }
func (p pebbleLogger) Errorf(format string, args ...interface{}) { p.l.Errorf(format, args...) }
func (p pebbleLogger) Fatalf(format string, args ...interface{}) { p.l.Fatalf(format, args...) }

// Open opens (or creates) the store at dir with the WAL disabled.
func Open(dir string, logger *zap.Logger) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: true,
		Logger:     pebbleLogger{l: logger.Named("pebble").Sugar()},
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Engine opened", zap.String("dir", dir))
	return &Pebble{db: db, logger: logger}, nil
}

// Get returns a copy of the stored value for (cf, key).
func (p *Pebble) Get(cf string, key []byte) ([]byte, error) {
	val, closer, err := p.db.Get(KeyWithCF(cf, key))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// Write applies the entries atomically. Sync is left off: the WAL is
// disabled anyway and the replication log already made the mutation durable.
func (p *Pebble) Write(entries []Entry) error {
	b := p.db.NewBatch()
	defer b.Close()
	for _, e := range entries {
		var err error
		if e.Delete {
			err = b.Delete(KeyWithCF(e.Cf, e.Key), nil)
		} else {
			err = b.Set(KeyWithCF(e.Cf, e.Key), e.Value, nil)
		}
		if err != nil {
			return err
		}
	}
	return b.Commit(pebble.NoSync)
}

// Ingest hands the prepared SST files to pebble's external-file ingestion.
func (p *Pebble) Ingest(paths []string) error {
	return p.db.Ingest(paths)
}

// Close closes the underlying store.
func (p *Pebble) Close() error {
	return p.db.Close()
}
