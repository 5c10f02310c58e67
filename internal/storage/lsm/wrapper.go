package lsm

import (
	"strconv"
	"time"

	"github.com/pingcap/failpoint"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/driftkv/replica-node/internal/codec"
	"github.com/driftkv/replica-node/internal/status"
	"github.com/driftkv/replica-node/internal/storage/engine"
)

// Meta column-family keys.
const (
	MetaLastFlushedDecree = "last_flushed_decree"
	MetaDataVersion       = "data_version"
)

// Named fault-injection sites. Tests arm them with
// failpoint.Enable(name, "return(<code>)"); outside tests every Eval is a
// registry miss.
const (
	FailpointWriteBatchPut    = "db_write_batch_put"
	FailpointWriteBatchDelete = "db_write_batch_delete"
	FailpointWrite            = "db_write"
	FailpointGet              = "db_get"
)

func injectedStatus(site string) (status.Code, bool) {
	if v, err := failpoint.Eval(site); err == nil {
		if n, ok := v.(int); ok {
			return status.Code(n), true
		}
	}
	return status.Ok, false
}

// GetContext is the result of a wrapper read.
type GetContext struct {
	// RawValue is the encoded record as stored in the data column family.
	RawValue []byte
	// Found reports whether the key exists in the engine at all.
	Found bool
	// ExpireTs is the expiration timestamp decoded from the record.
	ExpireTs uint32
	// Expired reports whether the record is logically absent.
	Expired bool
}

// Wrapper buffers mutations of a single decree and commits them as one
// atomic engine write that also advances the last-flushed-decree marker.
// It borrows the engine handle from the replica server; the single apply
// thread is the only writer, so the batch needs no locking.
type Wrapper struct {
	db     engine.DB
	logger *zap.Logger

	clusterID   uint8
	dataVersion uint32

	// defaultTTL is read on every write and updated by a control-plane
	// callback on another thread.
	defaultTTL atomic.Uint32

	batch        []engine.Entry
	expiredReads prometheus.Counter
}

// NewWrapper opens the wrapper over db. The record-format version is read
// from the meta column family; a fresh replica is stamped with the current
// version.
func NewWrapper(db engine.DB, clusterID uint8, expiredReads prometheus.Counter, logger *zap.Logger) (*Wrapper, error) {
	w := &Wrapper{
		db:           db,
		logger:       logger,
		clusterID:    clusterID,
		expiredReads: expiredReads,
	}

	raw, err := db.Get(engine.CfMeta, []byte(MetaDataVersion))
	switch {
	case err == engine.ErrNotFound:
		w.dataVersion = codec.CurrentDataVersion
		err = db.Write([]engine.Entry{{
			Cf:    engine.CfMeta,
			Key:   []byte(MetaDataVersion),
			Value: []byte(strconv.FormatUint(uint64(w.dataVersion), 10)),
		}})
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		version, perr := strconv.ParseUint(string(raw), 10, 32)
		if perr != nil {
			return nil, perr
		}
		w.dataVersion = uint32(version)
	}

	logger.Info("LSM wrapper initialized",
		zap.Uint32("data_version", w.dataVersion),
		zap.Uint8("cluster_id", clusterID))
	return w, nil
}

// DataVersion returns the record-format version of this replica.
func (w *Wrapper) DataVersion() uint32 { return w.dataVersion }

// SetDefaultTTL installs the table-level default TTL in seconds.
func (w *Wrapper) SetDefaultTTL(ttl uint32) {
	if w.defaultTTL.Swap(ttl) != ttl {
		w.logger.Info("Default TTL changed", zap.Uint32("ttl_seconds", ttl))
	}
}

// DefaultTTL returns the table-level default TTL in seconds.
func (w *Wrapper) DefaultTTL() uint32 { return w.defaultTTL.Load() }

// BatchCount returns the number of buffered mutations.
func (w *Wrapper) BatchCount() int { return len(w.batch) }

// ResetBatch discards all buffered mutations.
func (w *Wrapper) ResetBatch() { w.batch = w.batch[:0] }

// WriteBatchPut buffers a record write. Under VerifyTimetag the stored
// record's timetag is compared first: if it is greater than or equal to the
// incoming one, the put degrades to a null write (empty key, empty value) so
// the decree still advances without touching user data.
func (w *Wrapper) WriteBatchPut(ctx WriteContext, rawKey, value []byte, expireSec uint32) status.Code {
	if st, ok := injectedStatus(FailpointWriteBatchPut); ok {
		return st
	}

	var timetag uint64
	if ctx.IsDuplicated() {
		timetag = ctx.RemoteTimetag
	} else {
		timetag = codec.Timetag(ctx.TimestampUs, w.clusterID, false)
	}

	if ctx.VerifyTimetag && w.dataVersion >= codec.DataVersion1 && len(rawKey) > 0 {
		var get GetContext
		if st := w.Get(rawKey, &get); st != status.Ok {
			return st
		}
		if get.Found && !get.Expired {
			stored, err := codec.DecodeTimetag(get.RawValue)
			if err != nil {
				w.logger.Error("Undecodable record during timetag verification",
					zap.Int64("decree", ctx.Decree), zap.Error(err))
				return status.Corruption
			}
			// Version-0 records decode to timetag 0 and always lose.
			if stored >= timetag {
				rawKey, value = nil, nil
			}
		}
	}

	record := codec.Record{
		Version:  w.dataVersion,
		ExpireTs: w.effectiveExpireTs(expireSec),
		Timetag:  timetag,
		Value:    value,
	}
	encoded, err := codec.EncodeRecord(record)
	if err != nil {
		w.logger.Error("Record encoding failed", zap.Int64("decree", ctx.Decree), zap.Error(err))
		return status.InvalidArgument
	}

	w.batch = append(w.batch, engine.Entry{Cf: engine.CfData, Key: rawKey, Value: encoded})
	return status.Ok
}

// WriteBatchPutLocal buffers a record write stamped with a local timetag at
// the current wall clock, for operations that are never duplicated.
func (w *Wrapper) WriteBatchPutLocal(decree int64, rawKey, value []byte, expireSec uint32) status.Code {
	ctx := LocalWriteContext(decree, uint64(time.Now().UnixMicro()))
	return w.WriteBatchPut(ctx, rawKey, value, expireSec)
}

// WriteBatchDelete buffers a tombstone for rawKey.
func (w *Wrapper) WriteBatchDelete(decree int64, rawKey []byte) status.Code {
	if st, ok := injectedStatus(FailpointWriteBatchDelete); ok {
		return st
	}
	w.batch = append(w.batch, engine.Entry{Cf: engine.CfData, Key: rawKey, Delete: true})
	return status.Ok
}

// Write commits the buffered batch atomically, advancing the
// last-flushed-decree marker in the same engine write. The batch is not
// cleared here; callers reset it on both the commit and abort paths.
func (w *Wrapper) Write(decree int64) status.Code {
	if st, ok := injectedStatus(FailpointWrite); ok {
		return st
	}

	entries := append(w.batch, engine.Entry{
		Cf:    engine.CfMeta,
		Key:   []byte(MetaLastFlushedDecree),
		Value: []byte(strconv.FormatInt(decree, 10)),
	})
	if err := w.db.Write(entries); err != nil {
		w.logger.Error("Engine write failed", zap.Int64("decree", decree), zap.Error(err))
		return status.IOError
	}
	return status.Ok
}

// Get reads the record at rawKey. A missing key is not an error: Found is
// false and the status is Ok. An expired record is returned with Expired set
// rather than being treated as missing, so callers can still inspect it.
func (w *Wrapper) Get(rawKey []byte, out *GetContext) status.Code {
	if st, ok := injectedStatus(FailpointGet); ok {
		return st
	}

	*out = GetContext{}
	raw, err := w.db.Get(engine.CfData, rawKey)
	if err == engine.ErrNotFound {
		return status.Ok
	}
	if err != nil {
		w.logger.Error("Engine read failed", zap.Error(err))
		return status.IOError
	}

	expire, err := codec.DecodeExpireTs(raw)
	if err != nil {
		w.logger.Error("Undecodable record", zap.Error(err))
		return status.Corruption
	}

	out.RawValue = raw
	out.Found = true
	out.ExpireTs = expire
	out.Expired = codec.Expired(expire, uint32(time.Now().Unix()))
	if out.Expired {
		w.expiredReads.Inc()
	}
	return status.Ok
}

// IngestFiles hands verified SST files to the engine's external-file ingest.
func (w *Wrapper) IngestFiles(paths []string) status.Code {
	if err := w.db.Ingest(paths); err != nil {
		w.logger.Error("External-file ingestion failed",
			zap.Strings("paths", paths), zap.Error(err))
		return status.IOError
	}
	return status.Ok
}

// LastFlushedDecree reads the flushed-decree marker; zero when the replica
// has not committed yet.
func (w *Wrapper) LastFlushedDecree() (int64, status.Code) {
	raw, err := w.db.Get(engine.CfMeta, []byte(MetaLastFlushedDecree))
	if err == engine.ErrNotFound {
		return 0, status.Ok
	}
	if err != nil {
		return 0, status.IOError
	}
	decree, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		return 0, status.Corruption
	}
	return decree, status.Ok
}

// effectiveExpireTs substitutes the table default TTL for writes that do not
// carry their own expiration.
func (w *Wrapper) effectiveExpireTs(expireSec uint32) uint32 {
	if expireSec == 0 {
		if ttl := w.defaultTTL.Load(); ttl != 0 {
			return uint32(time.Now().Unix()) + ttl
		}
	}
	return expireSec
}
