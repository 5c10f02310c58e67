package service

import (
	"bytes"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/driftkv/replica-node/internal/codec"
	"github.com/driftkv/replica-node/internal/model"
	"github.com/driftkv/replica-node/internal/replica"
	"github.com/driftkv/replica-node/internal/status"
	"github.com/driftkv/replica-node/internal/storage/lsm"
	"github.com/driftkv/replica-node/internal/util"
)

// writeServiceImpl implements the operation semantics on top of the LSM
// wrapper. It runs entirely on the apply thread; the only state it keeps
// between calls is the list of responses registered for deferred error
// population during a batch.
type writeServiceImpl struct {
	base    *replica.Base
	wrapper *lsm.Wrapper
	logger  *zap.Logger

	// responses registered by batch puts/removes; on a failed commit every
	// one of them is overwritten with the commit error.
	updateResponses []*model.ResponseHeader
}

func newWriteServiceImpl(base *replica.Base, wrapper *lsm.Wrapper, logger *zap.Logger) *writeServiceImpl {
	return &writeServiceImpl{base: base, wrapper: wrapper, logger: logger}
}

func (i *writeServiceImpl) fillHeader(h *model.ResponseHeader, decree int64) {
	h.AppID = i.base.AppID
	h.PartitionIndex = i.base.PartitionIndex
	h.Decree = decree
	h.Server = i.base.Address
}

// EmptyPut commits a null write so the flushed decree advances even when no
// user mutation applies.
func (i *writeServiceImpl) EmptyPut(decree int64) status.Code {
	// handlers fall back here after partial failures; drop anything they
	// already buffered
	i.wrapper.ResetBatch()
	st := i.wrapper.WriteBatchPutLocal(decree, nil, nil, 0)
	if st == status.Ok {
		st = i.wrapper.Write(decree)
	}
	i.clearUpBatchStates(decree, st)
	return st
}

func (i *writeServiceImpl) MultiPut(ctx lsm.WriteContext, req *model.MultiPutRequest, resp *model.UpdateResponse) status.Code {
	i.fillHeader(&resp.ResponseHeader, ctx.Decree)

	if len(req.Kvs) == 0 {
		resp.Error = status.InvalidArgument
		return i.EmptyPut(ctx.Decree)
	}

	st := status.Ok
	for _, kv := range req.Kvs {
		rawKey, err := codec.EncodeKey(req.HashKey, kv.SortKey)
		if err != nil {
			resp.Error = status.InvalidArgument
			return i.EmptyPut(ctx.Decree)
		}
		if st = i.wrapper.WriteBatchPut(ctx, rawKey, kv.Value, req.ExpireTsSeconds); st != status.Ok {
			break
		}
	}
	if st == status.Ok {
		st = i.wrapper.Write(ctx.Decree)
	}
	i.clearUpBatchStates(ctx.Decree, st)
	resp.Error = st
	return st
}

func (i *writeServiceImpl) MultiRemove(decree int64, req *model.MultiRemoveRequest, resp *model.MultiRemoveResponse) status.Code {
	i.fillHeader(&resp.ResponseHeader, decree)

	if len(req.SortKeys) == 0 {
		resp.Error = status.InvalidArgument
		return i.EmptyPut(decree)
	}

	st := status.Ok
	for _, sortKey := range req.SortKeys {
		rawKey, err := codec.EncodeKey(req.HashKey, sortKey)
		if err != nil {
			resp.Error = status.InvalidArgument
			return i.EmptyPut(decree)
		}
		if st = i.wrapper.WriteBatchDelete(decree, rawKey); st != status.Ok {
			break
		}
	}
	if st == status.Ok {
		st = i.wrapper.Write(decree)
	}
	i.clearUpBatchStates(decree, st)
	resp.Error = st
	if st == status.Ok {
		resp.Count = int64(len(req.SortKeys))
	}
	return st
}

func (i *writeServiceImpl) Incr(decree int64, req *model.IncrRequest, resp *model.IncrResponse) status.Code {
	i.fillHeader(&resp.ResponseHeader, decree)

	var get lsm.GetContext
	if st := i.wrapper.Get(req.Key, &get); st != status.Ok {
		resp.Error = st
		return st
	}

	recordAlive := get.Found && !get.Expired
	var oldValue []byte
	if recordAlive {
		rec, err := codec.DecodeRecord(get.RawValue)
		if err != nil {
			i.logger.Error("Undecodable record during incr", zap.Int64("decree", decree), zap.Error(err))
			resp.Error = status.Corruption
			return status.Corruption
		}
		oldValue = rec.Value
	}

	var newValue int64
	if !recordAlive || len(oldValue) == 0 {
		newValue = req.Increment
	} else {
		old, err := strconv.ParseInt(string(oldValue), 10, 64)
		if err != nil {
			resp.Error = status.InvalidArgument
			return i.EmptyPut(decree)
		}
		newValue = old + req.Increment
		if (req.Increment > 0 && newValue < old) || (req.Increment < 0 && newValue > old) {
			resp.Error = status.InvalidArgument
			resp.NewValue = old
			return i.EmptyPut(decree)
		}
	}

	var newExpire uint32
	switch {
	case req.ExpireTsSeconds == 0:
		if recordAlive {
			newExpire = get.ExpireTs
		}
	case req.ExpireTsSeconds < 0:
		newExpire = 0
	default:
		newExpire = uint32(req.ExpireTsSeconds)
	}

	st := i.wrapper.WriteBatchPutLocal(decree, req.Key,
		[]byte(strconv.FormatInt(newValue, 10)), newExpire)
	if st == status.Ok {
		st = i.wrapper.Write(decree)
	}
	i.clearUpBatchStates(decree, st)
	resp.Error = st
	if st == status.Ok {
		resp.NewValue = newValue
	}
	return st
}

func (i *writeServiceImpl) CheckAndSet(decree int64, req *model.CheckAndSetRequest, resp *model.CheckAndSetResponse) status.Code {
	i.fillHeader(&resp.ResponseHeader, decree)

	if !isCheckTypeSupported(req.CheckType) {
		i.logger.Error("Invalid check type", zap.Int64("decree", decree),
			zap.Int32("check_type", int32(req.CheckType)))
		resp.Error = status.InvalidArgument
		return i.EmptyPut(decree)
	}

	checkKey, err := codec.EncodeKey(req.HashKey, req.CheckSortKey)
	if err != nil {
		resp.Error = status.InvalidArgument
		return i.EmptyPut(decree)
	}

	var get lsm.GetContext
	if st := i.wrapper.Get(checkKey, &get); st != status.Ok {
		resp.Error = st
		return st
	}

	valueExist := get.Found && !get.Expired
	var checkValue []byte
	if valueExist {
		rec, derr := codec.DecodeRecord(get.RawValue)
		if derr != nil {
			resp.Error = status.Corruption
			return status.Corruption
		}
		checkValue = rec.Value
	}

	if req.ReturnCheckValue {
		resp.CheckValueReturned = true
		if valueExist {
			resp.CheckValueExist = true
			resp.CheckValue = checkValue
		}
	}

	invalidArgument := false
	passed := validateCheck(req.CheckType, req.CheckOperand, valueExist, checkValue, &invalidArgument)

	var st status.Code
	if passed {
		setKey := checkKey
		if req.SetDiffSortKey {
			if setKey, err = codec.EncodeKey(req.HashKey, req.SetSortKey); err != nil {
				resp.Error = status.InvalidArgument
				return i.EmptyPut(decree)
			}
		}
		st = i.wrapper.WriteBatchPutLocal(decree, setKey, req.SetValue, req.SetExpireTsSeconds)
	} else {
		// write an empty record so the decree still advances
		st = i.wrapper.WriteBatchPutLocal(decree, nil, nil, 0)
	}
	if st == status.Ok {
		st = i.wrapper.Write(decree)
	}
	i.clearUpBatchStates(decree, st)

	if st != status.Ok {
		resp.Error = st
		return st
	}
	if !passed {
		if invalidArgument {
			resp.Error = status.InvalidArgument
		} else {
			resp.Error = status.TryAgain
		}
	}
	return status.Ok
}

func (i *writeServiceImpl) CheckAndMutate(decree int64, req *model.CheckAndMutateRequest, resp *model.CheckAndMutateResponse) status.Code {
	i.fillHeader(&resp.ResponseHeader, decree)

	if len(req.MutateList) == 0 {
		resp.Error = status.InvalidArgument
		return i.EmptyPut(decree)
	}
	for _, mu := range req.MutateList {
		if mu.Operation != model.MutateOpPut && mu.Operation != model.MutateOpDelete {
			i.logger.Error("Invalid mutate operation", zap.Int64("decree", decree),
				zap.Int32("operation", int32(mu.Operation)))
			resp.Error = status.InvalidArgument
			return i.EmptyPut(decree)
		}
	}
	if !isCheckTypeSupported(req.CheckType) {
		i.logger.Error("Invalid check type", zap.Int64("decree", decree),
			zap.Int32("check_type", int32(req.CheckType)))
		resp.Error = status.InvalidArgument
		return i.EmptyPut(decree)
	}

	checkKey, err := codec.EncodeKey(req.HashKey, req.CheckSortKey)
	if err != nil {
		resp.Error = status.InvalidArgument
		return i.EmptyPut(decree)
	}

	var get lsm.GetContext
	if st := i.wrapper.Get(checkKey, &get); st != status.Ok {
		resp.Error = st
		return st
	}

	valueExist := get.Found && !get.Expired
	var checkValue []byte
	if valueExist {
		rec, derr := codec.DecodeRecord(get.RawValue)
		if derr != nil {
			resp.Error = status.Corruption
			return status.Corruption
		}
		checkValue = rec.Value
	}

	if req.ReturnCheckValue {
		resp.CheckValueReturned = true
		if valueExist {
			resp.CheckValueExist = true
			resp.CheckValue = checkValue
		}
	}

	invalidArgument := false
	passed := validateCheck(req.CheckType, req.CheckOperand, valueExist, checkValue, &invalidArgument)

	st := status.Ok
	if passed {
		for _, mu := range req.MutateList {
			rawKey, kerr := codec.EncodeKey(req.HashKey, mu.SortKey)
			if kerr != nil {
				resp.Error = status.InvalidArgument
				return i.EmptyPut(decree)
			}
			if mu.Operation == model.MutateOpPut {
				st = i.wrapper.WriteBatchPutLocal(decree, rawKey, mu.Value, mu.SetExpireTsSeconds)
			} else {
				st = i.wrapper.WriteBatchDelete(decree, rawKey)
			}
			if st != status.Ok {
				break
			}
		}
	} else {
		st = i.wrapper.WriteBatchPutLocal(decree, nil, nil, 0)
	}
	if st == status.Ok {
		st = i.wrapper.Write(decree)
	}
	i.clearUpBatchStates(decree, st)

	if st != status.Ok {
		resp.Error = st
		return st
	}
	if !passed {
		if invalidArgument {
			resp.Error = status.InvalidArgument
		} else {
			resp.Error = status.TryAgain
		}
	}
	return status.Ok
}

// BatchPut buffers a single put of a batched decree and registers its
// response for deferred error population.
func (i *writeServiceImpl) BatchPut(ctx lsm.WriteContext, req *model.PutRequest, resp *model.UpdateResponse) status.Code {
	i.fillHeader(&resp.ResponseHeader, ctx.Decree)
	st := i.wrapper.WriteBatchPut(ctx, req.Key, req.Value, req.ExpireTsSeconds)
	resp.Error = st
	i.updateResponses = append(i.updateResponses, &resp.ResponseHeader)
	return st
}

// BatchRemove buffers a single remove of a batched decree and registers its
// response for deferred error population.
func (i *writeServiceImpl) BatchRemove(decree int64, rawKey []byte, resp *model.UpdateResponse) status.Code {
	i.fillHeader(&resp.ResponseHeader, decree)
	st := i.wrapper.WriteBatchDelete(decree, rawKey)
	resp.Error = st
	i.updateResponses = append(i.updateResponses, &resp.ResponseHeader)
	return st
}

// BatchCommit atomically writes the buffered decree.
func (i *writeServiceImpl) BatchCommit(decree int64) status.Code {
	st := i.wrapper.Write(decree)
	i.clearUpBatchStates(decree, st)
	return st
}

// BatchAbort drops the buffered decree, reporting err through every
// registered response.
func (i *writeServiceImpl) BatchAbort(decree int64, err status.Code) {
	i.clearUpBatchStates(decree, err)
}

func (i *writeServiceImpl) clearUpBatchStates(decree int64, err status.Code) {
	if err != status.Ok {
		for _, h := range i.updateResponses {
			h.Error = err
		}
		i.logger.Error("Write batch failed",
			zap.Int64("decree", decree),
			zap.String("status", err.String()),
			zap.Int("responses", len(i.updateResponses)))
	}
	i.updateResponses = i.updateResponses[:0]
	i.wrapper.ResetBatch()
}

// IngestFiles verifies each prepared SST against its recorded size and MD5
// digest, then hands the set to the engine.
func (i *writeServiceImpl) IngestFiles(decree int64, dir string, files []model.IngestFileMeta) status.Code {
	if len(files) == 0 {
		return status.InvalidArgument
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		path := filepath.Join(dir, f.Name)
		if err := util.VerifyFile(path, f.Size, f.MD5); err != nil {
			i.logger.Error("Bulk-load file verification failed",
				zap.Int64("decree", decree),
				zap.String("file", f.Name),
				zap.Error(err))
			return status.Corruption
		}
		paths = append(paths, path)
	}
	return i.wrapper.IngestFiles(paths)
}

func isCheckTypeSupported(checkType model.CasCheckType) bool {
	return checkType >= model.CheckTypeNoCheck && checkType <= model.CheckTypeIntGreater
}

// validateCheck evaluates the predicate against the (possibly absent,
// possibly empty) check value. For integer comparisons a malformed operand
// or stored value sets invalidArgument and fails the check.
func validateCheck(checkType model.CasCheckType, operand []byte, valueExist bool, value []byte, invalidArgument *bool) bool {
	*invalidArgument = false

	switch checkType {
	case model.CheckTypeNoCheck:
		return true
	case model.CheckTypeValueNotExist:
		return !valueExist
	case model.CheckTypeValueNotExistOrEmpty:
		return !valueExist || len(value) == 0
	case model.CheckTypeValueExist:
		return valueExist
	case model.CheckTypeValueNotEmpty:
		return valueExist && len(value) > 0

	case model.CheckTypeMatchAnywhere, model.CheckTypeMatchPrefix, model.CheckTypeMatchPostfix:
		if !valueExist {
			return false
		}
		if len(operand) == 0 {
			return true
		}
		switch checkType {
		case model.CheckTypeMatchAnywhere:
			return bytes.Contains(value, operand)
		case model.CheckTypeMatchPrefix:
			return bytes.HasPrefix(value, operand)
		default:
			return bytes.HasSuffix(value, operand)
		}

	case model.CheckTypeBytesLess, model.CheckTypeBytesLessOrEqual, model.CheckTypeBytesEqual,
		model.CheckTypeBytesGreaterOrEqual, model.CheckTypeBytesGreater:
		if !valueExist {
			return false
		}
		c := bytes.Compare(value, operand)
		switch checkType {
		case model.CheckTypeBytesLess:
			return c < 0
		case model.CheckTypeBytesLessOrEqual:
			return c <= 0
		case model.CheckTypeBytesEqual:
			return c == 0
		case model.CheckTypeBytesGreaterOrEqual:
			return c >= 0
		default:
			return c > 0
		}

	case model.CheckTypeIntLess, model.CheckTypeIntLessOrEqual, model.CheckTypeIntEqual,
		model.CheckTypeIntGreaterOrEqual, model.CheckTypeIntGreater:
		if !valueExist {
			return false
		}
		stored, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			*invalidArgument = true
			return false
		}
		against, err := strconv.ParseInt(string(operand), 10, 64)
		if err != nil {
			*invalidArgument = true
			return false
		}
		switch checkType {
		case model.CheckTypeIntLess:
			return stored < against
		case model.CheckTypeIntLessOrEqual:
			return stored <= against
		case model.CheckTypeIntEqual:
			return stored == against
		case model.CheckTypeIntGreaterOrEqual:
			return stored >= against
		default:
			return stored > against
		}
	}
	return false
}
