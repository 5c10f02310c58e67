package service

import (
	"go.uber.org/zap"

	"github.com/driftkv/replica-node/internal/codec"
	"github.com/driftkv/replica-node/internal/model"
	"github.com/driftkv/replica-node/internal/status"
	"github.com/driftkv/replica-node/internal/storage/lsm"
)

// ServerWrite is the entry point the replication layer drives: it receives
// one finalized (decree, timestamp, requests) tuple at a time, in strict
// decree order, on the replica's apply thread.
//
// A non-zero return is interpreted as replica failure upstream, so user
// input errors never surface here; they are reported through the per-request
// response while the decree is still advanced with an empty put.
type ServerWrite struct {
	svc        *WriteService
	logger     *zap.Logger
	verboseLog bool
}

// NewServerWrite creates the write dispatcher of one replica.
func NewServerWrite(svc *WriteService, verboseLog bool, logger *zap.Logger) *ServerWrite {
	return &ServerWrite{svc: svc, logger: logger, verboseLog: verboseLog}
}

// SetDefaultTTL propagates a control-plane TTL update.
func (s *ServerWrite) SetDefaultTTL(ttl uint32) { s.svc.SetDefaultTTL(ttl) }

// OnBatchedWriteRequests applies one decree. Responses are returned aligned
// with the requests; the status code goes back to the replication layer
// verbatim.
func (s *ServerWrite) OnBatchedWriteRequests(requests []*model.WriteRequest, decree int64, timestampUs uint64) ([]model.Response, status.Code) {
	ctx := lsm.LocalWriteContext(decree, timestampUs)

	// an empty batch still advances the engine's flushed decree
	if len(requests) == 0 {
		return nil, s.svc.EmptyPut(decree)
	}

	if len(requests) == 1 {
		req := requests[0]
		switch req.OpCode {
		case model.OpMultiPut:
			resp := &model.UpdateResponse{}
			return []model.Response{resp}, s.svc.MultiPut(ctx, req.MultiPut, resp)
		case model.OpMultiRemove:
			resp := &model.MultiRemoveResponse{}
			return []model.Response{resp}, s.svc.MultiRemove(decree, req.MultiRemove, resp)
		case model.OpIncr:
			resp := &model.IncrResponse{}
			return []model.Response{resp}, s.svc.Incr(decree, req.Incr, resp)
		case model.OpCheckAndSet:
			resp := &model.CheckAndSetResponse{}
			return []model.Response{resp}, s.svc.CheckAndSet(decree, req.CheckAndSet, resp)
		case model.OpCheckAndMutate:
			resp := &model.CheckAndMutateResponse{}
			return []model.Response{resp}, s.svc.CheckAndMutate(decree, req.CheckAndMutate, resp)
		case model.OpDuplicate:
			resp := &model.DuplicateResponse{}
			return []model.Response{resp}, s.svc.Duplicate(decree, req.Duplicate, resp)
		case model.OpBulkLoad:
			resp := &model.IngestResponse{}
			return []model.Response{resp}, s.svc.Ingest(decree, req.Ingest, resp)
		}
	}

	if s.verboseLog {
		s.logBatchedKeys(requests, decree)
	}
	return s.svc.OnBatchedWrites(ctx, requests)
}

func (s *ServerWrite) logBatchedKeys(requests []*model.WriteRequest, decree int64) {
	for _, req := range requests {
		var rawKey []byte
		switch req.OpCode {
		case model.OpPut:
			rawKey = req.Put.Key
		case model.OpRemove:
			rawKey = req.Remove.Key
		default:
			continue
		}
		hashKey, sortKey, err := codec.DecodeKey(rawKey)
		if err != nil {
			continue
		}
		s.logger.Debug("Applying batched write",
			zap.Int64("decree", decree),
			zap.String("op", req.OpCode.String()),
			zap.Binary("hash_key", hashKey),
			zap.Binary("sort_key", sortKey))
	}
}
