package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/driftkv/replica-node/internal/codec"
	"github.com/driftkv/replica-node/internal/metrics"
	"github.com/driftkv/replica-node/internal/model"
	"github.com/driftkv/replica-node/internal/replica"
	"github.com/driftkv/replica-node/internal/status"
	"github.com/driftkv/replica-node/internal/storage/lsm"
	"github.com/driftkv/replica-node/internal/util/workerpool"
)

// Options configures a WriteService.
type Options struct {
	// LocalClusterID is stamped into locally generated timetags. Zero means
	// timetag verification accepts any higher-timetag write.
	LocalClusterID uint8
	// ClusterNames maps the cluster ids accepted in duplicate requests to
	// their names. Immutable after startup.
	ClusterNames map[uint8]string
	// DupLaggingWriteThresholdMs classifies replayed writes as lagging.
	DupLaggingWriteThresholdMs int64
	// BulkLoadDir is where prepared SST files are staged for ingestion.
	BulkLoadDir string
}

// WriteService wraps the operation handlers with per-opcode telemetry and
// capacity-unit accounting, and drives the put/remove batch of one decree.
type WriteService struct {
	base   *replica.Base
	impl   *writeServiceImpl
	cu     *CapacityUnitCalculator
	pm     *metrics.PartitionMetrics
	logger *zap.Logger
	opts   Options

	ingestPool *workerpool.WorkerPool

	// batch driver state, touched only by the apply thread
	batchStart   time.Time
	batchQPS     []prometheus.Counter
	batchLatency []prometheus.Observer
}

// NewWriteService assembles the write path of one replica.
func NewWriteService(base *replica.Base, wrapper *lsm.Wrapper, cu *CapacityUnitCalculator,
	pm *metrics.PartitionMetrics, ingestPool *workerpool.WorkerPool, opts Options, logger *zap.Logger) *WriteService {
	return &WriteService{
		base:       base,
		impl:       newWriteServiceImpl(base, wrapper, logger),
		cu:         cu,
		pm:         pm,
		logger:     logger,
		opts:       opts,
		ingestPool: ingestPool,
	}
}

// SetDefaultTTL propagates a control-plane TTL update to the wrapper.
func (s *WriteService) SetDefaultTTL(ttl uint32) { s.impl.wrapper.SetDefaultTTL(ttl) }

// EmptyPut commits a null write for decree.
func (s *WriteService) EmptyPut(decree int64) status.Code { return s.impl.EmptyPut(decree) }

// MultiPut applies a multi-put and records its telemetry.
func (s *WriteService) MultiPut(ctx lsm.WriteContext, req *model.MultiPutRequest, resp *model.UpdateResponse) status.Code {
	start := time.Now()
	s.pm.MultiPutQPS.Inc()
	st := s.impl.MultiPut(ctx, req, resp)

	if s.base.IsPrimary() {
		s.cu.AddMultiPutCU(resp.Error, req.HashKey, req.Kvs)
	}
	s.pm.MultiPutLatency.Observe(time.Since(start).Seconds())
	return st
}

// MultiRemove applies a multi-remove and records its telemetry.
func (s *WriteService) MultiRemove(decree int64, req *model.MultiRemoveRequest, resp *model.MultiRemoveResponse) status.Code {
	start := time.Now()
	s.pm.MultiRemoveQPS.Inc()
	st := s.impl.MultiRemove(decree, req, resp)

	if s.base.IsPrimary() {
		s.cu.AddMultiRemoveCU(resp.Error, req.HashKey, req.SortKeys)
	}
	s.pm.MultiRemoveLatency.Observe(time.Since(start).Seconds())
	return st
}

// Incr applies an atomic increment and records its telemetry.
func (s *WriteService) Incr(decree int64, req *model.IncrRequest, resp *model.IncrResponse) status.Code {
	start := time.Now()
	s.pm.IncrQPS.Inc()
	st := s.impl.Incr(decree, req, resp)

	if s.base.IsPrimary() {
		s.cu.AddIncrCU(resp.Error, req.Key)
	}
	s.pm.IncrLatency.Observe(time.Since(start).Seconds())
	return st
}

// CheckAndSet applies a conditional set and records its telemetry.
func (s *WriteService) CheckAndSet(decree int64, req *model.CheckAndSetRequest, resp *model.CheckAndSetResponse) status.Code {
	start := time.Now()
	s.pm.CheckAndSetQPS.Inc()
	st := s.impl.CheckAndSet(decree, req, resp)

	if s.base.IsPrimary() {
		s.cu.AddCheckAndSetCU(resp.Error, req.HashKey, req.CheckSortKey, req.SetSortKey, req.SetValue)
	}
	s.pm.CheckAndSetLatency.Observe(time.Since(start).Seconds())
	return st
}

// CheckAndMutate applies a conditional mutation list and records its
// telemetry.
func (s *WriteService) CheckAndMutate(decree int64, req *model.CheckAndMutateRequest, resp *model.CheckAndMutateResponse) status.Code {
	start := time.Now()
	s.pm.CheckAndMutateQPS.Inc()
	st := s.impl.CheckAndMutate(decree, req, resp)

	if s.base.IsPrimary() {
		s.cu.AddCheckAndMutateCU(resp.Error, req.HashKey, req.CheckSortKey, req.MutateList)
	}
	s.pm.CheckAndMutateLatency.Observe(time.Since(start).Seconds())
	return st
}

// BatchPrepare opens the batch of one decree. Prepare and commit/abort are
// strictly paired.
func (s *WriteService) BatchPrepare(decree int64) {
	if !s.batchStart.IsZero() {
		s.logger.DPanic("batch_prepare called with an outstanding batch",
			zap.Int64("decree", decree))
	}
	s.batchStart = time.Now()
}

// BatchPut buffers a single put; its QPS/latency counters fire on commit.
func (s *WriteService) BatchPut(ctx lsm.WriteContext, req *model.PutRequest, resp *model.UpdateResponse) status.Code {
	if s.batchStart.IsZero() {
		s.logger.DPanic("batch_put called without batch_prepare")
	}
	s.batchQPS = append(s.batchQPS, s.pm.PutQPS)
	s.batchLatency = append(s.batchLatency, s.pm.PutLatency)
	st := s.impl.BatchPut(ctx, req, resp)

	if s.base.IsPrimary() {
		s.cu.AddPutCU(resp.Error, req.Key, req.Value)
	}
	return st
}

// BatchRemove buffers a single remove; its QPS/latency counters fire on
// commit.
func (s *WriteService) BatchRemove(decree int64, rawKey []byte, resp *model.UpdateResponse) status.Code {
	if s.batchStart.IsZero() {
		s.logger.DPanic("batch_remove called without batch_prepare")
	}
	s.batchQPS = append(s.batchQPS, s.pm.RemoveQPS)
	s.batchLatency = append(s.batchLatency, s.pm.RemoveLatency)
	st := s.impl.BatchRemove(decree, rawKey, resp)

	if s.base.IsPrimary() {
		s.cu.AddRemoveCU(resp.Error, rawKey)
	}
	return st
}

// BatchCommit writes the batched decree atomically.
func (s *WriteService) BatchCommit(decree int64) status.Code {
	if s.batchStart.IsZero() {
		s.logger.DPanic("batch_commit called without batch_prepare")
	}
	st := s.impl.BatchCommit(decree)
	s.clearUpBatchStates()
	return st
}

// BatchAbort drops the batched decree, reporting err in every response.
func (s *WriteService) BatchAbort(decree int64, err status.Code) {
	if s.batchStart.IsZero() {
		s.logger.DPanic("batch_abort called without batch_prepare")
	}
	s.impl.BatchAbort(decree, err)
	s.clearUpBatchStates()
}

func (s *WriteService) clearUpBatchStates() {
	latency := time.Since(s.batchStart).Seconds()
	for _, qps := range s.batchQPS {
		qps.Inc()
	}
	for _, observer := range s.batchLatency {
		observer.Observe(latency)
	}
	s.batchQPS = s.batchQPS[:0]
	s.batchLatency = s.batchLatency[:0]
	s.batchStart = time.Time{}
}

// OnBatchedWrites drives a finalized sequence of single puts/removes through
// one atomic commit. Any other opcode in a batched context is a programmer
// error and fails the replica.
func (s *WriteService) OnBatchedWrites(ctx lsm.WriteContext, requests []*model.WriteRequest) ([]model.Response, status.Code) {
	responses := make([]model.Response, len(requests))
	err := status.Ok

	s.BatchPrepare(ctx.Decree)
	for idx, req := range requests {
		var local status.Code
		resp := &model.UpdateResponse{}
		responses[idx] = resp

		switch req.OpCode {
		case model.OpPut:
			local = s.BatchPut(ctx, req.Put, resp)
		case model.OpRemove:
			local = s.BatchRemove(ctx.Decree, req.Remove.Key, resp)
		default:
			s.logger.DPanic("opcode not allowed in batched context",
				zap.String("op", req.OpCode.String()),
				zap.Int64("decree", ctx.Decree))
			s.impl.fillHeader(&resp.ResponseHeader, ctx.Decree)
			resp.Error = status.NotSupported
			local = status.NotSupported
		}

		if err == status.Ok && local != status.Ok {
			err = local
		}
	}

	if err == status.Ok {
		err = s.BatchCommit(ctx.Decree)
	} else {
		s.BatchAbort(ctx.Decree, err)
	}
	return responses, err
}

// Duplicate applies a write replayed from another cluster, resolving
// conflicts through timetag ordering when the request asks for it.
func (s *WriteService) Duplicate(decree int64, req *model.DuplicateRequest, resp *model.DuplicateResponse) status.Code {
	s.impl.fillHeader(&resp.ResponseHeader, decree)

	if _, ok := s.opts.ClusterNames[req.ClusterID]; !ok {
		resp.Error = status.InvalidArgument
		resp.ErrorHint = "request cluster id is unconfigured"
		return s.EmptyPut(decree)
	}
	if req.ClusterID == s.opts.LocalClusterID {
		resp.Error = status.InvalidArgument
		resp.ErrorHint = "self-duplicating"
		return s.EmptyPut(decree)
	}

	s.pm.DuplicateQPS.Inc()
	defer func() {
		lagMs := (time.Now().UnixMicro() - int64(req.TimestampUs)) / 1000
		if lagMs < 0 {
			lagMs = 0
		}
		if lagMs > s.opts.DupLaggingWriteThresholdMs {
			s.pm.DupLaggingWrites.Inc()
		}
		s.pm.DupTimeLagMs.Observe(float64(lagMs))
	}()

	isDelete := req.TaskCode == model.OpRemove || req.TaskCode == model.OpMultiRemove
	remoteTimetag := codec.Timetag(req.TimestampUs, req.ClusterID, isDelete)
	ctx := lsm.DuplicateWriteContext(decree, remoteTimetag, req.VerifyTimetag)

	switch req.TaskCode {
	case model.OpMultiPut:
		inner, err := model.UnmarshalMultiPutRequest(req.RawMessage)
		if err != nil {
			resp.Error = status.InvalidArgument
			resp.ErrorHint = err.Error()
			return s.EmptyPut(decree)
		}
		var innerResp model.UpdateResponse
		resp.Error = s.impl.MultiPut(ctx, inner, &innerResp)
		return resp.Error

	case model.OpMultiRemove:
		inner, err := model.UnmarshalMultiRemoveRequest(req.RawMessage)
		if err != nil {
			resp.Error = status.InvalidArgument
			resp.ErrorHint = err.Error()
			return s.EmptyPut(decree)
		}
		var innerResp model.MultiRemoveResponse
		resp.Error = s.impl.MultiRemove(ctx.Decree, inner, &innerResp)
		return resp.Error

	case model.OpPut, model.OpRemove:
		var innerResp model.UpdateResponse
		var st status.Code
		if req.TaskCode == model.OpPut {
			inner, err := model.UnmarshalPutRequest(req.RawMessage)
			if err != nil {
				resp.Error = status.InvalidArgument
				resp.ErrorHint = err.Error()
				return s.EmptyPut(decree)
			}
			st = s.impl.BatchPut(ctx, inner, &innerResp)
		} else {
			inner, err := model.UnmarshalRemoveRequest(req.RawMessage)
			if err != nil {
				resp.Error = status.InvalidArgument
				resp.ErrorHint = err.Error()
				return s.EmptyPut(decree)
			}
			st = s.impl.BatchRemove(ctx.Decree, inner.Key, &innerResp)
		}
		if st == status.Ok {
			st = s.impl.BatchCommit(ctx.Decree)
		} else {
			s.impl.BatchAbort(ctx.Decree, st)
		}
		resp.Error = st
		return st

	default:
		resp.Error = status.InvalidArgument
		resp.ErrorHint = fmt.Sprintf("unrecognized task code %s", req.TaskCode)
		return s.EmptyPut(decree)
	}
}

// Ingest commits an empty put as the ingestion barrier, then verifies and
// ingests the prepared files asynchronously. Progress is observable through
// the replica's ingest status.
func (s *WriteService) Ingest(decree int64, req *model.IngestRequest, resp *model.IngestResponse) status.Code {
	s.impl.fillHeader(&resp.ResponseHeader, decree)

	// the empty put pins the ingestion to a well-defined commit position
	if st := s.EmptyPut(decree); st != status.Ok {
		resp.Error = status.TryAgain
		resp.EngineError = st
		return st
	}

	s.base.SetIngestStatus(replica.IngestRunning)
	files := append([]model.IngestFileMeta(nil), req.Files...)
	task := workerpool.Task{
		ID: fmt.Sprintf("ingestion-%d", decree),
		Fn: func(context.Context) error {
			st := s.impl.IngestFiles(decree, s.opts.BulkLoadDir, files)
			if st != status.Ok {
				s.base.SetIngestStatus(replica.IngestFailed)
				return status.New(st, "bulk ingestion failed", nil)
			}
			s.base.SetIngestStatus(replica.IngestSucceeded)
			return nil
		},
	}
	if !s.ingestPool.TrySubmit(task) {
		s.logger.Error("Failed to enqueue ingestion task", zap.Int64("decree", decree))
		s.base.SetIngestStatus(replica.IngestFailed)
	}
	return status.Ok
}
