package service

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/objstorage/objstorageprovider"
	"github.com/cockroachdb/pebble/sstable"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pingcap/failpoint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftkv/replica-node/internal/codec"
	"github.com/driftkv/replica-node/internal/config"
	"github.com/driftkv/replica-node/internal/metrics"
	"github.com/driftkv/replica-node/internal/model"
	"github.com/driftkv/replica-node/internal/replica"
	"github.com/driftkv/replica-node/internal/status"
	"github.com/driftkv/replica-node/internal/storage/engine"
	"github.com/driftkv/replica-node/internal/storage/lsm"
	"github.com/driftkv/replica-node/internal/util"
	"github.com/driftkv/replica-node/internal/util/workerpool"
)

const (
	testAppID          = 1
	testPartitionIndex = 2
	testAddress        = "127.0.0.1:34801"
	testLocalCluster   = 3
	testRemoteCluster  = 5
)

type writePathFixture struct {
	db      *engine.Pebble
	wrapper *lsm.Wrapper
	base    *replica.Base
	reg     *prometheus.Registry
	pm      *metrics.PartitionMetrics
	svc     *WriteService
	sw      *ServerWrite
	bulkDir string
}

func setupWritePath(t *testing.T) *writePathFixture {
	t.Helper()

	db, err := engine.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	base := replica.NewBase(testAppID, testPartitionIndex, testAddress)
	reg := prometheus.NewRegistry()
	pm := metrics.New(reg).ForPartition(base.Gpid())

	wrapper, err := lsm.NewWrapper(db, testLocalCluster, pm.ExpiredReads, zap.NewNop())
	require.NoError(t, err)

	cu := NewCapacityUnitCalculator(config.CapacityConfig{
		ReadUnitSizeBytes:  4096,
		WriteUnitSizeBytes: 4096,
	}, pm)

	pool := workerpool.New(&workerpool.Config{Name: "ingestion", MaxWorkers: 1, QueueSize: 4})
	t.Cleanup(func() { _ = pool.Stop(time.Second) })

	bulkDir := t.TempDir()
	svc := NewWriteService(base, wrapper, cu, pm, pool, Options{
		LocalClusterID: testLocalCluster,
		ClusterNames: map[uint8]string{
			testLocalCluster:  "local-cluster",
			testRemoteCluster: "remote-cluster",
		},
		DupLaggingWriteThresholdMs: 10 * 1000,
		BulkLoadDir:                bulkDir,
	}, zap.NewNop())

	return &writePathFixture{
		db:      db,
		wrapper: wrapper,
		base:    base,
		reg:     reg,
		pm:      pm,
		svc:     svc,
		sw:      NewServerWrite(svc, false, zap.NewNop()),
		bulkDir: bulkDir,
	}
}

// verifyResponse asserts the header fields every handler must populate, and
// that the dispatch left no batch state behind.
func (f *writePathFixture) verifyResponse(t *testing.T, h *model.ResponseHeader, err status.Code, decree int64) {
	t.Helper()
	assert.Equal(t, err, h.Error)
	assert.Equal(t, int32(testAppID), h.AppID)
	assert.Equal(t, int32(testPartitionIndex), h.PartitionIndex)
	assert.Equal(t, decree, h.Decree)
	assert.Equal(t, testAddress, h.Server)
	assert.Zero(t, f.wrapper.BatchCount())
	assert.Empty(t, f.svc.impl.updateResponses)
}

func (f *writePathFixture) lastFlushed(t *testing.T) int64 {
	t.Helper()
	decree, st := f.wrapper.LastFlushedDecree()
	require.Equal(t, status.Ok, st)
	return decree
}

func (f *writePathFixture) getUserValue(t *testing.T, hashKey, sortKey string) ([]byte, codec.Record, bool) {
	t.Helper()
	rawKey, err := codec.EncodeKey([]byte(hashKey), []byte(sortKey))
	require.NoError(t, err)

	var get lsm.GetContext
	require.Equal(t, status.Ok, f.wrapper.Get(rawKey, &get))
	if !get.Found {
		return nil, codec.Record{}, false
	}
	rec, err := codec.DecodeRecord(get.RawValue)
	require.NoError(t, err)
	return rec.Value, rec, true
}

func (f *writePathFixture) putRawKey(t *testing.T, decree int64, timestampUs uint64, rawKey, value []byte) {
	t.Helper()
	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpPut,
		Put:    &model.PutRequest{Key: rawKey, Value: value},
	}}, decree, timestampUs)
	require.Equal(t, status.Ok, st)
	require.Len(t, responses, 1)
	require.Equal(t, status.Ok, responses[0].Header().Error)
}

func TestDispatch_EmptyBatchAdvancesDecree(t *testing.T) {
	f := setupWritePath(t)

	responses, st := f.sw.OnBatchedWriteRequests(nil, 10, 1000)
	require.Equal(t, status.Ok, st)
	assert.Nil(t, responses)
	assert.Equal(t, int64(10), f.lastFlushed(t))
	assert.Zero(t, f.wrapper.BatchCount())
}

func TestDispatch_MultiPut(t *testing.T) {
	f := setupWritePath(t)

	req := &model.WriteRequest{
		OpCode: model.OpMultiPut,
		MultiPut: &model.MultiPutRequest{
			HashKey: []byte("h"),
			Kvs: []model.KeyValue{
				{SortKey: []byte("s0"), Value: []byte("v0")},
				{SortKey: []byte("s1"), Value: []byte("v1")},
			},
		},
	}
	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{req}, 10, 1000)
	require.Equal(t, status.Ok, st)
	require.Len(t, responses, 1)
	f.verifyResponse(t, responses[0].Header(), status.Ok, 10)

	v0, rec, found := f.getUserValue(t, "h", "s0")
	require.True(t, found)
	assert.Equal(t, []byte("v0"), v0)
	assert.Equal(t, codec.Timetag(1000, testLocalCluster, false), rec.Timetag)

	v1, _, found := f.getUserValue(t, "h", "s1")
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v1)

	assert.Equal(t, int64(10), f.lastFlushed(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.pm.MultiPutQPS))
}

func TestDispatch_MultiPutEmptyKvs(t *testing.T) {
	f := setupWritePath(t)

	req := &model.WriteRequest{
		OpCode:   model.OpMultiPut,
		MultiPut: &model.MultiPutRequest{HashKey: []byte("h")},
	}
	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{req}, 10, 1000)
	require.Equal(t, status.Ok, st, "user input errors must not fail the replica")
	f.verifyResponse(t, responses[0].Header(), status.InvalidArgument, 10)

	assert.Equal(t, int64(10), f.lastFlushed(t))
	_, _, found := f.getUserValue(t, "h", "s0")
	assert.False(t, found)
}

func TestDispatch_MultiRemove(t *testing.T) {
	f := setupWritePath(t)

	_, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpMultiPut,
		MultiPut: &model.MultiPutRequest{
			HashKey: []byte("h"),
			Kvs: []model.KeyValue{
				{SortKey: []byte("s0"), Value: []byte("v0")},
				{SortKey: []byte("s1"), Value: []byte("v1")},
			},
		},
	}}, 1, 1000)
	require.Equal(t, status.Ok, st)

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpMultiRemove,
		MultiRemove: &model.MultiRemoveRequest{
			HashKey:  []byte("h"),
			SortKeys: [][]byte{[]byte("s0"), []byte("s1")},
		},
	}}, 2, 2000)
	require.Equal(t, status.Ok, st)
	resp := responses[0].(*model.MultiRemoveResponse)
	f.verifyResponse(t, &resp.ResponseHeader, status.Ok, 2)
	assert.Equal(t, int64(2), resp.Count)

	_, _, found := f.getUserValue(t, "h", "s0")
	assert.False(t, found)
	assert.Equal(t, int64(2), f.lastFlushed(t))
}

func TestDispatch_MultiRemoveEmptySortKeys(t *testing.T) {
	f := setupWritePath(t)

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode:      model.OpMultiRemove,
		MultiRemove: &model.MultiRemoveRequest{HashKey: []byte("h")},
	}}, 4, 1000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.InvalidArgument, 4)
	assert.Equal(t, int64(4), f.lastFlushed(t))
}

func TestDispatch_IncrNewKey(t *testing.T) {
	f := setupWritePath(t)
	rawKey, err := codec.EncodeKey([]byte("h"), []byte("counter"))
	require.NoError(t, err)

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpIncr,
		Incr:   &model.IncrRequest{Key: rawKey, Increment: 7},
	}}, 5, 1000)
	require.Equal(t, status.Ok, st)
	resp := responses[0].(*model.IncrResponse)
	f.verifyResponse(t, &resp.ResponseHeader, status.Ok, 5)
	assert.Equal(t, int64(7), resp.NewValue)

	value, _, found := f.getUserValue(t, "h", "counter")
	require.True(t, found)
	assert.Equal(t, []byte("7"), value)
}

func TestDispatch_IncrExisting(t *testing.T) {
	f := setupWritePath(t)
	rawKey, err := codec.EncodeKey([]byte("h"), []byte("counter"))
	require.NoError(t, err)
	f.putRawKey(t, 1, 1000, rawKey, []byte("35"))

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpIncr,
		Incr:   &model.IncrRequest{Key: rawKey, Increment: -5},
	}}, 2, 2000)
	require.Equal(t, status.Ok, st)
	resp := responses[0].(*model.IncrResponse)
	assert.Equal(t, int64(30), resp.NewValue)

	value, _, found := f.getUserValue(t, "h", "counter")
	require.True(t, found)
	assert.Equal(t, []byte("30"), value)
}

func TestDispatch_IncrUnparseable(t *testing.T) {
	f := setupWritePath(t)
	rawKey, err := codec.EncodeKey([]byte("h"), []byte("counter"))
	require.NoError(t, err)
	f.putRawKey(t, 1, 1000, rawKey, []byte("not-a-number"))

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpIncr,
		Incr:   &model.IncrRequest{Key: rawKey, Increment: 1},
	}}, 2, 2000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.InvalidArgument, 2)

	value, _, found := f.getUserValue(t, "h", "counter")
	require.True(t, found)
	assert.Equal(t, []byte("not-a-number"), value)
	assert.Equal(t, int64(2), f.lastFlushed(t))
}

func TestDispatch_IncrOverflow(t *testing.T) {
	f := setupWritePath(t)
	rawKey, err := codec.EncodeKey([]byte("h"), []byte("counter"))
	require.NoError(t, err)
	f.putRawKey(t, 1, 1000, rawKey, []byte("9223372036854775800"))

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpIncr,
		Incr:   &model.IncrRequest{Key: rawKey, Increment: 100},
	}}, 5, 2000)
	require.Equal(t, status.Ok, st)
	resp := responses[0].(*model.IncrResponse)
	f.verifyResponse(t, &resp.ResponseHeader, status.InvalidArgument, 5)
	assert.Equal(t, int64(9223372036854775800), resp.NewValue)

	value, _, found := f.getUserValue(t, "h", "counter")
	require.True(t, found)
	assert.Equal(t, []byte("9223372036854775800"), value, "stored value must be unchanged")
	assert.Equal(t, int64(5), f.lastFlushed(t))
}

func TestDispatch_CheckAndSetPass(t *testing.T) {
	f := setupWritePath(t)
	checkKey, err := codec.EncodeKey([]byte("h"), []byte("c"))
	require.NoError(t, err)
	f.putRawKey(t, 1, 1000, checkKey, []byte("abc"))

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpCheckAndSet,
		CheckAndSet: &model.CheckAndSetRequest{
			HashKey:          []byte("h"),
			CheckSortKey:     []byte("c"),
			CheckType:        model.CheckTypeBytesEqual,
			CheckOperand:     []byte("abc"),
			SetDiffSortKey:   true,
			SetSortKey:       []byte("s"),
			SetValue:         []byte("x"),
			ReturnCheckValue: true,
		},
	}}, 7, 2000)
	require.Equal(t, status.Ok, st)
	resp := responses[0].(*model.CheckAndSetResponse)
	f.verifyResponse(t, &resp.ResponseHeader, status.Ok, 7)
	assert.True(t, resp.CheckValueReturned)
	assert.True(t, resp.CheckValueExist)
	assert.Equal(t, []byte("abc"), resp.CheckValue)

	value, _, found := f.getUserValue(t, "h", "s")
	require.True(t, found)
	assert.Equal(t, []byte("x"), value)
}

func TestDispatch_CheckAndSetSameSortKey(t *testing.T) {
	f := setupWritePath(t)

	// value_not_exist against a missing record passes; the set lands on the
	// check key itself
	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpCheckAndSet,
		CheckAndSet: &model.CheckAndSetRequest{
			HashKey:      []byte("h"),
			CheckSortKey: []byte("c"),
			CheckType:    model.CheckTypeValueNotExist,
			SetValue:     []byte("created"),
		},
	}}, 3, 1000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.Ok, 3)

	value, _, found := f.getUserValue(t, "h", "c")
	require.True(t, found)
	assert.Equal(t, []byte("created"), value)
}

func TestDispatch_CheckAndSetFailStillAdvancesDecree(t *testing.T) {
	f := setupWritePath(t)

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpCheckAndSet,
		CheckAndSet: &model.CheckAndSetRequest{
			HashKey:      []byte("h"),
			CheckSortKey: []byte("c"),
			CheckType:    model.CheckTypeValueExist,
			SetValue:     []byte("never"),
		},
	}}, 6, 1000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.TryAgain, 6)

	_, _, found := f.getUserValue(t, "h", "c")
	assert.False(t, found)
	assert.Equal(t, int64(6), f.lastFlushed(t))
}

func TestDispatch_CheckAndSetIntParseFailure(t *testing.T) {
	f := setupWritePath(t)
	checkKey, err := codec.EncodeKey([]byte("h"), []byte("c"))
	require.NoError(t, err)
	f.putRawKey(t, 1, 1000, checkKey, []byte("abc"))

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpCheckAndSet,
		CheckAndSet: &model.CheckAndSetRequest{
			HashKey:      []byte("h"),
			CheckSortKey: []byte("c"),
			CheckType:    model.CheckTypeIntGreater,
			CheckOperand: []byte("10"),
			SetValue:     []byte("never"),
		},
	}}, 2, 2000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.InvalidArgument, 2)
	assert.Equal(t, int64(2), f.lastFlushed(t))
}

func TestDispatch_CheckAndSetBadCheckType(t *testing.T) {
	f := setupWritePath(t)

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpCheckAndSet,
		CheckAndSet: &model.CheckAndSetRequest{
			HashKey:      []byte("h"),
			CheckSortKey: []byte("c"),
			CheckType:    model.CasCheckType(99),
		},
	}}, 2, 1000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.InvalidArgument, 2)
	assert.Equal(t, int64(2), f.lastFlushed(t))
}

func TestDispatch_CheckAndMutate(t *testing.T) {
	f := setupWritePath(t)
	checkKey, err := codec.EncodeKey([]byte("h"), []byte("c"))
	require.NoError(t, err)
	f.putRawKey(t, 1, 1000, checkKey, []byte("gate"))
	victimKey, err := codec.EncodeKey([]byte("h"), []byte("victim"))
	require.NoError(t, err)
	f.putRawKey(t, 2, 1000, victimKey, []byte("doomed"))

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpCheckAndMutate,
		CheckAndMutate: &model.CheckAndMutateRequest{
			HashKey:      []byte("h"),
			CheckSortKey: []byte("c"),
			CheckType:    model.CheckTypeValueNotEmpty,
			MutateList: []model.Mutate{
				{Operation: model.MutateOpPut, SortKey: []byte("m0"), Value: []byte("mv0")},
				{Operation: model.MutateOpDelete, SortKey: []byte("victim")},
			},
		},
	}}, 3, 2000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.Ok, 3)

	value, _, found := f.getUserValue(t, "h", "m0")
	require.True(t, found)
	assert.Equal(t, []byte("mv0"), value)

	_, _, found = f.getUserValue(t, "h", "victim")
	assert.False(t, found)
}

func TestDispatch_CheckAndMutateInvalidInputs(t *testing.T) {
	f := setupWritePath(t)

	tests := []struct {
		name string
		req  *model.CheckAndMutateRequest
	}{
		{
			name: "empty mutate list",
			req: &model.CheckAndMutateRequest{
				HashKey:      []byte("h"),
				CheckSortKey: []byte("c"),
				CheckType:    model.CheckTypeNoCheck,
			},
		},
		{
			name: "bad mutate operation",
			req: &model.CheckAndMutateRequest{
				HashKey:      []byte("h"),
				CheckSortKey: []byte("c"),
				CheckType:    model.CheckTypeNoCheck,
				MutateList:   []model.Mutate{{Operation: model.MutateOperation(7), SortKey: []byte("x")}},
			},
		},
		{
			name: "bad check type",
			req: &model.CheckAndMutateRequest{
				HashKey:      []byte("h"),
				CheckSortKey: []byte("c"),
				CheckType:    model.CasCheckType(-1),
				MutateList:   []model.Mutate{{Operation: model.MutateOpPut, SortKey: []byte("x")}},
			},
		},
	}

	decree := int64(1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
				OpCode:         model.OpCheckAndMutate,
				CheckAndMutate: tt.req,
			}}, decree, 1000)
			require.Equal(t, status.Ok, st)
			f.verifyResponse(t, responses[0].Header(), status.InvalidArgument, decree)
			assert.Equal(t, decree, f.lastFlushed(t))
			decree++
		})
	}
}

func TestDispatch_BatchedWrites(t *testing.T) {
	f := setupWritePath(t)

	const kvNum = 10
	var requests []*model.WriteRequest
	for i := 0; i < kvNum; i++ {
		rawKey, err := codec.EncodeKey([]byte("hash_key"), []byte(fmt.Sprintf("sort_key_%d", i)))
		require.NoError(t, err)
		requests = append(requests, &model.WriteRequest{
			OpCode: model.OpPut,
			Put:    &model.PutRequest{Key: rawKey, Value: []byte(fmt.Sprintf("value_%d", i))},
		})
	}
	for i := 0; i < kvNum; i++ {
		rawKey, err := codec.EncodeKey([]byte("hash_key"), []byte(fmt.Sprintf("sort_key_%d", i)))
		require.NoError(t, err)
		requests = append(requests, &model.WriteRequest{
			OpCode: model.OpRemove,
			Remove: &model.RemoveRequest{Key: rawKey},
		})
	}

	responses, st := f.sw.OnBatchedWriteRequests(requests, 10, 1000)
	require.Equal(t, status.Ok, st)
	require.Len(t, responses, 2*kvNum)
	for _, resp := range responses {
		f.verifyResponse(t, resp.Header(), status.Ok, 10)
	}

	_, _, found := f.getUserValue(t, "hash_key", "sort_key_0")
	assert.False(t, found, "removes in the same batch win over earlier puts")
	assert.Equal(t, int64(10), f.lastFlushed(t))

	assert.Equal(t, float64(kvNum), testutil.ToFloat64(f.pm.PutQPS))
	assert.Equal(t, float64(kvNum), testutil.ToFloat64(f.pm.RemoveQPS))
}

func TestDispatch_BatchedIllegalOpcodeFailsReplica(t *testing.T) {
	f := setupWritePath(t)
	rawKey, err := codec.EncodeKey([]byte("h"), []byte("s"))
	require.NoError(t, err)

	requests := []*model.WriteRequest{
		{OpCode: model.OpPut, Put: &model.PutRequest{Key: rawKey, Value: []byte("v")}},
		{OpCode: model.OpIncr, Incr: &model.IncrRequest{Key: rawKey, Increment: 1}},
	}
	responses, st := f.sw.OnBatchedWriteRequests(requests, 10, 1000)
	assert.Equal(t, status.NotSupported, st, "illegal opcode in batch is replica-fatal")

	// the abort path overwrites every registered response with the error
	assert.Equal(t, status.NotSupported, responses[0].Header().Error)
	assert.Equal(t, status.NotSupported, responses[1].Header().Error)

	_, _, found := f.getUserValue(t, "h", "s")
	assert.False(t, found, "aborted batch writes nothing")
	assert.Zero(t, f.lastFlushed(t))
}

func TestDispatch_FaultInjection(t *testing.T) {
	f := setupWritePath(t)

	mput := func(decree int64) ([]model.Response, status.Code) {
		return f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
			OpCode: model.OpMultiPut,
			MultiPut: &model.MultiPutRequest{
				HashKey: []byte("h"),
				Kvs:     []model.KeyValue{{SortKey: []byte("s"), Value: []byte("v")}},
			},
		}}, decree, 1000)
	}

	require.NoError(t, failpoint.Enable(lsm.FailpointWriteBatchPut, "return(-101)"))
	responses, st := mput(1)
	require.NoError(t, failpoint.Disable(lsm.FailpointWriteBatchPut))
	assert.Equal(t, status.FailDBWriteBatchPut, st)
	assert.Equal(t, status.FailDBWriteBatchPut, responses[0].Header().Error)

	require.NoError(t, failpoint.Enable(lsm.FailpointWrite, "return(-103)"))
	responses, st = mput(2)
	require.NoError(t, failpoint.Disable(lsm.FailpointWrite))
	assert.Equal(t, status.FailDBWrite, st)
	assert.Equal(t, status.FailDBWrite, responses[0].Header().Error)

	// recovery after the failpoints are disarmed
	responses, st = mput(3)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.Ok, 3)
	assert.Equal(t, int64(3), f.lastFlushed(t))
}

func duplicateOf(t *testing.T, op model.OpCode, clusterID uint8, timestampUs uint64, raw []byte) *model.WriteRequest {
	t.Helper()
	return &model.WriteRequest{
		OpCode: model.OpDuplicate,
		Duplicate: &model.DuplicateRequest{
			TimestampUs:   timestampUs,
			ClusterID:     clusterID,
			TaskCode:      op,
			RawMessage:    raw,
			VerifyTimetag: true,
		},
	}
}

func TestDispatch_DuplicateWinsByTimetag(t *testing.T) {
	f := setupWritePath(t)
	rawKey, err := codec.EncodeKey([]byte("h"), []byte("k"))
	require.NoError(t, err)
	f.putRawKey(t, 1, 1000, rawKey, []byte("old"))

	raw := model.MarshalPutRequest(&model.PutRequest{Key: rawKey, Value: []byte("new")})
	responses, st := f.sw.OnBatchedWriteRequests(
		[]*model.WriteRequest{duplicateOf(t, model.OpPut, testRemoteCluster, 2000, raw)}, 11, 5000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.Ok, 11)

	value, rec, found := f.getUserValue(t, "h", "k")
	require.True(t, found)
	assert.Equal(t, []byte("new"), value)
	assert.Equal(t, uint64(2000), codec.TimetagTimestampUs(rec.Timetag))
	assert.Equal(t, uint8(testRemoteCluster), codec.TimetagClusterID(rec.Timetag))
	assert.False(t, codec.TimetagDeleted(rec.Timetag))
	assert.Equal(t, int64(11), f.lastFlushed(t))
}

func TestDispatch_DuplicateLosesByTimetag(t *testing.T) {
	f := setupWritePath(t)
	rawKey, err := codec.EncodeKey([]byte("h"), []byte("k"))
	require.NoError(t, err)
	f.putRawKey(t, 1, 3000, rawKey, []byte("local"))

	raw := model.MarshalPutRequest(&model.PutRequest{Key: rawKey, Value: []byte("remote")})
	responses, st := f.sw.OnBatchedWriteRequests(
		[]*model.WriteRequest{duplicateOf(t, model.OpPut, testRemoteCluster, 2000, raw)}, 12, 5000)
	require.Equal(t, status.Ok, st)
	f.verifyResponse(t, responses[0].Header(), status.Ok, 12)

	value, rec, found := f.getUserValue(t, "h", "k")
	require.True(t, found)
	assert.Equal(t, []byte("local"), value, "older duplicate becomes a null write")
	assert.Equal(t, codec.Timetag(3000, testLocalCluster, false), rec.Timetag)
	assert.Equal(t, int64(12), f.lastFlushed(t))
}

func TestDispatch_DuplicateMultiOps(t *testing.T) {
	f := setupWritePath(t)

	mput := model.MarshalMultiPutRequest(&model.MultiPutRequest{
		HashKey: []byte("h"),
		Kvs: []model.KeyValue{
			{SortKey: []byte("s0"), Value: []byte("v0")},
			{SortKey: []byte("s1"), Value: []byte("v1")},
		},
	})
	responses, st := f.sw.OnBatchedWriteRequests(
		[]*model.WriteRequest{duplicateOf(t, model.OpMultiPut, testRemoteCluster, 2000, mput)}, 1, 5000)
	require.Equal(t, status.Ok, st)
	require.Equal(t, status.Ok, responses[0].Header().Error)

	value, rec, found := f.getUserValue(t, "h", "s0")
	require.True(t, found)
	assert.Equal(t, []byte("v0"), value)
	assert.Equal(t, codec.Timetag(2000, testRemoteCluster, false), rec.Timetag)

	mremove := model.MarshalMultiRemoveRequest(&model.MultiRemoveRequest{
		HashKey:  []byte("h"),
		SortKeys: [][]byte{[]byte("s0"), []byte("s1")},
	})
	responses, st = f.sw.OnBatchedWriteRequests(
		[]*model.WriteRequest{duplicateOf(t, model.OpMultiRemove, testRemoteCluster, 3000, mremove)}, 2, 6000)
	require.Equal(t, status.Ok, st)
	require.Equal(t, status.Ok, responses[0].Header().Error)

	_, _, found = f.getUserValue(t, "h", "s0")
	assert.False(t, found)
	assert.Equal(t, float64(2), testutil.ToFloat64(f.pm.DuplicateQPS))
}

func TestDispatch_DuplicateInvalidInputs(t *testing.T) {
	f := setupWritePath(t)
	rawKey, err := codec.EncodeKey([]byte("h"), []byte("k"))
	require.NoError(t, err)
	raw := model.MarshalPutRequest(&model.PutRequest{Key: rawKey, Value: []byte("v")})

	tests := []struct {
		name string
		req  *model.DuplicateRequest
	}{
		{
			name: "unconfigured cluster id",
			req:  &model.DuplicateRequest{TimestampUs: 10, ClusterID: 13, TaskCode: model.OpPut, RawMessage: raw},
		},
		{
			name: "self-duplicating",
			req:  &model.DuplicateRequest{TimestampUs: 10, ClusterID: testLocalCluster, TaskCode: model.OpPut, RawMessage: raw},
		},
		{
			name: "unsupported task code",
			req:  &model.DuplicateRequest{TimestampUs: 10, ClusterID: testRemoteCluster, TaskCode: model.OpIncr, RawMessage: raw},
		},
		{
			name: "undecodable raw message",
			req:  &model.DuplicateRequest{TimestampUs: 10, ClusterID: testRemoteCluster, TaskCode: model.OpPut, RawMessage: []byte{1, 2}},
		},
	}

	decree := int64(1)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
				OpCode:    model.OpDuplicate,
				Duplicate: tt.req,
			}}, decree, 1000)
			require.Equal(t, status.Ok, st)
			resp := responses[0].(*model.DuplicateResponse)
			assert.Equal(t, status.InvalidArgument, resp.Error)
			assert.NotEmpty(t, resp.ErrorHint)
			assert.Equal(t, decree, f.lastFlushed(t))

			_, _, found := f.getUserValue(t, "h", "k")
			assert.False(t, found)
			decree++
		})
	}
}

// writeSST builds a prepared SST file holding encoded records in the data
// column family's keyspace and returns its metadata.
func writeSST(t *testing.T, dir, name string, hashKey string, kvs []model.KeyValue) model.IngestFileMeta {
	t.Helper()

	path := filepath.Join(dir, name)
	file, err := vfs.Default.Create(path)
	require.NoError(t, err)

	writer := sstable.NewWriter(objstorageprovider.NewFileWritable(file), sstable.WriterOptions{})
	for _, kv := range kvs {
		rawKey, kerr := codec.EncodeKey([]byte(hashKey), kv.SortKey)
		require.NoError(t, kerr)
		record, rerr := codec.EncodeRecord(codec.Record{
			Version: codec.DataVersion1,
			Timetag: codec.Timetag(1, testLocalCluster, false),
			Value:   kv.Value,
		})
		require.NoError(t, rerr)
		require.NoError(t, writer.Set(engine.KeyWithCF(engine.CfData, rawKey), record))
	}
	require.NoError(t, writer.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	digest, err := util.FileMD5(path)
	require.NoError(t, err)
	return model.IngestFileMeta{Name: name, Size: info.Size(), MD5: digest}
}

func TestDispatch_BulkLoad(t *testing.T) {
	f := setupWritePath(t)

	meta := writeSST(t, f.bulkDir, "bulk_1.sst", "bulk", []model.KeyValue{
		{SortKey: []byte("s1"), Value: []byte("bv1")},
		{SortKey: []byte("s2"), Value: []byte("bv2")},
	})

	responses, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpBulkLoad,
		Ingest: &model.IngestRequest{Files: []model.IngestFileMeta{meta}},
	}}, 3, 1000)
	require.Equal(t, status.Ok, st)
	resp := responses[0].(*model.IngestResponse)
	assert.Equal(t, status.Ok, resp.Error)
	assert.Equal(t, int64(3), f.lastFlushed(t), "the ingest barrier advances the decree synchronously")

	require.Eventually(t, func() bool {
		return f.base.IngestStatus() == replica.IngestSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	value, _, found := f.getUserValue(t, "bulk", "s1")
	require.True(t, found)
	assert.Equal(t, []byte("bv1"), value)
}

func TestDispatch_BulkLoadChecksumMismatch(t *testing.T) {
	f := setupWritePath(t)

	meta := writeSST(t, f.bulkDir, "bulk_1.sst", "bulk", []model.KeyValue{
		{SortKey: []byte("s1"), Value: []byte("bv1")},
	})
	meta.MD5 = "d41d8cd98f00b204e9800998ecf8427e"

	_, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpBulkLoad,
		Ingest: &model.IngestRequest{Files: []model.IngestFileMeta{meta}},
	}}, 3, 1000)
	require.Equal(t, status.Ok, st)

	require.Eventually(t, func() bool {
		return f.base.IngestStatus() == replica.IngestFailed
	}, 5*time.Second, 10*time.Millisecond)

	_, _, found := f.getUserValue(t, "bulk", "s1")
	assert.False(t, found)
	assert.Equal(t, int64(3), f.lastFlushed(t))
}

func TestCapacityUnits_OnlyChargedOnPrimary(t *testing.T) {
	f := setupWritePath(t)

	mput := &model.WriteRequest{
		OpCode: model.OpMultiPut,
		MultiPut: &model.MultiPutRequest{
			HashKey: []byte("h"),
			Kvs:     []model.KeyValue{{SortKey: []byte("s"), Value: []byte("v")}},
		},
	}

	_, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{mput}, 1, 1000)
	require.Equal(t, status.Ok, st)
	assert.Zero(t, testutil.ToFloat64(f.pm.WriteCapacityUnits), "secondaries do not meter")

	f.base.SetPrimary(true)
	_, st = f.sw.OnBatchedWriteRequests([]*model.WriteRequest{mput}, 2, 2000)
	require.Equal(t, status.Ok, st)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.pm.WriteCapacityUnits))
}

func TestTelemetry_OneQPSIncrementAndLatencySamplePerOp(t *testing.T) {
	f := setupWritePath(t)

	_, st := f.sw.OnBatchedWriteRequests([]*model.WriteRequest{{
		OpCode: model.OpMultiPut,
		MultiPut: &model.MultiPutRequest{
			HashKey: []byte("h"),
			Kvs:     []model.KeyValue{{SortKey: []byte("s"), Value: []byte("v")}},
		},
	}}, 1, 1000)
	require.Equal(t, status.Ok, st)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.pm.MultiPutQPS))
	assert.Equal(t, uint64(1), f.latencySampleCount(t, "multi_put"))
}

// latencySampleCount reads the cumulative sample count of one opcode's
// latency histogram from the test registry.
func (f *writePathFixture) latencySampleCount(t *testing.T, op string) uint64 {
	t.Helper()
	families, err := f.reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "driftkv_replica_write_request_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "op" && label.GetValue() == op {
					return metric.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}
