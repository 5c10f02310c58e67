package service

import (
	"math/bits"

	"github.com/driftkv/replica-node/internal/config"
	"github.com/driftkv/replica-node/internal/metrics"
	"github.com/driftkv/replica-node/internal/model"
	"github.com/driftkv/replica-node/internal/status"
)

// CapacityUnitCalculator meters per-tenant usage on the primary replica.
// Each applied operation charges ceil(size / unit_size) capacity units, with
// a minimum of one unit; failed operations are not charged. Unit sizes are
// powers of two so the division reduces to a shift.
type CapacityUnitCalculator struct {
	pm *metrics.PartitionMetrics

	readUnitSize   uint64
	writeUnitSize  uint64
	logReadCuSize  uint
	logWriteCuSize uint
}

// NewCapacityUnitCalculator builds an accountant with the configured unit
// sizes. The config validator has already checked they are powers of two.
func NewCapacityUnitCalculator(cfg config.CapacityConfig, pm *metrics.PartitionMetrics) *CapacityUnitCalculator {
	return &CapacityUnitCalculator{
		pm:             pm,
		readUnitSize:   cfg.ReadUnitSizeBytes,
		writeUnitSize:  cfg.WriteUnitSizeBytes,
		logReadCuSize:  uint(bits.TrailingZeros64(cfg.ReadUnitSizeBytes)),
		logWriteCuSize: uint(bits.TrailingZeros64(cfg.WriteUnitSizeBytes)),
	}
}

func (c *CapacityUnitCalculator) addReadCU(size uint64) {
	cu := (size + c.readUnitSize - 1) >> c.logReadCuSize
	if cu == 0 {
		cu = 1
	}
	c.pm.ReadCapacityUnits.Add(float64(cu))
}

func (c *CapacityUnitCalculator) addWriteCU(size uint64) {
	cu := (size + c.writeUnitSize - 1) >> c.logWriteCuSize
	if cu == 0 {
		cu = 1
	}
	c.pm.WriteCapacityUnits.Add(float64(cu))
}

// AddGetCU charges a single-record read.
func (c *CapacityUnitCalculator) AddGetCU(st status.Code, key, value []byte) {
	if st != status.Ok {
		return
	}
	size := uint64(len(key) + len(value))
	c.pm.GetBytes.Add(float64(size))
	c.addReadCU(size)
}

// AddMultiGetCU charges a multi-record read.
func (c *CapacityUnitCalculator) AddMultiGetCU(st status.Code, hashKey []byte, kvs []model.KeyValue) {
	if st != status.Ok {
		return
	}
	size := uint64(len(hashKey))
	for _, kv := range kvs {
		size += uint64(len(kv.SortKey) + len(kv.Value))
	}
	c.pm.MultiGetBytes.Add(float64(size))
	c.addReadCU(size)
}

// AddScanCU charges one scan result page.
func (c *CapacityUnitCalculator) AddScanCU(st status.Code, kvs []model.KeyValue) {
	if st != status.Ok {
		return
	}
	var size uint64
	for _, kv := range kvs {
		size += uint64(len(kv.SortKey) + len(kv.Value))
	}
	c.pm.ScanBytes.Add(float64(size))
	c.addReadCU(size)
}

// AddSortkeyCountCU charges a sortkey-count query; only the key is read.
func (c *CapacityUnitCalculator) AddSortkeyCountCU(st status.Code, hashKey []byte) {
	if st != status.Ok {
		return
	}
	c.addReadCU(uint64(len(hashKey)))
}

// AddTTLCU charges a TTL query; only the key is read.
func (c *CapacityUnitCalculator) AddTTLCU(st status.Code, key []byte) {
	if st != status.Ok {
		return
	}
	c.addReadCU(uint64(len(key)))
}

// AddPutCU charges a single-record write.
func (c *CapacityUnitCalculator) AddPutCU(st status.Code, key, value []byte) {
	if st != status.Ok {
		return
	}
	size := uint64(len(key) + len(value))
	c.pm.PutBytes.Add(float64(size))
	c.addWriteCU(size)
}

// AddRemoveCU charges a single-record delete.
func (c *CapacityUnitCalculator) AddRemoveCU(st status.Code, key []byte) {
	if st != status.Ok {
		return
	}
	c.addWriteCU(uint64(len(key)))
}

// AddMultiPutCU charges a multi-record write.
func (c *CapacityUnitCalculator) AddMultiPutCU(st status.Code, hashKey []byte, kvs []model.KeyValue) {
	if st != status.Ok {
		return
	}
	size := uint64(len(hashKey))
	for _, kv := range kvs {
		size += uint64(len(kv.SortKey) + len(kv.Value))
	}
	c.pm.MultiPutBytes.Add(float64(size))
	c.addWriteCU(size)
}

// AddMultiRemoveCU charges a multi-record delete.
func (c *CapacityUnitCalculator) AddMultiRemoveCU(st status.Code, hashKey []byte, sortKeys [][]byte) {
	if st != status.Ok {
		return
	}
	size := uint64(len(hashKey))
	for _, sk := range sortKeys {
		size += uint64(len(sk))
	}
	c.addWriteCU(size)
}

// AddIncrCU charges an increment; only the key is written.
func (c *CapacityUnitCalculator) AddIncrCU(st status.Code, key []byte) {
	if st != status.Ok {
		return
	}
	c.addWriteCU(uint64(len(key)))
}

// AddCheckAndSetCU charges a conditional set.
func (c *CapacityUnitCalculator) AddCheckAndSetCU(st status.Code, hashKey, checkSortKey, setSortKey, value []byte) {
	if st != status.Ok {
		return
	}
	size := uint64(len(hashKey) + len(checkSortKey) + len(setSortKey) + len(value))
	c.pm.CheckAndSetBytes.Add(float64(size))
	c.addWriteCU(size)
}

// AddCheckAndMutateCU charges a conditional mutation list.
func (c *CapacityUnitCalculator) AddCheckAndMutateCU(st status.Code, hashKey, checkSortKey []byte, mutateList []model.Mutate) {
	if st != status.Ok {
		return
	}
	size := uint64(len(hashKey) + len(checkSortKey))
	for _, mu := range mutateList {
		size += uint64(len(mu.SortKey) + len(mu.Value))
	}
	c.pm.CheckAndMutateBytes.Add(float64(size))
	c.addWriteCU(size)
}
