// Package memsys provides a small slab allocator for the fixed-size
// chunk buffers the replication engine reads blobs into before handing
// them to an executor's resumable-upload-chunk command.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"sync"

	"github.com/golang/glog"
)

// Slab sizes mirror the teacher's enumerated size classes, trimmed down
// to the handful actually exercised by chunked replication (spec §4.7
// upload-chunk size, default and max). Picking the smallest slab that
// still fits a request avoids rounding every small metadata blob up to
// a multi-megabyte buffer.
var slabSizes = []int{32 * 1024, 256 * 1024, 1024 * 1024, 4 * 1024 * 1024}

type slab struct {
	size int
	pool sync.Pool
}

// MMSA ("memory manager and slab allocator", same name the teacher uses)
// owns a fixed set of size-classed slabs and answers Alloc/Free calls
// against whichever slab fits a requested size.
type MMSA struct {
	slabs []*slab
}

func NewMMSA(name string) *MMSA {
	mm := &MMSA{slabs: make([]*slab, len(slabSizes))}
	for i, sz := range slabSizes {
		size := sz
		mm.slabs[i] = &slab{size: size}
		mm.slabs[i].pool.New = func() interface{} {
			return make([]byte, size)
		}
	}
	glog.Infof("memsys[%s]: %d slabs, sizes %v", name, len(mm.slabs), slabSizes)
	return mm
}

// Alloc returns a buffer at least size bytes long, sliced down to size.
// Requests larger than the biggest slab bypass pooling entirely.
func (mm *MMSA) Alloc(size int) []byte {
	for _, s := range mm.slabs {
		if size <= s.size {
			b := s.pool.Get().([]byte)
			return b[:size]
		}
	}
	return make([]byte, size)
}

// Free returns a buffer to its owning slab. Buffers not originally
// sized to one of the known slab sizes are left for the GC.
func (mm *MMSA) Free(b []byte) {
	c := cap(b)
	for _, s := range mm.slabs {
		if c == s.size {
			s.pool.Put(b[:c])
			return
		}
	}
}
