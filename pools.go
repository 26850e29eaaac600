package ckv

import "sync"

var stmtBufPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 512)
	},
}

var rowidSlicePool = &sync.Pool{
	New: func() any {
		return make([]Rowid, 0, 256)
	},
}

func releaseRowids(s []Rowid) {
	if cap(s) <= 65536 {
		rowidSlicePool.Put(s[:0])
	}
}
