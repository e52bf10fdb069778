package itx

import "errors"

// ErrStaleTxg is the Destroy error for records abandoned in a bucket whose
// txg already advanced without anyone calling Clean -- the pool missed a
// cleanup cycle, so the records can never be replayed in order and must be
// discarded rather than committed.
var ErrStaleTxg = errors.New("itx: abandoned in stale txg slot")

// ErrObjectRemoved is the Destroy error for async records dropped by
// RemoveAsync: the object they belonged to was destroyed before they were
// ever promoted to the sync list.
var ErrObjectRemoved = errors.New("itx: object removed before record synced")
