// Package testutil provides testing utilities for kcore.
//
// This package is intended for use in tests only.
//
// # Fatal Paths
//
//	f := testutil.RequireHalt(t, fault.LockMisuse, func() {
//	    cache.Release(stale)
//	})
package testutil
