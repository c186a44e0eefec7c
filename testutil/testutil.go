package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kcore/fault"
)

// RequireHalt runs fn and fails the test unless it halts with a fault of
// the given kind. The fault is returned for further inspection.
func RequireHalt(t testing.TB, kind fault.Kind, fn func()) (f *fault.Error) {
	t.Helper()

	defer func() {
		v := recover()
		require.NotNil(t, v, "expected %s halt", kind)
		f = fault.Recover(v)
		require.NotNil(t, f, "panic was not a fault: %v", v)
		require.Equal(t, kind, f.Kind, "unexpected fault: %v", f)
	}()

	fn()
	return nil
}
