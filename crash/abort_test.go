package crash

import (
	"testing"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/backend/backendtest"
	"github.com/stretchr/testify/assert"
)

func TestReadFailureAborts(t *testing.T) {
	t.Parallel()

	f := backendtest.New()
	f.Regs[backend.Rsp] = 0x2000

	var aborted []string

	d := New()
	d.abort = func(_, msg string, _ ...interface{}) { aborted = append(aborted, msg) }

	d.dispatch(FastFailDispatch, f)
	assert.Equal(t, []string{"cannot read guest memory"}, aborted)
	assert.Empty(t, f.Stops)
	assert.Empty(t, f.Crashes)
}
