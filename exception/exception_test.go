package exception_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/snapfuzz/exception"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyWith(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		code   uint32
		params []uint64
		want   exception.Tag
	}{
		{name: "av read", code: 0xC0000005, params: []uint64{0, 0x1234}, want: "EXCEPTION_ACCESS_VIOLATION_READ"},
		{name: "av write", code: 0xC0000005, params: []uint64{1, 0x1234}, want: "EXCEPTION_ACCESS_VIOLATION_WRITE"},
		{name: "av execute", code: 0xC0000005, params: []uint64{8, 0x1234}, want: "EXCEPTION_ACCESS_VIOLATION_EXECUTE"},
		{name: "av unknown kind", code: 0xC0000005, params: []uint64{3}, want: "EXCEPTION_ACCESS_VIOLATION"},
		{name: "av no params", code: 0xC0000005, want: "EXCEPTION_ACCESS_VIOLATION"},
		{name: "int divide", code: 0xC0000094, want: "EXCEPTION_INT_DIVIDE_BY_ZERO"},
		{name: "stack overrun", code: 0xC0000409, want: "EXCEPTION_STACK_BUFFER_OVERRUN"},
		{name: "heap corruption", code: 0xC0000374, want: "STATUS_HEAP_CORRUPTION"},
		{name: "params ignored for non av", code: 0xC000001D, params: []uint64{1}, want: "EXCEPTION_ILLEGAL_INSTRUCTION"},
		{name: "unknown", code: 0xDEADBEEF, want: "UNKNOWN"},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, test.want, exception.ClassifyWith(test.code, test.params))
		})
	}
}

func TestRefineIdempotent(t *testing.T) {
	t.Parallel()

	for _, kind := range []uint64{0, 1, 8, 2} {
		params := []uint64{kind}
		once := exception.Refine(exception.AccessViolation, params)
		assert.Equal(t, once, exception.Refine(once, params), "kind %d", kind)
	}
}

func TestSyntheticCodesDistinct(t *testing.T) {
	t.Parallel()

	for _, code := range []uint32{
		exception.AccessViolationRead,
		exception.AccessViolationWrite,
		exception.AccessViolationExecute,
	} {
		assert.NotEqual(t, exception.AccessViolation, code)
		assert.NotEqual(t, exception.Unknown, exception.Classify(code))
	}
}

func TestIsBenign(t *testing.T) {
	t.Parallel()

	assert.True(t, exception.IsBenign(0xE06D7363))
	assert.True(t, exception.IsBenign(0x40010006))
	assert.True(t, exception.IsBenign(0x4001000A))
	assert.False(t, exception.IsBenign(0xC0000005))
}

func TestRecordLayout(t *testing.T) {
	t.Parallel()

	var r exception.Record

	require.Equal(t, 0x98, binary.Size(&r))

	raw := make([]byte, 0x98)
	binary.LittleEndian.PutUint32(raw[0x00:], 0xC0000005)
	binary.LittleEndian.PutUint64(raw[0x10:], 0xfffff80000001000)
	binary.LittleEndian.PutUint32(raw[0x18:], 40)
	binary.LittleEndian.PutUint64(raw[0x20:], 1)
	binary.LittleEndian.PutUint64(raw[0x28:], 0x41414141)
	binary.LittleEndian.PutUint64(raw[0x90:], 0x99)

	require.NoError(t, binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r))

	ev := r.Event()
	assert.Equal(t, exception.AccessViolation, ev.Code)
	assert.Equal(t, uint64(0xfffff80000001000), ev.Address)
	require.Len(t, ev.Parameters, exception.MaxParameters)
	assert.Equal(t, uint64(1), ev.Parameters[0])
	assert.Equal(t, uint64(0x41414141), ev.Parameters[1])
	assert.Equal(t, uint64(0x99), ev.Parameters[14])
	assert.Equal(t, exception.Tag("EXCEPTION_ACCESS_VIOLATION_WRITE"), exception.ClassifyWith(ev.Code, ev.Parameters))
}

func TestFromVector(t *testing.T) {
	t.Parallel()

	for vector, want := range map[uint32]uint32{
		0:  exception.IntDivideByZero,
		1:  exception.SingleStep,
		3:  exception.Breakpoint,
		6:  exception.IllegalInstruction,
		13: exception.AccessViolation,
		14: exception.AccessViolation,
		17: exception.DatatypeMisalignment,
		19: exception.FltInvalidOperation,
	} {
		assert.Equal(t, want, exception.FromVector(vector), "vector %d", vector)
	}
}
