package nxjit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeResolver struct {
	dest  uintptr
	err   error
	calls []uintptr
}

func (r *fakeResolver) Resolve(addr uintptr) (uintptr, error) {
	r.calls = append(r.calls, addr)
	return r.dest, r.err
}

type fakeMappingResolver struct {
	fakeResolver
	source uintptr
}

func (r *fakeMappingResolver) SourceOf(addr uintptr) (uintptr, bool) {
	return r.source, r.source != 0
}

func testRegistry(t *testing.T) *Registry {
	var reg Registry
	require.NoError(t, reg.Register(Range{Start: 0x10000, End: 0x20000}))
	return &reg
}

func TestHandle(t *testing.T) {
	execFault := func(addr uintptr) Fault {
		return Fault{Code: 0xc0000005, Kind: AccessViolation, Access: AccessExecute, Addr: addr}
	}

	cases := map[string]struct {
		fault    Fault
		resolver fakeResolver
		verdict  Verdict
		dest     uintptr
		resolved bool
	}{
		"claimed": {
			fault:    execFault(0x10100),
			resolver: fakeResolver{dest: 0x7000},
			verdict:  ContinueExecution,
			dest:     0x7000,
			resolved: true,
		},
		"outside protected ranges": {
			fault:    execFault(0x20000),
			resolver: fakeResolver{dest: 0x7000},
			verdict:  ContinueSearch,
		},
		"read": {
			fault:    Fault{Kind: AccessViolation, Access: AccessRead, Addr: 0x10100},
			resolver: fakeResolver{dest: 0x7000},
			verdict:  ContinueSearch,
		},
		"write": {
			fault:    Fault{Kind: AccessViolation, Access: AccessWrite, Addr: 0x10100},
			resolver: fakeResolver{dest: 0x7000},
			verdict:  ContinueSearch,
		},
		"other fault": {
			fault:    Fault{Code: 0x80000003, Addr: 0x10100},
			resolver: fakeResolver{dest: 0x7000},
			verdict:  ContinueSearch,
		},
		"resolve error": {
			fault:    execFault(0x10100),
			resolver: fakeResolver{err: ErrUnreadable},
			verdict:  ContinueSearch,
			resolved: true,
		},
		"no destination": {
			fault:    execFault(0x10100),
			resolver: fakeResolver{},
			verdict:  ContinueSearch,
			resolved: true,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resolver := tc.resolver
			d := NewDispatcher(testRegistry(t), &resolver, nil)

			verdict, dest := d.Handle(tc.fault)
			assert.Equal(t, tc.verdict, verdict)
			assert.Equal(t, tc.dest, dest)

			if tc.resolved {
				assert.Equal(t, []uintptr{tc.fault.Addr}, resolver.calls)
			} else {
				assert.Empty(t, resolver.calls)
			}
		})
	}
}

func TestHandleLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	resolver := &fakeMappingResolver{
		fakeResolver: fakeResolver{err: errors.New("boom")},
		source:       0x10040,
	}
	d := NewDispatcher(testRegistry(t), resolver, zap.New(core))

	d.Handle(Fault{Kind: AccessViolation, Access: AccessExecute, Addr: 0x10100})
	failed := logs.FilterMessage("unable to resolve fault").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.ErrorLevel, failed[0].Level)

	// A fault in translated code names the region it came from.
	d.Handle(Fault{Kind: AccessViolation, Access: AccessRead, Addr: 0x7010})
	unclaimed := logs.FilterMessage("fault not claimed").All()
	require.Len(t, unclaimed, 1)
	assert.Equal(t, "0x10040", unclaimed[0].ContextMap()["source"])
	assert.Equal(t, "not an execute fault", unclaimed[0].ContextMap()["reason"])
}

func TestHandleLoggingOff(t *testing.T) {
	resolver := &fakeMappingResolver{source: 0x10040}
	d := NewDispatcher(testRegistry(t), resolver, zap.NewNop())

	verdict, _ := d.Handle(Fault{Kind: AccessViolation, Access: AccessRead, Addr: 0x7010})
	assert.Equal(t, ContinueSearch, verdict)
}

func TestFaultStrings(t *testing.T) {
	assert.Equal(t, "execute", AccessExecute.String())
	assert.Equal(t, "access violation", AccessViolation.String())
	assert.Equal(t, "continue execution", ContinueExecution.String())
	assert.Equal(t, "continue search", ContinueSearch.String())
}
