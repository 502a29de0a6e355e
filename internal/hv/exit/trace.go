package exit

import "github.com/tinyrange/trapcore/internal/debug"

// DebugTracer writes every exit to the debug trace log.
type DebugTracer struct {
	source debug.Source
}

func NewDebugTracer(source string) *DebugTracer {
	return &DebugTracer{source: debug.WithSource(source)}
}

func (t *DebugTracer) TraceExit(vcpu int, reason Reason, pc uint64) {
	t.source.WriteExit(debug.Exit{VCPU: uint32(vcpu), Reason: uint16(reason), PC: pc})
}
