package trap

import (
	"fmt"
	"io"

	"github.com/tinyrange/trapcore/internal/arm64/syndrome"
)

const dumpLineBytes = 16

func (r *Router) dieFault(ectx *ExceptionContext, what string, flags PageFaultFlags) {
	syn := syndrome.Decode(ectx.ESR)
	r.die(ectx, "%s: PC at %#x, FAR %#x, flags %s, fault status %#x",
		what, ectx.Frame.ELR, ectx.FAR, flags, syn.FaultStatus())
}

// dump writes the fatal report for ectx to the diagnostics writer.
func (r *Router) dump(ectx *ExceptionContext, msg string) {
	w := r.diag
	syn := syndrome.Decode(ectx.ESR)

	fmt.Fprintf(w, "exception_die: %s\n", msg)
	fmt.Fprintf(w, "ESR %#x: ec %#x (%s), il %d, iss %#x\n",
		ectx.ESR, uint8(syn.Class), syn.Class, (ectx.ESR>>25)&1, syn.ISS)
	fmt.Fprintf(w, "FAR %#x\n", ectx.FAR)
	dumpFrame(w, ectx.Frame)

	if r.user == nil || !r.isUserAddress(ectx.Frame.USP) {
		return
	}
	buf := make([]byte, r.stackDump)
	if err := r.user.CopyIn(buf, ectx.Frame.USP); err != nil {
		fmt.Fprintf(w, "user stack at %#x unreadable: %v\n", ectx.Frame.USP, err)
		return
	}
	fmt.Fprintf(w, "bottom of user stack at %#x:\n", ectx.Frame.USP)
	hexdump(w, buf, ectx.Frame.USP)
}

func dumpFrame(w io.Writer, f *Frame) {
	for i := 0; i < len(f.X); i += 2 {
		fmt.Fprintf(w, "x%-2d %#18x x%-2d %#18x\n", i, f.X[i], i+1, f.X[i+1])
	}
	fmt.Fprintf(w, "lr  %#18x usp %#18x\n", f.LR, f.USP)
	fmt.Fprintf(w, "elr %#18x\n", f.ELR)
	fmt.Fprintf(w, "spsr %#17x\n", f.SPSR)
}

func dumpShortFrame(w io.Writer, regs Registers) {
	f, ok := regs.(*ShortFrame)
	if !ok {
		fmt.Fprintf(w, "pc %#x usp %#x\n", regs.PC(), regs.UserSP())
		return
	}
	for i := 0; i < len(f.X); i += 2 {
		fmt.Fprintf(w, "x%-2d %#18x x%-2d %#18x\n", i, f.X[i], i+1, f.X[i+1])
	}
	fmt.Fprintf(w, "lr  %#18x usp %#18x\n", f.LR, f.USP)
	fmt.Fprintf(w, "elr %#18x\n", f.ELR)
	fmt.Fprintf(w, "spsr %#17x\n", f.SPSR)
}

// hexdump prints buf with absolute addresses starting at base.
func hexdump(w io.Writer, buf []byte, base uint64) {
	for off := 0; off < len(buf); off += dumpLineBytes {
		line := buf[off:min(off+dumpLineBytes, len(buf))]
		fmt.Fprintf(w, "%#016x: % x\n", base+uint64(off), line)
	}
}
