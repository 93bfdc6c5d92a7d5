// Package kfmt implements the kernel console: an allocation-free Printf, the
// sink that its output is routed to and the panic path that stops the machine.
package kfmt

import (
	"io"
	"unsafe"

	"taskos/kernel/sync"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// printLock serializes console output across cores. The formatting
	// buffers below are shared so they may only be touched while it is held.
	printLock sync.Spinlock

	numFmtBuf  [maxBufSize + 1]byte
	singleByte = []byte(" ")

	// earlyPrintBuffer captures Printf output until a sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink receives the output of Printf. While nil, output is
	// redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and flushes
// anything accumulated in the early print buffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
	printLock.Release()
}

// GetOutputSink returns the writer currently receiving Printf output. If no
// sink has been registered the early print buffer is returned instead.
func GetOutputSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Printf provides a minimal Printf implementation that does not allocate.
// It supports the following subset of formatting verbs:
//
// Strings:
//
//	%s the uninterpreted bytes of the string or byte slice
//
// Integers:
//
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//
// Booleans:
//
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. Strings and base-10 integers are left-padded with spaces while base-8
// and base-16 integers are left-padded with zeroes.
//
// Arguments are never checked for io.Stringer or error implementations; only
// the built-in string, byte slice, bool and integer types are understood.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printLock.Acquire()
	defer printLock.Release()

	var (
		argIndex   int
		blockStart int
		padLen     int
		fmtLen     = len(format)
	)

	for index := 0; index < fmtLen; index++ {
		if format[index] != '%' {
			continue
		}

		writeString(w, format[blockStart:index])

		padLen = 0
		index++
	parseVerb:
		for ; index < fmtLen; index++ {
			ch := format[index]
			switch {
			case ch == '%':
				singleByte[0] = '%'
				doWrite(w, singleByte)
				break parseVerb
			case ch >= '0' && ch <= '9':
				padLen = (padLen * 10) + int(ch-'0')
			case ch == 'd' || ch == 'x' || ch == 'o' || ch == 's' || ch == 't':
				if argIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseVerb
				}

				switch ch {
				case 'o':
					fmtInt(w, args[argIndex], 8, padLen)
				case 'd':
					fmtInt(w, args[argIndex], 10, padLen)
				case 'x':
					fmtInt(w, args[argIndex], 16, padLen)
				case 's':
					fmtString(w, args[argIndex], padLen)
				case 't':
					fmtBool(w, args[argIndex])
				}
				argIndex++
				break parseVerb
			default:
				doWrite(w, errNoVerb)
				break parseVerb
			}
		}
		blockStart = index + 1
	}

	if blockStart < fmtLen {
		writeString(w, format[blockStart:])
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// writeString emits s one byte at a time; slicing a string into a []byte
// would allocate.
func writeString(w io.Writer, s string) {
	for i := 0; i < len(s); i++ {
		singleByte[0] = s[i]
		doWrite(w, singleByte)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case bVal:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

// fmtString prints a string or []byte value left-padded to padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		writeString(w, castedVal)
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		doWrite(w, singleByte)
	}
}

// fmtInt prints v in the requested base applying the padding specified by
// padLen. All built-in signed and unsigned integer types are supported.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		uval     uint64
		negative bool
		padCh    = byte('0')
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}
	if base == 10 {
		padCh = ' '
	}

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		uval, negative = absInt(int64(t))
	case int16:
		uval, negative = absInt(int64(t))
	case int32:
		uval, negative = absInt(int64(t))
	case int64:
		uval, negative = absInt(t)
	case int:
		uval, negative = absInt(int64(t))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	// Digits are generated right to left into the tail of numFmtBuf
	end := len(numFmtBuf)
	start := end
	for {
		digit := uval % uint64(base)
		start--
		if digit < 10 {
			numFmtBuf[start] = byte(digit) + '0'
		} else {
			numFmtBuf[start] = byte(digit-10) + 'a'
		}

		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	if negative && padCh == ' ' {
		start--
		numFmtBuf[start] = '-'
	}

	for end-start < padLen {
		start--
		numFmtBuf[start] = padCh
	}

	// Zero padding goes between the sign and the digits
	if negative && padCh == '0' {
		start--
		numFmtBuf[start] = '-'
	}

	doWrite(w, numFmtBuf[start:end])
}

func absInt(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

// doWrite hides p from the compiler's escape analysis. Without it the call to
// the yet unknown io.Writer makes p escape, turning every Printf into a heap
// allocation.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
	} else {
		_, _ = earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis (see runtime/stubs.go).
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
