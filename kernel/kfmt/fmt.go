// Package kfmt provides formatted output for kernel subsystems. The formatter
// is deliberately small: it supports the handful of verbs kernel code needs,
// emits output byte at a time without allocating, and buffers anything printed
// before an output sink is attached in a ring buffer that gets flushed once
// the boot code wires one up.
package kfmt

import (
	"io"
	"sync"
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

	// printMu serializes use of the shared formatting buffers and the sink;
	// kernel subsystems log from multiple goroutines.
	printMu sync.Mutex

	numFmtBuf [maxBufSize]byte

	// singleByte is a shared scratch buffer for emitting one character at a
	// time; emitting sub-slices of the format string directly would convert
	// string to []byte and allocate on every call.
	singleByte = []byte{' '}

	// earlyPrintBuffer stores Printf output produced before a sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While nil,
	// output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and copies any data
// accumulated in the early ring buffer to it. Passing nil detaches the current
// sink and sends subsequent output back to the ring buffer.
func SetOutputSink(w io.Writer) {
	printMu.Lock()
	defer printMu.Unlock()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats its arguments to the active output sink. It supports the
// following subset of the fmt verbs:
//
//	%s  the uninterpreted bytes of a string or byte slice
//	%o  integer, base 8
//	%d  integer, base 10
//	%x  integer, base 16 with lower-case letters
//	%t  "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. String and base-10 values shorter than the width are left-padded with
// spaces; base-8 and base-16 values are left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	printMu.Lock()
	fprintf(outputSink, format, args...)
	printMu.Unlock()
}

// Fprintf behaves exactly like Printf but writes the formatted output to the
// supplied io.Writer instead of the active sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	printMu.Lock()
	fprintf(w, format, args...)
	printMu.Unlock()
}

func fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		nextCh                       byte
		nextArgIndex                 int
		blockStart, blockEnd, padLen int
		fmtLen                       = len(format)
	)

	for blockEnd < fmtLen {
		nextCh = format[blockEnd]
		if nextCh != '%' {
			blockEnd++
			continue
		}

		for i := blockStart; i < blockEnd; i++ {
			singleByte[0] = format[i]
			doWrite(w, singleByte)
		}

		// Scan til we hit the verb character
		padLen = 0
		blockEnd++
	parseFmt:
		for ; blockEnd < fmtLen; blockEnd++ {
			nextCh = format[blockEnd]
			switch {
			case nextCh == '%':
				singleByte[0] = '%'
				doWrite(w, singleByte)
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' || nextCh == 't':
				if nextArgIndex >= len(args) {
					doWrite(w, errMissingArg)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					fmtInt(w, args[nextArgIndex], 8, padLen)
				case 'd':
					fmtInt(w, args[nextArgIndex], 10, padLen)
				case 'x':
					fmtInt(w, args[nextArgIndex], 16, padLen)
				case 's':
					fmtString(w, args[nextArgIndex], padLen)
				case 't':
					fmtBool(w, args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			default:
				// Reached a character that cannot be part of a verb.
				doWrite(w, errNoVerb)
				break parseFmt
			}
		}
		blockStart, blockEnd = blockEnd+1, blockEnd+1
	}

	for i := blockStart; i < blockEnd && i < fmtLen; i++ {
		singleByte[0] = format[i]
		doWrite(w, singleByte)
	}

	// Check for unused args
	for ; nextArgIndex < len(args); nextArgIndex++ {
		doWrite(w, errExtraArg)
	}
}

// fmtBool prints a formatted version of boolean value v.
func fmtBool(w io.Writer, v interface{}) {
	switch bVal := v.(type) {
	case bool:
		if bVal {
			doWrite(w, trueValue)
		} else {
			doWrite(w, falseValue)
		}
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtString prints a formatted version of string or []byte value v, applying
// the padding specified by padLen.
func fmtString(w io.Writer, v interface{}, padLen int) {
	switch castedVal := v.(type) {
	case string:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		for i := 0; i < len(castedVal); i++ {
			singleByte[0] = castedVal[i]
			doWrite(w, singleByte)
		}
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		doWrite(w, castedVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtRepeat writes count bytes with value ch.
func fmtRepeat(w io.Writer, ch byte, count int) {
	singleByte[0] = ch
	for i := 0; i < count; i++ {
		doWrite(w, singleByte)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. This function supports all built-in signed
// and unsigned integer types and base 8, 10 and 16 output.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var (
		sval             int64
		uval             uint64
		divider          uint64
		remainder        uint64
		padCh            byte
		left, right, end int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	switch base {
	case 8:
		divider = 8
		padCh = '0'
	case 10:
		divider = 10
		padCh = ' '
	case 16:
		divider = 16
		padCh = '0'
	}

	switch numVal := v.(type) {
	case uint8:
		uval = uint64(numVal)
	case uint16:
		uval = uint64(numVal)
	case uint32:
		uval = uint64(numVal)
	case uint64:
		uval = numVal
	case uintptr:
		uval = uint64(numVal)
	case uint:
		uval = uint64(numVal)
	case int8:
		sval = int64(numVal)
	case int16:
		sval = int64(numVal)
	case int32:
		sval = int64(numVal)
	case int64:
		sval = numVal
	case int:
		sval = int64(numVal)
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if sval < 0 {
		uval = uint64(-sval)
	} else if sval > 0 {
		uval = uint64(sval)
	}

	for right < maxBufSize {
		remainder = uval % divider
		if remainder < 10 {
			numFmtBuf[right] = byte(remainder) + '0'
		} else {
			// map values from 10 to 15 -> a-f
			numFmtBuf[right] = byte(remainder-10) + 'a'
		}

		right++

		uval /= divider
		if uval == 0 {
			break
		}
	}

	// Apply padding if required
	for ; right-left < padLen; right++ {
		numFmtBuf[right] = padCh
	}

	// Apply the negative sign over the rightmost blank character if enough
	// padding is present; otherwise append the sign as a new char.
	if sval < 0 {
		for end = right - 1; numFmtBuf[end] == ' '; end-- {
		}

		if end == right-1 {
			right++
		}

		numFmtBuf[end+1] = '-'
	}

	// Reverse in place
	end = right
	for right = right - 1; left < right; left, right = left+1, right-1 {
		numFmtBuf[left], numFmtBuf[right] = numFmtBuf[right], numFmtBuf[left]
	}

	doWrite(w, numFmtBuf[0:end])
}

// doWrite sends p to the supplied writer, or to the early ring buffer when no
// writer is attached yet.
func doWrite(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}
