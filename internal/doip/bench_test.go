package doip_test

import (
	"testing"

	"github.com/dantte-lp/godoip/internal/doip"
)

// -------------------------------------------------------------------------
// BenchmarkEncodeHeader: hot path: generic header of every frame
// -------------------------------------------------------------------------

// BenchmarkEncodeHeader measures writing the generic header into a
// pre-allocated buffer.
//
// Target: zero allocations per operation.
func BenchmarkEncodeHeader(b *testing.B) {
	buf := make([]byte, doip.HeaderSize)

	b.ReportAllocs()
	for b.Loop() {
		_, _ = doip.EncodeHeader(buf, doip.PayloadDiagnosticMessage, 6)
	}
}

// BenchmarkUnmarshalHeader measures decoding and validating the header of
// a received frame.
func BenchmarkUnmarshalHeader(b *testing.B) {
	frame := doip.AppendFrame(nil, doip.PayloadDiagnosticMessage,
		doip.DiagnosticMessage{SourceAddress: 0x0e80, TargetAddress: 0xfa25, UserData: []byte{0x22, 0xf1, 0x90}}.Marshal())

	b.ReportAllocs()
	for b.Loop() {
		_, _ = doip.UnmarshalHeader(frame)
	}
}

// -------------------------------------------------------------------------
// BenchmarkParseMessage: per-frame receive path
// -------------------------------------------------------------------------

// BenchmarkParseMessage measures parsing a complete diagnostic frame,
// including the payload copy.
func BenchmarkParseMessage(b *testing.B) {
	frame := doip.AppendFrame(nil, doip.PayloadDiagnosticMessage,
		doip.DiagnosticMessage{SourceAddress: 0x0e80, TargetAddress: 0xfa25, UserData: []byte{0x22, 0xf1, 0x90}}.Marshal())

	b.ReportAllocs()
	for b.Loop() {
		_, _ = doip.ParseMessage(frame)
	}
}

// BenchmarkAppendFrame measures building a diagnostic frame into a reused
// buffer.
func BenchmarkAppendFrame(b *testing.B) {
	payload := doip.DiagnosticMessage{SourceAddress: 0xfa25, TargetAddress: 0x0e80, UserData: []byte{0x62, 0xf1, 0x90}}.Marshal()
	buf := make([]byte, 0, doip.HeaderSize+len(payload))

	b.ReportAllocs()
	for b.Loop() {
		buf = doip.AppendFrame(buf[:0], doip.PayloadDiagnosticMessage, payload)
	}
}

// -------------------------------------------------------------------------
// BenchmarkApplyEvent: conversation state machine lookup
// -------------------------------------------------------------------------

// BenchmarkApplyEvent measures one transition table lookup.
//
// Target: zero allocations per operation.
func BenchmarkApplyEvent(b *testing.B) {
	b.ReportAllocs()
	for b.Loop() {
		_ = doip.ApplyEvent(doip.StateIdle, doip.EventRequestSent)
	}
}
