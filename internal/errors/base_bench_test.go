package errors

import (
	"testing"
)

var errHalted = New("log halted")

func BenchmarkWrap(b *testing.B) {
	b.Run("nil", func(b *testing.B) {
		for b.Loop() {
			_ = Wrap(nil, "append")
		}
	})

	b.Run("message", func(b *testing.B) {
		for b.Loop() {
			_ = Wrap(errHalted, "append fill").Error()
		}
	})
}

// KindOf runs on every error the session loop sees.
func BenchmarkKindOf(b *testing.B) {
	err := Wrap(WithKind(errHalted, KindGlobalFatal), "append fill")
	plain := Wrap(errHalted, "append fill")

	b.Run("classified", func(b *testing.B) {
		for b.Loop() {
			_ = KindOf(err)
		}
	})

	b.Run("unclassified", func(b *testing.B) {
		for b.Loop() {
			_ = IsFatal(plain)
		}
	})
}
