package errors

// Kind classifies a failure by how far its effect reaches.
type Kind uint8

const (
	// KindUnknown is reported for errors that were never classified.
	KindUnknown Kind = iota
	// KindTransient failures are retried in place (snapshot timeout, rate limit).
	KindTransient
	// KindRecoverable failures are repaired by a resync of one symbol.
	KindRecoverable
	// KindLocalFatal failures disable one symbol until an operator resets it.
	KindLocalFatal
	// KindGlobalFatal failures stop the whole engine (log halted, kill switch).
	KindGlobalFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRecoverable:
		return "recoverable"
	case KindLocalFatal:
		return "local_fatal"
	case KindGlobalFatal:
		return "global_fatal"
	default:
		return "unknown"
	}
}

type kindError struct {
	err  error
	kind Kind
}

// WithKind tags err with a classification. A nil err stays nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}

	return &kindError{err: err, kind: kind}
}

func (err kindError) Error() string {
	return err.err.Error()
}

func (err kindError) Unwrap() error {
	return err.err
}

// KindOf returns the outermost classification found in the chain.
func KindOf(err error) Kind {
	var ke *kindError
	if As(err, &ke) {
		return ke.kind
	}

	return KindUnknown
}

// IsFatal reports whether err must stop at least one symbol.
func IsFatal(err error) bool {
	k := KindOf(err)
	return k == KindLocalFatal || k == KindGlobalFatal
}
