//go:build !opus
// +build !opus

package encoder

// OpusAvailable reports whether this binary was built with libopus.
const OpusAvailable = false

// newOpusWorker stub when libopus is not available
func newOpusWorker() (Worker, error) {
	return nil, ErrOpusUnavailable
}
