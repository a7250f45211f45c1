//go:build !real_waku

package overlay

// Builds without the real_waku tag carry no go-waku node; the mock bus is the
// only overlay available and selecting the go-waku backend fails at Start.
func newGoWakuBackend() backend { return nil }
