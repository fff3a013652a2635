//go:build !linux

package netio

// Socket options are only tuned on Linux; other platforms use the Go
// runtime defaults, which leave broadcast sends disabled.

func setListenerOpts(int) error { return nil }

func setDialerOpts(int) error { return nil }

func setUDPOpts(int, bool) error { return nil }
