//go:build !linux && !darwin && !freebsd
// +build !linux,!darwin,!freebsd

package terminal

func (w *pagingWriter) getWindowSize() {
	w.mode = pagingWriterNormal
}
