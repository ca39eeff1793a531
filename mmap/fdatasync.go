package mmap

import "os"

// Fdatasync makes the data written to f durable, using the cheapest call the
// platform offers (fdatasync skips metadata such as modification times).
//
// If mapping is non-nil, it is a writable view of f that some platforms
// must sync through msync instead.
//
// Errors returned by this function are not recoverable: after a failed sync
// the kernel may have dropped dirty pages, so the file must be treated as
// corrupted until it is verified or rebuilt.
func Fdatasync(f *os.File, mapping []byte) error {
	return fdatasync(f, mapping)
}
