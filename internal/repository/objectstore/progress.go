package objectstore

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// trackUpload draws a byte bar over r unless quiet.
func trackUpload(r io.Reader, quiet bool) io.Reader {
	if quiet {
		return r
	}
	pr := progressbar.NewReader(r, progressbar.DefaultBytes(remaining(r), "staging"))
	return &pr
}

// trackDownload draws a byte bar over rc unless quiet. size may be -1.
func trackDownload(rc io.ReadCloser, size int64, quiet bool) io.ReadCloser {
	if quiet {
		return rc
	}
	pr := progressbar.NewReader(rc, progressbar.DefaultBytes(size, "reading"))
	return &barReadCloser{Reader: &pr, Closer: rc}
}

type barReadCloser struct {
	io.Reader
	io.Closer
}

// remaining reports how many bytes are left in reader when it can seek, or -1.
func remaining(reader io.Reader) int64 {
	seeker, ok := reader.(io.Seeker)
	if !ok {
		return -1
	}
	current, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	end, err := seeker.Seek(0, io.SeekEnd)
	if err != nil {
		return -1
	}
	if _, err := seeker.Seek(current, io.SeekStart); err != nil {
		return -1
	}
	return end - current
}
