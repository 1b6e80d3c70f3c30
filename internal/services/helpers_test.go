package services

import (
	"bytes"
	"io"
)

func newBody(s string) io.Reader {
	return bytes.NewBufferString(s)
}
