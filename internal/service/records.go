package service

import (
	"bufio"
	"bytes"
	"io"

	"github.com/devrev/pairkv/internal/model"
	"github.com/devrev/pairkv/internal/protocol"
)

// Records in the WAL and in store files are "key\r\nvalue\r\n", back to back.

var recordSeparator = []byte("\r\n")

func writeRecord(w io.Writer, key, value string) error {
	if _, err := io.WriteString(w, key); err != nil {
		return err
	}
	if _, err := w.Write(recordSeparator); err != nil {
		return err
	}
	if _, err := io.WriteString(w, value); err != nil {
		return err
	}
	_, err := w.Write(recordSeparator)
	return err
}

// splitCRLF is a bufio.SplitFunc yielding CRLF separated tokens. A trailing
// token without terminator is dropped as a torn write.
func splitCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, recordSeparator); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

// scanRecords calls fn for every complete record in r, stopping early if fn
// returns false.
func scanRecords(r io.Reader, fn func(model.KeyValueEntry) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxFrameSize+64)
	scanner.Split(splitCRLF)

	for scanner.Scan() {
		key := scanner.Text()
		if !scanner.Scan() {
			break
		}
		if !fn(model.KeyValueEntry{Key: key, Value: scanner.Text()}) {
			return nil
		}
	}
	return scanner.Err()
}
