// Package store appends JSON records to line-oriented files under the node's
// data directory, rotating them by size.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

var (
	MaxBytesPerFile int64 = 4 << 20
	MaxRotations          = 3
)

const maxScanSize = 1 << 20

var appendMu sync.Mutex

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Sync()
}

// AppendJSONL writes v as one line at the end of path.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	appendMu.Lock()
	defer appendMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := rotateIfNeeded(path, int64(len(data)+1)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return syncFile(f)
}

func rotateIfNeeded(path string, incoming int64) error {
	if MaxBytesPerFile <= 0 {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if fi.Size()+incoming <= MaxBytesPerFile {
		return nil
	}
	if MaxRotations <= 0 {
		return os.Truncate(path, 0)
	}
	_ = os.Remove(rotatedPath(path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		src := rotatedPath(path, i)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, rotatedPath(path, i+1)); err != nil {
				return err
			}
		}
	}
	return os.Rename(path, rotatedPath(path, 1))
}

func rotatedPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// ScanPaths lists path and its rotations from oldest to newest.
func ScanPaths(path string) []string {
	out := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		out = append(out, rotatedPath(path, i))
	}
	return append(out, path)
}

// ReadJSONL calls fn for every line of path and its rotations, oldest first.
// Lines that fail to decode in fn are skipped; a missing file is not an error.
func ReadJSONL(path string, fn func(line []byte) error) error {
	for _, p := range ScanPaths(path) {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		sc := newScanner(f)
		for sc.Scan() {
			_ = fn(sc.Bytes())
		}
		err = sc.Err()
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadLast decodes up to n of the most recent records of path into T.
func ReadLast[T any](path string, n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]T, 0, n)
	err := ReadJSONL(path, func(line []byte) error {
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if len(out) < n {
			out = append(out, rec)
		} else {
			copy(out, out[1:])
			out[n-1] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
