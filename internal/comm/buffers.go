package comm

import (
	"errors"
	"fmt"
)

var ErrBadBufferPath = errors.New("comm: bad buffer path")

// ExtractBuffers removes binary leaves from state so the remainder is
// JSON-safe. Removed buffers are returned with the paths addressing them;
// map entries are deleted, slice slots are nulled to keep indices stable.
func ExtractBuffers(state map[string]any) ([][]any, [][]byte) {
	var paths [][]any
	var buffers [][]byte
	extractFromMap(state, nil, &paths, &buffers)
	return paths, buffers
}

func extractFromMap(m map[string]any, prefix []any, paths *[][]any, buffers *[][]byte) {
	for key, value := range m {
		path := appendPath(prefix, key)
		switch v := value.(type) {
		case []byte:
			*paths = append(*paths, path)
			*buffers = append(*buffers, v)
			delete(m, key)
		case map[string]any:
			extractFromMap(v, path, paths, buffers)
		case []any:
			extractFromSlice(v, path, paths, buffers)
		}
	}
}

func extractFromSlice(s []any, prefix []any, paths *[][]any, buffers *[][]byte) {
	for i, value := range s {
		path := appendPath(prefix, i)
		switch v := value.(type) {
		case []byte:
			*paths = append(*paths, path)
			*buffers = append(*buffers, v)
			s[i] = nil
		case map[string]any:
			extractFromMap(v, path, paths, buffers)
		case []any:
			extractFromSlice(v, path, paths, buffers)
		}
	}
}

func appendPath(prefix []any, seg any) []any {
	path := make([]any, 0, len(prefix)+1)
	path = append(path, prefix...)
	return append(path, seg)
}

// InsertBuffers writes buffers back into state at their recorded paths.
// Paths and buffers must pair one to one; every path must resolve through
// existing containers.
func InsertBuffers(state map[string]any, paths [][]any, buffers [][]byte) error {
	if len(paths) != len(buffers) {
		return fmt.Errorf("%w: %d paths for %d buffers", ErrBadBufferPath, len(paths), len(buffers))
	}
	for i, path := range paths {
		if len(path) == 0 {
			return fmt.Errorf("%w: empty path at index %d", ErrBadBufferPath, i)
		}
		if err := insertOne(state, path, buffers[i]); err != nil {
			return err
		}
	}
	return nil
}

func insertOne(state map[string]any, path []any, buf []byte) error {
	container := any(state)
	for _, seg := range path[:len(path)-1] {
		next, err := step(container, seg)
		if err != nil {
			return err
		}
		container = next
	}
	return assign(container, path[len(path)-1], buf)
}

func step(container any, seg any) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		key, ok := seg.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string key %v for object", ErrBadBufferPath, seg)
		}
		next, ok := c[key]
		if !ok {
			return nil, fmt.Errorf("%w: missing key %q", ErrBadBufferPath, key)
		}
		return next, nil
	case []any:
		idx, err := sliceIndex(seg, len(c))
		if err != nil {
			return nil, err
		}
		return c[idx], nil
	default:
		return nil, fmt.Errorf("%w: cannot traverse %T", ErrBadBufferPath, container)
	}
}

func assign(container any, seg any, buf []byte) error {
	switch c := container.(type) {
	case map[string]any:
		key, ok := seg.(string)
		if !ok {
			return fmt.Errorf("%w: non-string key %v for object", ErrBadBufferPath, seg)
		}
		c[key] = buf
		return nil
	case []any:
		idx, err := sliceIndex(seg, len(c))
		if err != nil {
			return err
		}
		c[idx] = buf
		return nil
	default:
		return fmt.Errorf("%w: cannot assign into %T", ErrBadBufferPath, container)
	}
}

// sliceIndex accepts int and float64 segments; JSON decoding yields float64.
func sliceIndex(seg any, length int) (int, error) {
	var idx int
	switch v := seg.(type) {
	case int:
		idx = v
	case float64:
		idx = int(v)
	default:
		return 0, fmt.Errorf("%w: non-numeric index %v for array", ErrBadBufferPath, seg)
	}
	if idx < 0 || idx >= length {
		return 0, fmt.Errorf("%w: index %d out of range (len %d)", ErrBadBufferPath, idx, length)
	}
	return idx, nil
}
