package docstore

import (
	"errors"
	"strings"

	"github.com/peterouob/p2plobby/pkg/signal"
)

var ErrBadFieldPath = errors.New("invalid field path")

// parseFieldPath splits a dotted field path. Segments are either plain
// identifiers or backtick-quoted names with \` and \\ escapes.
func parseFieldPath(path string) ([]string, error) {
	if path == "" {
		return nil, ErrBadFieldPath
	}
	var (
		segs []string
		cur  strings.Builder
	)
	for i := 0; i < len(path); {
		if path[i] == '`' {
			i++
			closed := false
			for i < len(path) {
				ch := path[i]
				if ch == '\\' && i+1 < len(path) {
					cur.WriteByte(path[i+1])
					i += 2
					continue
				}
				i++
				if ch == '`' {
					closed = true
					break
				}
				cur.WriteByte(ch)
			}
			if !closed || cur.Len() == 0 {
				return nil, ErrBadFieldPath
			}
		} else {
			for i < len(path) && path[i] != '.' {
				ch := path[i]
				if ch == '`' || ch == '\\' {
					return nil, ErrBadFieldPath
				}
				cur.WriteByte(ch)
				i++
			}
			if cur.Len() == 0 {
				return nil, ErrBadFieldPath
			}
		}

		segs = append(segs, cur.String())
		cur.Reset()

		if i < len(path) {
			if path[i] != '.' || i == len(path)-1 {
				return nil, ErrBadFieldPath
			}
			i++
		}
	}
	return segs, nil
}

// applyMask copies the value at segs from src into dst, or removes it from dst
// when src has none. Intermediate maps are created as needed.
func applyMask(dst, src map[string]signal.Value, segs []string) {
	name := segs[0]
	if len(segs) == 1 {
		if v, ok := src[name]; ok {
			dst[name] = v
		} else {
			delete(dst, name)
		}
		return
	}

	var srcChild map[string]signal.Value
	if v, ok := src[name]; ok && v.MapValue != nil {
		srcChild = v.MapValue.Fields
	}

	dstChild := make(map[string]signal.Value)
	if v, ok := dst[name]; ok && v.MapValue != nil {
		for k, f := range v.MapValue.Fields {
			dstChild[k] = f
		}
	}

	applyMask(dstChild, srcChild, segs[1:])
	dst[name] = signal.Value{MapValue: &signal.MapValue{Fields: dstChild}}
}
