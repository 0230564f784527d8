package storage

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// CompressedSuffix marks gzip-compressed object bodies on disk and in
// object keys.
const CompressedSuffix = ".gz"

// DefaultCompressionLevel is the gzip level used when none is configured.
const DefaultCompressionLevel = 6

// Codec serializes object bodies to JSON with optional gzip compression.
// Reads are transparent across both formats: the compressed twin of a
// logical path is always tried first, then the plain body, so a store can
// be flipped between compressed and uncompressed writes without rewriting
// existing objects.
type Codec struct {
	Enabled bool
	Level   int
}

// NewCodec returns a codec with the given compression setting. Levels
// outside 1..9 fall back to the default level.
func NewCodec(enabled bool, level int) *Codec {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = DefaultCompressionLevel
	}
	return &Codec{Enabled: enabled, Level: level}
}

// compressibleFor reports whether a logical path takes a gzip body. Only
// .json bodies compress; bare sentinels such as the cow-disabled marker
// keep their exact documented path.
func (c *Codec) compressibleFor(logical string) bool {
	return c.Enabled && strings.HasSuffix(logical, ".json")
}

// PhysicalPath maps a logical path to the path the codec will write to.
func (c *Codec) PhysicalPath(logical string) string {
	if c.compressibleFor(logical) {
		return logical + CompressedSuffix
	}
	return logical
}

// TwinPath returns the alternate-format path whose stale copy a write must
// remove so that reads never resurrect an older body.
func (c *Codec) TwinPath(logical string) string {
	if c.compressibleFor(logical) {
		return logical
	}
	return logical + CompressedSuffix
}

// Encode marshals value to JSON and, when the path compresses, wraps it in
// a gzip stream at the configured level.
func (c *Codec) Encode(logical string, value interface{}) ([]byte, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object body: %w", err)
	}
	if !c.compressibleFor(logical) {
		return body, nil
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress object body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode unmarshals an object body into out, gunzipping first when the body
// was read from a compressed path. A failure to parse after a successful
// decompression is reported as a Corrupt error; the caller decides whether
// to downgrade it (metadata reads do, vector reads do not).
func (c *Codec) Decode(data []byte, compressed bool, path string, out interface{}) error {
	body := data
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return newError(KindCorrupt, "decode", path, fmt.Errorf("failed to open gzip stream: %w", err))
		}
		body, err = io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return newError(KindCorrupt, "decode", path, fmt.Errorf("failed to decompress object body: %w", err))
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newError(KindCorrupt, "decode", path, fmt.Errorf("failed to parse object body: %w", err))
	}
	return nil
}

// LogicalPath strips the compressed suffix, mapping a physical path back to
// its logical identity.
func LogicalPath(physical string) string {
	return strings.TrimSuffix(physical, CompressedSuffix)
}

// IsCompressedPath reports whether a physical path names a gzip body.
func IsCompressedPath(physical string) bool {
	return strings.HasSuffix(physical, CompressedSuffix)
}

// DedupLogicalPaths collapses compressed and uncompressed twins to one
// logical path each and returns the result sorted. Listing primitives call
// this so that a mixed-format store never yields duplicate entries.
func DedupLogicalPaths(physical []string) []string {
	seen := make(map[string]struct{}, len(physical))
	logical := make([]string, 0, len(physical))
	for _, p := range physical {
		lp := LogicalPath(p)
		if _, ok := seen[lp]; ok {
			continue
		}
		seen[lp] = struct{}{}
		logical = append(logical, lp)
	}
	sort.Strings(logical)
	return logical
}
