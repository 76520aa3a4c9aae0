// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz/lzma"
)

// codecMethod is a (compressor, decompressor) pair keyed by its flag,
// following the same "name -> constructor table" idiom the teacher's
// std/crypt.go SelectBlockCrypt uses for its cipher registry.
type codecMethod struct {
	compress   func([]byte) ([]byte, error)
	decompress func([]byte) ([]byte, error)
}

var codecs = map[Flag]codecMethod{
	Gzip: {compress: gzipCompress, decompress: gzipDecompress},
	Zlib: {compress: zlibCompress, decompress: zlibDecompress},
	BZ2:  {compress: bzip2Compress, decompress: bzip2Decompress},
	LZMA: {compress: lzmaCompress, decompress: lzmaDecompress},
}

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func zlibCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zlibDecompress(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func bzip2Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bzip2Decompress(b []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(b), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func lzmaCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lzmaDecompress(b []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// compress applies the codec registered for method, or returns the
// input unchanged if no codec is registered (the caller is expected to
// only pass flags it found in CompressionFlags).
func compress(b []byte, method Flag) ([]byte, error) {
	c, ok := codecs[method]
	if !ok {
		return b, nil
	}
	return c.compress(b)
}

func decompress(b []byte, method Flag) ([]byte, error) {
	c, ok := codecs[method]
	if !ok {
		return nil, newCompressionError("no codec registered for method %v", method)
	}
	return c.decompress(b)
}
