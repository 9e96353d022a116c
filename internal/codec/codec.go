// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

// Package codec implements the streaming backup artifact pipeline:
// gzip (level 9) compression, AES-256-GCM authenticated encryption, and
// SHA-2 checksumming.
//
// All operations stream in fixed-size chunks (1 MiB) so that multi-GB
// database dumps never require more than one chunk of memory at a time.
//
// Pipeline:
//
//	plaintext dump ──gzip(9)──▶ .gz ──AES-256-GCM──▶ .gz.enc
//	                                      │
//	                                      └──▶ SHA-256 checksum
//
// The inverse pipeline (DecryptAndDecompress) restores the original file
// byte-for-byte. Tampered or wrong-key ciphertext is rejected during
// decryption via the GCM authentication tag.
package codec

import (
	"crypto/md5"  //nolint:gosec // md5 offered for interoperability only, never for integrity decisions
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/tomtom215/custodius/internal/logging"
)

// DefaultChunkSize bounds per-operation memory for streaming I/O.
const DefaultChunkSize = 1 << 20 // 1 MiB

// ErrNotFound indicates the input file does not exist.
var ErrNotFound = errors.New("file not found")

// CompressionError wraps gzip or I/O failures in the compression stage.
type CompressionError struct {
	Op  string
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compression error during %s: %v", e.Op, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// EncryptionError wraps key, authentication, and I/O failures in the
// encryption stage. Authentication failures always carry the message
// "Invalid encryption key or corrupted file".
type EncryptionError struct {
	Msg string
	Err error
}

func (e *EncryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encryption error: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("encryption error: %s", e.Msg)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// Codec performs compression, encryption, and checksumming of backup
// artifacts. The zero value is unusable; construct with New.
type Codec struct {
	key       []byte
	chunkSize int
}

// New creates a Codec from a URL-safe base64 encoded 32-byte AES-256 key.
func New(encodedKey string) (*Codec, error) {
	key, err := ParseKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return &Codec{key: key, chunkSize: DefaultChunkSize}, nil
}

// ParseKey decodes and validates a URL-safe base64 AES-256 key.
func ParseKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, &EncryptionError{Msg: "encryption key is not configured"}
	}
	key, err := base64.URLEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		// Tolerate unpadded keys produced by some generators
		key, err = base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
		if err != nil {
			return nil, &EncryptionError{Msg: "encryption key is not valid base64", Err: err}
		}
	}
	if len(key) != 32 {
		return nil, &EncryptionError{Msg: fmt.Sprintf("encryption key must be 32 bytes, got %d", len(key))}
	}
	return key, nil
}

// Compress gzips in to out at maximum compression. If out is empty,
// in + ".gz" is used. Returns the output path, original size, and
// compressed size.
func (c *Codec) Compress(in, out string) (string, int64, int64, error) {
	if out == "" {
		out = in + ".gz"
	}

	src, err := os.Open(in) //nolint:gosec // G304: path comes from pipeline-owned temp dirs
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, 0, fmt.Errorf("%w: %s", ErrNotFound, in)
		}
		return "", 0, 0, &CompressionError{Op: "open input", Err: err}
	}
	defer src.Close() //nolint:errcheck // Best effort cleanup

	info, err := src.Stat()
	if err != nil {
		return "", 0, 0, &CompressionError{Op: "stat input", Err: err}
	}
	origSize := info.Size()

	dst, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		return "", 0, 0, &CompressionError{Op: "create output", Err: err}
	}

	gz, err := gzip.NewWriterLevel(dst, gzip.BestCompression)
	if err != nil {
		dst.Close() //nolint:errcheck // Best effort cleanup on error
		return "", 0, 0, &CompressionError{Op: "init gzip writer", Err: err}
	}

	buf := make([]byte, c.chunkSize)
	if _, err := io.CopyBuffer(gz, src, buf); err != nil {
		gz.Close()  //nolint:errcheck // Best effort cleanup on error
		dst.Close() //nolint:errcheck // Best effort cleanup on error
		os.Remove(out) //nolint:errcheck // Best effort cleanup on error
		return "", 0, 0, &CompressionError{Op: "compress stream", Err: err}
	}
	if err := gz.Close(); err != nil {
		dst.Close() //nolint:errcheck // Best effort cleanup on error
		return "", 0, 0, &CompressionError{Op: "finalize gzip stream", Err: err}
	}
	if err := dst.Close(); err != nil {
		return "", 0, 0, &CompressionError{Op: "close output", Err: err}
	}

	compInfo, err := os.Stat(out)
	if err != nil {
		return "", 0, 0, &CompressionError{Op: "stat output", Err: err}
	}

	logging.Debug().
		Str("input", in).
		Int64("original_bytes", origSize).
		Int64("compressed_bytes", compInfo.Size()).
		Msg("Compression complete")

	return out, origSize, compInfo.Size(), nil
}

// Decompress gunzips in to out. If out is empty, the ".gz" suffix is
// stripped from in. Returns the output path.
func (c *Codec) Decompress(in, out string) (string, error) {
	if out == "" {
		out = strings.TrimSuffix(in, ".gz")
		if out == in {
			out = in + ".out"
		}
	}

	src, err := os.Open(in) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, in)
		}
		return "", &CompressionError{Op: "open input", Err: err}
	}
	defer src.Close() //nolint:errcheck // Best effort cleanup

	gz, err := gzip.NewReader(src)
	if err != nil {
		return "", &CompressionError{Op: "init gzip reader", Err: err}
	}
	defer gz.Close() //nolint:errcheck // Best effort cleanup

	dst, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		return "", &CompressionError{Op: "create output", Err: err}
	}

	buf := make([]byte, c.chunkSize)
	if _, err := io.CopyBuffer(dst, gz, buf); err != nil { //nolint:gosec // G110: artifact sizes are operator-controlled
		dst.Close()    //nolint:errcheck // Best effort cleanup on error
		os.Remove(out) //nolint:errcheck // Best effort cleanup on error
		return "", &CompressionError{Op: "decompress stream", Err: err}
	}
	if err := dst.Close(); err != nil {
		return "", &CompressionError{Op: "close output", Err: err}
	}

	return out, nil
}

// HashAlgorithm selects the checksum function.
type HashAlgorithm string

// Supported checksum algorithms. SHA-256 is the default everywhere;
// SHA-512 and MD5 exist for interoperability with external tooling.
const (
	SHA256 HashAlgorithm = "sha256"
	SHA512 HashAlgorithm = "sha512"
	MD5    HashAlgorithm = "md5"
)

// Checksum computes the hex digest of the file at path using the given
// algorithm.
func (c *Codec) Checksum(path string, algo HashAlgorithm) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // Best effort cleanup

	var h hash.Hash
	switch algo {
	case SHA512:
		h = sha512.New()
	case MD5:
		h = md5.New() //nolint:gosec // Interoperability only
	case SHA256, "":
		h = sha256.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algo)
	}

	buf := make([]byte, c.chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256File computes the lower-case hex SHA-256 digest of path.
func (c *Codec) SHA256File(path string) (string, error) {
	return c.Checksum(path, SHA256)
}

// VerifyChecksum reports whether the file's SHA-256 digest matches
// expected. Comparison is case-insensitive.
func (c *Codec) VerifyChecksum(path, expected string) (bool, error) {
	actual, err := c.SHA256File(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expected), nil
}

// CompressAndEncrypt runs the full forward pipeline: in → in.gz →
// out (.gz.enc). The intermediate .gz file is removed unless
// keepIntermediate is set. Returns the output path, SHA-256 checksum of the
// final artifact, original size, compressed size, and final size.
func (c *Codec) CompressAndEncrypt(in, out string, keepIntermediate bool) (string, string, int64, int64, int64, error) {
	gzPath, origSize, compSize, err := c.Compress(in, "")
	if err != nil {
		return "", "", 0, 0, 0, err
	}
	if !keepIntermediate {
		defer os.Remove(gzPath) //nolint:errcheck // Best effort cleanup
	}

	if out == "" {
		out = gzPath + ".enc"
	}

	encPath, err := c.Encrypt(gzPath, out)
	if err != nil {
		return "", "", 0, 0, 0, err
	}

	checksum, err := c.SHA256File(encPath)
	if err != nil {
		return "", "", 0, 0, 0, err
	}

	encInfo, err := os.Stat(encPath)
	if err != nil {
		return "", "", 0, 0, 0, fmt.Errorf("failed to stat encrypted output: %w", err)
	}

	return encPath, checksum, origSize, compSize, encInfo.Size(), nil
}

// DecryptAndDecompress runs the inverse pipeline: in (.gz.enc) → .gz →
// out. The intermediate .gz file is removed unless keepIntermediate is set.
func (c *Codec) DecryptAndDecompress(in, out string, keepIntermediate bool) (string, error) {
	gzPath := strings.TrimSuffix(in, ".enc")
	if gzPath == in {
		gzPath = in + ".gz"
	}

	gzPath, err := c.Decrypt(in, gzPath)
	if err != nil {
		return "", err
	}
	if !keepIntermediate {
		defer os.Remove(gzPath) //nolint:errcheck // Best effort cleanup
	}

	return c.Decompress(gzPath, out)
}

// CompressionRatio returns 1 - compressed/original, clamped to [0,1].
// A zero-byte original yields 0.
func CompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize <= 0 {
		return 0
	}
	ratio := 1 - float64(compressedSize)/float64(originalSize)
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
