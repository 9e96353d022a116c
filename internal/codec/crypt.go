// Custodius - Multi-Tenant PostgreSQL Backup and Disaster Recovery Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/custodius

/*
crypt.go - Authenticated Encryption Container

Custodius encrypts backup artifacts with AES-256-GCM in a chunked framing
format so that arbitrarily large files can be processed with bounded memory
while every byte remains covered by an authentication tag.

Container layout:

	magic "CSTD" | version 0x01 | base nonce (12 bytes)
	repeated: frame length (uint32 BE) | GCM-sealed frame
	final:    frame length (uint32 BE) | GCM-sealed empty frame (final flag)

Each frame is sealed with a nonce derived from the base nonce XOR the frame
counter, and the counter plus a final-frame flag are bound as additional
authenticated data. Frames therefore cannot be reordered, duplicated,
truncated, or spliced between files without failing authentication.
*/

//nolint:staticcheck // File documentation, not package doc
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	containerVersion = 0x01

	// gcmNonceSize is the standard 96-bit GCM nonce length.
	gcmNonceSize = 12

	// maxFrameSize guards against hostile length prefixes during decrypt.
	maxFrameSize = DefaultChunkSize + 64
)

var containerMagic = []byte{'C', 'S', 'T', 'D'}

// authFailureMsg is the stable message for any authentication or key
// mismatch during decryption. Callers match on this text.
const authFailureMsg = "Invalid encryption key or corrupted file"

// Encrypt encrypts in to out using AES-256-GCM chunked framing. If out is
// empty, in + ".enc" is used. Returns the output path.
func (c *Codec) Encrypt(in, out string) (string, error) {
	if len(c.key) != 32 {
		return "", &EncryptionError{Msg: "encryption key is not configured"}
	}
	if out == "" {
		out = in + ".enc"
	}

	src, err := os.Open(in) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, in)
		}
		return "", &EncryptionError{Msg: "failed to open input", Err: err}
	}
	defer src.Close() //nolint:errcheck // Best effort cleanup

	gcm, err := c.newGCM()
	if err != nil {
		return "", err
	}

	baseNonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(baseNonce); err != nil {
		return "", &EncryptionError{Msg: "failed to generate nonce", Err: err}
	}

	dst, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		return "", &EncryptionError{Msg: "failed to create output", Err: err}
	}

	if err := c.encryptStream(src, dst, gcm, baseNonce); err != nil {
		dst.Close()    //nolint:errcheck // Best effort cleanup on error
		os.Remove(out) //nolint:errcheck // Best effort cleanup on error
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", &EncryptionError{Msg: "failed to close output", Err: err}
	}

	return out, nil
}

func (c *Codec) encryptStream(src io.Reader, dst io.Writer, gcm cipher.AEAD, baseNonce []byte) error {
	header := make([]byte, 0, len(containerMagic)+1+gcmNonceSize)
	header = append(header, containerMagic...)
	header = append(header, containerVersion)
	header = append(header, baseNonce...)
	if _, err := dst.Write(header); err != nil {
		return &EncryptionError{Msg: "failed to write header", Err: err}
	}

	buf := make([]byte, c.chunkSize)
	var counter uint32

	for {
		n, readErr := io.ReadFull(src, buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return &EncryptionError{Msg: "failed to read input", Err: readErr}
		}

		if n > 0 {
			if err := writeFrame(dst, gcm, baseNonce, counter, buf[:n], false); err != nil {
				return err
			}
			counter++
		}

		if readErr != nil {
			// EOF: seal the final (empty) frame so truncation is detectable
			return writeFrame(dst, gcm, baseNonce, counter, nil, true)
		}
	}
}

// Decrypt decrypts in to out. If out is empty, the ".enc" suffix is
// stripped from in. Any authentication failure, including a wrong key,
// yields an EncryptionError carrying "Invalid encryption key or corrupted
// file".
func (c *Codec) Decrypt(in, out string) (string, error) {
	if len(c.key) != 32 {
		return "", &EncryptionError{Msg: "encryption key is not configured"}
	}
	if out == "" {
		out = trimSuffixOr(in, ".enc", in+".dec")
	}

	src, err := os.Open(in) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, in)
		}
		return "", &EncryptionError{Msg: "failed to open input", Err: err}
	}
	defer src.Close() //nolint:errcheck // Best effort cleanup

	gcm, err := c.newGCM()
	if err != nil {
		return "", err
	}

	dst, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // G304: pipeline-owned path
	if err != nil {
		return "", &EncryptionError{Msg: "failed to create output", Err: err}
	}

	if err := decryptStream(src, dst, gcm); err != nil {
		dst.Close()    //nolint:errcheck // Best effort cleanup on error
		os.Remove(out) //nolint:errcheck // Best effort cleanup on error
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", &EncryptionError{Msg: "failed to close output", Err: err}
	}

	return out, nil
}

func decryptStream(src io.Reader, dst io.Writer, gcm cipher.AEAD) error {
	header := make([]byte, len(containerMagic)+1+gcmNonceSize)
	if _, err := io.ReadFull(src, header); err != nil {
		return &EncryptionError{Msg: authFailureMsg, Err: err}
	}
	for i, b := range containerMagic {
		if header[i] != b {
			return &EncryptionError{Msg: authFailureMsg}
		}
	}
	if header[len(containerMagic)] != containerVersion {
		return &EncryptionError{Msg: fmt.Sprintf("unsupported container version %d", header[len(containerMagic)])}
	}
	baseNonce := header[len(containerMagic)+1:]

	lenBuf := make([]byte, 4)
	var counter uint32

	for {
		if _, err := io.ReadFull(src, lenBuf); err != nil {
			// Stream ended before the authenticated final frame
			return &EncryptionError{Msg: authFailureMsg, Err: err}
		}
		frameLen := binary.BigEndian.Uint32(lenBuf)
		if frameLen > maxFrameSize {
			return &EncryptionError{Msg: authFailureMsg}
		}

		sealed := make([]byte, frameLen)
		if _, err := io.ReadFull(src, sealed); err != nil {
			return &EncryptionError{Msg: authFailureMsg, Err: err}
		}

		plain, final, err := openFrame(gcm, baseNonce, counter, sealed)
		if err != nil {
			return err
		}
		counter++

		if len(plain) > 0 {
			if _, err := dst.Write(plain); err != nil {
				return &EncryptionError{Msg: "failed to write output", Err: err}
			}
		}

		if final {
			// Anything after the final frame means the file was spliced
			if n, _ := src.Read(lenBuf); n != 0 {
				return &EncryptionError{Msg: authFailureMsg}
			}
			return nil
		}
	}
}

func (c *Codec) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, &EncryptionError{Msg: "failed to initialize cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &EncryptionError{Msg: "failed to initialize GCM", Err: err}
	}
	return gcm, nil
}

// frameNonce derives the per-frame nonce: base nonce XOR counter in the
// trailing 4 bytes. Counters never repeat within a file and the base nonce
// is random per file, so nonces are unique per key with overwhelming
// probability.
func frameNonce(baseNonce []byte, counter uint32) []byte {
	nonce := make([]byte, gcmNonceSize)
	copy(nonce, baseNonce)
	binary.BigEndian.PutUint32(lastFour(nonce), binary.BigEndian.Uint32(lastFour(nonce))^counter)
	return nonce
}

func lastFour(b []byte) []byte { return b[len(b)-4:] }

// frameAAD binds the frame counter and final flag into the tag.
func frameAAD(counter uint32, final bool) []byte {
	aad := make([]byte, 5)
	binary.BigEndian.PutUint32(aad, counter)
	if final {
		aad[4] = 1
	}
	return aad
}

func writeFrame(dst io.Writer, gcm cipher.AEAD, baseNonce []byte, counter uint32, plain []byte, final bool) error {
	sealed := gcm.Seal(nil, frameNonce(baseNonce, counter), plain, frameAAD(counter, final))

	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(sealed))) //nolint:gosec // G115: sealed length bounded by chunk size
	if _, err := dst.Write(lenBuf); err != nil {
		return &EncryptionError{Msg: "failed to write frame length", Err: err}
	}
	if _, err := dst.Write(sealed); err != nil {
		return &EncryptionError{Msg: "failed to write frame", Err: err}
	}
	return nil
}

func openFrame(gcm cipher.AEAD, baseNonce []byte, counter uint32, sealed []byte) ([]byte, bool, error) {
	nonce := frameNonce(baseNonce, counter)

	plain, err := gcm.Open(nil, nonce, sealed, frameAAD(counter, false))
	if err == nil {
		return plain, false, nil
	}

	plain, err = gcm.Open(nil, nonce, sealed, frameAAD(counter, true))
	if err == nil {
		return plain, true, nil
	}

	return nil, false, &EncryptionError{Msg: authFailureMsg}
}

func trimSuffixOr(s, suffix, fallback string) string {
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return fallback
}
