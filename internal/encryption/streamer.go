// Package encryption implements the chunked authenticated encryption
// used for file storage: XChaCha20-Poly1305 in a STREAM-like mode with
// a big-endian 32-bit chunk counter bound into the nonce. Binding the
// counter prevents chunk reordering, and a dedicated last-chunk flag
// prevents silent truncation.
//
// On-disk layout:
//
//	[ nonce prefix (19 bytes) ] [ chunk 1 ] [ chunk 2 ] ... [ last chunk ]
//
// Every chunk but the last carries exactly PlainChunkSize bytes of
// plaintext plus the Poly1305 tag; the last chunk is shorter (possibly
// tag-only when the plaintext length is a multiple of PlainChunkSize).
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// PlainChunkSize is the plaintext bytes carried per chunk.
	PlainChunkSize = 10000
	// Overhead is the Poly1305 tag appended to every chunk.
	Overhead = 16
	// EncryptedChunkSize is the on-disk size of a full chunk.
	EncryptedChunkSize = PlainChunkSize + Overhead
	// NonceSize is the random stream header; the remaining 5 bytes of
	// the 24-byte XChaCha20 nonce hold the chunk counter and last flag.
	NonceSize = 19

	lastChunkFlag = 1
)

// KeySize is the symmetric key size in bytes.
const KeySize = chacha20poly1305.KeySize

// Streamer encrypts and decrypts chunked streams under a single key.
type Streamer struct {
	aead cipher.AEAD
}

// NewStreamer builds a streamer for a 32-byte key.
func NewStreamer(key []byte) (*Streamer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Streamer{aead: aead}, nil
}

// chunkNonce assembles the 24-byte per-chunk nonce:
// prefix (19) || counter (u32 BE) || last flag (1).
func chunkNonce(prefix []byte, counter uint32, last bool) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, prefix)
	binary.BigEndian.PutUint32(nonce[NonceSize:], counter)
	if last {
		nonce[NonceSize+4] = lastChunkFlag
	}
	return nonce
}

// EncryptFrom reads plaintext from src, encrypts it chunk by chunk and
// writes the nonce header followed by the ciphertext to dst. It
// returns the number of plaintext bytes consumed.
func (s *Streamer) EncryptFrom(dst io.Writer, src io.Reader) (int64, error) {
	prefix := make([]byte, NonceSize)
	if _, err := rand.Read(prefix); err != nil {
		return 0, fmt.Errorf("generating nonce: %w", err)
	}
	if _, err := dst.Write(prefix); err != nil {
		return 0, fmt.Errorf("writing nonce: %w", err)
	}

	buf := make([]byte, PlainChunkSize)
	sealed := make([]byte, 0, EncryptedChunkSize)
	var total int64
	var counter uint32
	for {
		n, err := io.ReadFull(src, buf)
		total += int64(n)
		if err == nil {
			sealed = s.aead.Seal(sealed[:0], chunkNonce(prefix, counter, false), buf, nil)
			if _, err := dst.Write(sealed); err != nil {
				return total, fmt.Errorf("writing chunk %d: %w", counter, err)
			}
			counter++
			continue
		}
		if err != io.EOF && err != io.ErrUnexpectedEOF {
			return total, fmt.Errorf("reading plaintext: %w", err)
		}
		// Terminal chunk, possibly empty.
		sealed = s.aead.Seal(sealed[:0], chunkNonce(prefix, counter, true), buf[:n], nil)
		if _, err := dst.Write(sealed); err != nil {
			return total, fmt.Errorf("writing last chunk: %w", err)
		}
		return total, nil
	}
}

// DecryptTo reads the whole encrypted stream from src and writes the
// plaintext to dst, returning the number of plaintext bytes produced.
func (s *Streamer) DecryptTo(dst io.Writer, src io.Reader) (int64, error) {
	prefix := make([]byte, NonceSize)
	if _, err := io.ReadFull(src, prefix); err != nil {
		return 0, fmt.Errorf("reading nonce: %w", err)
	}

	buf := make([]byte, EncryptedChunkSize)
	plain := make([]byte, 0, PlainChunkSize)
	var total int64
	var counter uint32
	for {
		n, err := io.ReadFull(src, buf)
		switch {
		case err == nil:
			plain, err = s.open(plain[:0], prefix, counter, false, buf)
			if err != nil {
				return total, err
			}
			if _, err := dst.Write(plain); err != nil {
				return total, fmt.Errorf("writing plaintext: %w", err)
			}
			total += int64(len(plain))
			counter++
		case n == 0:
			// Stream ended on a chunk boundary.
			return total, nil
		case err == io.ErrUnexpectedEOF:
			plain, err = s.open(plain[:0], prefix, counter, true, buf[:n])
			if err != nil {
				return total, err
			}
			if _, err := dst.Write(plain); err != nil {
				return total, fmt.Errorf("writing plaintext: %w", err)
			}
			total += int64(len(plain))
			return total, nil
		default:
			return total, fmt.Errorf("reading ciphertext: %w", err)
		}
	}
}

// DecryptRange seeks src to the chunk containing the plaintext offset
// start and writes exactly min(length, remaining) plaintext bytes to
// dst. start and length are plaintext offsets.
func (s *Streamer) DecryptRange(dst io.Writer, src io.ReadSeeker, start, length int64) error {
	prefix := make([]byte, NonceSize)
	if _, err := io.ReadFull(src, prefix); err != nil {
		return fmt.Errorf("reading nonce: %w", err)
	}

	counter := uint32(start / PlainChunkSize)
	skip := start % PlainChunkSize
	if _, err := src.Seek(NonceSize+int64(counter)*EncryptedChunkSize, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to chunk %d: %w", counter, err)
	}

	buf := make([]byte, EncryptedChunkSize)
	plain := make([]byte, 0, PlainChunkSize)
	remaining := length
	for remaining > 0 {
		n, err := io.ReadFull(src, buf)
		last := false
		switch {
		case err == nil:
		case n == 0:
			return nil
		case err == io.ErrUnexpectedEOF:
			last = true
		default:
			return fmt.Errorf("reading ciphertext: %w", err)
		}

		plain, err = s.open(plain[:0], prefix, counter, last, buf[:n])
		if err != nil {
			return err
		}
		counter++

		out := plain
		if skip > 0 {
			if skip >= int64(len(out)) {
				return fmt.Errorf("range start beyond chunk %d", counter-1)
			}
			out = out[skip:]
			skip = 0
		}
		if remaining < int64(len(out)) {
			out = out[:remaining]
		}
		if _, err := dst.Write(out); err != nil {
			return fmt.Errorf("writing plaintext: %w", err)
		}
		remaining -= int64(len(out))
		if last {
			return nil
		}
	}
	return nil
}

func (s *Streamer) open(dst, prefix []byte, counter uint32, last bool, ct []byte) ([]byte, error) {
	plain, err := s.aead.Open(dst, chunkNonce(prefix, counter, last), ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting chunk %d: %w", counter, err)
	}
	return plain, nil
}

// DecryptedSize computes the plaintext size of an encrypted file from
// its on-disk size.
func DecryptedSize(encSize int64) int64 {
	payload := encSize - NonceSize
	chunks := payload / EncryptedChunkSize
	if payload%EncryptedChunkSize > 0 {
		chunks++
	}
	return payload - Overhead*chunks
}

// EncryptedOffset maps a plaintext offset to the ciphertext offset of
// the corresponding byte on disk.
func EncryptedOffset(plainOffset int64) int64 {
	return plainOffset + Overhead*(plainOffset/PlainChunkSize+1) + NonceSize
}
