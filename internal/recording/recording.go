// Package recording writes encrypted transcripts of terminal sessions.
// Each attach produces one file of length-prefixed AES-256-GCM frames;
// the data key comes from a kms.Provider and never touches disk in
// plaintext.
package recording

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/branchbox/branchbox/internal/recording/kms"
)

// Frame streams: input is what the client typed, output is what the
// container produced.
const (
	StreamInput  = "i"
	StreamOutput = "o"
)

// Frame is one timestamped chunk of terminal traffic.
type Frame struct {
	T      int64  `json:"t"` // unix nanoseconds
	Stream string `json:"s"`
	Data   []byte `json:"data"`
}

// fileMagic identifies a recording file; the trailing byte is the
// format version.
var fileMagic = []byte{'b', 'b', 'r', 'e', 'c', 0x01}

// maxFrameSize bounds a single sealed frame. Terminal chunks are tiny;
// anything bigger means a corrupt or foreign file.
const maxFrameSize = 1 << 20

// Recorder opens encrypted transcript writers under one directory.
// The data key is fetched from the provider on first use so the
// backing KMS is only contacted when recording actually happens.
type Recorder struct {
	dir      string
	provider kms.Provider

	mu  sync.Mutex
	gcm cipher.AEAD
}

func New(dir string, provider kms.Provider) *Recorder {
	return &Recorder{dir: dir, provider: provider}
}

// Dir returns the directory transcripts are written to.
func (r *Recorder) Dir() string { return r.dir }

func (r *Recorder) aead(ctx context.Context) (cipher.AEAD, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcm != nil {
		return r.gcm, nil
	}

	key, err := r.provider.GetKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("recording key from %s: %w", r.provider.Name(), err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("recording key too short: need 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	r.gcm = gcm
	return gcm, nil
}

// Open starts a new transcript for one terminal attach.
func (r *Recorder) Open(ctx context.Context, sessionID string) (*Writer, error) {
	gcm, err := r.aead(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	path := filepath.Join(r.dir, fmt.Sprintf("%s-%d.rec", sessionID, time.Now().UnixNano()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	if _, err := f.Write(fileMagic); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return &Writer{gcm: gcm, f: f, path: path}, nil
}

// List returns the transcript files for a session, oldest first.
func (r *Recorder) List(sessionID string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(r.dir, sessionID+"-*.rec"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// OpenReplay opens an existing transcript for decryption.
func (r *Recorder) OpenReplay(ctx context.Context, path string) (*Reader, error) {
	gcm, err := r.aead(ctx)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}

	header := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, fileMagic) {
		f.Close()
		return nil, fmt.Errorf("%s is not a recording file", path)
	}
	return &Reader{gcm: gcm, br: bufio.NewReader(f), c: f}, nil
}

// Writer appends sealed frames to one transcript. Safe for concurrent
// use: the terminal proxy records input and output from separate
// goroutines.
type Writer struct {
	gcm cipher.AEAD

	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

// Path returns the transcript location.
func (w *Writer) Path() string { return w.path }

func (w *Writer) RecordInput(p []byte) error  { return w.record(StreamInput, p) }
func (w *Writer) RecordOutput(p []byte) error { return w.record(StreamOutput, p) }

// InputWriter adapts RecordInput to io.Writer for tee plumbing.
func (w *Writer) InputWriter() io.Writer { return streamWriter{w, StreamInput} }

// OutputWriter adapts RecordOutput to io.Writer for tee plumbing.
func (w *Writer) OutputWriter() io.Writer { return streamWriter{w, StreamOutput} }

func (w *Writer) record(stream string, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	plain, err := json.Marshal(Frame{T: time.Now().UnixNano(), Stream: stream, Data: p})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("recording already closed")
	}

	nonce := make([]byte, w.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := w.gcm.Seal(nonce, nonce, plain, nil)

	// One write per frame keeps torn frames at the tail only.
	buf := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(sealed)))
	copy(buf[4:], sealed)
	if _, err := w.f.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

type streamWriter struct {
	w      *Writer
	stream string
}

func (s streamWriter) Write(p []byte) (int, error) {
	if err := s.w.record(s.stream, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Reader decrypts a transcript frame by frame.
type Reader struct {
	gcm cipher.AEAD
	br  *bufio.Reader
	c   io.Closer
}

// Next returns the next frame, or io.EOF after the last complete one.
func (r *Reader) Next() (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.br, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return Frame{}, fmt.Errorf("corrupt frame length %d", n)
	}

	sealed := make([]byte, n)
	if _, err := io.ReadFull(r.br, sealed); err != nil {
		return Frame{}, fmt.Errorf("read frame: %w", err)
	}
	nonceSize := r.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return Frame{}, errors.New("frame shorter than nonce")
	}
	plain, err := r.gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return Frame{}, fmt.Errorf("decrypt frame: %w", err)
	}

	var fr Frame
	if err := json.Unmarshal(plain, &fr); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return fr, nil
}

func (r *Reader) Close() error { return r.c.Close() }
