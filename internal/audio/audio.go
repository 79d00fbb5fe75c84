package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Inbound audio format: 16 kHz mono signed 16-bit little endian.
const (
	SampleRate = 16000
	BitDepth   = 16
	Channels   = 1
)

var ErrFormat = errors.New("unsupported wav format")

// RMS returns the root mean square of PCM16LE samples, in sample units.
// A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Recorder appends a session's inbound PCM to a WAV file.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	path   string
	closed bool
}

// NewRecorder creates <dir>/<name>.wav.
func NewRecorder(dir, name string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	path := filepath.Join(dir, name+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return &Recorder{
		f:    f,
		enc:  wav.NewEncoder(f, SampleRate, BitDepth, Channels, 1),
		buf:  &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: Channels, SampleRate: SampleRate}, SourceBitDepth: BitDepth},
		path: path,
	}, nil
}

func (r *Recorder) Path() string { return r.path }

// Write encodes one PCM16LE chunk.
func (r *Recorder) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return os.ErrClosed
	}
	n := len(pcm) / 2
	if cap(r.buf.Data) < n {
		r.buf.Data = make([]int, n)
	}
	r.buf.Data = r.buf.Data[:n]
	for i := 0; i < n; i++ {
		r.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return r.enc.Write(r.buf)
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.enc.Close()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadWAV decodes a 16 kHz mono 16-bit WAV file into PCM16LE bytes.
func ReadWAV(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: not a PCM wav file", ErrFormat)
	}
	if d.SampleRate != SampleRate || d.NumChans != Channels || d.BitDepth != BitDepth {
		return nil, fmt.Errorf("%w: got %d Hz, %d ch, %d bit; need %d Hz mono %d bit",
			ErrFormat, d.SampleRate, d.NumChans, d.BitDepth, SampleRate, BitDepth)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	out := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out, nil
}
