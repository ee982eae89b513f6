package chunk

import (
	"errors"
	"io"
	"math/bits"
	"math/rand"

	pool "github.com/libp2p/go-buffer-pool"
)

const (
	buzMin  = 128 << 10
	buzMax  = 512 << 10
	buzMask = 1<<17 - 1

	// buzWindow is the number of bytes covered by the rolling hash. A byte
	// leaves the window after exactly 32 rotations, which is the identity
	// for a 32-bit rotate.
	buzWindow = 32
)

// Buzhash splits content on boundaries chosen by a cyclic polynomial rolling
// hash. Chunks are between 128 KiB and 512 KiB, about 256 KiB on average.
type Buzhash struct {
	r   io.Reader
	buf []byte
	n   int

	err error
}

// NewBuzhash returns a Buzhash splitter reading from r.
func NewBuzhash(r io.Reader) *Buzhash {
	return &Buzhash{
		r:   r,
		buf: pool.Get(buzMax),
	}
}

// Reader returns the io.Reader associated to this Splitter.
func (b *Buzhash) Reader() io.Reader {
	return b.r
}

func (b *Buzhash) release() {
	pool.Put(b.buf)
	b.buf = nil
}

// NextBytes produces a new chunk.
func (b *Buzhash) NextBytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}

	n, err := io.ReadFull(b.r, b.buf[b.n:])
	if err != nil {
		if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			b.release()
			b.err = err
			return nil, err
		}

		buffered := b.n + n
		if buffered < buzMin {
			b.err = io.EOF
			if buffered == 0 {
				b.release()
				return nil, io.EOF
			}
			res := make([]byte, buffered)
			copy(res, b.buf)
			b.release()
			return res, nil
		}
	}

	var state uint32
	i := buzMin - buzWindow
	for ; i < buzMin; i++ {
		state = bits.RotateLeft32(state, 1) ^ bytehash[b.buf[i]]
	}

	end := b.n + n
	for ; i < end; i++ {
		if state&buzMask == 0 {
			break
		}
		state = bits.RotateLeft32(state, 1) ^ bytehash[b.buf[i-buzWindow]] ^ bytehash[b.buf[i]]
	}

	res := make([]byte, i)
	copy(res, b.buf)
	b.n = copy(b.buf, b.buf[i:end])
	return res, nil
}

// bytehash maps every byte value to a 32-bit word. Every bit position is set
// in exactly half of the table so the rolling hash stays unbiased.
var bytehash = genBytehash()

func genBytehash() [256]uint32 {
	const rounds = 200
	rnd := rand.New(rand.NewSource(0))

	var lut [256]uint32
	for i := 0; i < len(lut)/2; i++ {
		lut[i] = 1<<32 - 1
	}

	for r := 0; r < rounds; r++ {
		for bit := uint32(0); bit < 32; bit++ {
			mask := uint32(1) << bit
			nmask := ^mask
			for i, j := range rnd.Perm(len(lut)) {
				li, lj := lut[i], lut[j]
				lut[i] = li&nmask | lj&mask
				lut[j] = lj&nmask | li&mask
			}
		}
	}
	return lut
}
