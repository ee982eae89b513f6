// Package util holds the length-delimited section framing shared by the CAR
// reader and writer.
package util

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	cid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

// ErrSectionTooLarge is returned when a section declares more bytes than
// the reader allows.
var ErrSectionTooLarge = errors.New("section exceeds the maximum allowed size")

type BytesReader interface {
	io.Reader
	io.ByteReader
}

// ToBytesReader returns r itself when it already reads bytes, a buffered
// reader over it otherwise.
func ToBytesReader(r io.Reader) BytesReader {
	if br, ok := r.(BytesReader); ok {
		return br
	}
	return bufio.NewReader(r)
}

// ReadNode reads one section and splits it into CID and block data.
func ReadNode(r BytesReader, maxSize uint64) (cid.Cid, []byte, error) {
	data, err := LdRead(r, maxSize)
	if err != nil {
		return cid.Cid{}, nil, err
	}

	n, c, err := cid.CidFromBytes(data)
	if err != nil {
		return cid.Cid{}, nil, err
	}

	return c, data[n:], nil
}

func LdWrite(w io.Writer, d ...[]byte) error {
	var sum uint64
	for _, s := range d {
		sum += uint64(len(s))
	}

	_, err := w.Write(varint.ToUvarint(sum))
	if err != nil {
		return err
	}

	for _, s := range d {
		_, err = w.Write(s)
		if err != nil {
			return err
		}
	}

	return nil
}

// LdAppend appends the section made of d to buf.
func LdAppend(buf []byte, d ...[]byte) []byte {
	var sum uint64
	for _, s := range d {
		sum += uint64(len(s))
	}
	buf = append(buf, varint.ToUvarint(sum)...)
	for _, s := range d {
		buf = append(buf, s...)
	}
	return buf
}

func LdSize(d ...[]byte) uint64 {
	var sum uint64
	for _, s := range d {
		sum += uint64(len(s))
	}
	return sum + uint64(varint.UvarintSize(sum))
}

// LdRead reads one length-prefixed section. A clean end of input before the
// prefix gives io.EOF; a prefix or body cut short gives
// io.ErrUnexpectedEOF. A maxSize of zero means no limit.
func LdRead(r BytesReader, maxSize uint64) ([]byte, error) {
	l, err := varint.ReadUvarint(r)
	if err != nil {
		// an EOF on the first byte is the clean end of the input
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	if maxSize > 0 && l > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrSectionTooLarge, l, maxSize)
	}

	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return buf, nil
}
