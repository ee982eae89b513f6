// Package car reads and writes CARv1 archives: a DAG-CBOR header naming the
// roots followed by length-delimited sections, each a binary CID and the
// block it addresses.
//
// [Export] and [Stream] walk DAGs out of a block store, [BlockReader] and
// [LoadCar] read archives back and [Verify] checks block hashes as a
// separate pass.
package car

import (
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/dagkit/ipld/car/util"
	cid "github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("car")

// Version is the only archive version this package reads and writes.
const Version = 1

var (
	// ErrMalformedHeader is returned when the header cannot be read, is not
	// version 1 or has no valid roots.
	ErrMalformedHeader = errors.New("malformed car header")
	// ErrMalformedRecord is returned when a section prefix or CID fails to
	// parse, or a section is cut short.
	ErrMalformedRecord = errors.New("malformed car section")
)

type CarHeader struct {
	Roots   []cid.Cid `refmt:"roots"`
	Version uint64    `refmt:"version"`
}

func init() {
	cbor.RegisterCborType(CarHeader{})
}

// Bytes returns the DAG-CBOR encoding of the header, without the length
// prefix.
func (h *CarHeader) Bytes() ([]byte, error) {
	return cbor.DumpObject(h)
}

// WriteHeader writes the length-prefixed header.
func WriteHeader(h *CarHeader, w io.Writer) error {
	hb, err := h.Bytes()
	if err != nil {
		return err
	}
	return util.LdWrite(w, hb)
}

// HeaderSize is the number of bytes the header takes, prefix included.
func HeaderSize(h *CarHeader) (uint64, error) {
	hb, err := h.Bytes()
	if err != nil {
		return 0, err
	}
	return util.LdSize(hb), nil
}

// ReadHeader reads and validates the header at the start of r.
func ReadHeader(r util.BytesReader, maxSize uint64) (*CarHeader, error) {
	hb, err := util.LdRead(r, maxSize)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}
	return DecodeHeader(hb)
}

// DecodeHeader parses a header body.
func DecodeHeader(hb []byte) (*CarHeader, error) {
	var ch CarHeader
	if err := cbor.DecodeInto(hb, &ch); err != nil {
		return nil, fmt.Errorf("%w: invalid header: %w", ErrMalformedHeader, err)
	}
	if ch.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHeader, ch.Version)
	}
	if len(ch.Roots) == 0 {
		return nil, fmt.Errorf("%w: empty car, no roots", ErrMalformedHeader)
	}
	for _, r := range ch.Roots {
		if !r.Defined() {
			return nil, fmt.Errorf("%w: undefined root", ErrMalformedHeader)
		}
	}
	return &ch, nil
}

func headerBytes(roots []cid.Cid, maxSize uint64) ([]byte, error) {
	if len(roots) == 0 {
		return nil, errors.New("a car needs at least one root")
	}
	h := CarHeader{Roots: roots, Version: Version}
	hb, err := h.Bytes()
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && uint64(len(hb)) > maxSize {
		return nil, fmt.Errorf("%w: header is %d bytes", util.ErrSectionTooLarge, len(hb))
	}
	return util.LdAppend(nil, hb), nil
}
