package chunk

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/alecthomas/units"
)

const (
	// DefaultBlockSize is the chunk size that splitters produce (or aim to).
	DefaultBlockSize = int64(256 * units.KiB)

	// BlockSizeLimit is the largest block, leaf or link node, the importer
	// will produce.
	BlockSizeLimit = int(2 * units.MiB)

	// BlockPayloadLimit leaves room for the dag-pb and UnixFS framing around a
	// chunk stored in a non-raw leaf: type, data length, filesize and the
	// PBNode Data field header.
	BlockPayloadLimit = BlockSizeLimit - (2 + 4 + 4 + 4)
)

var (
	ErrRabinMin = errors.New("rabin min must be greater than 16")
	ErrSize     = errors.New("chunker size must be greater than 0")
	ErrSizeMax  = fmt.Errorf("chunker parameters may not exceed the maximum block payload size of %d", BlockPayloadLimit)
)

// FromString returns a Splitter for r following the policy string:
// "" or "default", "size-{size}", "rabin", "rabin-{avg}",
// "rabin-{min}-{avg}-{max}" (each number optionally labeled, as in
// "rabin-min:16-avg:32-max:64") and "buzhash".
func FromString(r io.Reader, chunker string) (Splitter, error) {
	gen, err := ParseGen(chunker)
	if err != nil {
		return nil, err
	}
	return gen(r), nil
}

// ParseGen validates a policy string once and returns a generator that
// builds a fresh Splitter for every reader it is given.
func ParseGen(chunker string) (SplitterGen, error) {
	name, args, _ := strings.Cut(chunker, "-")
	switch name {
	case "", "default":
		if args != "" {
			break
		}
		return DefaultSplitter, nil
	case "size":
		size, err := parseSize(args, BlockPayloadLimit)
		if err != nil {
			return nil, err
		}
		return SizeSplitterGen(int64(size)), nil
	case "rabin":
		return parseRabin(args)
	case "buzhash":
		if args != "" {
			break
		}
		return func(r io.Reader) Splitter { return NewBuzhash(r) }, nil
	}
	return nil, fmt.Errorf("unrecognized chunker option: %s", chunker)
}

func parseSize(s string, limit int) (int, error) {
	size, err := strconv.Atoi(s)
	switch {
	case err != nil:
		return 0, err
	case size <= 0:
		return 0, ErrSize
	case size > limit:
		return 0, ErrSizeMax
	}
	return size, nil
}

// rabinParam reads one of the three numbers of a rabin policy. The label
// prefix is optional.
func rabinParam(part, label string) (int, error) {
	if l, v, ok := strings.Cut(part, ":"); ok {
		if l != label {
			log.Debugw("bad rabin parameter label", "want", label, "got", l)
			return 0, fmt.Errorf("rabin parameter %q must be labeled %s", part, label)
		}
		part = v
	}
	return strconv.Atoi(part)
}

func parseRabin(args string) (SplitterGen, error) {
	if args == "" {
		return func(r io.Reader) Splitter { return NewRabin(r, uint64(DefaultBlockSize)) }, nil
	}

	parts := strings.Split(args, "-")
	switch len(parts) {
	case 1:
		// Rabin chunks may grow to one and a half times the average.
		avg, err := parseSize(parts[0], BlockPayloadLimit*2/3)
		if err != nil {
			return nil, err
		}
		return func(r io.Reader) Splitter { return NewRabin(r, uint64(avg)) }, nil
	case 3:
		var vals [3]int
		for i, label := range []string{"min", "avg", "max"} {
			v, err := rabinParam(parts[i], label)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		min, avg, max := vals[0], vals[1], vals[2]
		switch {
		case min < 16:
			return nil, ErrRabinMin
		case min >= avg:
			return nil, errors.New("incorrect format: rabin-min must be smaller than rabin-avg")
		case avg >= max:
			return nil, errors.New("incorrect format: rabin-avg must be smaller than rabin-max")
		case max > BlockPayloadLimit:
			return nil, ErrSizeMax
		}
		return func(r io.Reader) Splitter {
			return NewRabinMinMax(r, uint64(min), uint64(avg), uint64(max))
		}, nil
	}
	return nil, errors.New("incorrect format (expected 'rabin' 'rabin-[avg]' or 'rabin-[min]-[avg]-[max]')")
}
