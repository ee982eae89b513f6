package unixfs

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Reference:
//
//	message Data {
//		enum DataType {
//			Raw = 0;
//			Directory = 1;
//			File = 2;
//			Metadata = 3;
//			Symlink = 4;
//			HAMTShard = 5;
//		}
//
//		required DataType Type = 1;
//		optional bytes Data = 2;
//		optional uint64 filesize = 3;
//		repeated uint64 blocksizes = 4;
//
//		optional uint64 hashType = 5;
//		optional uint64 fanout = 6;
//		optional uint32 mode = 7;
//		optional UnixTime mtime = 8;
//	}
//
//	message UnixTime {
//		required int64 Seconds = 1;
//		optional fixed32 FractionalNanoseconds = 2;
//	}
//
//	message PBLink {
//		optional bytes Hash = 1;
//		optional string Name = 2;
//		optional uint64 Tsize = 3;
//	}
//
//	message PBNode {
//		repeated PBLink Links = 2;
//		optional bytes Data = 1;
//	}

const (
	pbNodeData  protowire.Number = 1
	pbNodeLinks protowire.Number = 2

	pbLinkHash  protowire.Number = 1
	pbLinkName  protowire.Number = 2
	pbLinkTsize protowire.Number = 3

	pbDataType       protowire.Number = 1
	pbDataData       protowire.Number = 2
	pbDataFilesize   protowire.Number = 3
	pbDataBlocksizes protowire.Number = 4
	pbDataHashType   protowire.Number = 5
	pbDataFanout     protowire.Number = 6
	pbDataMode       protowire.Number = 7
	pbDataMtime      protowire.Number = 8

	pbMtimeSeconds protowire.Number = 1
	pbMtimeNanos   protowire.Number = 2
)

// PBLink is a dag-pb link.
type PBLink struct {
	Hash cid.Cid
	Name string
	// Tsize is the cumulative size of the target DAG: the serialized size of
	// the target block plus the Tsize of all of its links.
	Tsize uint64
}

// PBNode is a dag-pb node. A nil Data means the field is absent.
type PBNode struct {
	Links []PBLink
	Data  []byte
}

// SortLinks sorts links by name bytes, keeping the relative order of equal
// names. This is the canonical dag-pb link order.
func SortLinks(links []PBLink) {
	sort.SliceStable(links, func(i, j int) bool {
		return links[i].Name < links[j].Name
	})
}

// Marshal returns the canonical encoding of the node: links sorted by name
// and written before the data field.
func (n *PBNode) Marshal() []byte {
	links := make([]PBLink, len(n.Links))
	copy(links, n.Links)
	SortLinks(links)

	var b []byte
	var lb []byte
	for _, l := range links {
		lb = appendLink(lb[:0], l)
		b = protowire.AppendTag(b, pbNodeLinks, protowire.BytesType)
		b = protowire.AppendBytes(b, lb)
	}
	if n.Data != nil {
		b = protowire.AppendTag(b, pbNodeData, protowire.BytesType)
		b = protowire.AppendBytes(b, n.Data)
	}
	return b
}

func appendLink(b []byte, l PBLink) []byte {
	b = protowire.AppendTag(b, pbLinkHash, protowire.BytesType)
	b = protowire.AppendBytes(b, l.Hash.Bytes())
	b = protowire.AppendTag(b, pbLinkName, protowire.BytesType)
	b = protowire.AppendString(b, l.Name)
	b = protowire.AppendTag(b, pbLinkTsize, protowire.VarintType)
	return protowire.AppendVarint(b, l.Tsize)
}

// UnmarshalPBNode decodes a dag-pb block. It is strict: fields must appear in
// canonical order, unknown fields are rejected and every length is checked
// against the remaining input.
func UnmarshalPBNode(data []byte) (*PBNode, error) {
	n := new(PBNode)
	seenData := false
	for len(data) != 0 {
		num, typ, l := protowire.ConsumeTag(data)
		if l < 0 {
			return nil, malformed(protowire.ParseError(l))
		}
		data = data[l:]
		if typ != protowire.BytesType {
			return nil, malformedf("unexpected wire type %d for PBNode field %d", typ, num)
		}
		v, l := protowire.ConsumeBytes(data)
		if l < 0 {
			return nil, malformed(protowire.ParseError(l))
		}
		data = data[l:]

		switch num {
		case pbNodeLinks:
			if seenData {
				return nil, malformedf("PBNode links after data")
			}
			link, err := unmarshalLink(v)
			if err != nil {
				return nil, err
			}
			n.Links = append(n.Links, link)
		case pbNodeData:
			if seenData {
				return nil, malformedf("duplicate PBNode data")
			}
			seenData = true
			n.Data = v
			if n.Data == nil {
				n.Data = []byte{}
			}
		default:
			return nil, malformedf("unknown PBNode field %d", num)
		}
	}
	return n, nil
}

func unmarshalLink(data []byte) (PBLink, error) {
	var link PBLink
	var last protowire.Number
	for len(data) != 0 {
		num, typ, l := protowire.ConsumeTag(data)
		if l < 0 {
			return PBLink{}, malformed(protowire.ParseError(l))
		}
		data = data[l:]
		if num <= last {
			return PBLink{}, malformedf("PBLink field %d out of order", num)
		}
		last = num

		switch num {
		case pbLinkHash, pbLinkName:
			if typ != protowire.BytesType {
				return PBLink{}, malformedf("unexpected wire type %d for PBLink field %d", typ, num)
			}
			v, l := protowire.ConsumeBytes(data)
			if l < 0 {
				return PBLink{}, malformed(protowire.ParseError(l))
			}
			data = data[l:]
			if num == pbLinkName {
				link.Name = string(v)
				continue
			}
			c, err := cid.Cast(v)
			if err != nil {
				return PBLink{}, malformed(fmt.Errorf("failed to decode link cid: %w", err))
			}
			link.Hash = c
		case pbLinkTsize:
			if typ != protowire.VarintType {
				return PBLink{}, malformedf("unexpected wire type %d for PBLink Tsize", typ)
			}
			v, l := protowire.ConsumeVarint(data)
			if l < 0 {
				return PBLink{}, malformed(protowire.ParseError(l))
			}
			data = data[l:]
			link.Tsize = v
		default:
			return PBLink{}, malformedf("unknown PBLink field %d", num)
		}
	}
	if !link.Hash.Defined() {
		return PBLink{}, malformedf("link is missing CID")
	}
	return link, nil
}

// Bytes encodes the UnixFS Data message.
func (n *FSNode) Bytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, pbDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(n.Type))
	if len(n.Data) != 0 {
		b = protowire.AppendTag(b, pbDataData, protowire.BytesType)
		b = protowire.AppendBytes(b, n.Data)
	}
	if n.FileSize != nil {
		b = protowire.AppendTag(b, pbDataFilesize, protowire.VarintType)
		b = protowire.AppendVarint(b, *n.FileSize)
	}
	for _, s := range n.BlockSizes {
		b = protowire.AppendTag(b, pbDataBlocksizes, protowire.VarintType)
		b = protowire.AppendVarint(b, s)
	}
	if n.HashType != nil {
		b = protowire.AppendTag(b, pbDataHashType, protowire.VarintType)
		b = protowire.AppendVarint(b, *n.HashType)
	}
	if n.Fanout != nil {
		b = protowire.AppendTag(b, pbDataFanout, protowire.VarintType)
		b = protowire.AppendVarint(b, *n.Fanout)
	}
	if n.Mode != nil {
		b = protowire.AppendTag(b, pbDataMode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*n.Mode))
	}
	if n.Mtime != nil {
		var mb []byte
		mb = protowire.AppendTag(mb, pbMtimeSeconds, protowire.VarintType)
		mb = protowire.AppendVarint(mb, uint64(n.Mtime.Secs))
		if n.Mtime.Nsecs != 0 {
			mb = protowire.AppendTag(mb, pbMtimeNanos, protowire.Fixed32Type)
			mb = protowire.AppendFixed32(mb, n.Mtime.Nsecs)
		}
		b = protowire.AppendTag(b, pbDataMtime, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	return b
}

// FSNodeFromBytes decodes a UnixFS Data message. Unknown fields are skipped.
func FSNodeFromBytes(data []byte) (*FSNode, error) {
	n := new(FSNode)
	seenType := false
	for len(data) != 0 {
		num, typ, l := protowire.ConsumeTag(data)
		if l < 0 {
			return nil, malformed(protowire.ParseError(l))
		}
		data = data[l:]

		var err error
		switch num {
		case pbDataType:
			var v uint64
			data, v, err = pbDecodeVarint(typ, data)
			if err != nil {
				return nil, err
			}
			if v > uint64(THAMTShard) {
				return nil, malformedf("unknown unixfs type %d", v)
			}
			n.Type = DataType(v)
			seenType = true
		case pbDataData:
			if typ != protowire.BytesType {
				return nil, malformedf("unexpected wire type %d for Data.Data", typ)
			}
			v, l := protowire.ConsumeBytes(data)
			if l < 0 {
				return nil, malformed(protowire.ParseError(l))
			}
			data = data[l:]
			n.Data = v
		case pbDataFilesize:
			var v uint64
			data, v, err = pbDecodeVarint(typ, data)
			if err != nil {
				return nil, err
			}
			n.FileSize = &v
		case pbDataBlocksizes:
			switch typ {
			case protowire.VarintType:
				var v uint64
				data, v, err = pbDecodeVarint(typ, data)
				if err != nil {
					return nil, err
				}
				n.BlockSizes = append(n.BlockSizes, v)
			case protowire.BytesType:
				// packed representation
				packed, l := protowire.ConsumeBytes(data)
				if l < 0 {
					return nil, malformed(protowire.ParseError(l))
				}
				data = data[l:]
				for len(packed) != 0 {
					v, l := protowire.ConsumeVarint(packed)
					if l < 0 {
						return nil, malformed(protowire.ParseError(l))
					}
					packed = packed[l:]
					n.BlockSizes = append(n.BlockSizes, v)
				}
			default:
				return nil, malformedf("unexpected wire type %d for Data.blocksizes", typ)
			}
		case pbDataHashType:
			var v uint64
			data, v, err = pbDecodeVarint(typ, data)
			if err != nil {
				return nil, err
			}
			n.HashType = &v
		case pbDataFanout:
			var v uint64
			data, v, err = pbDecodeVarint(typ, data)
			if err != nil {
				return nil, err
			}
			n.Fanout = &v
		case pbDataMode:
			var v uint64
			data, v, err = pbDecodeVarint(typ, data)
			if err != nil {
				return nil, err
			}
			m := uint32(v)
			n.Mode = &m
		case pbDataMtime:
			if typ != protowire.BytesType {
				return nil, malformedf("unexpected wire type %d for Data.mtime", typ)
			}
			v, l := protowire.ConsumeBytes(data)
			if l < 0 {
				return nil, malformed(protowire.ParseError(l))
			}
			data = data[l:]
			n.Mtime, err = unmarshalMtime(v)
			if err != nil {
				return nil, err
			}
		default:
			data, err = pbHandleUnknownField(typ, data)
			if err != nil {
				return nil, malformed(err)
			}
		}
	}
	if !seenType {
		return nil, malformedf("unixfs data is missing its type")
	}
	return n, nil
}

func unmarshalMtime(data []byte) (*Mtime, error) {
	var m Mtime
	seenSecs := false
	for len(data) != 0 {
		num, typ, l := protowire.ConsumeTag(data)
		if l < 0 {
			return nil, malformed(protowire.ParseError(l))
		}
		data = data[l:]

		switch num {
		case pbMtimeSeconds:
			var v uint64
			var err error
			data, v, err = pbDecodeVarint(typ, data)
			if err != nil {
				return nil, err
			}
			m.Secs = int64(v)
			seenSecs = true
		case pbMtimeNanos:
			if typ != protowire.Fixed32Type {
				return nil, malformedf("unexpected wire type %d for mtime nanoseconds", typ)
			}
			v, l := protowire.ConsumeFixed32(data)
			if l < 0 {
				return nil, malformed(protowire.ParseError(l))
			}
			data = data[l:]
			if v > maxNsecs {
				return nil, malformedf("mtime nanoseconds out of range: %d", v)
			}
			m.Nsecs = v
		default:
			var err error
			data, err = pbHandleUnknownField(typ, data)
			if err != nil {
				return nil, malformed(err)
			}
		}
	}
	if !seenSecs {
		return nil, malformedf("mtime is missing seconds")
	}
	return &m, nil
}

// pbHandleUnknownField must be called right after the tag, it will handle
// skipping unneeded values if needed.
func pbHandleUnknownField(t protowire.Type, data []byte) ([]byte, error) {
	var l int
	switch t {
	case protowire.BytesType:
		_, l = protowire.ConsumeBytes(data)
	case protowire.VarintType:
		_, l = protowire.ConsumeVarint(data)
	case protowire.Fixed64Type:
		_, l = protowire.ConsumeFixed64(data)
	case protowire.Fixed32Type:
		_, l = protowire.ConsumeFixed32(data)
	case protowire.StartGroupType:
		// Groups are an ancient way to create sub messages with start and end
		// tags. Skip all of it by tracking the stack of starts and ends.
		groupStack := 1
		for groupStack != 0 && len(data) != 0 {
			_, t, l := protowire.ConsumeTag(data)
			if l < 0 {
				return nil, protowire.ParseError(l)
			}
			data = data[l:]
			switch t {
			case protowire.StartGroupType:
				groupStack++
			case protowire.EndGroupType:
				groupStack--
			default:
				data, l = skipValue(t, data)
				if l < 0 {
					return nil, protowire.ParseError(l)
				}
			}
		}
		if groupStack != 0 {
			return nil, errors.New("unterminated group")
		}
		return data, nil
	case protowire.EndGroupType:
		return nil, errors.New("unmatched end-group")
	default:
		return nil, fmt.Errorf("unknown protobuf type: %v", t)
	}
	if l < 0 {
		return nil, protowire.ParseError(l)
	}
	return data[l:], nil
}

func skipValue(t protowire.Type, data []byte) ([]byte, int) {
	l := protowire.ConsumeFieldValue(0, t, data)
	if l < 0 {
		return nil, l
	}
	return data[l:], l
}

// pbDecodeVarint must be called right after the tag.
func pbDecodeVarint(typ protowire.Type, data []byte) ([]byte, uint64, error) {
	if typ != protowire.VarintType {
		return nil, 0, malformedf("unexpected wire type %d for number", typ)
	}
	v, l := protowire.ConsumeVarint(data)
	if l < 0 {
		return nil, 0, malformed(protowire.ParseError(l))
	}
	return data[l:], v, nil
}
