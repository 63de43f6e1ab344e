package resolver

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// Wire format is RFC 1035 exactly, per spec.md §4.10: a 12-byte header,
// standard question and RR encoding, and label-length-prefixed names
// with 0xC0 back-reference compression. This codec is hand-written
// because nothing in the example corpus imports a DNS library (see
// DESIGN.md).
const (
	TypeA     uint16 = 1
	TypeNS    uint16 = 2
	TypeCNAME uint16 = 5
	TypeAAAA  uint16 = 28

	ClassIN uint16 = 1

	headerSize = 12

	maxCompressionJumps = 64
	maxLabelLen         = 63
	maxNameLen          = 255
)

type Question struct {
	Name  string
	Type  uint16
	Class uint16
}

// RR is one resource record; Data holds the raw RDATA and IP/CNAME/NS
// are populated for the record kinds this resolver understands.
type RR struct {
	Name  string
	Type  uint16
	Class uint16
	TTL   uint32
	Data  []byte

	IP   netip.Addr // TypeA / TypeAAAA
	Name2 string     // TypeCNAME alias, or TypeNS server name
}

type Message struct {
	ID                       uint16
	QR, AA, TC, RD, RA       bool
	Opcode, RCODE            int
	Questions                []Question
	Answers, Authority, Extra []RR
}

// EncodeQuery builds a single-question, RD=1 query, per spec.md §4.10
// step 4's "wildcard query (QTYPE=A, QCLASS=IN)".
func EncodeQuery(id uint16, name string, qtype uint16) ([]byte, error) {
	labels, err := encodeName(name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize, headerSize+len(labels)+4)
	binary.BigEndian.PutUint16(buf[0:2], id)
	binary.BigEndian.PutUint16(buf[2:4], 0x0100) // RD=1, everything else 0
	binary.BigEndian.PutUint16(buf[4:6], 1)      // QDCOUNT
	// ANCOUNT, NSCOUNT, ARCOUNT already zero

	buf = append(buf, labels...)
	var qtail [4]byte
	binary.BigEndian.PutUint16(qtail[0:2], qtype)
	binary.BigEndian.PutUint16(qtail[2:4], ClassIN)
	buf = append(buf, qtail[:]...)
	return buf, nil
}

// encodeName is a total involution (with decodeName) for ASCII labels
// <= 63 bytes and total length <= 255, per spec.md testable property 7.
func encodeName(name string) ([]byte, error) {
	if len(name) == 0 {
		return []byte{0}, nil
	}
	if len(name) > maxNameLen {
		return nil, errors.New("dns name too long")
	}
	var out []byte
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			label := name[start:i]
			if i == len(name) && label == "" {
				break // trailing dot, same as no trailing dot
			}
			if len(label) == 0 || len(label) > maxLabelLen {
				return nil, errors.New("invalid dns label length")
			}
			out = append(out, byte(len(label)))
			out = append(out, label...)
			start = i + 1
		}
	}
	out = append(out, 0)
	return out, nil
}

// Decode parses a complete DNS message, per spec.md §4.10's wire
// format contract. Malformed input returns an error so the caller can
// feed it into the resolver's failure path (spec.md edge case list).
func Decode(buf []byte) (*Message, error) {
	if len(buf) < headerSize {
		return nil, errors.New("dns message shorter than header")
	}
	m := &Message{
		ID:     binary.BigEndian.Uint16(buf[0:2]),
		Opcode: int(buf[2]>>3) & 0x0f,
	}
	flags := binary.BigEndian.Uint16(buf[2:4])
	m.QR = flags&0x8000 != 0
	m.AA = flags&0x0400 != 0
	m.TC = flags&0x0200 != 0
	m.RD = flags&0x0100 != 0
	m.RA = flags&0x0080 != 0
	m.RCODE = int(flags & 0x000f)

	qd := binary.BigEndian.Uint16(buf[4:6])
	an := binary.BigEndian.Uint16(buf[6:8])
	ns := binary.BigEndian.Uint16(buf[8:10])
	ar := binary.BigEndian.Uint16(buf[10:12])

	off := headerSize
	var err error
	m.Questions = make([]Question, 0, qd)
	for i := 0; i < int(qd); i++ {
		var q Question
		q.Name, off, err = decodeName(buf, off)
		if err != nil {
			return nil, err
		}
		if off+4 > len(buf) {
			return nil, errors.New("truncated question")
		}
		q.Type = binary.BigEndian.Uint16(buf[off : off+2])
		q.Class = binary.BigEndian.Uint16(buf[off+2 : off+4])
		off += 4
		m.Questions = append(m.Questions, q)
	}

	if m.Answers, off, err = decodeRRs(buf, off, int(an)); err != nil {
		return nil, err
	}
	if m.Authority, off, err = decodeRRs(buf, off, int(ns)); err != nil {
		return nil, err
	}
	if m.Extra, off, err = decodeRRs(buf, off, int(ar)); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeRRs(buf []byte, off, count int) ([]RR, int, error) {
	out := make([]RR, 0, count)
	for i := 0; i < count; i++ {
		var rr RR
		var err error
		rr.Name, off, err = decodeName(buf, off)
		if err != nil {
			return nil, off, err
		}
		if off+10 > len(buf) {
			return nil, off, errors.New("truncated rr header")
		}
		rr.Type = binary.BigEndian.Uint16(buf[off : off+2])
		rr.Class = binary.BigEndian.Uint16(buf[off+2 : off+4])
		rr.TTL = binary.BigEndian.Uint32(buf[off+4 : off+8])
		rdlen := int(binary.BigEndian.Uint16(buf[off+8 : off+10]))
		off += 10
		if off+rdlen > len(buf) {
			return nil, off, errors.New("truncated rdata")
		}
		rr.Data = buf[off : off+rdlen]

		switch rr.Type {
		case TypeA:
			if rdlen == 4 {
				rr.IP = netip.AddrFrom4([4]byte(rr.Data))
			}
		case TypeAAAA:
			if rdlen == 16 {
				rr.IP = netip.AddrFrom16([16]byte(rr.Data))
			}
		case TypeCNAME, TypeNS:
			name, _, derr := decodeName(buf, off)
			if derr == nil {
				rr.Name2 = name
			}
		}

		off += rdlen
		out = append(out, rr)
	}
	return out, off, nil
}

// decodeName reads one (possibly compressed) name starting at off and
// returns the name plus the offset just past it in the original
// buffer (pointer targets never advance the caller's cursor past the
// pointer itself, per RFC 1035 §4.1.4).
func decodeName(buf []byte, off int) (string, int, error) {
	var labels []string
	jumps := 0
	cur := off
	end := -1 // offset to resume the caller at, once we've followed a pointer

	for {
		if cur >= len(buf) {
			return "", 0, errors.New("name runs past end of message")
		}
		b := buf[cur]
		if b == 0 {
			cur++
			if end < 0 {
				end = cur
			}
			break
		}
		if b&0xc0 == 0xc0 {
			if cur+1 >= len(buf) {
				return "", 0, errors.New("truncated compression pointer")
			}
			if end < 0 {
				end = cur + 2
			}
			ptr := int(binary.BigEndian.Uint16(buf[cur:cur+2]) &^ 0xc000)
			jumps++
			if jumps > maxCompressionJumps {
				return "", 0, errors.New("too many dns compression jumps")
			}
			cur = ptr
			continue
		}
		llen := int(b)
		cur++
		if cur+llen > len(buf) {
			return "", 0, errors.New("truncated label")
		}
		labels = append(labels, string(buf[cur:cur+llen]))
		cur += llen
	}

	name := ""
	for i, l := range labels {
		if i > 0 {
			name += "."
		}
		name += l
	}
	if len(name) > maxNameLen {
		return "", 0, errors.New("decoded name too long")
	}
	return name, end, nil
}
