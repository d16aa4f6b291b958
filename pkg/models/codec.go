package models

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Sriram-PR/crawldb/pkg/utils"
)

// CurrentVersion is the record layout version written by MarshalBinary.
const CurrentVersion byte = 7

// nullSignature marks an absent signature in the 2-byte length field of v7.
const nullSignature = 0xFFFF

// MarshalBinary encodes the record at CurrentVersion. All integers are big-endian.
//
//	version | status | fetchTime i64 | retries u8 | interval i32 | score f32 |
//	modifiedTime i64 | sigLen u16 (0xFFFF = null) + sig | hasMeta bool [+ meta]
func (r *CrawlRecord) MarshalBinary() ([]byte, error) {
	return encodeVersion(r, CurrentVersion)
}

// UnmarshalBinary decodes any version up to CurrentVersion. Statuses from
// versions below 5 are remapped through the legacy table.
func (r *CrawlRecord) UnmarshalBinary(data []byte) error {
	d := decoder{buf: data}
	version := d.u8()
	if d.err != nil {
		return d.err
	}
	if version == 0 {
		return fmt.Errorf("%w: zero version byte", utils.ErrMalformedRecord)
	}
	if version > CurrentVersion {
		return fmt.Errorf("%w: record version %d, this build reads up to %d", utils.ErrVersionMismatch, version, CurrentVersion)
	}

	var out CrawlRecord
	rawStatus := d.u8()
	if d.err != nil {
		return d.err
	}
	if version < 5 {
		s, ok := legacyStatus(rawStatus)
		if !ok {
			return fmt.Errorf("%w: unknown legacy status %d in v%d record", utils.ErrMalformedRecord, rawStatus, version)
		}
		out.Status = s
	} else {
		out.Status = Status(rawStatus)
		if !out.Status.IsValid() {
			return fmt.Errorf("%w: 0x%02x", utils.ErrUnknownStatus, rawStatus)
		}
	}

	out.FetchTime = d.i64()
	out.RetriesSinceFetch = d.u8()
	if version > 5 {
		out.FetchInterval = d.i32()
	} else {
		out.SetFetchIntervalSeconds(float64(d.f32()))
	}
	out.Score = d.f32()

	if version > 2 {
		out.ModifiedTime = d.i64()
		if version >= 7 {
			n := d.u16()
			if n != nullSignature {
				if int(n) > MaxSignatureLength {
					return fmt.Errorf("%w: stored length %d", utils.ErrInvalidSignature, n)
				}
				out.signature = append([]byte{}, d.take(int(n))...)
			}
		} else {
			n := d.u8()
			if n > 0 {
				out.signature = append([]byte{}, d.take(int(n))...)
			}
		}
	}

	if version > 3 && d.flag() {
		out.Metadata = d.metadata()
	}

	if d.err != nil {
		return d.err
	}
	if len(d.buf) != d.pos {
		return fmt.Errorf("%w: %d trailing bytes", utils.ErrMalformedRecord, len(d.buf)-d.pos)
	}
	*r = out
	return nil
}

// DecodeRecord is a convenience wrapper around UnmarshalBinary.
func DecodeRecord(data []byte) (*CrawlRecord, error) {
	r := &CrawlRecord{}
	if err := r.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return r, nil
}

// encodeVersion writes r in the layout of the given version. Older layouts
// are only produced by tests exercising the compatibility path.
func encodeVersion(r *CrawlRecord, version byte) ([]byte, error) {
	if version == 0 || version > CurrentVersion {
		return nil, fmt.Errorf("%w: cannot encode version %d", utils.ErrVersionMismatch, version)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte(version)

	status := byte(r.Status)
	if version < 5 {
		legacy, ok := legacyByte(r.Status)
		if !ok {
			return nil, fmt.Errorf("%w: status %s has no v%d encoding", utils.ErrUnknownStatus, r.Status, version)
		}
		status = legacy
	}
	buf.WriteByte(status)

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(r.FetchTime))
	buf.Write(scratch[:8])
	buf.WriteByte(r.RetriesSinceFetch)
	if version > 5 {
		binary.BigEndian.PutUint32(scratch[:4], uint32(r.FetchInterval))
	} else {
		binary.BigEndian.PutUint32(scratch[:4], math.Float32bits(float32(r.FetchInterval)))
	}
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], math.Float32bits(r.Score))
	buf.Write(scratch[:4])

	if version > 2 {
		binary.BigEndian.PutUint64(scratch[:], uint64(r.ModifiedTime))
		buf.Write(scratch[:8])
		if version >= 7 {
			n := uint16(nullSignature)
			if r.signature != nil {
				n = uint16(len(r.signature))
			}
			binary.BigEndian.PutUint16(scratch[:2], n)
			buf.Write(scratch[:2])
		} else {
			if len(r.signature) > math.MaxUint8 {
				return nil, fmt.Errorf("%w: v%d cannot hold %d signature bytes", utils.ErrInvalidSignature, version, len(r.signature))
			}
			buf.WriteByte(byte(len(r.signature)))
		}
		buf.Write(r.signature)
	}

	if version > 3 {
		if r.Metadata == nil {
			buf.WriteByte(0)
		} else {
			buf.WriteByte(1)
			if err := writeMetadata(&buf, r.Metadata); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func legacyByte(s Status) (byte, bool) {
	for b, st := range legacyStatusMap {
		if st == s {
			return b, true
		}
	}
	return 0, false
}

func writeMetadata(buf *bytes.Buffer, m *Metadata) error {
	var scratch [binary.MaxVarintLen64]byte
	binary.BigEndian.PutUint32(scratch[:4], uint32(m.Len()))
	buf.Write(scratch[:4])

	writeLenPrefixed := func(b []byte) {
		n := binary.PutUvarint(scratch[:], uint64(len(b)))
		buf.Write(scratch[:n])
		buf.Write(b)
	}

	var err error
	m.Range(func(k string, v Value) bool {
		writeLenPrefixed([]byte(k))
		buf.WriteByte(byte(v.kind))
		switch v.kind {
		case KindText:
			writeLenPrefixed([]byte(v.text))
		case KindBytes:
			writeLenPrefixed(v.raw)
		case KindInt:
			binary.BigEndian.PutUint64(scratch[:8], uint64(v.num))
			buf.Write(scratch[:8])
		case KindFloat:
			binary.BigEndian.PutUint64(scratch[:8], math.Float64bits(v.flt))
			buf.Write(scratch[:8])
		case KindBool:
			if v.flag {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		default:
			err = fmt.Errorf("%w: metadata key %q has unknown kind %d", utils.ErrMalformedRecord, k, v.kind)
			return false
		}
		return true
	})
	return err
}

// decoder is a cursor that latches the first error; later reads are no-ops.
type decoder struct {
	buf []byte
	pos int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("%w: truncated at offset %d (need %d bytes)", utils.ErrMalformedRecord, d.pos, n)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) flag() bool { return d.u8() != 0 }

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) i32() int32 { return int32(d.u32()) }

func (d *decoder) f32() float32 { return math.Float32frombits(d.u32()) }

func (d *decoder) i64() int64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		d.err = fmt.Errorf("%w: bad length prefix at offset %d", utils.ErrMalformedRecord, d.pos)
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) lenPrefixed() []byte {
	n := d.uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(len(d.buf)-d.pos) {
		d.err = fmt.Errorf("%w: length %d overruns record", utils.ErrMalformedRecord, n)
		return nil
	}
	return d.take(int(n))
}

func (d *decoder) metadata() *Metadata {
	count := d.u32()
	m := NewMetadata()
	for i := uint32(0); i < count && d.err == nil; i++ {
		key := string(d.lenPrefixed())
		kind := ValueKind(d.u8())
		if d.err != nil {
			break
		}
		switch kind {
		case KindText:
			m.Put(key, TextValue(string(d.lenPrefixed())))
		case KindBytes:
			m.Put(key, BytesValue(d.lenPrefixed()))
		case KindInt:
			m.Put(key, IntValue(d.i64()))
		case KindFloat:
			b := d.take(8)
			if b != nil {
				m.Put(key, FloatValue(math.Float64frombits(binary.BigEndian.Uint64(b))))
			}
		case KindBool:
			m.Put(key, BoolValue(d.flag()))
		default:
			d.err = fmt.Errorf("%w: metadata key %q has unknown type tag %d", utils.ErrMalformedRecord, key, kind)
		}
	}
	return m
}
