package ldap

import (
	ber "github.com/go-asn1-ber/asn1-ber"

	"github.com/isometry/authrelay/internal/failure"
)

// FrameDecoder cuts complete LDAPMessage frames from a byte stream. Bytes are
// retained across Feed calls until a whole frame is available.
type FrameDecoder struct {
	buf     []byte
	maxSize int
}

// NewFrameDecoder returns a decoder rejecting frames larger than maxSize
// bytes. A non-positive maxSize uses DefaultMaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxSize: maxSize}
}

// Feed appends p and returns every message that is now complete, in stream
// order. Incomplete trailing data is kept for the next call. A non-nil error
// is a protocol format failure; messages decoded before the malformed frame
// are still returned.
func (d *FrameDecoder) Feed(p []byte) ([]*Message, error) {
	d.buf = append(d.buf, p...)

	var msgs []*Message
	for len(d.buf) > 0 {
		size, err := d.frameSize()
		if err != nil {
			return msgs, err
		}
		if size == 0 {
			break
		}

		packet, err := ber.DecodePacketErr(d.buf[:size])
		if err != nil {
			return msgs, failure.ProtocolFormat("decode", "malformed BER frame: %v", err)
		}

		msg, err := decodeMessage(packet)
		if err != nil {
			return msgs, err
		}

		msgs = append(msgs, msg)
		d.consume(size)
	}

	return msgs, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}

func (d *FrameDecoder) consume(n int) {
	rest := len(d.buf) - n
	if rest == 0 {
		d.buf = d.buf[:0]
		return
	}
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// frameSize scans the identifier and length octets at the front of the buffer.
// It returns 0 when more data is needed.
func (d *FrameDecoder) frameSize() (int, error) {
	b := d.buf

	// LDAPMessage is always a universal constructed SEQUENCE.
	if b[0] != byte(ber.ClassUniversal)|byte(ber.TypeConstructed)|byte(ber.TagSequence) {
		return 0, failure.ProtocolFormat("decode", "unexpected frame identifier 0x%02x", b[0])
	}

	if len(b) < 2 {
		return 0, nil
	}

	header := 2
	var length int64

	switch l := b[1]; {
	case l == 0xff:
		return 0, failure.ProtocolFormat("decode", "reserved length octet 0xff")
	case l == ber.LengthLongFormBitmask:
		return 0, failure.ProtocolFormat("decode", "indefinite length is not permitted")
	case l&ber.LengthLongFormBitmask == 0:
		length = int64(l)
	default:
		n := int(l & ber.LengthValueBitmask)
		if n > 8 {
			return 0, failure.ProtocolFormat("decode", "length field of %d octets", n)
		}
		if len(b) < header+n {
			return 0, nil
		}
		for _, o := range b[header : header+n] {
			if length > int64(d.maxSize)>>8 {
				return 0, failure.ProtocolFormat("decode", "frame exceeds %d bytes", d.maxSize)
			}
			length = length<<8 | int64(o)
		}
		header += n
	}

	total := int64(header) + length
	if total > int64(d.maxSize) {
		return 0, failure.ProtocolFormat("decode", "frame of %d bytes exceeds %d", total, d.maxSize)
	}

	if int64(len(b)) < total {
		return 0, nil
	}

	return int(total), nil
}
