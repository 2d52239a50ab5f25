package printer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	ErrIdentityTooLong   = errors.New("device id exceeds 65535 bytes")
	ErrInvalidField      = errors.New("device id field contains a separator")
	ErrMalformedDeviceID = errors.New("malformed device id")
)

// Field is one KEY:VALUE pair of an IEEE 1284 device ID.
type Field struct {
	Key   string
	Value string
}

// Identity is an ordered IEEE 1284 device ID. Order is preserved on the wire.
type Identity []Field

// DefaultIdentity returns the identity reported by the emulated LaserJet.
func DefaultIdentity() Identity {
	return Identity{
		{Key: "MFG", Value: "Hewlett-Packard"},
		{Key: "CMD", Value: "PJL,PML,PCLXL,POSTSCRIPT,PCL"},
		{Key: "MDL", Value: "HP Color LaserJet CP1515n"},
		{Key: "CLS", Value: "PRINTER"},
		{Key: "DES", Value: "Hewlett-Packard Color LaserJet CP1515n"},
		{Key: "MEM", Value: "MEM=55MB"},
		{Key: "COMMENT", Value: "RES=600x8"},
	}
}

// Get returns the value of key and whether it was present.
func (id Identity) Get(key string) (string, bool) {
	for _, f := range id {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// String returns "K1:V1;K2:V2;...;" including the trailing separator.
func (id Identity) String() string {
	var sb strings.Builder
	for _, f := range id {
		sb.WriteString(f.Key)
		sb.WriteByte(':')
		sb.WriteString(f.Value)
		sb.WriteByte(';')
	}
	return sb.String()
}

// Validate checks that no key or value contains ':' or ';'.
func (id Identity) Validate() error {
	for _, f := range id {
		if strings.ContainsAny(f.Key, ":;") || strings.ContainsAny(f.Value, ":;") {
			return fmt.Errorf("%w: %q", ErrInvalidField, f.Key)
		}
	}
	return nil
}

// MarshalBinary encodes the GET_DEVICE_ID response: a big-endian uint16
// length of the identity string followed by the string itself. The length
// does not count the two prefix bytes.
func (id Identity) MarshalBinary() ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	s := id.String()
	if len(s) > math.MaxUint16 {
		return nil, ErrIdentityTooLong
	}
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b[0:2], uint16(len(s)))
	copy(b[2:], s)
	return b, nil
}

// ParseDeviceID decodes a length-prefixed GET_DEVICE_ID response.
func ParseDeviceID(b []byte) (Identity, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: missing length prefix", ErrMalformedDeviceID)
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if n != len(b)-2 {
		return nil, fmt.Errorf("%w: length prefix %d, payload %d", ErrMalformedDeviceID, n, len(b)-2)
	}
	var id Identity
	for _, part := range strings.Split(string(b[2:]), ";") {
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: field %q has no ':'", ErrMalformedDeviceID, part)
		}
		id = append(id, Field{Key: key, Value: value})
	}
	return id, nil
}
