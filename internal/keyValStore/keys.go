package keyValStore

import (
	"encoding/binary"
	"fmt"
)

// Partition tags. Every key starts with one of these bytes.
const (
	TagChronology byte = 'c'
	TagBinding    byte = 'b'
	TagTaxonomy   byte = 't'
	TagReference  byte = 'r'
	TagOwner      byte = 'o'
	TagSequence   byte = 's'
	TagUUID       byte = 'u'
	TagSingleton  byte = 'm'
)

// Key builds tag|p0|p1|... with every part as big-endian uint32 of its bit pattern.
func Key(tag byte, parts ...int32) []byte {
	k := make([]byte, 1+4*len(parts))
	k[0] = tag
	for i, p := range parts {
		binary.BigEndian.PutUint32(k[1+4*i:], uint32(p))
	}
	return k
}

// NamedKey builds tag|name.
func NamedKey(tag byte, name []byte) []byte {
	return append([]byte{tag}, name...)
}

// KeyPart decodes the i-th int32 part of a key built with Key.
func KeyPart(key []byte, i int) (int32, error) {
	off := 1 + 4*i
	if len(key) < off+4 {
		return 0, fmt.Errorf("key %x too short for part %d", key, i)
	}
	return int32(binary.BigEndian.Uint32(key[off:])), nil
}
