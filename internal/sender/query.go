package sender

import (
	"encoding/binary"

	"firestige.xyz/mcproxy/internal/proxy"
)

// Wire encodings of general membership queries. gopacket's IGMP and MLD
// layers are decode-only, so the handful of fixed-size query messages are
// assembled by hand.

const (
	igmpMembershipQuery = 0x11
	mldListenerQuery    = 130
)

// encodeIGMPv3GeneralQuery builds an IGMPv3 general query (RFC 3376 §4.1):
// 12 bytes, group address zero, no sources.
func encodeIGMPv3GeneralQuery(tv *proxy.TimersValues) []byte {
	b := make([]byte, 12)
	b[0] = igmpMembershipQuery
	b[1] = codeFromValue(uint(tv.QueryResponseInterval.Milliseconds() / 100)) // deciseconds
	// b[2:4] checksum, below
	// b[4:8] group address 0.0.0.0
	b[8] = byte(tv.RobustnessVariable & 0x07) // Resv/S/QRV
	b[9] = codeFromValue(uint(tv.QueryInterval.Seconds()))
	// b[10:12] number of sources = 0
	binary.BigEndian.PutUint16(b[2:4], checksum(b))
	return b
}

// encodeMLDv2GeneralQuery builds an MLDv2 general query (RFC 3810 §5.1):
// 28 bytes, multicast address zero, no sources. The ICMPv6 checksum is
// filled in by the kernel on the icmp socket.
func encodeMLDv2GeneralQuery(tv *proxy.TimersValues) []byte {
	b := make([]byte, 28)
	b[0] = mldListenerQuery
	binary.BigEndian.PutUint16(b[4:6], uint16(tv.QueryResponseInterval.Milliseconds())) // Maximum Response Code, ms
	// b[8:24] multicast address ::
	b[24] = byte(tv.RobustnessVariable & 0x07)
	b[25] = codeFromValue(uint(tv.QueryInterval.Seconds()))
	// b[26:28] number of sources = 0
	return b
}

// codeFromValue encodes a value into the shared 8-bit floating-point form
// of Max Resp Code and QQIC: literal below 128, mant/exp above.
func codeFromValue(v uint) byte {
	if v < 128 {
		return byte(v)
	}
	exp := uint(0)
	mant := v
	for mant > 0x1f {
		mant >>= 1
		exp++
	}
	if exp < 3 {
		return 0x7f
	}
	return byte(0x80 | ((exp - 3) << 4) | (mant & 0x0f))
}

// checksum is the internet checksum over the IGMP message.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
