// Package address turns cloud identifiers into the short, sanitized strings
// that identify nodes in the local registry.
package address

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxLength is the longest address, in bytes, the registry accepts.
const MaxLength = 14

// AggregateChannel is the channel number the cloud uses for a device's own
// total usage.
const AggregateChannel = "1,2,3"

const stripped = "<>`~!@#$%^&*(){}[]?/\\;:\"'-"

// Canonicalize drops invalid UTF-8, removes punctuation the registry rejects,
// lowercases and truncates raw to MaxLength bytes without splitting a rune.
// Canonicalize(Canonicalize(s)) == Canonicalize(s) for every s.
func Canonicalize(raw string) string {
	s := strings.ToValidUTF8(raw, "")
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(stripped, r) {
			return -1
		}
		return r
	}, s)
	s = strings.ToLower(s)
	if len(s) <= MaxLength {
		return s
	}
	cut := 0
	for i, r := range s {
		next := i + utf8.RuneLen(r)
		if next > MaxLength {
			break
		}
		cut = next
	}
	return s[:cut]
}

// Device returns the address of the node representing a device.
func Device(gid int64) string {
	return Canonicalize(strconv.FormatInt(gid, 10))
}

// Channel returns the address of a per-circuit channel node.
func Channel(gid int64, channelNum string) string {
	return Canonicalize(strconv.FormatInt(gid, 10) + "_" + channelNum)
}

// Dispatch returns the node address a usage reading for gid/channelNum is
// written to. The aggregate channel belongs to the device node itself.
func Dispatch(gid int64, channelNum string) string {
	if channelNum == AggregateChannel {
		return Device(gid)
	}
	return Channel(gid, channelNum)
}
