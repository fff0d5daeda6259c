// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the compact binary wire format for
// envelopes and routes. Every field has a fixed, versioned position
// index that is never reused across schema changes, so routers of
// different versions can run side by side during rolling deployments:
// decoders skip field indexes they do not recognize.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/zkyvette425/windroute/routing"
)

// EnvelopeMagic identifies an encoded envelope.
const EnvelopeMagic uint32 = 0x57455631 // "WEV1"

// Version is the current schema version. Decoders accept any version;
// unknown fields are skipped.
const Version byte = 1

var (
	ErrInvalidMagic = errors.New("invalid envelope magic")
	ErrChecksum     = errors.New("checksum mismatch")
	ErrTruncated    = errors.New("truncated envelope")
)

// Envelope field indexes. Never reuse a retired index.
const (
	fieldID        = 1
	fieldType      = 2
	fieldRoute     = 3
	fieldPayload   = 4
	fieldCreatedAt = 5
	fieldSender    = 6
	fieldTags      = 7
)

// Route field indexes.
const (
	routeTargetType = 1
	routeTargetIDs  = 2
	routeExcludeIDs = 3
	routePriority   = 4
	routeExpiresAt  = 5
	routeRequireAck = 6
	routeHopCount   = 7
	routeHopLimit   = 8
)

// Marshal encodes an envelope. Layout:
// Magic(4) CRC(4) Version(1) fields..., CRC over everything after the
// CRC word.
func Marshal(env *routing.Envelope[[]byte]) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if env.ID == "" {
		return nil, routing.ErrEmptyMessageID
	}

	w := NewBufferWriter(64 + len(env.Payload))
	w.WriteUint32(EnvelopeMagic)
	crcPos := w.Len()
	w.WriteUint32(0) // CRC placeholder
	w.WriteUint8(Version)

	writeStringField(w, fieldID, env.ID)
	writeStringField(w, fieldType, env.Type)
	writeBytesField(w, fieldRoute, marshalRoute(&env.Route))
	if env.Payload != nil {
		writeBytesField(w, fieldPayload, env.Payload)
	}
	writeVarintField(w, fieldCreatedAt, env.CreatedAt.UnixMilli())
	if env.Sender != "" {
		writeStringField(w, fieldSender, env.Sender)
	}
	if len(env.Tags) > 0 {
		writeBytesField(w, fieldTags, marshalTags(env.Tags))
	}

	data := w.Bytes()
	PutUint32(data[crcPos:], Checksum(data[crcPos+4:]))
	return data, nil
}

// Unmarshal decodes an envelope, verifying magic and checksum and
// skipping unknown field indexes.
func Unmarshal(data []byte) (*routing.Envelope[[]byte], error) {
	if len(data) < 9 {
		return nil, ErrTruncated
	}

	r := NewBufferReader(data)
	magic, _ := r.ReadUint32()
	if magic != EnvelopeMagic {
		return nil, ErrInvalidMagic
	}
	crc, _ := r.ReadUint32()
	if Checksum(data[8:]) != crc {
		return nil, ErrChecksum
	}
	if _, err := r.ReadUint8(); err != nil { // version, tolerated
		return nil, err
	}

	env := &routing.Envelope[[]byte]{}
	for r.Remaining() > 0 {
		idx, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("envelope field index: %w", err)
		}
		val, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("envelope field %d: %w", idx, err)
		}

		switch idx {
		case fieldID:
			env.ID = string(val)
		case fieldType:
			env.Type = string(val)
		case fieldRoute:
			route, err := unmarshalRoute(val)
			if err != nil {
				return nil, err
			}
			env.Route = *route
		case fieldPayload:
			env.Payload = val
		case fieldCreatedAt:
			ms, err := NewBufferReader(val).ReadVarint()
			if err != nil {
				return nil, fmt.Errorf("created_at: %w", err)
			}
			env.CreatedAt = time.UnixMilli(ms)
		case fieldSender:
			env.Sender = string(val)
		case fieldTags:
			tags, err := unmarshalTags(val)
			if err != nil {
				return nil, err
			}
			env.Tags = tags
		default:
			// Unknown field from a newer schema: skip.
		}
	}

	if env.ID == "" {
		return nil, routing.ErrEmptyMessageID
	}
	return env, nil
}

func marshalRoute(route *routing.Route) []byte {
	w := NewBufferWriter(64)

	writeByteField(w, routeTargetType, byte(route.TargetType))
	if len(route.TargetIDs) > 0 {
		writeBytesField(w, routeTargetIDs, marshalStrings(route.TargetIDs))
	}
	if len(route.ExcludeIDs) > 0 {
		writeBytesField(w, routeExcludeIDs, marshalStrings(route.ExcludeIDs))
	}
	writeByteField(w, routePriority, route.Priority)
	if !route.ExpiresAt.IsZero() {
		writeVarintField(w, routeExpiresAt, route.ExpiresAt.UnixMilli())
	}
	if route.RequireAck {
		writeByteField(w, routeRequireAck, 1)
	}
	if route.HopCount > 0 {
		writeByteField(w, routeHopCount, route.HopCount)
	}
	if route.HopLimit > 0 {
		writeByteField(w, routeHopLimit, route.HopLimit)
	}

	return w.Bytes()
}

func unmarshalRoute(data []byte) (*routing.Route, error) {
	r := NewBufferReader(data)
	route := &routing.Route{}

	for r.Remaining() > 0 {
		idx, err := r.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("route field index: %w", err)
		}
		val, err := r.ReadBytes()
		if err != nil {
			return nil, fmt.Errorf("route field %d: %w", idx, err)
		}

		switch idx {
		case routeTargetType:
			if len(val) == 1 {
				route.TargetType = routing.TargetType(val[0])
			}
		case routeTargetIDs:
			ids, err := unmarshalStrings(val)
			if err != nil {
				return nil, err
			}
			route.TargetIDs = ids
		case routeExcludeIDs:
			ids, err := unmarshalStrings(val)
			if err != nil {
				return nil, err
			}
			route.ExcludeIDs = ids
		case routePriority:
			if len(val) == 1 {
				route.Priority = val[0]
			}
		case routeExpiresAt:
			ms, err := NewBufferReader(val).ReadVarint()
			if err != nil {
				return nil, fmt.Errorf("expires_at: %w", err)
			}
			route.ExpiresAt = time.UnixMilli(ms)
		case routeRequireAck:
			route.RequireAck = len(val) == 1 && val[0] == 1
		case routeHopCount:
			if len(val) == 1 {
				route.HopCount = val[0]
			}
		case routeHopLimit:
			if len(val) == 1 {
				route.HopLimit = val[0]
			}
		default:
			// Unknown field from a newer schema: skip.
		}
	}

	return route, nil
}

func marshalStrings(vals []string) []byte {
	w := NewBufferWriter(16 * len(vals))
	w.WriteUvarint(uint64(len(vals)))
	for _, v := range vals {
		w.WriteString(v)
	}
	return w.Bytes()
}

func unmarshalStrings(data []byte) ([]string, error) {
	r := NewBufferReader(data)
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	// Each element costs at least one length byte, so a count beyond
	// the remaining bytes cannot be honest. Never trust it as capacity.
	if count > uint64(r.Remaining()) {
		return nil, ErrTruncated
	}
	vals := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		vals = append(vals, s)
	}
	return vals, nil
}

func marshalTags(tags map[string]string) []byte {
	w := NewBufferWriter(32 * len(tags))
	w.WriteUvarint(uint64(len(tags)))
	for k, v := range tags {
		w.WriteString(k)
		w.WriteString(v)
	}
	return w.Bytes()
}

func unmarshalTags(data []byte) (map[string]string, error) {
	r := NewBufferReader(data)
	count, err := r.ReadUvarint()
	if err != nil {
		return nil, err
	}
	// A key-value pair costs at least two length bytes.
	if count > uint64(r.Remaining())/2 {
		return nil, ErrTruncated
	}
	tags := make(map[string]string, count)
	for i := uint64(0); i < count; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		tags[k] = v
	}
	return tags, nil
}

func writeStringField(w *BufferWriter, idx uint64, s string) {
	w.WriteUvarint(idx)
	w.WriteString(s)
}

func writeBytesField(w *BufferWriter, idx uint64, b []byte) {
	w.WriteUvarint(idx)
	w.WriteBytes(b)
}

func writeByteField(w *BufferWriter, idx uint64, b byte) {
	w.WriteUvarint(idx)
	w.WriteUvarint(1)
	w.WriteRawBytes([]byte{b})
}

func writeVarintField(w *BufferWriter, idx uint64, v int64) {
	tmp := NewBufferWriter(10)
	tmp.WriteVarint(v)
	writeBytesField(w, idx, tmp.Bytes())
}
