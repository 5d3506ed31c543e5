// Package protocol implements the protobuf-style framing used on the vehicle
// BLE link: request/response packets, the encrypted DataPacket envelope, and
// telemetry payloads.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Envelope prefixes. Every reassembled frame starts with one of these.
const (
	EnvelopePlain     byte = 0x01
	EnvelopeEncrypted byte = 0x02
)

// Opcode identifies a request sent to the vehicle.
type Opcode uint32

const (
	OpHello            Opcode = 1
	OpAuth             Opcode = 2
	OpUnlock           Opcode = 10
	OpLock             Opcode = 11
	OpOpenBatteryCover Opcode = 12
	OpOpenSaddle       Opcode = 13
	OpOpenTailBox      Opcode = 14
	OpQueryVehicle     Opcode = 20
	OpQueryIot         Opcode = 21
)

var opcodeNames = map[Opcode]string{
	OpHello:            "hello",
	OpAuth:             "auth",
	OpUnlock:           "unlock",
	OpLock:             "lock",
	OpOpenBatteryCover: "open_battery_cover",
	OpOpenSaddle:       "open_saddle",
	OpOpenTailBox:      "open_tail_box",
	OpQueryVehicle:     "query_vehicle",
	OpQueryIot:         "query_iot",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", uint32(o))
}

// ResponseKind is the kind field in a Response.
type ResponseKind uint32

const (
	KindChallenge   ResponseKind = 1
	KindAck         ResponseKind = 2
	KindVehicleInfo ResponseKind = 3
	KindIotInfo     ResponseKind = 4
)

// Status is the result code the vehicle reports for a request.
type Status uint32

const (
	StatusOK          Status = 0
	StatusRejected    Status = 1
	StatusUnsupported Status = 2
	StatusBusy        Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	case StatusUnsupported:
		return "unsupported"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Request is a decoded request packet.
type Request struct {
	Opcode  Opcode
	Seq     uint32
	Payload []byte
}

// Response is a decoded response packet from the vehicle.
// Seq is zero for unsolicited pushes.
type Response struct {
	Kind   ResponseKind
	Seq    uint32
	Status Status
	Data   []byte
}

// DataPacket is the encrypted wrapper carried after authentication.
type DataPacket struct {
	IV         []byte
	Tag        []byte
	Ciphertext []byte
	PacketNum  uint32
}

// MarshalRequest encodes a Request.
//
//	field 1 (uint32): opcode
//	field 2 (uint32): seq
//	field 3 (bytes):  payload
func MarshalRequest(r Request) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(r.Opcode))
	buf = appendVarintField(buf, 2, uint64(r.Seq))
	if len(r.Payload) > 0 {
		buf = appendBytesField(buf, 3, r.Payload)
	}
	return buf
}

// UnmarshalRequest decodes a Request.
func UnmarshalRequest(data []byte) (*Request, error) {
	req := &Request{}
	err := walkFields(data, func(field uint64, val uint64, b []byte) {
		switch field {
		case 1:
			req.Opcode = Opcode(val)
		case 2:
			req.Seq = uint32(val)
		case 3:
			req.Payload = b
		}
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// MarshalResponse encodes a Response.
//
//	field 1 (uint32): kind
//	field 2 (uint32): seq
//	field 3 (uint32): status
//	field 4 (bytes):  data
func MarshalResponse(r Response) []byte {
	var buf []byte
	buf = appendVarintField(buf, 1, uint64(r.Kind))
	buf = appendVarintField(buf, 2, uint64(r.Seq))
	buf = appendVarintField(buf, 3, uint64(r.Status))
	if len(r.Data) > 0 {
		buf = appendBytesField(buf, 4, r.Data)
	}
	return buf
}

// UnmarshalResponse decodes a Response.
func UnmarshalResponse(data []byte) (*Response, error) {
	resp := &Response{}
	err := walkFields(data, func(field uint64, val uint64, b []byte) {
		switch field {
		case 1:
			resp.Kind = ResponseKind(val)
		case 2:
			resp.Seq = uint32(val)
		case 3:
			resp.Status = Status(val)
		case 4:
			resp.Data = b
		}
	})
	if err != nil {
		return nil, err
	}
	if resp.Kind == 0 {
		return nil, errors.New("protocol: response missing kind")
	}
	return resp, nil
}

// MarshalDataPacket encodes a DataPacket (the outer encrypted wrapper).
//
//	field 1 (bytes): iv (12 bytes)
//	field 2 (bytes): tag (16 bytes)
//	field 3 (bytes): encrypted data
//	field 4 (uint32): packet_num
func MarshalDataPacket(iv, tag, encrypted []byte, packetNum uint32) ([]byte, error) {
	if len(iv) != 12 {
		return nil, fmt.Errorf("protocol: iv must be 12 bytes, got %d", len(iv))
	}
	if len(tag) != 16 {
		return nil, fmt.Errorf("protocol: tag must be 16 bytes, got %d", len(tag))
	}
	var buf []byte
	buf = appendBytesField(buf, 1, iv)
	buf = appendBytesField(buf, 2, tag)
	buf = appendBytesField(buf, 3, encrypted)
	buf = appendVarintField(buf, 4, uint64(packetNum))
	return buf, nil
}

// UnmarshalDataPacket decodes a DataPacket and checks the IV and tag sizes.
func UnmarshalDataPacket(data []byte) (*DataPacket, error) {
	pkt := &DataPacket{}
	err := walkFields(data, func(field uint64, val uint64, b []byte) {
		switch field {
		case 1:
			pkt.IV = b
		case 2:
			pkt.Tag = b
		case 3:
			pkt.Ciphertext = b
		case 4:
			pkt.PacketNum = uint32(val)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(pkt.IV) != 12 {
		return nil, fmt.Errorf("protocol: iv must be 12 bytes, got %d", len(pkt.IV))
	}
	if len(pkt.Tag) != 16 {
		return nil, fmt.Errorf("protocol: tag must be 16 bytes, got %d", len(pkt.Tag))
	}
	return pkt, nil
}

// Seal prefixes body with an envelope byte.
func Seal(envelope byte, body []byte) []byte {
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, envelope)
	return append(frame, body...)
}

// Open splits a frame into its envelope byte and body.
func Open(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, errors.New("protocol: empty frame")
	}
	switch frame[0] {
	case EnvelopePlain, EnvelopeEncrypted:
		return frame[0], frame[1:], nil
	default:
		return 0, nil, fmt.Errorf("protocol: unknown envelope 0x%02x", frame[0])
	}
}

// walkFields iterates over varint (wire type 0) and length-delimited
// (wire type 2) fields. Byte fields are copied.
func walkFields(data []byte, fn func(field uint64, val uint64, b []byte)) error {
	for len(data) > 0 {
		tag, n, err := readVarint(data)
		if err != nil {
			return fmt.Errorf("protocol: reading tag: %w", err)
		}
		data = data[n:]
		fieldNum := tag >> 3
		wireType := uint8(tag & 0x07)

		switch wireType {
		case 0:
			val, n, err := readVarint(data)
			if err != nil {
				return fmt.Errorf("protocol: reading varint for field %d: %w", fieldNum, err)
			}
			data = data[n:]
			fn(fieldNum, val, nil)
		case 2:
			if len(data) < 1 {
				return errors.New("protocol: truncated length")
			}
			length, n, err := readVarint(data)
			if err != nil {
				return fmt.Errorf("protocol: reading length for field %d: %w", fieldNum, err)
			}
			data = data[n:]
			if uint64(len(data)) < length {
				return fmt.Errorf("protocol: field %d length %d exceeds remaining %d bytes", fieldNum, length, len(data))
			}
			b := make([]byte, length)
			copy(b, data[:length])
			data = data[length:]
			fn(fieldNum, 0, b)
		default:
			return fmt.Errorf("protocol: unsupported wire type %d for field %d", wireType, fieldNum)
		}
	}
	return nil
}

func appendVarintField(buf []byte, field uint64, v uint64) []byte {
	buf = appendVarint(buf, uint64(field)<<3)
	return appendVarint(buf, v)
}

func appendBytesField(buf []byte, field uint64, b []byte) []byte {
	buf = appendVarint(buf, uint64(field)<<3|2)
	buf = appendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendStringField(buf []byte, field uint64, s string) []byte {
	if s == "" {
		return buf
	}
	return appendBytesField(buf, field, []byte(s))
}

func appendBoolField(buf []byte, field uint64, v bool) []byte {
	if !v {
		return buf
	}
	return appendVarintField(buf, field, 1)
}

// appendVarint appends a protobuf varint to buf.
func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// readVarint reads a protobuf varint from data, returning value and bytes consumed.
func readVarint(data []byte) (uint64, int, error) {
	val, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errors.New("protocol: invalid varint")
	}
	return val, n, nil
}
