package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// message types
const (
	Confirm_t uint8 = 0x00
	Reply_t   uint8 = 0x01
	Auth_t    uint8 = 0x02
	Join_t    uint8 = 0x03
	Msg_t     uint8 = 0x04
	Ping_t    uint8 = 0xFD
	Err_t     uint8 = 0xFE
	Bye_t     uint8 = 0xFF
)

// HeaderLen is the size of the type tag plus the 16 bit message ID. Every
// datagram of the protocol starts with these bytes.
const HeaderLen = 3

// Reply result flag
const (
	ReplyNOK uint8 = 0
	ReplyOK  uint8 = 1
)

func TypeName(t uint8) string {
	switch t {
	case Confirm_t:
		return "CONFIRM"
	case Reply_t:
		return "REPLY"
	case Auth_t:
		return "AUTH"
	case Join_t:
		return "JOIN"
	case Msg_t:
		return "MSG"
	case Ping_t:
		return "PING"
	case Err_t:
		return "ERR"
	case Bye_t:
		return "BYE"
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", t)
}

type Message interface {
	Type() uint8
	Marshal() []byte
}

// Header is the fixed prefix of every datagram. For a Confirm the ID field
// holds the referenced message ID.
type Header struct {
	Type uint8
	ID   uint16
}

type Confirm struct {
	RefID uint16
}

type Reply struct {
	ID      uint16
	OK      bool
	RefID   uint16
	Content string
}

type Auth struct {
	ID          uint16
	Username    string
	DisplayName string
	Secret      string
}

type Join struct {
	ID          uint16
	ChannelID   string
	DisplayName string
}

type Msg struct {
	ID          uint16
	DisplayName string
	Content     string
}

type Ping struct {
	ID uint16
}

type Err struct {
	ID          uint16
	DisplayName string
	Content     string
}

type Bye struct {
	ID          uint16
	DisplayName string
}

func (Confirm) Type() uint8 { return Confirm_t }
func (Reply) Type() uint8   { return Reply_t }
func (Auth) Type() uint8    { return Auth_t }
func (Join) Type() uint8    { return Join_t }
func (Msg) Type() uint8     { return Msg_t }
func (Ping) Type() uint8    { return Ping_t }
func (Err) Type() uint8     { return Err_t }
func (Bye) Type() uint8     { return Bye_t }

// all IDs go over the wire in network byte order
func writeHeader(buf *bytes.Buffer, t uint8, id uint16) {
	buf.WriteByte(t)
	binary.Write(buf, binary.BigEndian, id)
}

// variable length fields are terminated by a zero byte
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func (m Confirm) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, Confirm_t, m.RefID)
	return buf.Bytes()
}

func (m Reply) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, Reply_t, m.ID)
	if m.OK {
		buf.WriteByte(ReplyOK)
	} else {
		buf.WriteByte(ReplyNOK)
	}
	binary.Write(buf, binary.BigEndian, m.RefID)
	writeString(buf, m.Content)
	return buf.Bytes()
}

func (m Auth) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, Auth_t, m.ID)
	writeString(buf, m.Username)
	writeString(buf, m.DisplayName)
	writeString(buf, m.Secret)
	return buf.Bytes()
}

func (m Join) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, Join_t, m.ID)
	writeString(buf, m.ChannelID)
	writeString(buf, m.DisplayName)
	return buf.Bytes()
}

func (m Msg) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, Msg_t, m.ID)
	writeString(buf, m.DisplayName)
	writeString(buf, m.Content)
	return buf.Bytes()
}

func (m Ping) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, Ping_t, m.ID)
	return buf.Bytes()
}

func (m Err) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, Err_t, m.ID)
	writeString(buf, m.DisplayName)
	writeString(buf, m.Content)
	return buf.Bytes()
}

func (m Bye) Marshal() []byte {
	buf := new(bytes.Buffer)
	writeHeader(buf, Bye_t, m.ID)
	writeString(buf, m.DisplayName)
	return buf.Bytes()
}

// ShortDatagramError is returned when a datagram ends before a fixed
// field that has to be read.
type ShortDatagramError struct {
	Len  int
	Want int
}

func (e *ShortDatagramError) Error() string {
	return fmt.Sprintf("short datagram: got %d bytes, need at least %d", e.Len, e.Want)
}

type UnsupportedTypeError struct {
	Type uint8
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported message type 0x%02X", e.Type)
}

// MissingTerminatorError means a variable length field was not closed by
// a zero byte. Field counts from 0 in wire order.
type MissingTerminatorError struct {
	Type  uint8
	Field int
}

func (e *MissingTerminatorError) Error() string {
	return fmt.Sprintf("%s: field %d is not zero terminated", TypeName(e.Type), e.Field)
}
