package messages

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Receive reads a single datagram of at most size bytes. A positive timeout
// sets the read deadline first. Read errors are returned as they are so the
// caller can match deadline errors.
func Receive(conn net.PacketConn, size int, timeout time.Duration) (net.Addr, []byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, nil, fmt.Errorf("creating the timeout deadline: %w", err)
		}
	}
	buffer := make([]byte, size)
	n, addr, err := conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, err
	}
	return addr, buffer[:n], nil
}

// ParseHeader extracts the type tag and message ID. This is the only
// validation the responder performs on inbound traffic.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, &ShortDatagramError{Len: len(data), Want: HeaderLen}
	}
	return Header{Type: data[0], ID: binary.BigEndian.Uint16(data[1:3])}, nil
}

// Parse decodes a complete datagram of any known type.
func Parse(data []byte) (Message, error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	body := data[HeaderLen:]

	switch hdr.Type {
	case Confirm_t:
		return Confirm{RefID: hdr.ID}, nil

	case Ping_t:
		return Ping{ID: hdr.ID}, nil

	case Reply_t:
		// result byte + ref ID precede the content
		if len(body) < 3 {
			return nil, &ShortDatagramError{Len: len(data), Want: HeaderLen + 3}
		}
		f, err := readStrings(hdr.Type, body[3:], 1)
		if err != nil {
			return nil, err
		}
		return Reply{
			ID:      hdr.ID,
			OK:      body[0] == ReplyOK,
			RefID:   binary.BigEndian.Uint16(body[1:3]),
			Content: f[0],
		}, nil

	case Auth_t:
		f, err := readStrings(hdr.Type, body, 3)
		if err != nil {
			return nil, err
		}
		return Auth{ID: hdr.ID, Username: f[0], DisplayName: f[1], Secret: f[2]}, nil

	case Join_t:
		f, err := readStrings(hdr.Type, body, 2)
		if err != nil {
			return nil, err
		}
		return Join{ID: hdr.ID, ChannelID: f[0], DisplayName: f[1]}, nil

	case Msg_t:
		f, err := readStrings(hdr.Type, body, 2)
		if err != nil {
			return nil, err
		}
		return Msg{ID: hdr.ID, DisplayName: f[0], Content: f[1]}, nil

	case Err_t:
		f, err := readStrings(hdr.Type, body, 2)
		if err != nil {
			return nil, err
		}
		return Err{ID: hdr.ID, DisplayName: f[0], Content: f[1]}, nil

	case Bye_t:
		f, err := readStrings(hdr.Type, body, 1)
		if err != nil {
			return nil, err
		}
		return Bye{ID: hdr.ID, DisplayName: f[0]}, nil
	}

	return nil, &UnsupportedTypeError{Type: hdr.Type}
}

func readStrings(t uint8, d []byte, n int) ([]string, error) {
	fields := make([]string, n)
	for i := 0; i < n; i++ {
		end := bytes.IndexByte(d, 0)
		if end < 0 {
			return nil, &MissingTerminatorError{Type: t, Field: i}
		}
		fields[i] = string(d[:end])
		d = d[end+1:]
	}
	return fields, nil
}
