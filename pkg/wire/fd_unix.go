//go:build unix

package wire

import (
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/message"
)

// WriteWithFD writes a frame accompanied by a single file descriptor, sent
// as SCM_RIGHTS ancillary data. Used exclusively by the Hub to hand off a
// brokered socket-pair half to a peer.
func WriteWithFD(conn *net.UnixConn, envelope message.Envelope, fd int) error {
	body, err := bdoc.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	frame := make([]byte, lengthPrefixSize+len(body))
	putLength(frame, len(body))
	copy(frame[lengthPrefixSize:], body)

	rights := unix.UnixRights(fd)

	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("%w: syscall conn: %v", ErrProtocolViolation, err)
	}

	var sendErr error
	err = raw.Write(func(rawFD uintptr) bool {
		sendErr = unix.Sendmsg(int(rawFD), frame, rights, nil, 0)
		return sendErr != unix.EAGAIN
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if sendErr != nil {
		return fmt.Errorf("%w: sendmsg: %v", ErrProtocolViolation, sendErr)
	}
	return nil
}

// ReadWithFD reads a frame and returns the single file descriptor, if any,
// carried alongside it via SCM_RIGHTS. fd is -1 when no FD accompanied the
// frame.
func ReadWithFD(conn *net.UnixConn) (message.Envelope, int, error) {
	// The length prefix and body arrive as the regular stream payload of
	// the same datagram/record that carries the ancillary data, so we read
	// them through the recvmsg path rather than the plain Reader.
	lengthBuf := make([]byte, lengthPrefixSize)
	oob := make([]byte, unix.CmsgSpace(4))

	raw, err := conn.SyscallConn()
	if err != nil {
		return message.Envelope{}, -1, fmt.Errorf("%w: syscall conn: %v", ErrProtocolViolation, err)
	}

	n, oobn, fd, err := recvWithAncillary(raw, lengthBuf, oob)
	if err != nil {
		return message.Envelope{}, -1, err
	}
	if n == 0 {
		return message.Envelope{}, -1, ErrDisconnected
	}

	length := int(getLength(lengthBuf))
	body := make([]byte, length)
	if err := readFullUnix(conn, body); err != nil {
		return message.Envelope{}, -1, fmt.Errorf("%w: reading frame body: %v", ErrProtocolViolation, err)
	}

	var envelope message.Envelope
	if err := bdoc.Unmarshal(body, &envelope); err != nil {
		return message.Envelope{}, -1, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	_ = oobn
	return envelope, fd, nil
}

func putLength(frame []byte, length int) {
	frame[0] = byte(length)
	frame[1] = byte(length >> 8)
	frame[2] = byte(length >> 16)
	frame[3] = byte(length >> 24)
}

func getLength(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func readFullUnix(conn *net.UnixConn, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// recvWithAncillary performs a single recvmsg(2) call, extracting the one
// file descriptor carried in SCM_RIGHTS ancillary data, if any.
func recvWithAncillary(raw syscall.RawConn, p, oob []byte) (n, oobn, fd int, err error) {
	fd = -1
	var recvErr error
	ctrlErr := raw.Read(func(rawFD uintptr) bool {
		var flags int
		n, oobn, flags, _, recvErr = unix.Recvmsg(int(rawFD), p, oob, 0)
		_ = flags
		return recvErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return 0, 0, -1, fmt.Errorf("%w: %v", ErrProtocolViolation, ctrlErr)
	}
	if recvErr != nil {
		if recvErr == io.EOF {
			return 0, 0, -1, ErrDisconnected
		}
		return 0, 0, -1, fmt.Errorf("%w: recvmsg: %v", ErrProtocolViolation, recvErr)
	}
	if oobn == 0 {
		return n, oobn, -1, nil
	}

	messages, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, oobn, -1, fmt.Errorf("%w: parsing control message: %v", ErrProtocolViolation, err)
	}
	for _, m := range messages {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			fd = fds[0]
			break
		}
	}
	return n, oobn, fd, nil
}
