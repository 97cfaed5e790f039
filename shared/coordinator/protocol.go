package coordinator

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Command tags understood by the coordinator
const (
	TagFileReport = "POST_FILENAME_QUEUE"
	TagStop       = "STOP_QUEUE"
)

// DefaultHeaderSize is the fixed width of a header frame's tag field
const DefaultHeaderSize = 64

// maxFrameSize bounds a single transmission a reader will accept
const maxFrameSize = 256 << 20

var (
	// ErrUnknownTag is returned when a header frame carries an unrecognized tag
	ErrUnknownTag = errors.New("unknown command tag")

	// ErrFrameTooLarge is returned when a length prefix exceeds maxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")
)

// Header returns tag left-justified and space padded to size bytes
func Header(tag string, size int) []byte {
	if size < len(tag) {
		size = len(tag)
	}
	return []byte(fmt.Sprintf("%-*s", size, tag))
}

// EncodeFileReport returns the two transmissions of a file report: the header
// frame and the JSON array of paths
func EncodeFileReport(paths []string, headerSize int) ([][]byte, error) {
	if paths == nil {
		paths = []string{}
	}

	payload, err := json.Marshal(paths)
	if err != nil {
		return nil, fmt.Errorf("failed to encode file report: %w", err)
	}

	return [][]byte{Header(TagFileReport, headerSize), payload}, nil
}

// EncodeStop returns the single transmission of a stop message: the header
// frame with the downloaded count appended as text
func EncodeStop(downloaded int, headerSize int) [][]byte {
	frame := append(Header(TagStop, headerSize), strconv.Itoa(downloaded)...)
	return [][]byte{frame}
}

// WriteFrame writes one transmission as a 4-byte big-endian length followed
// by the bytes
func WriteFrame(w io.Writer, frame []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(frame)))

	if _, err := w.Write(append(prefix[:], frame...)); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed transmission
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return frame, nil
}

// Message is a decoded coordinator message
type Message struct {
	Tag        string
	Files      []string
	Downloaded int
}

// ReadMessage reads one complete message, including the payload transmission
// that follows a file report header
func ReadMessage(r io.Reader, headerSize int) (*Message, error) {
	header, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	width := min(headerSize, len(header))
	tag := strings.TrimRight(string(header[:width]), " ")

	switch tag {
	case TagFileReport:
		payload, err := ReadFrame(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read file report payload: %w", err)
		}

		var files []string
		if err := json.NewDecoder(bytes.NewReader(payload)).Decode(&files); err != nil {
			return nil, fmt.Errorf("failed to decode file report payload: %w", err)
		}
		return &Message{Tag: tag, Files: files}, nil

	case TagStop:
		count, err := strconv.Atoi(strings.TrimSpace(string(header[width:])))
		if err != nil {
			return nil, fmt.Errorf("invalid stop count: %w", err)
		}
		return &Message{Tag: tag, Downloaded: count}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
}
