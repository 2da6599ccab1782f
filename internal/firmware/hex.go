// internal/firmware/hex.go
package firmware

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Intel-HEX record layout, in hex characters.
const (
	recordStart     = ':'
	minRecordLength = 11
	dataOffset      = 9
)

// RecordType is the Intel-HEX record type field.
type RecordType byte

const (
	RecordData            RecordType = 0x00
	RecordEOF             RecordType = 0x01
	RecordExtendedSegment RecordType = 0x02
	RecordStartSegment    RecordType = 0x03
	RecordExtendedLinear  RecordType = 0x04
	RecordStartLinear     RecordType = 0x05
)

func (t RecordType) String() string {
	switch t {
	case RecordData:
		return "data"
	case RecordEOF:
		return "eof"
	case RecordExtendedSegment:
		return "extended_segment"
	case RecordStartSegment:
		return "start_segment"
	case RecordExtendedLinear:
		return "extended_linear"
	case RecordStartLinear:
		return "start_linear"
	default:
		return fmt.Sprintf("type_%02X", byte(t))
	}
}

// Record is one parsed Intel-HEX line. Data keeps the hex characters as they appear in the file,
// since the device takes them verbatim.
type Record struct {
	Line     int
	Length   byte
	Address  uint16
	Type     RecordType
	Data     string
	Checksum byte
}

// ParseRecord parses a single ":LLAAAATT<data>CC" line.
//
// The checksum is not checked here; call Verify for records that are sent to the device.
func ParseRecord(line string, lineNo int) (Record, error) {
	line = strings.TrimSpace(line)
	if len(line) < minRecordLength || line[0] != recordStart {
		return Record{}, &RecordError{Line: lineNo, Reason: fmt.Sprintf("not a record: %q", line)}
	}

	length, err := parseHexByte(line[1:3])
	if err != nil {
		return Record{}, &RecordError{Line: lineNo, Reason: "invalid length field"}
	}
	address, err := strconv.ParseUint(line[3:7], 16, 16)
	if err != nil {
		return Record{}, &RecordError{Line: lineNo, Reason: "invalid address field"}
	}
	rtype, err := parseHexByte(line[7:9])
	if err != nil {
		return Record{}, &RecordError{Line: lineNo, Reason: "invalid type field"}
	}

	dataEnd := dataOffset + int(length)*2
	if len(line) < dataEnd+2 {
		return Record{}, &RecordError{
			Line:   lineNo,
			Reason: fmt.Sprintf("record too short: %d characters for %d data bytes", len(line), length),
		}
	}

	data := line[dataOffset:dataEnd]
	if _, err := hex.DecodeString(data); err != nil {
		return Record{}, &RecordError{Line: lineNo, Reason: fmt.Sprintf("invalid data: %v", err)}
	}
	checksum, err := parseHexByte(line[dataEnd : dataEnd+2])
	if err != nil {
		return Record{}, &RecordError{Line: lineNo, Reason: "invalid checksum field"}
	}

	return Record{
		Line:     lineNo,
		Length:   length,
		Address:  uint16(address),
		Type:     RecordType(rtype),
		Data:     data,
		Checksum: checksum,
	}, nil
}

// ComputeChecksum returns the two's complement of the byte sum of the record fields.
func (r Record) ComputeChecksum() byte {
	sum := r.Length + byte(r.Address>>8) + byte(r.Address) + byte(r.Type)
	raw, _ := hex.DecodeString(r.Data)
	for _, b := range raw {
		sum += b
	}
	return -sum
}

// Verify returns a *ChecksumMismatchError when the stored checksum is wrong.
func (r Record) Verify() error {
	if computed := r.ComputeChecksum(); computed != r.Checksum {
		return &ChecksumMismatchError{Line: r.Line, Expected: computed, Actual: r.Checksum}
	}
	return nil
}

func parseHexByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	return byte(v), err
}

type imageLine struct {
	no   int
	text string
}

// Image is a firmware file held as its non-blank lines.
type Image struct {
	Name  string
	lines []imageLine
	size  int
}

// LoadImage reads an Intel-HEX file from disk.
func LoadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open firmware image: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, err := ParseImage(f)
	if err != nil {
		return nil, err
	}
	img.Name = filepath.Base(path)
	return img, nil
}

// ParseImage reads an Intel-HEX image from any reader. Line numbers count every line of the input.
func ParseImage(r io.Reader) (*Image, error) {
	img := &Image{}
	scanner := bufio.NewScanner(r)

	no := 0
	for scanner.Scan() {
		no++
		img.add(no, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read firmware image: %w", err)
	}
	if img.RecordCount() == 0 {
		return nil, ErrEmptyImage
	}
	return img, nil
}

// NewImage builds an image from lines already in memory.
func NewImage(lines []string) *Image {
	img := &Image{}
	for i, line := range lines {
		img.add(i+1, line)
	}
	return img
}

func (img *Image) add(no int, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	img.lines = append(img.lines, imageLine{no: no, text: text})
	img.size += len(text)
}

// Size returns the number of record characters in the image.
func (img *Image) Size() int { return img.size }

// RecordCount returns the number of lines that start like a record.
func (img *Image) RecordCount() int {
	n := 0
	for _, l := range img.lines {
		if l.text[0] == recordStart {
			n++
		}
	}
	return n
}

// DataRecordCount returns the number of data records, the figure announced to the device.
func (img *Image) DataRecordCount() int {
	n := 0
	for _, l := range img.lines {
		if len(l.text) >= minRecordLength && l.text[0] == recordStart && l.text[7:9] == "00" {
			n++
		}
	}
	return n
}

// Records yields every record in file order. Lines that do not start with ':' are skipped;
// the sequence stops after the first malformed record.
func (img *Image) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, l := range img.lines {
			if l.text[0] != recordStart {
				continue
			}
			rec, err := ParseRecord(l.text, l.no)
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}
