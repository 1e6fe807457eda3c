package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	magic   = "GPT2CKPT"
	version = 1
)

// Status is the outcome of decoding one section.
type Status int

const (
	// Present means the section was found and decoded.
	Present Status = iota
	// Absent means the file has no such section.
	Absent
	// Malformed means the section exists but could not be decoded.
	Malformed
)

func (s Status) String() string {
	switch s {
	case Present:
		return "present"
	case Absent:
		return "absent"
	case Malformed:
		return "malformed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// section is one named, checksummed payload of a checkpoint file.
type section struct {
	name    string
	payload []byte
}

// writeSections writes the file header followed by sections.
func writeSections(w io.Writer, sections []section) error {
	var buf bytes.Buffer
	buf.WriteString(magic)
	binary.Write(&buf, binary.LittleEndian, uint32(version))
	binary.Write(&buf, binary.LittleEndian, uint32(len(sections)))
	for _, s := range sections {
		binary.Write(&buf, binary.LittleEndian, uint16(len(s.name)))
		buf.WriteString(s.name)
		binary.Write(&buf, binary.LittleEndian, uint64(len(s.payload)))
		binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(s.payload))
		buf.Write(s.payload)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// rawSection is a section as found in a file, before decoding.
type rawSection struct {
	payload []byte
	err     error
}

// readSections splits a checkpoint file into its sections. A section whose
// checksum fails, or that is cut short, is returned with an error. Sections
// after a truncation cannot be located and are missing from the result.
func readSections(raw []byte) (map[string]rawSection, error) {
	if len(raw) < len(magic)+8 || string(raw[:len(magic)]) != magic {
		return nil, errors.New("not a checkpoint file")
	}
	r := bytes.NewReader(raw[len(magic):])
	var v, count uint32
	binary.Read(r, binary.LittleEndian, &v)
	binary.Read(r, binary.LittleEndian, &count)
	if v != version {
		return nil, fmt.Errorf("unsupported checkpoint version %d", v)
	}
	sections := make(map[string]rawSection, count)
	for i := uint32(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			break
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			break
		}
		var size uint64
		var sum uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			sections[string(name)] = rawSection{err: fmt.Errorf("truncated header: %w", err)}
			break
		}
		if err := binary.Read(r, binary.LittleEndian, &sum); err != nil {
			sections[string(name)] = rawSection{err: fmt.Errorf("truncated header: %w", err)}
			break
		}
		if size > uint64(r.Len()) {
			sections[string(name)] = rawSection{err: fmt.Errorf("payload of %d bytes, %d left in file", size, r.Len())}
			break
		}
		payload := make([]byte, size)
		io.ReadFull(r, payload)
		if got := crc32.ChecksumIEEE(payload); got != sum {
			sections[string(name)] = rawSection{err: fmt.Errorf("checksum %08x, want %08x", got, sum)}
			continue
		}
		sections[string(name)] = rawSection{payload: payload}
	}
	return sections, nil
}

// encoder appends little-endian values to a payload.
type encoder struct{ bytes.Buffer }

func (e *encoder) put(v any) {
	binary.Write(&e.Buffer, binary.LittleEndian, v)
}

func (e *encoder) putFloats(v []float32) {
	e.put(uint64(len(v)))
	e.put(v)
}

func (e *encoder) putString(s string) {
	e.put(uint16(len(s)))
	e.WriteString(s)
}

// decoder reads little-endian values from a payload, remembering the first
// error.
type decoder struct {
	r   *bytes.Reader
	err error
}

func newDecoder(payload []byte) *decoder {
	return &decoder{r: bytes.NewReader(payload)}
}

func (d *decoder) get(v any) {
	if d.err == nil {
		d.err = binary.Read(d.r, binary.LittleEndian, v)
	}
}

func (d *decoder) getFloats() []float32 {
	var n uint64
	d.get(&n)
	if d.err != nil {
		return nil
	}
	if n*4 > uint64(d.r.Len()) {
		d.err = fmt.Errorf("%d floats, %d bytes left", n, d.r.Len())
		return nil
	}
	v := make([]float32, n)
	d.get(v)
	return v
}

func (d *decoder) getString() string {
	var n uint16
	d.get(&n)
	if d.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = err
	}
	return string(b)
}

// remaining returns the unread rest of the payload.
func (d *decoder) remaining() []byte {
	b := make([]byte, d.r.Len())
	d.r.Read(b)
	return b
}

// finish returns the first error, or an error if bytes are left over.
func (d *decoder) finish() error {
	if d.err == nil && d.r.Len() != 0 {
		d.err = fmt.Errorf("%d trailing bytes", d.r.Len())
	}
	return d.err
}
