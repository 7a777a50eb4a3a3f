// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gdt builds GDT 2.1 (Gerätedatentransfer 02.10) examination
// records. A record is a sequence of lines of the form LLLFFFFContent
// terminated by CR+LF, where LLL is the full line length in bytes. The
// record also announces its own total byte length in field 8100, which
// makes serialization a small fixed-point computation.
package gdt

import (
	"fmt"
	"strconv"
	"unicode"

	"golang.org/x/text/encoding/charmap"
)

// Framing fields every record carries before its content lines.
const (
	FieldRecordType   = "8000"
	FieldRecordLength = "8100"
	FieldVersion      = "9218"
	FieldSenderID     = "9106"
	FieldReceiverID   = "9103"
	FieldCharset      = "9206"
)

// RecordTypeExamination identifies a "new examination data" record.
const RecordTypeExamination = "6310"

// Version is the GDT dialect emitted.
const Version = "02.10"

// charsetISO8859 announces ISO-8859-1 content in field 9206.
const charsetISO8859 = "2"

// lineOverhead is the per-line byte cost besides content: the length
// prefix, the field identifier and the CR+LF terminator.
const lineOverhead = 3 + 4 + 2

// maxContentBytes is the longest content a three-digit length prefix can
// still frame.
const maxContentBytes = 999 - lineOverhead

// Field is one identifier/content pair of a record.
type Field struct {
	ID      string
	Content string
}

// Header addresses a record between practice systems.
type Header struct {
	// RecordType defaults to RecordTypeExamination.
	RecordType string
	SenderID   string
	ReceiverID string
}

// Document is an examination record under construction. Content fields
// keep insertion order.
type Document struct {
	header Header
	fields []Field
}

// NewDocument returns an empty record with the given header.
func NewDocument(header Header) *Document {
	if header.RecordType == "" {
		header.RecordType = RecordTypeExamination
	}
	return &Document{header: header}
}

// Add appends a content field. Empty content is legal and frames as a
// nine-byte line.
func (d *Document) Add(id, content string) {
	d.fields = append(d.fields, Field{ID: id, Content: content})
}

// Fields returns the content fields in insertion order.
func (d *Document) Fields() []Field {
	return d.fields
}

// Encode serializes the record: the record type line, the record length
// line, the remaining header lines, then the content lines. It returns
// the ISO-8859-1 bytes plus one warning per field whose content needed
// replacement characters.
func (d *Document) Encode() ([]byte, []string, error) {
	var warnings []string

	render := func(f Field) ([]byte, error) {
		content, replaced, err := encodeContent(f.Content)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.ID, err)
		}
		if replaced {
			warnings = append(warnings,
				fmt.Sprintf("field %s: characters outside ISO-8859-1 replaced", f.ID))
		}
		line, err := renderLine(f.ID, content)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.ID, err)
		}
		return line, nil
	}

	head, err := render(Field{ID: FieldRecordType, Content: d.header.RecordType})
	if err != nil {
		return nil, nil, err
	}

	rest := make([]byte, 0, 128)
	remaining := []Field{
		{ID: FieldVersion, Content: Version},
		{ID: FieldSenderID, Content: d.header.SenderID},
		{ID: FieldReceiverID, Content: d.header.ReceiverID},
		{ID: FieldCharset, Content: charsetISO8859},
	}
	remaining = append(remaining, d.fields...)
	for _, f := range remaining {
		line, err := render(f)
		if err != nil {
			return nil, nil, err
		}
		rest = append(rest, line...)
	}

	// The record length line frames a total that includes itself, so its
	// width depends on the number it carries. Iterate until stable; the
	// digit count moves at most once.
	fixed := len(head) + len(rest)
	total := fixed
	for {
		next := fixed + lineOverhead + len(strconv.Itoa(total))
		if next == total {
			break
		}
		total = next
	}

	lengthLine, err := renderLine(FieldRecordLength, []byte(strconv.Itoa(total)))
	if err != nil {
		return nil, nil, err
	}

	out := make([]byte, 0, total)
	out = append(out, head...)
	out = append(out, lengthLine...)
	out = append(out, rest...)
	if len(out) != total {
		return nil, nil, fmt.Errorf("declared record length %d does not match serialized size %d", total, len(out))
	}
	return out, warnings, nil
}

// Parse splits an encoded record back into its fields, validating the
// framing. It is the read side used to verify emitted files.
func Parse(data []byte) ([]Field, error) {
	var fields []Field
	rest := data
	for len(rest) > 0 {
		if len(rest) < lineOverhead {
			return nil, fmt.Errorf("trailing %d bytes do not form a line", len(rest))
		}
		length, err := strconv.Atoi(string(rest[:3]))
		if err != nil {
			return nil, fmt.Errorf("invalid length prefix %q: %w", rest[:3], err)
		}
		if length < lineOverhead || length > len(rest) {
			return nil, fmt.Errorf("line length %d out of bounds", length)
		}
		line := rest[:length]
		if line[length-2] != '\r' || line[length-1] != '\n' {
			return nil, fmt.Errorf("line %q is not CR LF terminated", line)
		}
		content, err := charmap.ISO8859_1.NewDecoder().Bytes(line[7 : length-2])
		if err != nil {
			return nil, fmt.Errorf("cannot decode content: %w", err)
		}
		fields = append(fields, Field{ID: string(line[3:7]), Content: string(content)})
		rest = rest[length:]
	}
	return fields, nil
}

func renderLine(id string, content []byte) ([]byte, error) {
	if len(id) != 4 {
		return nil, fmt.Errorf("field identifier %q is not four digits", id)
	}
	if len(content) > maxContentBytes {
		return nil, fmt.Errorf("content of %d bytes does not fit one line", len(content))
	}
	length := lineOverhead + len(content)
	line := make([]byte, 0, length)
	line = append(line, fmt.Sprintf("%03d", length)...)
	line = append(line, id...)
	line = append(line, content...)
	return append(line, '\r', '\n'), nil
}

// encodeContent converts content to ISO-8859-1. The charset is exactly
// the first 256 code points, so anything beyond becomes '?'.
func encodeContent(content string) ([]byte, bool, error) {
	replaced := false
	runes := []rune(content)
	for i, r := range runes {
		if r > unicode.MaxLatin1 {
			runes[i] = '?'
			replaced = true
		}
	}
	encoded, err := charmap.ISO8859_1.NewEncoder().String(string(runes))
	if err != nil {
		return nil, false, fmt.Errorf("cannot encode content: %w", err)
	}
	return []byte(encoded), replaced, nil
}
