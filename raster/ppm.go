/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */


package raster

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/cloudwego/gopkg/bufiox"
)

// ErrUnsupportedFormat is returned when decoding anything but an 8-bit P3 or P6 file.
var ErrUnsupportedFormat = errors.New("raster: unsupported PPM")

// Format is a PPM flavour.
type Format int

const (
	// FormatP3 is the plain text PPM format.
	FormatP3 Format = iota
	// FormatP6 is the binary PPM format.
	FormatP6
)

const (
	// p3PixelsPerLine keeps plain PPM lines under the 70 character limit.
	p3PixelsPerLine = 5
	p3MaxLine       = 64

	// maxToken bounds numbers read from a PPM header or P3 body.
	maxToken = 1 << 24
)

func (f Format) String() string {
	switch f {
	case FormatP3:
		return "P3"
	case FormatP6:
		return "P6"
	}
	return "Format(" + strconv.Itoa(int(f)) + ")"
}

// ParseFormat parses "p3" or "p6", ignoring case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(s) {
	case "P3":
		return FormatP3, nil
	case "P6":
		return FormatP6, nil
	}
	return 0, fmt.Errorf("%w: format %q", ErrUnsupportedFormat, s)
}

// SavePPM writes the image to path, replacing any existing file.
func (img *Image) SavePPM(path string, f Format) (err error) {
	fd, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := fd.Close(); err == nil {
			err = cerr
		}
	}()
	return img.WritePPM(fd, f)
}

// WritePPM encodes the image as an 8-bit PPM. Gray images are expanded to RGB
// and the alpha channel of RGBA images is dropped.
func (img *Image) WritePPM(w io.Writer, f Format) error {
	if !img.Valid() {
		return ErrInvalidImage
	}
	bw := bufiox.NewDefaultWriter(w)
	header := fmt.Sprintf("%s\n%d %d\n255\n", f, img.Width, img.Height)
	if _, err := bw.WriteBinary([]byte(header)); err != nil {
		return err
	}
	var err error
	switch f {
	case FormatP3:
		err = img.writeP3(bw)
	case FormatP6:
		err = img.writeP6(bw)
	default:
		return fmt.Errorf("%w: format %v", ErrUnsupportedFormat, f)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func (img *Image) writeP3(bw *bufiox.DefaultWriter) error {
	line := mcache.Malloc(0, p3MaxLine)
	defer mcache.Free(line)

	n := 0
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			r, g, b, _ := img.RGB(x, y)
			line = strconv.AppendUint(line, uint64(r), 10)
			line = append(line, ' ')
			line = strconv.AppendUint(line, uint64(g), 10)
			line = append(line, ' ')
			line = strconv.AppendUint(line, uint64(b), 10)
			n++
			if n < p3PixelsPerLine && x < img.Width-1 {
				line = append(line, ' ')
				continue
			}
			line = append(line, '\n')
			buf, err := bw.Malloc(len(line))
			if err != nil {
				return err
			}
			copy(buf, line)
			line, n = line[:0], 0
		}
	}
	return nil
}

func (img *Image) writeP6(bw *bufiox.DefaultWriter) error {
	if img.Channels == 3 {
		_, err := bw.WriteBinary(img.pix)
		return err
	}
	for y := 0; y < img.Height; y++ {
		row, err := bw.Malloc(img.Width * 3)
		if err != nil {
			return err
		}
		for x := 0; x < img.Width; x++ {
			row[3*x], row[3*x+1], row[3*x+2], _ = img.RGB(x, y)
		}
	}
	return nil
}

// LoadPPM reads a P3 or P6 file into a new RGB image allocated from a.
func LoadPPM(a Allocator, path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPPM(a, f)
}

// ReadPPM decodes a P3 or P6 stream with a maxval of at most 255 into a new
// RGB image allocated from a. Samples are scaled to 0..255.
func ReadPPM(a Allocator, r io.Reader) (*Image, error) {
	br := bufiox.NewDefaultReader(r)
	defer br.Release(nil)

	magic, err := br.Next(2)
	if err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", ErrUnsupportedFormat, err)
	}
	var binary bool
	switch string(magic) {
	case "P3":
	case "P6":
		binary = true
	default:
		return nil, fmt.Errorf("%w: magic %q", ErrUnsupportedFormat, magic)
	}

	var dims [3]int // width, height, maxval
	for i := range dims {
		if dims[i], err = readToken(br); err != nil {
			return nil, err
		}
	}
	width, height, maxval := dims[0], dims[1], dims[2]
	if maxval <= 0 || maxval > 255 {
		return nil, fmt.Errorf("%w: maxval %d", ErrUnsupportedFormat, maxval)
	}
	if binary {
		// exactly one whitespace byte separates the header from the samples
		b, err := br.Next(1)
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		if !isSpace(b[0]) {
			return nil, fmt.Errorf("%w: unexpected byte %q after header", ErrUnsupportedFormat, b[0])
		}
	}

	img, err := New(a, width, height, 3)
	if err != nil {
		return nil, err
	}
	if err := img.decode(br, binary, maxval); err != nil {
		img.Release()
		return nil, err
	}
	return img, nil
}

func (img *Image) decode(br bufiox.Reader, binary bool, maxval int) error {
	if binary {
		n, err := br.ReadBinary(img.pix)
		if n < len(img.pix) {
			return fmt.Errorf("raster: read %d of %d sample bytes: %w", n, len(img.pix), unexpectedEOF(err))
		}
	} else {
		for i := range img.pix {
			v, err := readToken(br)
			if err != nil {
				return err
			}
			if v > 255 {
				return fmt.Errorf("%w: sample %d exceeds maxval %d", ErrUnsupportedFormat, v, maxval)
			}
			img.pix[i] = byte(v)
		}
	}
	if maxval == 255 {
		return nil
	}
	for i, v := range img.pix {
		if int(v) > maxval {
			return fmt.Errorf("%w: sample %d exceeds maxval %d", ErrUnsupportedFormat, v, maxval)
		}
		img.pix[i] = byte((int(v)*255 + maxval/2) / maxval)
	}
	return nil
}

// readToken reads the next decimal number, skipping whitespace and # comments.
func readToken(br bufiox.Reader) (int, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, unexpectedEOF(err)
		}
		if isSpace(b[0]) {
			_ = br.Skip(1)
			continue
		}
		if b[0] != '#' {
			break
		}
		if err := skipLine(br); err != nil {
			return 0, err
		}
	}

	n, digits := 0, 0
	for {
		b, err := br.Peek(1)
		if err != nil {
			if digits > 0 && err == io.EOF {
				break
			}
			return 0, unexpectedEOF(err)
		}
		c := b[0]
		if c < '0' || c > '9' {
			if digits == 0 {
				return 0, fmt.Errorf("%w: unexpected byte %q", ErrUnsupportedFormat, c)
			}
			break
		}
		n = n*10 + int(c-'0')
		if n > maxToken {
			return 0, fmt.Errorf("%w: number too large", ErrUnsupportedFormat)
		}
		digits++
		_ = br.Skip(1)
	}
	return n, nil
}

func skipLine(br bufiox.Reader) error {
	for {
		b, err := br.Next(1)
		if err != nil {
			return unexpectedEOF(err)
		}
		if b[0] == '\n' {
			return nil
		}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f'
}

func unexpectedEOF(err error) error {
	if err == nil || err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
