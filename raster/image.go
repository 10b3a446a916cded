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
	"math"

	"github.com/bytedance/gopkg/util/xxhash3"

	"github.com/cloudwego/buddyimg/malloc"
)

// ErrInvalidImage is returned for bad dimensions or an image without pixels.
var ErrInvalidImage = errors.New("raster: invalid image")

// Allocator provides the memory behind an Image.
// *malloc.BuddyAllocator implements it.
type Allocator interface {
	Alloc(size int) (malloc.Handle, error)
	Bytes(h malloc.Handle) []byte
	Free(h malloc.Handle)
}

var _ Allocator = (*malloc.BuddyAllocator)(nil)

// Image is a row-major 8-bit image whose pixels live in a single allocation.
// Channels is 1 (gray), 3 (RGB) or 4 (RGBA).
//
// Call Release when the image is no longer used.
type Image struct {
	Width    int
	Height   int
	Channels int

	alloc Allocator
	h     malloc.Handle
	pix   []byte
}

// New allocates a width x height image with the given number of channels from a.
// The pixels are not initialised.
func New(a Allocator, width, height, channels int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: dimensions %dx%d", ErrInvalidImage, width, height)
	}
	switch channels {
	case 1, 3, 4:
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidImage, channels)
	}
	if width > math.MaxInt32/height/channels {
		return nil, fmt.Errorf("%w: %dx%dx%d is too large", ErrInvalidImage, width, height, channels)
	}
	size := width * height * channels
	h, err := a.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("raster: allocating %dx%dx%d image: %w", width, height, channels, err)
	}
	pix := a.Bytes(h)
	if len(pix) != size {
		a.Free(h)
		return nil, fmt.Errorf("raster: allocator returned %d bytes, want %d", len(pix), size)
	}
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		alloc:    a,
		h:        h,
		pix:      pix,
	}, nil
}

// Release gives the pixel buffer back to the allocator. It is safe to call more than once.
func (img *Image) Release() {
	if img == nil || img.h.IsNil() {
		return
	}
	img.alloc.Free(img.h)
	img.h = malloc.Handle{}
	img.pix = nil
}

// Valid reports whether the image still owns its pixels.
func (img *Image) Valid() bool {
	return img != nil && img.pix != nil
}

// Pix returns the raw pixel bytes, row by row. It is nil after Release.
func (img *Image) Pix() []byte { return img.pix }

// Handle returns the allocation backing the image.
func (img *Image) Handle() malloc.Handle { return img.h }

// index returns the position of pixel (x, y) in pix, or -1 if it is out of bounds.
func (img *Image) index(x, y int) int {
	if !img.Valid() || x < 0 || y < 0 || x >= img.Width || y >= img.Height {
		return -1
	}
	return (y*img.Width + x) * img.Channels
}

// SetRGB sets pixel (x, y). Gray images store the luma, RGBA images get an opaque alpha.
// It returns false if (x, y) is outside the image.
func (img *Image) SetRGB(x, y int, r, g, b uint8) bool {
	i := img.index(x, y)
	if i < 0 {
		return false
	}
	switch img.Channels {
	case 1:
		img.pix[i] = luma(r, g, b)
	case 3:
		img.pix[i], img.pix[i+1], img.pix[i+2] = r, g, b
	case 4:
		img.pix[i], img.pix[i+1], img.pix[i+2], img.pix[i+3] = r, g, b, 0xff
	}
	return true
}

// RGB returns the colour of pixel (x, y); ok is false if (x, y) is outside the image.
func (img *Image) RGB(x, y int) (r, g, b uint8, ok bool) {
	i := img.index(x, y)
	if i < 0 {
		return 0, 0, 0, false
	}
	if img.Channels == 1 {
		v := img.pix[i]
		return v, v, v, true
	}
	return img.pix[i], img.pix[i+1], img.pix[i+2], true
}

// Fill sets every pixel to the colour returned by f.
func (img *Image) Fill(f func(x, y int) (r, g, b uint8)) {
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			r, g, b := f(x, y)
			img.SetRGB(x, y, r, g, b)
		}
	}
}

// Checksum returns the xxhash3 of the pixel bytes.
func (img *Image) Checksum() uint64 {
	return xxhash3.Hash(img.pix)
}

// luma uses the ITU-R BT.601 weights.
func luma(r, g, b uint8) uint8 {
	return uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
}
