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
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/bytedance/gopkg/util/gopool"
)

// snapEpsilon rounds sin/cos of multiples of 90 degrees to exact values.
const snapEpsilon = 1e-12

// RotateCCW returns a new image, allocated from the same allocator, holding img
// rotated counter-clockwise by degrees about its centre. The output has the
// same dimensions; pixels that map outside the source are black.
// Samples are bilinearly interpolated.
//
// Rows are rendered in parallel bands. If ctx is cancelled, the partial output
// is released and ctx.Err() is returned.
func (img *Image) RotateCCW(ctx context.Context, degrees float64) (*Image, error) {
	if !img.Valid() {
		return nil, ErrInvalidImage
	}
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return nil, fmt.Errorf("raster: invalid rotation angle %v", degrees)
	}
	out, err := New(img.alloc, img.Width, img.Height, img.Channels)
	if err != nil {
		return nil, err
	}

	sin, cos := math.Sincos(degrees * math.Pi / 180)
	r := rotation{
		sin: snap(sin),
		cos: snap(cos),
		cx:  float64(img.Width-1) / 2,
		cy:  float64(img.Height-1) / 2,
	}

	bands := runtime.GOMAXPROCS(0)
	if bands > img.Height {
		bands = img.Height
	}
	rows := (img.Height + bands - 1) / bands

	var wg sync.WaitGroup
	for y0 := 0; y0 < img.Height; y0 += rows {
		y0 := y0 // per-iteration copy; go directive is below 1.22
		y1 := min(y0+rows, img.Height)
		wg.Add(1)
		gopool.CtxGo(ctx, func() {
			defer wg.Done()
			if ctx.Err() != nil {
				return
			}
			img.rotateRows(out, y0, y1, r)
		})
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		out.Release()
		return nil, err
	}
	return out, nil
}

// rotation maps a destination pixel back to its source position.
type rotation struct {
	sin, cos float64
	cx, cy   float64
}

// source returns the position in the source image that lands on (x, y).
// Image rows grow downwards, so a counter-clockwise turn on screen is the
// inverse mapping below.
func (r rotation) source(x, y int) (sx, sy float64) {
	dx, dy := float64(x)-r.cx, float64(y)-r.cy
	return r.cx + dx*r.cos - dy*r.sin, r.cy + dx*r.sin + dy*r.cos
}

func (img *Image) rotateRows(dst *Image, y0, y1 int, r rotation) {
	var px [4]float64
	c := img.Channels
	for y := y0; y < y1; y++ {
		for x := 0; x < img.Width; x++ {
			sx, sy := r.source(x, y)
			img.sample(sx, sy, px[:c])
			i := (y*dst.Width + x) * c
			for k := 0; k < c; k++ {
				dst.pix[i+k] = clamp(px[k])
			}
		}
	}
}

// sample writes the bilinear interpolation of the four pixels around (sx, sy) into px.
// Neighbours outside the image count as black.
func (img *Image) sample(sx, sy float64, px []float64) {
	for k := range px {
		px[k] = 0
	}
	fx, fy := math.Floor(sx), math.Floor(sy)
	if fx < -1 || fy < -1 || fx >= float64(img.Width) || fy >= float64(img.Height) {
		return
	}
	x0, y0 := int(fx), int(fy)
	wx, wy := sx-fx, sy-fy
	img.accumulate(x0, y0, (1-wx)*(1-wy), px)
	img.accumulate(x0+1, y0, wx*(1-wy), px)
	img.accumulate(x0, y0+1, (1-wx)*wy, px)
	img.accumulate(x0+1, y0+1, wx*wy, px)
}

func (img *Image) accumulate(x, y int, w float64, px []float64) {
	if w == 0 || x < 0 || y < 0 || x >= img.Width || y >= img.Height {
		return
	}
	i := (y*img.Width + x) * img.Channels
	for k := range px {
		px[k] += w * float64(img.pix[i+k])
	}
}

func clamp(v float64) uint8 {
	v = math.Floor(v + 0.5)
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

func snap(v float64) float64 {
	switch {
	case math.Abs(v) < snapEpsilon:
		return 0
	case math.Abs(v-1) < snapEpsilon:
		return 1
	case math.Abs(v+1) < snapEpsilon:
		return -1
	}
	return v
}
