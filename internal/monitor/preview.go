package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"time"

	"golang.org/x/image/draw"

	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/shm"
	"github.com/tapeless/nexus/pkg/types"
)

var errUnsupportedPixel = errors.New("pixel format has no preview decoder")

var decodeLog = logger.NewEvery(100)

// colorBars returns the card shown for channels without a live picture.
func colorBars(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 235, G: 235, B: 235, A: 255},
		{R: 235, G: 235, B: 16, A: 255},
		{R: 16, G: 235, B: 235, A: 255},
		{R: 16, G: 235, B: 16, A: 255},
		{R: 235, G: 16, B: 235, A: 255},
		{R: 235, G: 16, B: 16, A: 255},
		{R: 16, G: 16, B: 235, A: 255},
		{R: 16, G: 16, B: 16, A: 255},
	}

	for i, c := range colors {
		x0 := i * width / len(colors)
		x1 := (i + 1) * width / len(colors)
		draw.Draw(img, image.Rect(x0, 0, x1, height), image.NewUniform(c), image.Point{}, draw.Src)
	}
	return img
}

// decodePicture copies a primary picture out of the ring into a YCbCr image.
func decodePicture(src []byte, width, height int, p types.PixelFormat) (*image.YCbCr, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("picture %dx%d: %w", width, height, errUnsupportedPixel)
	}
	rect := image.Rect(0, 0, width, height)
	cw := (width + 1) / 2

	switch p {
	case types.PixelUYVY:
		if len(src) < width*height*2 {
			return nil, fmt.Errorf("uyvy picture truncated: %d bytes", len(src))
		}
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio422)
		for y := 0; y < height; y++ {
			row := src[y*width*2 : (y+1)*width*2]
			yRow := img.Y[y*img.YStride:]
			cRow := y * img.CStride
			for x := 0; x < width; x += 2 {
				i := x * 2
				img.Cb[cRow+x/2] = row[i]
				yRow[x] = row[i+1]
				img.Cr[cRow+x/2] = 128
				if x+1 < width {
					img.Cr[cRow+x/2] = row[i+2]
					yRow[x+1] = row[i+3]
				}
			}
		}
		return img, nil

	case types.PixelYUV422P, types.PixelYUV420P:
		ratio, ch := image.YCbCrSubsampleRatio422, height
		if p == types.PixelYUV420P {
			ratio, ch = image.YCbCrSubsampleRatio420, (height+1)/2
		}
		luma, chroma := width*height, cw*ch
		if len(src) < luma+2*chroma {
			return nil, fmt.Errorf("%s picture truncated: %d bytes", p, len(src))
		}
		img := image.NewYCbCr(rect, ratio)
		copy(img.Y, src[:luma])
		copy(img.Cb, src[luma:luma+chroma])
		copy(img.Cr, src[luma+chroma:luma+2*chroma])
		return img, nil

	default:
		return nil, fmt.Errorf("%s: %w", p, errUnsupportedPixel)
	}
}

// scaleToWidth downscales src preserving its aspect ratio.
func scaleToWidth(src image.Image, width int) image.Image {
	b := src.Bounds()
	if width <= 0 || width >= b.Dx() {
		return src
	}
	height := max(b.Dy()*width/b.Dx(), 1)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Preview renders the newest picture of channel ch. live is false when
// the bars card was returned instead: no producer, a dead producer, no
// frame yet, no signal, or a frame lapped while it was being decoded.
func (m *Monitor) Preview(ctx context.Context, ch int) (img image.Image, live bool, err error) {
	err = m.conn.Do(ctx, func(ctl *shm.Control, h shm.Health) error {
		if ctl == nil || h.State == types.HealthDead {
			return nil
		}
		if ch < 0 || ch >= ctl.Channels() {
			return fmt.Errorf("channel %d: %w", ch, shm.ErrBadChannel)
		}
		last, err := ctl.LastFrame(ch)
		if err != nil || last < 0 {
			return err
		}
		md, err := ctl.Metadata(ch, last)
		if err != nil || !md.SignalOK {
			return nil
		}
		video, err := ctl.Video(ch, last)
		if err != nil {
			return nil
		}

		f := ctl.Geometry().Format
		pic, err := decodePicture(video, int(f.Width), int(f.Height), f.Pixel)
		if err != nil {
			if decodeLog.Allow() {
				log.Warn("Channel %d preview: %v", ch, err)
			}
			return nil
		}
		if n, err := ctl.FrameNumber(ch, last); err != nil || n != last {
			return nil
		}
		img, live = scaleToWidth(pic, m.cfg.PreviewWidth), true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !live {
		img = colorBars(m.cfg.PreviewWidth, m.cfg.PreviewWidth*9/16)
	}
	return img, live, nil
}

// PreviewJPEG is Preview encoded at the configured quality.
func (m *Monitor) PreviewJPEG(ctx context.Context, ch int) ([]byte, bool, error) {
	img, live, err := m.Preview(ctx, ch)
	if err != nil {
		return nil, false, err
	}
	data, err := encodeJPEG(img, m.cfg.JPEGQuality)
	return data, live, err
}

type jpegProvider func() ([]byte, error)

// streamMJPEG pushes one JPEG per interval until the client goes away.
func streamMJPEG(w http.ResponseWriter, r *http.Request, interval time.Duration, provider jpegProvider) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, err := provider()
		if err != nil {
			log.Debug("MJPEG frame failed: %v", err)
			return
		}
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
			log.Debug("MJPEG client disconnected: %v", err)
			return
		}
		if _, err := w.Write(data); err != nil {
			log.Debug("MJPEG client disconnected: %v", err)
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
