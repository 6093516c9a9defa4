// Package compositor implements the server-side video compositor: one
// instance per conference in relay+forceComposite mode, holding the
// latest decoded frame per sender and emitting a composed grid frame at
// a fixed cadence.
package compositor

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Composition defaults.
const (
	DefaultCellWidth  = 960
	DefaultCellHeight = 540
	DefaultCadence    = 30 // fps
	DefaultQuality    = 50 // jpeg.Options.Quality
)

// slot holds the latest decoded frame for one sender.
type slot struct {
	img        image.Image
	lastUpdate time.Time
}

// Compositor composes the most recently ingested frame per sender into a
// grid and re-encodes it as JPEG on each Tick. Ingest and Tick may be
// called from different goroutines; both take the internal lock.
type Compositor struct {
	log        *slog.Logger
	cellWidth  int
	cellHeight int
	quality    int

	mu    sync.Mutex
	slots map[uuid.UUID]*slot
	order []uuid.UUID // stable cell assignment order
}

// New constructs a Compositor with the stock cell geometry and quality.
func New(log *slog.Logger) *Compositor {
	return NewWithParams(log, DefaultCellWidth, DefaultCellHeight, DefaultQuality)
}

// NewWithParams constructs a Compositor with explicit cell geometry and
// JPEG quality, for tests that want small deterministic output.
func NewWithParams(log *slog.Logger, cellWidth, cellHeight, quality int) *Compositor {
	if log == nil {
		log = slog.Default()
	}
	if cellWidth <= 0 {
		cellWidth = DefaultCellWidth
	}
	if cellHeight <= 0 {
		cellHeight = DefaultCellHeight
	}
	if quality <= 0 {
		quality = DefaultQuality
	}
	return &Compositor{
		log:        log,
		cellWidth:  cellWidth,
		cellHeight: cellHeight,
		quality:    quality,
		slots:      make(map[uuid.UUID]*slot),
	}
}

// Ingest decodes one sender's JPEG-encoded frame and stores it as that
// sender's current slot. Malformed frames are dropped.
func (c *Compositor) Ingest(senderID uuid.UUID, frame []byte) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		c.log.Debug("compositor: failed to decode frame", "sender", senderID, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.slots[senderID]; !exists {
		c.order = append(c.order, senderID)
	}
	c.slots[senderID] = &slot{img: img, lastUpdate: time.Now()}
}

// RemoveSender evicts a sender's slot, e.g. when it leaves the
// conference.
func (c *Compositor) RemoveSender(senderID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, senderID)
	for i, id := range c.order {
		if id == senderID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Tick snapshots the current slots, composes them into a
// ceil(sqrt(N))-column grid, and returns the re-encoded JPEG frame.
// Cells without an ingested frame yet are left black. Returns nil if
// there are no slots at all.
func (c *Compositor) Tick() []byte {
	c.mu.Lock()
	order := append([]uuid.UUID(nil), c.order...)
	imgs := make([]image.Image, len(order))
	for i, id := range order {
		if s := c.slots[id]; s != nil {
			imgs[i] = s.img
		}
	}
	c.mu.Unlock()

	if len(order) == 0 {
		return nil
	}

	cols := int(math.Ceil(math.Sqrt(float64(len(order)))))
	rows := int(math.Ceil(float64(len(order)) / float64(cols)))

	canvas := image.NewRGBA(image.Rect(0, 0, cols*c.cellWidth, rows*c.cellHeight))

	for i, img := range imgs {
		col := i % cols
		row := i / cols
		ox, oy := col*c.cellWidth, row*c.cellHeight
		if img == nil {
			continue
		}
		drawResized(canvas, img, ox, oy, c.cellWidth, c.cellHeight)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.quality}); err != nil {
		c.log.Error("compositor: encode failed", "err", err)
		return nil
	}
	return buf.Bytes()
}

// drawResized nearest-neighbor-scales src into dst at the given origin
// and cell size, clipping channel values to [0,255]. Nearest-neighbor
// keeps compositing cheap at 30 fps.
func drawResized(dst *image.RGBA, src image.Image, ox, oy, w, h int) {
	bounds := src.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()
	if sw == 0 || sh == 0 {
		return
	}
	for y := 0; y < h; y++ {
		sy := bounds.Min.Y + y*sh/h
		for x := 0; x < w; x++ {
			sx := bounds.Min.X + x*sw/w
			r, g, b, a := src.At(sx, sy).RGBA()
			dst.Set(ox+x, oy+y, color.RGBA{
				R: clip8(r),
				G: clip8(g),
				B: clip8(b),
				A: clip8(a),
			})
		}
	}
}

func clip8(v uint32) uint8 {
	// RGBA() returns 16-bit-scaled channel values; downscale to 8 bits,
	// clipping is implicit since the shift always lands in [0,255].
	return uint8(v >> 8)
}
