// Command zoomgrid-snap renders a page snapshot through the tile pipeline.
package main

import (
	"context"
	"flag"
	"image"
	"image/png"
	"log"
	"math"
	"os"

	"github.com/zoomgrid/zoomgrid"
	"github.com/zoomgrid/zoomgrid/document"
	"github.com/zoomgrid/zoomgrid/document/pdfdoc"
	"github.com/zoomgrid/zoomgrid/document/staticdoc"
	"github.com/zoomgrid/zoomgrid/render"
	"github.com/zoomgrid/zoomgrid/tilecache"
)

func main() {
	var (
		docPath = flag.String("doc", "", "PDF document to render (synthetic page when empty)")
		page    = flag.Int("page", 0, "page to render")
		scale   = flag.Float64("scale", 1, "render scale (snapped to the tier ladder)")
		mode    = flag.String("mode", "full", "render mode (full or draft)")
		output  = flag.String("output", "page.png", "output file")
	)
	flag.Parse()

	var (
		doc document.Document
		err error
	)
	if *docPath == "" {
		doc = staticdoc.New(1, staticdoc.WithName("synthetic"))
	} else {
		doc, err = pdfdoc.Open(*docPath)
		if err != nil {
			log.Fatalf("Failed to open document: %v", err)
		}
	}

	eng, err := zoomgrid.New(doc)
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer eng.Close()

	switch *mode {
	case "full":
	case "draft":
		eng.SetRenderMode(render.ModeDraft)
	default:
		log.Fatalf("Unknown mode %q (want full or draft)", *mode)
	}

	img, tier, err := snapshotPage(eng, *page, *scale)
	if err != nil {
		log.Fatalf("Failed to render: %v", err)
	}

	if err := savePNG(*output, img); err != nil {
		log.Fatalf("Failed to save: %v", err)
	}

	b := img.Bounds()
	log.Printf("Page %d saved to %s (%dx%d at tier %g)\n", *page, *output, b.Dx(), b.Dy(), tier)
}

// snapshotPage fetches every tile covering the page at the given scale
// and composites them into a single image.
func snapshotPage(eng *zoomgrid.Engine, page int, scale float64) (*image.RGBA, float64, error) {
	size, err := eng.Document().PageSize(page)
	if err != nil {
		return nil, 0, err
	}

	ctx := context.Background()

	// One probe fetch resolves the tier the ladder assigns to the scale.
	_, probe, err := eng.FetchTier(ctx, page, 0, 0, scale)
	if err != nil {
		return nil, 0, err
	}
	tier := probe.Tile.ScaleTier
	tileSize := probe.Tile.Size

	pxW := int(math.Ceil(size.Width * tier))
	pxH := int(math.Ceil(size.Height * tier))
	cols := (pxW + tileSize - 1) / tileSize
	rows := (pxH + tileSize - 1) / tileSize

	img := image.NewRGBA(image.Rect(0, 0, pxW, pxH))
	for ty := range rows {
		for tx := range cols {
			data, _, err := eng.FetchTier(ctx, page, tx, ty, scale)
			if err != nil {
				return nil, 0, err
			}
			blitTile(img, data, tx*tileSize, ty*tileSize)
		}
	}
	return img, tier, nil
}

// blitTile copies raw tile pixels into the composite, clipping rows and
// columns that hang past the page edge.
func blitTile(dst *image.RGBA, data tilecache.Data, x0, y0 int) {
	if data.Format != tilecache.FormatRaw {
		return
	}
	b := dst.Bounds()
	for y := range data.Height {
		dy := y0 + y
		if dy >= b.Max.Y {
			break
		}
		w := data.Width
		if x0+w > b.Max.X {
			w = b.Max.X - x0
		}
		src := data.Pixels[y*data.Width*4 : y*data.Width*4+w*4]
		copy(dst.Pix[dst.PixOffset(x0, dy):], src)
	}
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
