package engine

import (
	"log"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// snapshotQuality keeps captures small enough to ship inline as base64
// without losing the text a vision model needs to read.
const snapshotQuality = 30

// contentSelectors are tried in order to frame the capture on the part of
// the page that matters, skipping headers, footers and ads.
var contentSelectors = []string{
	`div[class*="calc_container"]`,
	`div[class*="calculator-form"]`,
	`form`,
	`.calc-main`,
	`main`,
}

// captureContent screenshots the first matching content container, falling
// back to a center clip of the viewport when no container is found.
func captureContent(page *rod.Page) ([]byte, error) {
	quality := snapshotQuality

	for _, selector := range contentSelectors {
		el, err := page.Sleeper(rod.NotFoundSleeper).Element(selector)
		if err != nil {
			continue
		}
		img, err := el.Screenshot(proto.PageCaptureScreenshotFormatJpeg, quality)
		if err != nil {
			log.Printf("warning: screenshot of %q failed: %v", selector, err)
			continue
		}
		return img, nil
	}

	// Center clip avoids the chrome around the content.
	return page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
		Clip: &proto.PageViewport{
			X:      200,
			Y:      200,
			Width:  800,
			Height: 600,
			Scale:  1,
		},
	})
}
