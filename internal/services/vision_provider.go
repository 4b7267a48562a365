package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	types "github.com/inklight/inklight-backend/internal/domain"
	"github.com/inklight/inklight-backend/internal/executor"
	"github.com/inklight/inklight-backend/internal/pkg/faults"
	"github.com/inklight/inklight-backend/internal/platform/logger"
)

// VisionProvider recognizes handwriting with GCP Vision document text
// detection. Implements the OCR executor's provider contract.
type VisionProvider struct {
	client *vision.ImageAnnotatorClient
	log    *logger.Logger
}

// NewVisionProvider authenticates with the credentials file at
// GOOGLE_APPLICATION_CREDENTIALS_JSON, or application default
// credentials when that is unset.
func NewVisionProvider(ctx context.Context, baseLog *logger.Logger) (*VisionProvider, error) {
	var opts []option.ClientOption
	if credsPath := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); credsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credsPath))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create vision client: %w", err)
	}
	return &VisionProvider{
		client: client,
		log:    baseLog.With("service", "VisionProvider"),
	}, nil
}

func (p *VisionProvider) Close() error {
	return p.client.Close()
}

// Recognize runs document text detection on the image bytes. Block ids
// are positional within the document, so a re-run over the same image
// yields the same ids and cleaning stays keyed.
func (p *VisionProvider) Recognize(ctx context.Context, imageBytes []byte) (*executor.OCRResult, error) {
	if len(imageBytes) == 0 {
		return nil, faults.Newf(faults.KindInvalidInput, "empty image")
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	img, err := vision.NewImageFromReader(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, faults.New(faults.KindInvalidInput, err)
	}
	doc, err := p.client.DetectDocumentText(ctx, img, nil)
	if err != nil {
		return nil, p.wrap(err)
	}
	if doc == nil || strings.TrimSpace(doc.Text) == "" {
		return &executor.OCRResult{}, nil
	}

	res := &executor.OCRResult{Text: doc.Text}
	var confSum float64
	seq := 0
	for _, page := range doc.Pages {
		for _, block := range page.Blocks {
			seq++
			text := blockText(block)
			if strings.TrimSpace(text) == "" {
				continue
			}
			ob := types.OCRBlock{
				ID:         fmt.Sprintf("b%d", seq),
				Text:       text,
				Confidence: float64(block.Confidence),
			}
			ob.X, ob.Y, ob.Width, ob.Height = bbox(block.BoundingBox)
			res.Blocks = append(res.Blocks, ob)
			confSum += float64(block.Confidence)
		}
	}
	if len(res.Blocks) > 0 {
		res.Confidence = confSum / float64(len(res.Blocks))
	}
	p.log.Debug("document recognized", "blocks", len(res.Blocks), "confidence", res.Confidence)
	return res, nil
}

// blockText reassembles a block's text from its symbols, restoring the
// breaks the API encodes as detected-break properties.
func blockText(block *visionpb.Block) string {
	var sb strings.Builder
	for _, para := range block.Paragraphs {
		for _, word := range para.Words {
			for _, sym := range word.Symbols {
				sb.WriteString(sym.Text)
				if p := sym.Property; p != nil && p.DetectedBreak != nil {
					switch p.DetectedBreak.Type {
					case visionpb.TextAnnotation_DetectedBreak_SPACE,
						visionpb.TextAnnotation_DetectedBreak_SURE_SPACE:
						sb.WriteString(" ")
					case visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE,
						visionpb.TextAnnotation_DetectedBreak_LINE_BREAK:
						sb.WriteString("\n")
					}
				}
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func bbox(poly *visionpb.BoundingPoly) (x, y, w, h int) {
	if poly == nil || len(poly.Vertices) == 0 {
		return 0, 0, 0, 0
	}
	minX, minY := int(poly.Vertices[0].X), int(poly.Vertices[0].Y)
	maxX, maxY := minX, minY
	for _, v := range poly.Vertices[1:] {
		if int(v.X) < minX {
			minX = int(v.X)
		}
		if int(v.X) > maxX {
			maxX = int(v.X)
		}
		if int(v.Y) < minY {
			minY = int(v.Y)
		}
		if int(v.Y) > maxY {
			maxY = int(v.Y)
		}
	}
	return minX, minY, maxX - minX, maxY - minY
}

func (p *VisionProvider) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.New(faults.KindTimeout, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "ResourceExhausted") || strings.Contains(msg, "Quota"):
		return faults.New(faults.KindQuotaExceeded, err)
	case strings.Contains(msg, "Unavailable") || strings.Contains(msg, "DeadlineExceeded"):
		return faults.New(faults.KindUpstreamUnavailable, err)
	default:
		return faults.New(faults.KindUpstreamUnavailable, err)
	}
}
