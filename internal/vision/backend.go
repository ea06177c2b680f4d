package vision

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"meshnerd/internal/logging"
)

// =============================================================================
// VISION - MULTIMODAL MODEL BACKENDS
// =============================================================================
//
// A Backend sends ordered content blocks (images first, then the prompt
// text) to a hosted multimodal model and returns the raw text reply.
// Everything downstream of the reply (extraction, validation, admission
// accounting) is provider-agnostic; the backends only translate the
// block sequence into each provider's wire format.

// Backend is a capability handle on one hosted multimodal model.
type Backend interface {
	// Send submits the images and prompt as one user turn and returns
	// the model's text reply.
	Send(ctx context.Context, images []ImageAttachment, prompt string) (string, error)
	// Provider returns the provider label, e.g. "anthropic".
	Provider() string
	// Model returns the model identifier in use.
	Model() string
}

// ImageAttachment is one image in a request. Transports base64-encode
// the data as their wire format requires.
type ImageAttachment struct {
	MediaType string // e.g. "image/png"
	Data      []byte
}

// -----------------------------------------------------------------------------
// Token Estimation
// -----------------------------------------------------------------------------
//
// Admission control needs a cost estimate before the request is sent and
// a reply cost after it returns. These are deliberately coarse flat
// rates, not a tokenizer: the window budget only needs the right order
// of magnitude.

const (
	// BasePromptTokens approximates the fixed prompt overhead.
	BasePromptTokens = 100
	// ImageTokensEach approximates the cost of one attached image.
	ImageTokensEach = 1500
	// ReplyTokensPerChar approximates reply cost from its length.
	ReplyTokensPerChar = 2
)

// EstimateRequestTokens approximates prompt-side token cost for a
// request carrying imageCount images.
func EstimateRequestTokens(imageCount int) int64 {
	return BasePromptTokens + ImageTokensEach*int64(imageCount)
}

// EstimateReplyTokens approximates the token cost of a reply.
func EstimateReplyTokens(reply string) int64 {
	return ReplyTokensPerChar * int64(len(reply))
}

// -----------------------------------------------------------------------------
// Image Loading
// -----------------------------------------------------------------------------

// LoadImage reads an image file and sniffs its media type from content.
// maxBytes of 0 disables the size guard.
func LoadImage(path string, maxBytes int64) (ImageAttachment, error) {
	if maxBytes > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return ImageAttachment{}, fmt.Errorf("failed to stat image %s: %w", path, err)
		}
		if info.Size() > maxBytes {
			return ImageAttachment{}, fmt.Errorf("image %s is %d bytes (limit %d)", path, info.Size(), maxBytes)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ImageAttachment{}, fmt.Errorf("failed to read image %s: %w", path, err)
	}

	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		return ImageAttachment{}, fmt.Errorf("file %s is not an image (detected %s)", path, mediaType)
	}

	logging.VisionDebug("loaded image %s (%d bytes, %s)", path, len(data), mediaType)
	return ImageAttachment{MediaType: mediaType, Data: data}, nil
}

// LoadImages reads the image files concurrently, preserving order.
// The first failure wins and no partial result is returned.
func LoadImages(paths []string, maxBytes int64) ([]ImageAttachment, error) {
	images := make([]ImageAttachment, len(paths))
	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			img, err := LoadImage(path, maxBytes)
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}
