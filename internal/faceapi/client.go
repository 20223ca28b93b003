// Package faceapi wraps the face detection and embedding service and the
// embedding comparator used for matching.
package faceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-gate/internal/constants"
)

// ErrNoFaceExtractable is returned when no embedding can be computed for the requested face.
var ErrNoFaceExtractable = errors.New("no face extractable")

const defaultServiceURL = "http://localhost:8000"

// faceDetection is a single detected face in the service response.
type faceDetection struct {
	FaceIndex int       `json:"face_index"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// faceResponse is the response of the face embedding endpoint.
type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Face is a detected face in original image coordinates.
type Face struct {
	Box       BoundingBox
	Embedding []float32
	Score     float64
}

// Client detects faces and computes their embeddings using the face service.
// Locate and Embed on the same image share one service call, also when
// several cameras interleave their calls.
type Client struct {
	baseURL string
	client  *http.Client
	recent  *detectionCache
}

type imageKey struct {
	hash uint64
	size int
}

type detection struct {
	key    imageKey
	faces  []Face
	width  int
	height int
}

// detectionCache keeps the detections of the most recently used images.
type detectionCache struct {
	mu      sync.Mutex
	entries []detection // most recently used first
	limit   int
}

func newDetectionCache(limit int) *detectionCache {
	return &detectionCache{limit: max(limit, 1)}
}

func (dc *detectionCache) get(key imageKey) (detection, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for i, d := range dc.entries {
		if d.key == key {
			copy(dc.entries[1:i+1], dc.entries[:i])
			dc.entries[0] = d
			return d, true
		}
	}
	return detection{}, false
}

func (dc *detectionCache) put(d detection) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries = slices.DeleteFunc(dc.entries, func(e detection) bool { return e.key == d.key })
	dc.entries = slices.Insert(dc.entries, 0, d)
	if len(dc.entries) > dc.limit {
		dc.entries = dc.entries[:dc.limit]
	}
}

// NewClient creates a face service client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultServiceURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		recent:  newDetectionCache(constants.DetectionCacheSize),
	}
}

// Detect returns all faces found in the image, best detection score first.
func (c *Client) Detect(ctx context.Context, imageData []byte) ([]Face, int, int, error) {
	key := imageKey{hash: hashImage(imageData), size: len(imageData)}
	if d, ok := c.recent.get(key); ok {
		return d.faces, d.width, d.height, nil
	}

	prepared, err := prepareImage(imageData, constants.MaxUploadSize)
	if err != nil {
		return nil, 0, 0, err
	}

	body, err := c.postMultipartImage(ctx, "/embed/face", prepared.data)
	if err != nil {
		return nil, 0, 0, err
	}

	var resp faceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to parse response: %w", err)
	}

	faces := make([]Face, 0, len(resp.Faces))
	for _, det := range resp.Faces {
		box, ok := boxFromFloats(det.BBox, prepared.scale)
		if !ok {
			continue
		}
		faces = append(faces, Face{
			Box:       box.Clamp(prepared.width, prepared.height),
			Embedding: det.Embedding,
			Score:     det.DetScore,
		})
	}
	slices.SortStableFunc(faces, func(a, b Face) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})

	c.recent.put(detection{key: key, faces: faces, width: prepared.width, height: prepared.height})

	return faces, prepared.width, prepared.height, nil
}

// Locate returns the box of the most confident face, padded and clamped to the
// image, or nil when there is no face.
func (c *Client) Locate(ctx context.Context, imageData []byte) (*BoundingBox, error) {
	faces, width, height, err := c.Detect(ctx, imageData)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, nil
	}
	box := faces[0].Box.Pad(constants.FaceBoxPadding).Clamp(width, height)
	return &box, nil
}

// Embed returns the embedding of the face that best overlaps box, or of the
// most confident face when box is nil.
func (c *Client) Embed(ctx context.Context, imageData []byte, box *BoundingBox) ([]float32, error) {
	faces, _, _, err := c.Detect(ctx, imageData)
	if err != nil {
		return nil, err
	}
	face, ok := pickFace(faces, box)
	if !ok || len(face.Embedding) == 0 {
		return nil, ErrNoFaceExtractable
	}
	return face.Embedding, nil
}

// EncodeImage computes the embedding of the most confident face in an image.
func (c *Client) EncodeImage(ctx context.Context, imageData []byte) ([]float32, error) {
	return c.Embed(ctx, imageData, nil)
}

func pickFace(faces []Face, box *BoundingBox) (Face, bool) {
	if len(faces) == 0 {
		return Face{}, false
	}
	if box == nil {
		return faces[0], true
	}
	best, bestIoU := -1, 0.0
	for i, f := range faces {
		if iou := IoU(*box, f.Box); iou > bestIoU {
			best, bestIoU = i, iou
		}
	}
	if best < 0 {
		return Face{}, false
	}
	return faces[best], true
}

// postMultipartImage posts the image as a multipart form file and returns the response body.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", detectMIMEType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("face service error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func hashImage(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}
