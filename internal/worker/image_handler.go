package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"automation-backend/internal/config"
	"automation-backend/internal/models"
	"automation-backend/internal/registry"
)

const (
	maxImageBytes     = 25 * 1024 * 1024
	defaultImageWidth = 320
)

type imageUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageHandler resizes an image fetched over http or read from the
// workspace, optionally converts it to grayscale, and stores the result
// locally or in S3.
type ImageHandler struct {
	client    *http.Client
	workspace Workspace
	local     imageUploader
	s3        imageUploader
}

// NewImageHandler builds the handler. An S3 uploader is configured only when
// S3_BUCKET is set.
func NewImageHandler(ctx context.Context, cfg config.Config, ws Workspace, client *http.Client) (*ImageHandler, error) {
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}
	h := &ImageHandler{
		client:    client,
		workspace: ws,
		local:     &localUploader{baseDir: baseDir},
	}
	if cfg.S3Bucket != "" {
		s3Client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.s3 = &s3Uploader{client: s3Client, bucket: cfg.S3Bucket, publicBase: cfg.S3PublicBase}
	}
	return h, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

func (h *ImageHandler) Execute(ctx context.Context, job models.Job) (any, error) {
	in, err := decode[registry.ImageResizeInput](job)
	if err != nil {
		return nil, err
	}
	data, contentType, err := h.source(ctx, in)
	if err != nil {
		return nil, err
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, Fail(models.CodeExecutionFailed, "decode image: %v", err)
	}
	if src.Bounds().Dx() == 0 || src.Bounds().Dy() == 0 {
		return nil, Fail(models.CodeExecutionFailed, "image has no pixels")
	}
	if in.Grayscale {
		src = imaging.Grayscale(src)
	}

	width, height := in.Width, in.Height
	if width == 0 && height == 0 {
		width = defaultImageWidth
	}
	var dst image.Image
	if in.Filter == "catmullrom" {
		dst = scaleCatmullRom(src, width, height)
	} else {
		dst = imaging.Resize(src, width, height, imaging.Lanczos)
	}

	outputFormat := chooseFormat(in.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, dst, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	key := in.OutputKey
	if key == "" {
		key = fmt.Sprintf("%s.%s", job.ID, formatExtension(outputFormat))
	}
	key, err = sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	uploader, err := h.pickUploader(in.Destination)
	if err != nil {
		return nil, err
	}
	location, err := uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return map[string]any{
		"output": location,
		"width":  dst.Bounds().Dx(),
		"height": dst.Bounds().Dy(),
		"format": formatExtension(outputFormat),
		"bytes":  buf.Len(),
	}, nil
}

// source returns the raw image bytes and, for downloads, the content type.
func (h *ImageHandler) source(ctx context.Context, in registry.ImageResizeInput) ([]byte, string, error) {
	if in.SourceURL == "" {
		path, err := h.workspace.Resolve(in.Filepath)
		if err != nil {
			return nil, "", err
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", Fail(models.CodeExecutionFailed, "source image %s does not exist", in.Filepath)
		}
		if err != nil {
			return nil, "", fmt.Errorf("read source: %w", err)
		}
		return data, "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.SourceURL, nil)
	if err != nil {
		return nil, "", Fail(models.CodeExecutionFailed, "build request: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", Fail(models.CodeExecutionFailed, "download image: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(body) > maxImageBytes {
		return nil, "", Fail(models.CodeExecutionFailed, "image too large (>%d bytes)", maxImageBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// scaleCatmullRom resizes with x/image/draw, keeping the aspect ratio when
// one dimension is zero.
func scaleCatmullRom(src image.Image, width, height int) image.Image {
	b := src.Bounds()
	if width == 0 {
		width = b.Dx() * height / b.Dy()
	}
	if height == 0 {
		height = b.Dy() * width / b.Dx()
	}
	width, height = max(width, 1), max(height, 1)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func (h *ImageHandler) pickUploader(destination string) (imageUploader, error) {
	switch destination {
	case "s3":
		if h.s3 == nil {
			return nil, Fail(models.CodeNotConfigured, "destination s3 requested but S3_BUCKET is not configured")
		}
		return h.s3, nil
	case "local":
		return h.local, nil
	}
	if h.s3 != nil {
		return h.s3, nil
	}
	return h.local, nil
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	case imaging.TIFF:
		return "tiff"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	case ".gif":
		return imaging.GIF
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}

func sanitizeKey(key string) (string, error) {
	key = strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+key)), "/")
	if key == "" || key == "." {
		return "", Fail(models.CodeExecutionFailed, "output_key is empty")
	}
	return key, nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client     *s3.Client
	bucket     string
	publicBase string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if s.publicBase != "" {
		return strings.TrimRight(s.publicBase, "/") + "/" + key, nil
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
