package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"automation-backend/internal/config"
	"automation-backend/internal/models"
)

func redPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newImageHandler(t *testing.T, root string) (*ImageHandler, string) {
	t.Helper()
	out := t.TempDir()
	h, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: out}, Workspace{Root: root}, http.DefaultClient)
	if err != nil {
		t.Fatalf("new image handler: %v", err)
	}
	return h, out
}

func TestImageHandlerDownloadResizeAndGrayscale(t *testing.T) {
	data := redPNG(t, 10, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	h, out := newImageHandler(t, t.TempDir())
	job := models.Job{
		ID:   "job-1",
		Type: "media.image.resize",
		Input: map[string]any{
			"source_url": srv.URL,
			"grayscale":  true,
			"width":      5,
			"output_key": "thumbs/test.png",
		},
	}
	res, err := h.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result := res.(map[string]any)
	if result["width"] != 5 || result["height"] != 5 || result["format"] != "png" {
		t.Fatalf("unexpected result %v", result)
	}

	written, err := os.ReadFile(filepath.Join(out, "thumbs", "test.png"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	outImg, _, err := image.Decode(bytes.NewReader(written))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if outImg.Bounds().Dx() != 5 {
		t.Fatalf("expected width 5, got %d", outImg.Bounds().Dx())
	}
	r, g, b, _ := outImg.At(0, 0).RGBA()
	if r != g || g != b {
		t.Fatalf("expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
	}
}

func TestImageHandlerWorkspaceSourceWithCatmullRom(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "photo.png"), redPNG(t, 40, 20), 0o644); err != nil {
		t.Fatal(err)
	}
	h, out := newImageHandler(t, root)

	res, err := h.Execute(context.Background(), models.Job{
		ID:    "job-2",
		Type:  "media.image.resize",
		Input: map[string]any{"filepath": "photo.png", "width": 10, "filter": "catmullrom"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result := res.(map[string]any)
	if result["width"] != 10 || result["height"] != 5 {
		t.Fatalf("aspect ratio not kept: %v", result)
	}
	if _, err := os.Stat(filepath.Join(out, "job-2.png")); err != nil {
		t.Fatalf("default output key not used: %v", err)
	}
}

func TestImageHandlerRejectsUnconfiguredS3AndEscapes(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "photo.png"), redPNG(t, 4, 4), 0o644); err != nil {
		t.Fatal(err)
	}
	h, _ := newImageHandler(t, root)

	_, err := h.Execute(context.Background(), models.Job{
		ID:    "job-3",
		Input: map[string]any{"filepath": "photo.png", "destination": "s3"},
	})
	var herr *HandlerError
	if !errors.As(err, &herr) || herr.Code != models.CodeNotConfigured {
		t.Fatalf("expected NOT_CONFIGURED, got %v", err)
	}

	_, err = h.Execute(context.Background(), models.Job{
		ID:    "job-4",
		Input: map[string]any{"filepath": "../outside.png"},
	})
	if !errors.As(err, &herr) || herr.Code != models.CodeExecutionFailed {
		t.Fatalf("expected workspace escape to fail, got %v", err)
	}
}

func TestSanitizeKeyStaysRelative(t *testing.T) {
	got, err := sanitizeKey("../../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	if got != "etc/passwd" {
		t.Fatalf("sanitizeKey = %q", got)
	}
	if _, err := sanitizeKey("/"); err == nil {
		t.Fatal("expected empty key to be rejected")
	}
}
