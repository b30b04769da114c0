package openai_compat

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"clarity/internal/providers"
)

func (c *Client) GenerateImage(ctx context.Context, req providers.ImageRequest) (providers.Image, error) {
	endpointURL, err := c.resolve("/images/generations")
	if err != nil {
		return providers.Image{}, err
	}
	payload := map[string]any{
		"model":           req.Model,
		"prompt":          req.Prompt,
		"n":               1,
		"response_format": "b64_json",
	}
	if size := imageSize(req.Size); size != "" {
		payload["size"] = size
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return providers.Image{}, fmt.Errorf("marshal image payload: %w", err)
	}

	var img providers.Image
	err = c.withRetry(ctx, func() (bool, error) {
		respBody, retry, err := c.do(ctx, http.MethodPost, endpointURL, "application/json", body)
		if err != nil {
			return retry, err
		}
		img, err = parseImage(respBody)
		return false, err
	})
	return img, err
}

func (c *Client) EditImage(ctx context.Context, req providers.ImageEditRequest) (providers.Image, error) {
	endpointURL, err := c.resolve("/images/edits")
	if err != nil {
		return providers.Image{}, err
	}
	if len(req.Image) == 0 {
		return providers.Image{}, fmt.Errorf("edit image: source image is empty")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("model", req.Model)
	_ = mw.WriteField("prompt", req.Prompt)
	_ = mw.WriteField("response_format", "b64_json")
	part, err := mw.CreateFormFile("image", "image"+extensionFor(req.MIMEType))
	if err != nil {
		return providers.Image{}, fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(req.Image); err != nil {
		return providers.Image{}, fmt.Errorf("write image part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return providers.Image{}, fmt.Errorf("close multipart body: %w", err)
	}
	body := buf.Bytes()

	var img providers.Image
	err = c.withRetry(ctx, func() (bool, error) {
		respBody, retry, err := c.do(ctx, http.MethodPost, endpointURL, mw.FormDataContentType(), body)
		if err != nil {
			return retry, err
		}
		img, err = parseImage(respBody)
		return false, err
	})
	return img, err
}

func (c *Client) SubmitVideo(ctx context.Context, req providers.VideoRequest) (providers.VideoJob, error) {
	endpointURL, err := c.resolve("/videos")
	if err != nil {
		return providers.VideoJob{}, err
	}
	payload := map[string]any{
		"model":  req.Model,
		"prompt": req.Prompt,
	}
	if req.AspectRatio != "" {
		payload["aspect_ratio"] = req.AspectRatio
	}
	if len(req.Image) > 0 {
		payload["input_reference"] = providers.Image{MIMEType: req.MIMEType, Data: req.Image}.DataURI()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return providers.VideoJob{}, fmt.Errorf("marshal video payload: %w", err)
	}

	var job providers.VideoJob
	err = c.withRetry(ctx, func() (bool, error) {
		respBody, retry, err := c.do(ctx, http.MethodPost, endpointURL, "application/json", body)
		if err != nil {
			return retry, err
		}
		job, err = c.parseVideoJob(respBody)
		return false, err
	})
	return job, err
}

func (c *Client) PollVideo(ctx context.Context, id string) (providers.VideoJob, error) {
	endpointURL, err := c.resolve("/videos/" + url.PathEscape(id))
	if err != nil {
		return providers.VideoJob{}, err
	}
	respBody, _, err := c.do(ctx, http.MethodGet, endpointURL, "", nil)
	if err != nil {
		return providers.VideoJob{}, err
	}
	return c.parseVideoJob(respBody)
}

func (c *Client) parseVideoJob(body []byte) (providers.VideoJob, error) {
	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		URL    string `json:"url"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.VideoJob{}, fmt.Errorf("decode video job: %w", err)
	}
	if strings.TrimSpace(resp.ID) == "" {
		return providers.VideoJob{}, fmt.Errorf("video job without id")
	}
	job := providers.VideoJob{ID: resp.ID, URI: resp.URL}
	switch strings.ToLower(resp.Status) {
	case "completed", "succeeded":
		job.Status = providers.VideoCompleted
	case "failed", "cancelled", "canceled":
		job.Status = providers.VideoFailed
	case "in_progress", "running", "processing":
		job.Status = providers.VideoInProgress
	default:
		job.Status = providers.VideoQueued
	}
	if resp.Error != nil {
		job.Error = resp.Error.Message
	}
	if job.Status == providers.VideoCompleted && job.URI == "" {
		content, err := c.resolve("/videos/" + url.PathEscape(resp.ID) + "/content")
		if err == nil {
			job.URI = content
		}
	}
	return job, nil
}

func parseImage(body []byte) (providers.Image, error) {
	var resp struct {
		Data []struct {
			B64JSON string `json:"b64_json"`
		} `json:"data"`
		OutputFormat string `json:"output_format"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Image{}, fmt.Errorf("decode image response: %w", err)
	}
	for _, d := range resp.Data {
		if strings.TrimSpace(d.B64JSON) == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return providers.Image{}, fmt.Errorf("decode image data: %w", err)
		}
		mime := "image/png"
		if f := strings.ToLower(resp.OutputFormat); f == "jpeg" || f == "webp" {
			mime = "image/" + f
		}
		return providers.Image{MIMEType: mime, Data: raw}, nil
	}
	return providers.Image{}, fmt.Errorf("no image data in response")
}

// imageSize maps the UI presets to pixel sizes; explicit WxH passes through.
func imageSize(size string) string {
	switch strings.ToUpper(strings.TrimSpace(size)) {
	case "":
		return ""
	case "1K":
		return "1024x1024"
	case "2K":
		return "2048x2048"
	case "4K":
		return "4096x4096"
	default:
		return strings.ToLower(strings.TrimSpace(size))
	}
}

func extensionFor(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
