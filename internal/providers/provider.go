package providers

import (
	"context"
	"encoding/base64"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

type GenerateRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	History      []Turn
	MaxTokens    int
	Temperature  float64
}

// Source is a grounding citation returned alongside a remote answer.
type Source struct {
	Title string `json:"title,omitempty"`
	URI   string `json:"uri"`
}

type GenerateResponse struct {
	Text    string
	Sources []Source
}

type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}

type ImageRequest struct {
	Model       string
	Prompt      string
	Size        string
	AspectRatio string
}

type ImageEditRequest struct {
	Model    string
	Prompt   string
	Image    []byte
	MIMEType string
}

type Image struct {
	MIMEType string
	Data     []byte
}

func (i Image) DataURI() string {
	mime := i.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

type ImageProvider interface {
	GenerateImage(ctx context.Context, req ImageRequest) (Image, error)
	EditImage(ctx context.Context, req ImageEditRequest) (Image, error)
}

type VideoStatus string

const (
	VideoQueued     VideoStatus = "queued"
	VideoInProgress VideoStatus = "in_progress"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
)

type VideoRequest struct {
	Model       string
	Prompt      string
	Image       []byte
	MIMEType    string
	AspectRatio string
}

type VideoJob struct {
	ID     string
	Status VideoStatus
	URI    string
	Error  string
}

func (j VideoJob) Done() bool {
	return j.Status == VideoCompleted || j.Status == VideoFailed
}

type VideoProvider interface {
	SubmitVideo(ctx context.Context, req VideoRequest) (VideoJob, error)
	PollVideo(ctx context.Context, id string) (VideoJob, error)
}
