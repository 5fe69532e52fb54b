package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	OpenAIKeyEnv         = "OPENAI_API_KEY"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "whisper-1"
)

// OpenAIEngine sends each take to the hosted transcription endpoint with
// verbose_json output and word plus segment timestamp granularity.
type OpenAIEngine struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Logger  *zap.Logger
}

func NewOpenAIEngine(opts OpenAIOptions) (*OpenAIEngine, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(OpenAIKeyEnv))
	}
	if key == "" {
		return nil, fmt.Errorf("openai engine requires an API key; set %s", OpenAIKeyEnv)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if strings.TrimSpace(opts.BaseURL) == "" {
		opts.BaseURL = DefaultOpenAIBaseURL
	}
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = DefaultOpenAIModel
	}

	return &OpenAIEngine{
		APIKey:     key,
		BaseURL:    opts.BaseURL,
		Model:      opts.Model,
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		Logger:     opts.Logger,
	}, nil
}

type openAIResponse struct {
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Segments []openAISegment `json:"segments"`
	Words    []openAIWord    `json:"words"`
}

type openAISegment struct {
	Start float64      `json:"start"`
	End   float64      `json:"end"`
	Text  string       `json:"text"`
	Words []openAIWord `json:"words"`
}

type openAIWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type openAIError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (e *OpenAIEngine) Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return Result{}, errors.New("audio path is required")
	}

	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return Result{}, fmt.Errorf("read audio: %w", err)
	}

	body, contentType, err := e.buildForm(filepath.Base(req.AudioPath), audio, req)
	if err != nil {
		return Result{}, err
	}

	url := strings.TrimRight(e.BaseURL, "/") + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return Result{}, fmt.Errorf("build transcription request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+e.APIKey)
	httpReq.Header.Set("Content-Type", contentType)

	e.log().Debug("posting audio to openai", zap.String("url", url), zap.String("model", e.Model), zap.Int("bytes", len(audio)))
	resp, err := e.client().Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Result{}, decodeOpenAIError(resp)
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("decode transcription response: %w", err)
	}

	return toResult(parsed), nil
}

func (e *OpenAIEngine) buildForm(filename string, audio []byte, req TranscriptionRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"model", e.Model},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
	}
	if req.WordTimestamps {
		fields = append(fields, [2]string{"timestamp_granularities[]", "word"})
	}
	if lang := strings.TrimSpace(req.Language); lang != "" && lang != "auto" {
		fields = append(fields, [2]string{"language", lang})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", field[0], err)
		}
	}

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create file form field: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// toResult maps the API response. The endpoint reports words at the top
// level; each word is placed in the last segment starting at or before it.
func toResult(resp openAIResponse) Result {
	result := Result{Text: resp.Text, Language: resp.Language}

	for _, seg := range resp.Segments {
		segment := Segment{Start: seg.Start, End: seg.End, Text: seg.Text}
		for _, w := range seg.Words {
			segment.Words = append(segment.Words, Word{Text: w.Word, Start: w.Start, End: w.End})
		}
		result.Segments = append(result.Segments, segment)
	}

	if len(resp.Words) == 0 {
		return result
	}

	if len(result.Segments) == 0 {
		last := resp.Words[len(resp.Words)-1]
		result.Segments = []Segment{{Start: resp.Words[0].Start, End: last.End, Text: resp.Text}}
	}

	idx := 0
	for _, w := range resp.Words {
		for idx+1 < len(result.Segments) && result.Segments[idx+1].Start <= w.Start {
			idx++
		}
		result.Segments[idx].Words = append(result.Segments[idx].Words, Word{Text: w.Word, Start: w.Start, End: w.End})
	}

	return result
}

func decodeOpenAIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var apiErr openAIError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("openai transcription failed (%d %s): %s", resp.StatusCode, apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("openai transcription failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func (e *OpenAIEngine) client() *http.Client {
	if e.HTTPClient == nil {
		return http.DefaultClient
	}
	return e.HTTPClient
}

func (e *OpenAIEngine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}
