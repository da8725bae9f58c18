package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ---------------------------------------------------------------------------
// xAI Grok Imagine Video Generation Service
// Uses the xAI REST API to animate scene stills into motion clips.
// Follows a deferred request pattern: submit generation → poll by request_id → download.
// ---------------------------------------------------------------------------

const (
	grokBaseURL           = "https://api.x.ai/v1"
	grokVideoModel        = "grok-imagine-video"
	grokInitialDelay      = 15 * time.Second // Wait before first poll (videos typically take 30-40s)
	grokPollMinInterval   = 5 * time.Second  // Start polling every 5s
	grokPollMaxInterval   = 20 * time.Second // Cap at 20s between polls
	grokPollBackoffFactor = 1.5              // Multiply interval by 1.5 each attempt
	grokMaxPollDuration   = 5 * time.Minute  // Hard timeout per clip
	grokMinDuration       = 1                // xAI minimum video duration
	grokMaxDuration       = 15               // xAI maximum video duration
	grokResolution        = "720p"           // 720p or 480p supported
)

// GrokVideoService generates motion clips via xAI's Grok Imagine Video API.
// When the service is absent from the model chain (or every candidate fails),
// scenes fall back to camera-motion synthesis on the still image.
type GrokVideoService struct {
	apiKey     string
	httpClient *http.Client
}

func NewGrokVideoService(apiKey string) *GrokVideoService {
	return &GrokVideoService{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // Timeout for individual HTTP calls, not the full poll cycle
		},
	}
}

func (s *GrokVideoService) ModelID() string {
	return grokVideoModel
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// grokGenerationRequest is the body for POST /v1/videos/generations
type grokGenerationRequest struct {
	Prompt      string          `json:"prompt"`
	Model       string          `json:"model"`
	Image       *grokImageInput `json:"image,omitempty"`
	Duration    int             `json:"duration,omitempty"`
	AspectRatio string          `json:"aspect_ratio,omitempty"`
	Resolution  string          `json:"resolution,omitempty"`
}

// grokImageInput is an image reference for image-to-video generation
type grokImageInput struct {
	URL string `json:"url"`
}

type grokGenerationResponse struct {
	RequestID string `json:"request_id"`
}

// grokVideoResult is the unified response from GET /v1/videos/{request_id}.
//
// xAI returns two different shapes depending on state:
//   - Pending: {"status":"pending"}
//   - Completed: {"video":{"url":"...","duration":8},"model":"grok-imagine-video"}
//     (note: no "status" field when completed — status will be "")
//   - Failed: {"status":"failed","error":"..."}
type grokVideoResult struct {
	Status string           `json:"status"`
	Video  *grokVideoOutput `json:"video,omitempty"`
	Model  string           `json:"model,omitempty"`
	Error  string           `json:"error"`
}

type grokVideoOutput struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

// buildGrokPrompt wraps the scene's motion prompt with instructions that keep
// the clip consistent with the source still.
func buildGrokPrompt(rawPrompt string) string {
	return fmt.Sprintf(`%s

Maintain visual consistency with the input image throughout the video. Preserve the color palette, lighting, and artistic quality from the source frame.

Generate natural, cinematic movement that brings the scene to life. Silent video only — no generated audio or dialogue.`, rawPrompt)
}

// GenerateClip animates the scene still into a motion clip.
//
// The async operation is polled internally; the caller bounds the whole
// attempt through ctx (the per-candidate timeout lives in the acquirer, not
// here).
func (s *GrokVideoService) GenerateClip(ctx context.Context, clipReq ClipRequest) ([]byte, error) {
	durationSec := clipReq.DurationSec
	if durationSec < grokMinDuration {
		durationSec = grokMinDuration
	}
	if durationSec > grokMaxDuration {
		durationSec = grokMaxDuration
	}

	reqBody := grokGenerationRequest{
		Prompt:      buildGrokPrompt(clipReq.Prompt),
		Model:       grokVideoModel,
		Duration:    durationSec,
		AspectRatio: aspectRatioFor(clipReq.Resolution),
		Resolution:  grokResolution,
	}
	if clipReq.ImageURL != "" {
		reqBody.Image = &grokImageInput{URL: clipReq.ImageURL}
	}

	log.Printf("[Grok Video] Starting clip generation (promptLen=%d, hasImage=%v, duration=%ds, aspect=%s)",
		len(clipReq.Prompt), clipReq.ImageURL != "", durationSec, reqBody.AspectRatio)

	requestID, err := s.submitGeneration(ctx, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to submit clip generation: %w", err)
	}

	log.Printf("[Grok Video] Generation submitted, request_id=%s", requestID)

	result, err := s.pollForResult(ctx, requestID)
	if err != nil {
		return nil, err
	}

	log.Printf("[Grok Video] Clip ready (duration=%ds), downloading...", result.Video.Duration)

	videoBytes, err := s.downloadVideo(ctx, result.Video.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated clip: %w", err)
	}

	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded clip is empty (0 bytes)")
	}

	log.Printf("[Grok Video] Clip downloaded (%d bytes)", len(videoBytes))
	return videoBytes, nil
}

// submitGeneration sends the initial generation request and returns the request_id.
func (s *GrokVideoService) submitGeneration(ctx context.Context, reqBody grokGenerationRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", grokBaseURL+"/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, string(body))
	}

	var genResp grokGenerationResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(body))
	}

	if genResp.RequestID == "" {
		return "", fmt.Errorf("no request_id in generation response: %s", string(body))
	}

	return genResp.RequestID, nil
}

// pollForResult polls GET /v1/videos/{request_id} until the clip is ready or
// an error occurs.
//
// Polling strategy: exponential backoff starting at 5s, scaling by 1.5x up to
// a 20s cap, after an initial 15s delay that skips guaranteed "pending"
// responses. Hard timeout: 5 minutes per clip.
func (s *GrokVideoService) pollForResult(ctx context.Context, requestID string) (*grokVideoResult, error) {
	deadline := time.Now().Add(grokMaxPollDuration)
	pollCount := 0
	currentInterval := grokPollMinInterval

	log.Printf("[Grok Video] Waiting %v before first poll...", grokInitialDelay)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("clip generation cancelled during initial wait: %w", ctx.Err())
	case <-time.After(grokInitialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("clip generation timed out after %v (polled %d times, request_id=%s)", grokMaxPollDuration, pollCount, requestID)
		}

		pollCount++

		result, err := s.getVideoResult(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll clip result (attempt %d): %w", pollCount, err)
		}

		// Completion is signaled by the video object, not the status field:
		// xAI omits "status" entirely on completed generations.
		if result.Video != nil && result.Video.URL != "" {
			log.Printf("[Grok Video] Poll %d: completed (duration=%ds)", pollCount, result.Video.Duration)
			return result, nil
		}

		log.Printf("[Grok Video] Poll %d: status=%s (next poll in %v)", pollCount, result.Status, currentInterval)

		switch result.Status {
		case "failed":
			errMsg := result.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			return nil, fmt.Errorf("clip generation failed: %s (request_id=%s)", errMsg, requestID)

		default:
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("clip generation cancelled: %w", ctx.Err())
			case <-time.After(currentInterval):
			}

			// 5s → 7.5s → 11.25s → 16.8s → 20s (capped)
			next := time.Duration(float64(currentInterval) * grokPollBackoffFactor)
			if next > grokPollMaxInterval {
				next = grokPollMaxInterval
			}
			currentInterval = next
		}
	}
}

// getVideoResult fetches the current status of a generation request.
func (s *GrokVideoService) getVideoResult(ctx context.Context, requestID string) (*grokVideoResult, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/videos/%s", grokBaseURL, requestID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// 202 with {"status":"pending"} is a valid poll response.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("xAI returned status %d: %s", resp.StatusCode, string(body))
	}

	var result grokVideoResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse clip result: %w (body: %s)", err, string(body))
	}

	return &result, nil
}

// downloadVideo fetches the clip bytes from the given URL.
func (s *GrokVideoService) downloadVideo(ctx context.Context, videoURL string) ([]byte, error) {
	// Longer timeout for the download itself, clips can be large.
	downloadClient := &http.Client{Timeout: 120 * time.Second}

	req, err := http.NewRequestWithContext(ctx, "GET", videoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clip download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read clip data: %w", err)
	}

	return data, nil
}
