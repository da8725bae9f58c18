package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/reelworks/renderd/internal/models"
)

// ---------------------------------------------------------------------------
// FFmpegService cares for all local media work: camera-motion synthesis from stills,
// clip conforming, caption burn-in, watermarking, concatenation, and the
// final narration/music mux. Every encode step takes the render's single
// EncodeProfile so a render can never mix presets.
// ---------------------------------------------------------------------------

const (
	// Headroom factor for camera motion: stills are pre-cropped to this
	// multiple of the target size so pans and zooms never reveal edges.
	motionHeadroom = 1.5

	// Zoom range for the zoom-in/zoom-out camera modes.
	zoomFar  = 1.0
	zoomNear = 1.3

	// Fixed zoom during pans, leaving a crop margin for the pan to travel.
	panZoom = 1.2

	// Audio fade applied before the timeline end to avoid abrupt cuts.
	audioFadeSec = 0.75

	// Music level under narration before ducking kicks in.
	musicVolume = 0.35
)

type FFmpegService struct{}

func NewFFmpegService() *FFmpegService {
	return &FFmpegService{}
}

// ComposeOptions carries the per-scene parameters shared by both composition
// paths.
type ComposeOptions struct {
	DurationSec  int
	Resolution   models.Resolution
	Profile      models.EncodeProfile
	SubtitlePath string // empty = no caption burn-in
	Watermark    string // empty = no watermark

	// Fade edges baked into the segment so concatenation can stream-copy.
	FadeIn  bool
	FadeOut bool
}

// sceneFadeSec is the length of a fade transition edge.
const sceneFadeSec = 0.5

// ComposeFromClip conforms a generated motion clip to an exact-duration,
// silent scene segment: scaled/letterboxed to the target resolution, frozen
// on the last frame if the clip runs short, trimmed if it runs long.
func (s *FFmpegService) ComposeFromClip(ctx context.Context, clipPath, outputPath string, opts ComposeOptions) error {
	w, h := opts.Resolution.Width, opts.Resolution.Height

	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,setsar=1,fps=%d,format=yuv420p,tpad=stop_mode=clone:stop_duration=%d",
		w, h, w, h, opts.Profile.FPS, opts.DurationSec+1,
	)
	vf += overlayFilters(opts)

	log.Printf("[FFmpeg] Conforming clip to %ds at %s", opts.DurationSec, opts.Resolution)

	args := []string{
		"-i", clipPath,
		"-vf", vf,
		"-t", fmt.Sprintf("%d", opts.DurationSec),
		"-an", // segments are silent; audio joins at assembly
	}
	args = append(args, videoEncodeArgs(opts.Profile)...)
	args = append(args, "-y", outputPath)

	return runFFmpeg(ctx, args, "compose from clip")
}

// ComposeFromImage synthesizes a silent scene segment from a still image with
// the requested camera motion. The still is first cropped with headroom so
// the motion never runs out of pixels, then animated with zoompan.
func (s *FFmpegService) ComposeFromImage(ctx context.Context, imagePath, outputPath string, camera models.CameraMotion, opts ComposeOptions) error {
	vf := buildCameraFilter(camera, opts.DurationSec, opts.Profile.FPS, opts.Resolution)
	vf += ",format=yuv420p"
	vf += overlayFilters(opts)

	log.Printf("[FFmpeg] Synthesizing %s motion, %ds at %s", camera, opts.DurationSec, opts.Resolution)

	args := []string{
		"-loop", "1",
		"-i", imagePath,
		"-vf", vf,
		"-t", fmt.Sprintf("%d", opts.DurationSec),
		"-an",
	}
	args = append(args, videoEncodeArgs(opts.Profile)...)
	args = append(args, "-y", outputPath)

	return runFFmpeg(ctx, args, fmt.Sprintf("compose from image (camera=%s)", camera))
}

// overlayFilters appends the caption burn-in, watermark and fade-edge stages
// shared by both composition paths. Fades are baked into the segment itself so
// concatenation stays a stream copy.
func overlayFilters(opts ComposeOptions) string {
	var vf string
	if opts.SubtitlePath != "" {
		vf += fmt.Sprintf(",ass='%s'", escapeFilterPath(opts.SubtitlePath))
	}
	if opts.Watermark != "" {
		// Top-right corner, away from the caption safe area at the bottom.
		fontSize := opts.Resolution.Height / 54
		vf += fmt.Sprintf(
			",drawtext=text='%s':x=w-tw-%d:y=%d:fontsize=%d:fontcolor=white@0.45:borderw=2:bordercolor=black@0.45",
			escapeDrawtext(opts.Watermark), fontSize, fontSize, fontSize,
		)
	}
	if opts.FadeIn {
		vf += fmt.Sprintf(",fade=t=in:st=0:d=%.2f", sceneFadeSec)
	}
	if opts.FadeOut {
		st := float64(opts.DurationSec) - sceneFadeSec
		if st < 0 {
			st = 0
		}
		vf += fmt.Sprintf(",fade=t=out:st=%.2f:d=%.2f", st, sceneFadeSec)
	}
	return vf
}

// buildCameraFilter constructs the zoompan-based filter chain for a camera
// motion. Pans use a half-cosine position curve so velocity is zero at both
// boundaries: the motion eases in and out and plays identically reversed.
func buildCameraFilter(camera models.CameraMotion, durationSec, fps int, res models.Resolution) string {
	w, h := res.Width, res.Height
	totalFrames := durationSec * fps
	if totalFrames < fps {
		totalFrames = fps // minimum 1 second
	}

	// Pre-crop with headroom: fill a motionHeadroom× canvas so pan/zoom
	// windows always sample real pixels.
	srcW := int(float64(w) * motionHeadroom)
	srcH := int(float64(h) * motionHeadroom)
	prep := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d", srcW, srcH, srcW, srcH)

	// Half-cosine ease: 0 → 1 over the segment with smooth boundaries.
	ease := fmt.Sprintf("(1-cos(PI*on/%d))/2", totalFrames)

	centerX := "iw/2-(iw/zoom/2)"
	centerY := "ih/2-(ih/zoom/2)"

	var zExpr, xExpr, yExpr string
	switch camera {
	case models.CameraZoomIn:
		zExpr = fmt.Sprintf("%.2f+%.2f*%s", zoomFar, zoomNear-zoomFar, ease)
		xExpr, yExpr = centerX, centerY

	case models.CameraZoomOut:
		zExpr = fmt.Sprintf("%.2f-%.2f*%s", zoomNear, zoomNear-zoomFar, ease)
		xExpr, yExpr = centerX, centerY

	case models.CameraPanLeft:
		// Drift right edge to left edge across the crop margin.
		zExpr = fmt.Sprintf("%.2f", panZoom)
		xExpr = fmt.Sprintf("(iw-iw/zoom)*(1-%s)", ease)
		yExpr = centerY

	case models.CameraPanRight:
		zExpr = fmt.Sprintf("%.2f", panZoom)
		xExpr = fmt.Sprintf("(iw-iw/zoom)*%s", ease)
		yExpr = centerY

	default: // CameraStatic: no transform, plain fill
		return fmt.Sprintf("%s,scale=%d:%d,fps=%d", prep, w, h, fps)
	}

	zoompan := fmt.Sprintf(
		"zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d",
		zExpr, xExpr, yExpr,
		totalFrames,
		w, h,
		fps,
	)

	return prep + "," + zoompan
}

// ConcatSegments joins scene segments in order. Segments are produced by this
// service with identical codec settings, so the concat demuxer can copy
// streams without re-encoding.
func (s *FFmpegService) ConcatSegments(ctx context.Context, segmentPaths []string, outputPath string) error {
	if len(segmentPaths) == 0 {
		return fmt.Errorf("no segments to concatenate")
	}

	listPath := filepath.Join(filepath.Dir(outputPath), "concat_list.txt")
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	for _, p := range segmentPaths {
		fmt.Fprintf(f, "file '%s'\n", p)
	}
	f.Close()
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outputPath,
	}

	return runFFmpeg(ctx, args, "concatenate segments")
}

// MuxAudio muxes narration (and optional music) under the concatenated video.
// The timeline length is the deterministic sum of scene durations; audio is
// trimmed to it with a fade-out tail. When both tracks are present the music
// is ducked under narration via sidechain compression keyed on the narration
// signal.
func (s *FFmpegService) MuxAudio(ctx context.Context, videoPath, narrationPath, musicPath, outputPath string, totalDurationSec int, profile models.EncodeProfile) error {
	t := float64(totalDurationSec)
	fadeStart := t - audioFadeSec
	if fadeStart < 0 {
		fadeStart = 0
	}

	args := []string{"-i", videoPath}
	var filter string

	switch {
	case narrationPath != "" && musicPath != "":
		log.Printf("[FFmpeg] Muxing narration + ducked music (%.0fs timeline)", t)
		args = append(args, "-i", narrationPath, "-stream_loop", "-1", "-i", musicPath)
		// Narration is split: one copy keys the compressor, one is mixed.
		filter = fmt.Sprintf(
			"[1:a]atrim=0:%.3f,asetpts=PTS-STARTPTS,apad=whole_dur=%.3f,asplit=2[nar][key];"+
				"[2:a]atrim=0:%.3f,asetpts=PTS-STARTPTS,volume=%.2f[mus];"+
				"[mus][key]sidechaincompress=threshold=0.03:ratio=8:attack=20:release=400[duck];"+
				"[nar][duck]amix=inputs=2:duration=first:dropout_transition=2,afade=t=out:st=%.3f:d=%.3f[aout]",
			t, t, t, musicVolume, fadeStart, audioFadeSec,
		)

	case narrationPath != "":
		log.Printf("[FFmpeg] Muxing narration only (%.0fs timeline)", t)
		args = append(args, "-i", narrationPath)
		filter = fmt.Sprintf(
			"[1:a]atrim=0:%.3f,asetpts=PTS-STARTPTS,loudnorm=I=-16:TP=-1.5:LRA=11,apad=whole_dur=%.3f,afade=t=out:st=%.3f:d=%.3f[aout]",
			t, t, fadeStart, audioFadeSec,
		)

	default:
		log.Printf("[FFmpeg] No audio tracks, muxing silence (%.0fs timeline)", t)
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
		filter = fmt.Sprintf("[1:a]atrim=0:%.3f[aout]", t)
	}

	args = append(args,
		"-filter_complex", filter,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy", // video was encoded per-profile at composition time
		"-c:a", "aac",
		"-b:a", profile.AudioBitrate,
		"-t", fmt.Sprintf("%d", totalDurationSec),
		"-y", outputPath,
	)

	return runFFmpeg(ctx, args, "mux audio")
}

// ProbeDurationMs returns a media file's duration in milliseconds using ffprobe.
func (s *FFmpegService) ProbeDurationMs(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return int(durationSec * 1000), nil
}

// videoEncodeArgs maps the render's encode profile onto ffmpeg flags.
func videoEncodeArgs(p models.EncodeProfile) []string {
	return []string{
		"-c:v", p.VideoCodec,
		"-crf", fmt.Sprintf("%d", p.CRF),
		"-maxrate", p.VideoBitrate,
		"-bufsize", p.VideoBitrate,
		"-r", fmt.Sprintf("%d", p.FPS),
		"-pix_fmt", "yuv420p",
	}
}

func runFFmpeg(ctx context.Context, args []string, label string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w", label, err)
	}
	return nil
}

// escapeFilterPath escapes special characters in file paths for FFmpeg filter
// syntax. Filter strings treat colons, backslashes, and single quotes
// specially.
func escapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// escapeDrawtext escapes text for the drawtext filter.
func escapeDrawtext(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, ":", "\\:")
	text = strings.ReplaceAll(text, "'", "")
	return text
}
