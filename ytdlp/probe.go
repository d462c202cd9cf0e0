// Package ytdlp adapts the yt-dlp command line program, the external
// collaborator that knows how to list and download renditions of a remote
// media resource.
package ytdlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"

	"mediafetchd/config"

	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidResource     = errors.New("invalid resource")
	ErrResourceUnavailable = errors.New("resource unavailable")
)

// Rendition is one downloadable quality/format variant of a resource.
type Rendition struct {
	ID              string `json:"id"`
	Container       string `json:"container"`
	Resolution      string `json:"resolution"`
	ApproxSizeBytes int64  `json:"approxSizeBytes,omitempty"`
}

type Info struct {
	Title      string      `json:"title"`
	Duration   float64     `json:"duration,omitempty"`
	Renditions []Rendition `json:"formats"`
}

// ExpectedBytes estimates the download size of a rendition selection.
// Merged selections such as "137+140" sum their parts; if any part is
// unknown the whole estimate is unknown (0).
func (i *Info) ExpectedBytes(renditionID string) int64 {
	if i == nil {
		return 0
	}
	var total int64
	for _, part := range strings.Split(renditionID, "+") {
		size := int64(0)
		for _, r := range i.Renditions {
			if r.ID == strings.TrimSpace(part) {
				size = r.ApproxSizeBytes
				break
			}
		}
		if size <= 0 {
			return 0
		}
		total += size
	}
	return total
}

type rawInfo struct {
	Title    string      `json:"title"`
	Duration *float64    `json:"duration"`
	Formats  []rawFormat `json:"formats"`
}

type rawFormat struct {
	FormatID       string   `json:"format_id"`
	Ext            string   `json:"ext"`
	Protocol       string   `json:"protocol"`
	Resolution     string   `json:"resolution"`
	Width          *int     `json:"width"`
	Height         *int     `json:"height"`
	Filesize       *float64 `json:"filesize"`
	FilesizeApprox *float64 `json:"filesize_approx"`
	TBR            *float64 `json:"tbr"`
}

type Prober struct {
	bin   string
	extra []string
	log   *logrus.Logger
}

func NewProber(cfg *config.Config, logger *logrus.Logger) (*Prober, error) {
	extra, err := ParseExtraArgs(cfg.FetchExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("FETCH_EXTRA_ARGS: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Prober{bin: cfg.FetchBin, extra: extra, log: logger}, nil
}

// Probe asks yt-dlp for the resource's metadata without downloading it.
// The caller bounds the run through ctx.
func (p *Prober) Probe(ctx context.Context, resource string) (*Info, error) {
	if strings.TrimSpace(resource) == "" {
		return nil, fmt.Errorf("%w: resource is required", ErrInvalidResource)
	}

	cmd := exec.CommandContext(ctx, p.bin, ProbeArgs(resource, p.extra)...)
	stderr := NewOutputTail(8192)
	cmd.Stderr = stderr

	p.log.WithField("resource", resource).Debug("probing resource")
	out, err := cmd.Output()
	if err != nil {
		return nil, classify(ctx, err, stderr.LastLine())
	}

	info, err := parseInfo(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}
	return info, nil
}

func classify(ctx context.Context, err error, lastLine string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: probe aborted: %v", ErrResourceUnavailable, ctx.Err())
	}
	lower := strings.ToLower(lastLine)
	for _, marker := range []string{"unsupported url", "is not a valid url", "invalid url", "no video formats found"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s", ErrInvalidResource, lastLine)
		}
	}
	if lastLine == "" {
		return fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}
	return fmt.Errorf("%w: %s", ErrResourceUnavailable, lastLine)
}

func parseInfo(raw []byte) (*Info, error) {
	var src rawInfo
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	info := &Info{Title: src.Title}
	if src.Duration != nil && *src.Duration > 0 {
		info.Duration = *src.Duration
	}
	for _, f := range src.Formats {
		if f.FormatID == "" || !strings.HasPrefix(f.Protocol, "http") {
			continue
		}
		info.Renditions = append(info.Renditions, Rendition{
			ID:              f.FormatID,
			Container:       f.Ext,
			Resolution:      resolution(f),
			ApproxSizeBytes: approxSize(f, info.Duration),
		})
	}
	return info, nil
}

func resolution(f rawFormat) string {
	if f.Resolution != "" {
		return f.Resolution
	}
	w, h := "None", "None"
	if f.Width != nil {
		w = fmt.Sprint(*f.Width)
	}
	if f.Height != nil {
		h = fmt.Sprint(*f.Height)
	}
	return w + "x" + h
}

// approxSize prefers the declared size, then yt-dlp's own approximation,
// then total bitrate (kbit/s) times duration.
func approxSize(f rawFormat, duration float64) int64 {
	for _, v := range []*float64{f.Filesize, f.FilesizeApprox} {
		if v != nil && *v > 0 {
			return int64(math.Round(*v))
		}
	}
	if f.TBR != nil && *f.TBR > 0 && duration > 0 {
		return int64(math.Round(*f.TBR * 1000 / 8 * duration))
	}
	return 0
}
